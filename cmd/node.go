package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"GuildFM/config"
	"GuildFM/core/lavalink"
)

var (
	nodeName    string
	nodeSession string
	nodeSearch  bool
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Lavalink 节点命令行工具",
	Long:  `直接调用 Lavalink 节点的 REST 接口，用于查看节点信息、搜索音轨与管理路由规划`,
}

func selectNode() config.NodeConfig {
	if nodeName == "" {
		return cfg.Nodes[0]
	}
	for _, n := range cfg.Nodes {
		if n.Name == nodeName {
			return n
		}
	}
	log.Fatalf("未找到节点: %s", nodeName)
	return config.NodeConfig{}
}

// restClient 不建立控制连接，需要会话的接口通过 --session 指定
func restClient() *lavalink.RestClient {
	n := selectNode()
	nc := lavalink.NodeConfig{Host: n.Host, Port: n.Port, Secure: n.Secure}
	return lavalink.NewRestClient(nc.RestURL(), n.Password, cfg.RestTimeout, func() string { return nodeSession })
}

func cliContext() (context.Context, context.CancelFunc) {
	timeout := cfg.RestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("输出失败: %v", err)
	}
}

func formatLength(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

func printTracks(tracks []lavalink.Track) {
	for i, t := range tracks {
		length := formatLength(t.Info.Length)
		if t.Info.IsStream {
			length = "LIVE"
		}
		fmt.Printf("%d. %s - %s [%s]\n", i+1, t.Info.Title, t.Info.Author, length)
	}
}

var nodeInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "查看节点信息",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := cliContext()
		defer cancel()
		info, err := restClient().Info(ctx)
		if err != nil {
			log.Fatalf("获取节点信息失败: %v", err)
		}
		printJSON(info)
	},
}

var nodeVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "查看节点版本",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := cliContext()
		defer cancel()
		version, err := restClient().Version(ctx)
		if err != nil {
			log.Fatalf("获取节点版本失败: %v", err)
		}
		fmt.Println(version)
	},
}

var nodeStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "查看节点负载，需要 --session",
	Run: func(cmd *cobra.Command, args []string) {
		if nodeSession == "" {
			fmt.Println("请通过 --session 指定会话 ID")
			os.Exit(1)
		}
		ctx, cancel := cliContext()
		defer cancel()
		stats, err := restClient().Stats(ctx)
		if err != nil {
			log.Fatalf("获取节点负载失败: %v", err)
		}
		printJSON(stats)
		fmt.Printf("penalty: %d\n", stats.Penalty())
	},
}

var nodeLoadCmd = &cobra.Command{
	Use:   "load <identifier>",
	Short: "加载音轨，--search 时按默认搜索平台搜索",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		identifier := strings.Join(args, " ")
		if nodeSearch {
			identifier = cfg.DefaultSearchPlatform + ":" + identifier
		}

		ctx, cancel := cliContext()
		defer cancel()
		fmt.Printf("正在加载: %s\n", identifier)
		result, err := restClient().LoadTracks(ctx, identifier)
		if err != nil {
			log.Fatalf("加载失败: %v", err)
		}

		switch result.LoadType {
		case lavalink.LoadTypeTrack:
			printTracks([]lavalink.Track{*result.Track})
		case lavalink.LoadTypePlaylist:
			fmt.Printf("歌单: %s (%d 首)\n", result.Playlist.Info.Name, len(result.Playlist.Tracks))
			printTracks(result.Playlist.Tracks)
		case lavalink.LoadTypeSearch:
			fmt.Printf("找到 %d 首歌曲:\n", len(result.Search))
			printTracks(result.Search)
		case lavalink.LoadTypeEmpty:
			fmt.Println("未找到相关歌曲")
		case lavalink.LoadTypeError:
			log.Fatalf("节点加载出错: %v", *result.Exception)
		}
	},
}

var nodeDecodeCmd = &cobra.Command{
	Use:   "decode <encoded>...",
	Short: "解码 encoded 音轨",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := cliContext()
		defer cancel()
		tracks, err := restClient().DecodeTracks(ctx, args)
		if err != nil {
			log.Fatalf("解码失败: %v", err)
		}
		printJSON(tracks)
	},
}

var nodePlayersCmd = &cobra.Command{
	Use:   "players",
	Short: "列出会话下的播放器，需要 --session",
	Run: func(cmd *cobra.Command, args []string) {
		if nodeSession == "" {
			fmt.Println("请通过 --session 指定会话 ID")
			os.Exit(1)
		}
		ctx, cancel := cliContext()
		defer cancel()
		players, err := restClient().GetPlayers(ctx)
		if err != nil {
			log.Fatalf("获取播放器失败: %v", err)
		}
		if len(players) == 0 {
			fmt.Println("该会话没有播放器")
			return
		}
		for _, p := range players {
			title := "-"
			if p.Track != nil {
				title = p.Track.Info.Title
			}
			fmt.Printf("guild %s: %s (volume %d, paused %v, ping %dms)\n",
				p.GuildID, title, p.Volume, p.Paused, p.State.Ping)
		}
	},
}

var nodeRoutePlannerCmd = &cobra.Command{
	Use:   "routeplanner [status|free <address>|free-all]",
	Short: "查看或重置路由规划",
	Args:  cobra.RangeArgs(0, 2),
	Run: func(cmd *cobra.Command, args []string) {
		action := "status"
		if len(args) > 0 {
			action = args[0]
		}

		ctx, cancel := cliContext()
		defer cancel()
		rest := restClient()

		switch action {
		case "status":
			status, err := rest.RoutePlannerStatus(ctx)
			if err != nil {
				log.Fatalf("获取路由规划状态失败: %v", err)
			}
			if status == nil {
				fmt.Println("节点未启用路由规划")
				return
			}
			printJSON(status)
		case "free":
			if len(args) < 2 {
				log.Fatal("请指定要解封的地址")
			}
			if err := rest.FreeAddress(ctx, args[1]); err != nil {
				log.Fatalf("解封失败: %v", err)
			}
			fmt.Printf("已解封 %s\n", args[1])
		case "free-all":
			if err := rest.FreeAllAddresses(ctx); err != nil {
				log.Fatalf("解封失败: %v", err)
			}
			fmt.Println("已解封所有地址")
		default:
			log.Fatalf("未知操作: %s", action)
		}
	},
}

func init() {
	nodeCmd.PersistentFlags().StringVarP(&nodeName, "name", "n", "", "节点名，默认使用第一个节点")
	nodeCmd.PersistentFlags().StringVar(&nodeSession, "session", "", "会话 ID")
	nodeLoadCmd.Flags().BoolVarP(&nodeSearch, "search", "s", false, "按默认搜索平台搜索")

	nodeCmd.AddCommand(nodeInfoCmd, nodeVersionCmd, nodeStatsCmd, nodeLoadCmd, nodeDecodeCmd, nodePlayersCmd, nodeRoutePlannerCmd)
	rootCmd.AddCommand(nodeCmd)
}
