package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"GuildFM/cache"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis连接测试",
	Long:  `测试Redis连接是否成功，并进行基本读写操作。播放器快照与节点会话都保存在Redis中。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Redis配置: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		if err := cache.ConnectRedis(cfg); err != nil {
			log.Fatalf("无法连接到Redis: %v", err)
		}
		defer func() {
			if err := cache.CloseRedis(); err != nil {
				log.Printf("关闭Redis连接时发生错误: %v", err)
			}
		}()
		fmt.Println("Redis连接成功！")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cache.CheckRedis(ctx, cache.RedisClient); err != nil {
			log.Fatalf("Redis操作测试失败: %v", err)
		}
		fmt.Println("Redis基本操作测试成功！")

		// 打印已保存的节点会话，便于排查恢复失败
		store := cache.NewPlayerCache(cache.RedisClient, 0)
		for _, n := range cfg.Nodes {
			id, err := store.LoadSession(ctx, n.Name)
			if err != nil {
				fmt.Printf("节点 %s: 读取会话失败: %v\n", n.Name, err)
				continue
			}
			if id == "" {
				id = "(无)"
			}
			fmt.Printf("节点 %s: 会话 %s\n", n.Name, id)
		}
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
}
