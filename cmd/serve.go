package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"GuildFM/cache"
	"GuildFM/core/auth"
	"GuildFM/core/discord"
	"GuildFM/core/lavalink"
	"GuildFM/core/player"
	"GuildFM/core/queue"
	"GuildFM/core/room"
	"GuildFM/db"
	"GuildFM/logger"
	"GuildFM/repository"
	"GuildFM/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动机器人与控制台服务",
	Long:  `连接 Discord 网关与所有 Lavalink 节点，并启动 HTTP/WebSocket 控制台`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DiscordToken == "" {
		return errors.New("DISCORD_TOKEN is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	// Redis 与 MySQL 都是可选的，连接失败时降级运行
	var store lavalink.SessionStore
	var playerCache *cache.PlayerCache
	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Warn("Redis unavailable, session resume and snapshot cache disabled", logger.ErrorField(err))
	} else {
		defer cache.CloseRedis()
		playerCache = cache.NewPlayerCache(cache.RedisClient, cfg.ResumeTimeout)
		store = playerCache
	}

	defaults := player.Settings{
		DefaultVolume:      cfg.DefaultVolume,
		VoteSkipPercentage: cfg.VoteSkipPercentage,
		DefaultLoopMode:    queue.LoopNone,
	}
	var settingsRepo repository.GuildSettingsRepository
	var settings player.SettingsProvider
	if err := db.ConnectGormDB(cfg); err != nil {
		logger.Warn("Database unavailable, guild settings fall back to defaults", logger.ErrorField(err))
	} else {
		defer db.CloseGormDB()
		settingsRepo = repository.NewGormGuildSettingsRepository(db.GormDB)
		settings = repository.NewSettingsProvider(settingsRepo, defaults)
	}

	bot, err := discord.NewBot(cfg.DiscordToken)
	if err != nil {
		return err
	}
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	userID, err := bot.Open(openCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("discord gateway: %w", err)
	}
	defer bot.Close()

	nodes := make([]*lavalink.Node, 0, len(cfg.Nodes))
	pool := player.NewNodePool()
	for _, nc := range cfg.Nodes {
		n := lavalink.NewNode(lavalink.NodeConfig{
			Name:          nc.Name,
			Host:          nc.Host,
			Port:          nc.Port,
			Password:      nc.Password,
			Secure:        nc.Secure,
			UserID:        userID,
			ResumeTimeout: cfg.ResumeTimeout,
			RestTimeout:   cfg.RestTimeout,
			BaseDelay:     cfg.ReconnectBaseDelay,
			MaxDelay:      cfg.ReconnectMaxDelay,
			MaxAttempts:   cfg.ReconnectMaxAttempts,
			Store:         store,
		})
		nodes = append(nodes, n)
		pool.Add(n)
	}

	manager := player.NewManager(pool, bot, player.Config{
		DefaultVolume:      cfg.DefaultVolume,
		VoteSkipPercentage: cfg.VoteSkipPercentage,
		SearchPrefix:       cfg.DefaultSearchPlatform,
		AwaitSideEffects:   cfg.AwaitSideEffects,
		Settings:           settings,
	})
	defer manager.Close()
	bot.SetVoiceEvents(manager)

	hub := room.NewRoomHub(0, 0)
	go hub.Run()
	defer hub.Stop()
	manager.Subscribe("room", hub)
	if playerCache != nil {
		manager.Subscribe("cache", playerCache)
	}

	// 节点在管理器订阅事件之后再连接，避免漏掉 ready
	for _, n := range nodes {
		if err := n.Connect(ctx); err != nil {
			if errors.Is(err, lavalink.ErrUnauthorized) {
				return fmt.Errorf("node %s: %w", n.Name(), err)
			}
			logger.Warn("Lavalink node not reachable yet, retrying in background",
				logger.NodeName(n.Name()), logger.ErrorField(err))
		}
	}
	defer func() {
		for _, n := range nodes {
			n.Disconnect()
		}
	}()

	router := server.NewRouter(
		server.NewAuthHandler(cfg.JWTSecret, cfg.TokenTTL, auth.Dashboard{
			Username:     cfg.DashboardUser,
			PasswordHash: cfg.DashboardPasswordHash,
		}),
		server.NewPlayerHandler(manager, hub, settingsRepo, nodes),
	)

	logger.Info("GuildFM started",
		logger.String("user", userID),
		logger.Int("nodes", len(nodes)),
		logger.String("port", cfg.ServerPort))
	return server.Run(ctx, ":"+cfg.ServerPort, router)
}
