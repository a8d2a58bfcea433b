package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"GuildFM/core/auth"
)

var (
	tokenUserID   string
	tokenUsername string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "签发控制台访问令牌",
	Long:  `使用 JWT_SECRET 为指定用户签发控制台令牌，可用于 Authorization 头或 WebSocket 的 token 参数`,
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.JWTSecret == "" {
			log.Fatal("JWT_SECRET 未配置")
		}
		if tokenUserID == "" {
			log.Fatal("请通过 --user 指定 Discord 用户 ID")
		}
		username := tokenUsername
		if username == "" {
			username = tokenUserID
		}
		ttl := tokenTTL
		if ttl <= 0 {
			ttl = cfg.TokenTTL
		}

		token, err := auth.GenerateToken(cfg.JWTSecret, tokenUserID, username, ttl)
		if err != nil {
			log.Fatalf("签发令牌失败: %v", err)
		}
		fmt.Println(token)
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "生成 DASHBOARD_PASSWORD_HASH",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		hash, err := auth.HashPassword(args[0])
		if err != nil {
			log.Fatalf("生成密码哈希失败: %v", err)
		}
		fmt.Println(hash)
	},
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenUserID, "user", "u", "", "Discord 用户 ID")
	tokenCmd.Flags().StringVar(&tokenUsername, "name", "", "显示名称，默认与用户 ID 相同")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "有效期，默认使用 TOKEN_TTL")

	rootCmd.AddCommand(tokenCmd, hashPasswordCmd)
}
