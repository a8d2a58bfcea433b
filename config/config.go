package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// NodeConfig 单个 Lavalink 节点配置
type NodeConfig struct {
	Name     string
	Host     string
	Port     int
	Password string
	Secure   bool
}

// Config stores the application configuration.
type Config struct {
	DiscordToken string

	// Lavalink 节点
	Nodes                 []NodeConfig
	ResumeTimeout         time.Duration // 0 表示不开启会话恢复
	RestTimeout           time.Duration
	ReconnectBaseDelay    time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int // 0 表示无限重试
	DefaultSearchPlatform string
	DefaultVolume         int
	VoteSkipPercentage    float64
	AwaitSideEffects      bool

	ServerPort string
	JWTSecret  string
	TokenTTL   time.Duration

	// 控制台账号
	DashboardUser         string
	DashboardPasswordHash string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// 日志配置
	LogLevel      string
	LogPath       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
	LogCompress   bool
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration 支持 "10s" 这种格式，也支持纯数字（按秒计算）
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// ParseNodes 解析 LAVALINK_NODES，格式: name@host:port,name2@host2:port2
// 省略 name 时使用 host:port 作为节点名
func ParseNodes(raw, password string, secure bool) ([]NodeConfig, error) {
	var nodes []NodeConfig
	seen := make(map[string]bool)

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, addr := "", entry
		if i := strings.Index(entry, "@"); i >= 0 {
			name, addr = entry[:i], entry[i+1:]
		}

		host, portStr, ok := strings.Cut(addr, ":")
		if !ok || host == "" {
			return nil, fmt.Errorf("invalid lavalink node %q: expected host:port", entry)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid lavalink node %q: bad port", entry)
		}
		if name == "" {
			name = addr
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate lavalink node name %q", name)
		}
		seen[name] = true

		nodes = append(nodes, NodeConfig{
			Name:     name,
			Host:     host,
			Port:     port,
			Password: password,
			Secure:   secure,
		})
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("no lavalink nodes configured")
	}
	return nodes, nil
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	password := getEnv("LAVALINK_PASSWORD", "youshallnotpass")
	secure := getEnvBool("LAVALINK_SECURE", false)
	nodes, err := ParseNodes(getEnv("LAVALINK_NODES", "main@127.0.0.1:2333"), password, secure)
	if err != nil {
		log.Printf("Invalid LAVALINK_NODES, falling back to local node: %v", err)
		nodes = []NodeConfig{{Name: "main", Host: "127.0.0.1", Port: 2333, Password: password, Secure: secure}}
	}

	return &Config{
		DiscordToken: os.Getenv("DISCORD_TOKEN"),

		Nodes:                 nodes,
		ResumeTimeout:         getEnvDuration("LAVALINK_RESUME_TIMEOUT", 60*time.Second),
		RestTimeout:           getEnvDuration("LAVALINK_REST_TIMEOUT", 10*time.Second),
		ReconnectBaseDelay:    getEnvDuration("LAVALINK_RECONNECT_BASE", time.Second),
		ReconnectMaxDelay:     getEnvDuration("LAVALINK_RECONNECT_MAX", 60*time.Second),
		ReconnectMaxAttempts:  getEnvInt("LAVALINK_RECONNECT_ATTEMPTS", 0),
		DefaultSearchPlatform: getEnv("DEFAULT_SEARCH_PLATFORM", "ytsearch"),
		DefaultVolume:         getEnvInt("DEFAULT_VOLUME", 100),
		VoteSkipPercentage:    getEnvFloat("VOTE_SKIP_PERCENTAGE", 0.5),
		AwaitSideEffects:      getEnvBool("AWAIT_SIDE_EFFECTS", false),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		JWTSecret:  os.Getenv("JWT_SECRET"),
		TokenTTL:   getEnvDuration("TOKEN_TTL", 24*time.Hour),

		DashboardUser:         getEnv("DASHBOARD_USER", "admin"),
		DashboardPasswordHash: os.Getenv("DASHBOARD_PASSWORD_HASH"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // For password, better not to have a hardcoded default
		DBName:     getEnv("DB_NAME", "guildfm"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogPath:       getEnv("LOG_PATH", ""),
		LogMaxSize:    getEnvInt("LOG_MAX_SIZE", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAge:     getEnvInt("LOG_MAX_AGE", 30),
		LogCompress:   getEnvBool("LOG_COMPRESS", true),
	}
}
