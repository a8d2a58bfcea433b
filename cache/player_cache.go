package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"GuildFM/core/lavalink"
	"GuildFM/core/player"
	"GuildFM/logger"
)

const (
	playerSnapshotKey  = "guildfm:player:%s"  // String: 最近一次快照 JSON
	nodeSessionKey     = "guildfm:session:%s" // String: 节点 session id
	defaultSnapshotTTL = 24 * time.Hour
)

// kv PlayerCache 用到的 Redis 命令
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// PlayerCache 缓存每个 guild 的播放快照，并保存节点 session id 供重启后恢复
type PlayerCache struct {
	client     kv
	ttl        time.Duration
	sessionTTL time.Duration
	timeout    time.Duration
	log        *zap.Logger
}

var (
	_ player.Listener       = (*PlayerCache)(nil)
	_ lavalink.SessionStore = (*PlayerCache)(nil)
)

// NewPlayerCache sessionTTL 应与节点的恢复超时一致，过期后的 session 无法再恢复
func NewPlayerCache(client kv, sessionTTL time.Duration) *PlayerCache {
	return &PlayerCache{
		client:     client,
		ttl:        defaultSnapshotTTL,
		sessionTTL: sessionTTL,
		timeout:    2 * time.Second,
		log:        logger.Named("cache.player"),
	}
}

// OnSnapshot 写入快照，guild 断开时删除
func (c *PlayerCache) OnSnapshot(snap player.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	key := fmt.Sprintf(playerSnapshotKey, snap.GuildID)
	if snap.State == player.StateIdle {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			c.log.Warn("failed to delete snapshot", logger.GuildID(snap.GuildID), zap.Error(err))
		}
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		c.log.Error("failed to marshal snapshot", logger.GuildID(snap.GuildID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn("failed to cache snapshot", logger.GuildID(snap.GuildID), zap.Error(err))
	}
}

// LoadSession 没有记录时返回空字符串
func (c *PlayerCache) LoadSession(ctx context.Context, node string) (string, error) {
	if c.sessionTTL <= 0 {
		return "", nil
	}
	id, err := c.client.Get(ctx, fmt.Sprintf(nodeSessionKey, node)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}
	return id, nil
}

// SaveSession 空 id 表示会话失效，直接删除
// 未开启恢复（sessionTTL <= 0）时节点不会保留会话，同样删除
func (c *PlayerCache) SaveSession(ctx context.Context, node, sessionID string) error {
	key := fmt.Sprintf(nodeSessionKey, node)
	if sessionID == "" || c.sessionTTL <= 0 {
		return c.client.Del(ctx, key).Err()
	}
	if err := c.client.Set(ctx, key, sessionID, c.sessionTTL).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}
