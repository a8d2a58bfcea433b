package lavalink

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"GuildFM/core/utils"
	"GuildFM/logger"
)

// NodeConfig 单个节点的连接参数
type NodeConfig struct {
	Name          string
	Host          string
	Port          int
	Password      string
	Secure        bool
	UserID        string        // 机器人的 Discord 用户 id
	ResumeTimeout time.Duration // >0 时在 ready 后开启会话恢复
	RestTimeout   time.Duration
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxAttempts   int
	Store         SessionStore
}

// RestURL http(s)://host:port
func (c NodeConfig) RestURL() string {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// WebSocketURL ws(s)://host:port/v4/websocket
func (c NodeConfig) WebSocketURL() string {
	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/v4/websocket", scheme, c.Host, c.Port)
}

// Node 组合控制连接与 REST 客户端，缓存每个 guild 最近一次的播放器状态
type Node struct {
	cfg    NodeConfig
	socket *Socket
	rest   *RestClient
	log    *zap.Logger

	players *utils.ShardedMap[Player]

	statsMu sync.RWMutex
	stats   *Stats

	hmu      sync.RWMutex
	handlers map[EventKind][]Handler
	any      []Handler
}

// NewNode 创建节点，不会发起连接
func NewNode(cfg NodeConfig) *Node {
	n := &Node{
		cfg:      cfg,
		log:      logger.Named("lavalink.node").With(logger.NodeName(cfg.Name)),
		players:  utils.NewShardedMap[Player](0),
		handlers: make(map[EventKind][]Handler),
	}
	n.socket = NewSocket(SocketConfig{
		Name:        cfg.Name,
		URL:         cfg.WebSocketURL(),
		Password:    cfg.Password,
		UserID:      cfg.UserID,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		MaxAttempts: cfg.MaxAttempts,
		Store:       cfg.Store,
	})
	n.rest = NewRestClient(cfg.RestURL(), cfg.Password, cfg.RestTimeout, n.socket.SessionID)
	n.socket.OnAny(n.handle)
	return n
}

// Name 节点名
func (n *Node) Name() string { return n.cfg.Name }

// Rest 底层 REST 客户端
func (n *Node) Rest() *RestClient { return n.rest }

// SessionID 当前会话
func (n *Node) SessionID() string { return n.socket.SessionID() }

// Connected 是否可以下发命令
func (n *Node) Connected() bool { return n.socket.Connected() }

// Connect 建立连接，收到 ready 后返回
func (n *Node) Connect(ctx context.Context) error {
	return n.socket.Connect(ctx)
}

// Disconnect 主动断开，不再重连
func (n *Node) Disconnect() {
	n.socket.Disconnect()
}

// On 注册事件回调，包括 connected/disconnected 派生事件
func (n *Node) On(kind EventKind, h Handler) {
	n.hmu.Lock()
	n.handlers[kind] = append(n.handlers[kind], h)
	n.hmu.Unlock()
}

// OnAny 接收所有事件
func (n *Node) OnAny(h Handler) {
	n.hmu.Lock()
	n.any = append(n.any, h)
	n.hmu.Unlock()
}

func (n *Node) emit(e Event) {
	n.hmu.RLock()
	specific := append([]Handler(nil), n.handlers[e.Kind()]...)
	all := append([]Handler(nil), n.any...)
	n.hmu.RUnlock()

	for _, h := range specific {
		h(e)
	}
	for _, h := range all {
		h(e)
	}
}

// handle 先更新本地缓存再转发，监听者读到的缓存总是最新的
func (n *Node) handle(e Event) {
	switch ev := e.(type) {
	case ReadyEvent:
		if !ev.Resumed {
			n.players.Clear()
		}
		n.configureResuming()
		n.emit(ev)
		n.emit(ConnectedEvent{SessionID: ev.SessionID, Resumed: ev.Resumed})
		return
	case StatsEvent:
		stats := ev.Stats
		n.statsMu.Lock()
		n.stats = &stats
		n.statsMu.Unlock()
	case PlayerUpdateEvent:
		n.players.Update(ev.GuildID, func(p Player, _ bool) (Player, bool) {
			p.GuildID = ev.GuildID
			p.State = ev.State
			return p, true
		})
	case TrackStartEvent:
		n.players.Update(ev.GuildID, func(p Player, _ bool) (Player, bool) {
			track := ev.Track
			p.GuildID = ev.GuildID
			p.Track = &track
			return p, true
		})
	case TrackEndEvent:
		n.players.Update(ev.GuildID, func(p Player, exists bool) (Player, bool) {
			if exists && p.Track != nil && p.Track.Equal(ev.Track) {
				p.Track = nil
			}
			return p, exists
		})
	case ConnectionClosedEvent:
		n.emit(ev)
		n.emit(DisconnectedEvent{Code: ev.Code, Reason: ev.Reason})
		return
	}
	n.emit(e)
}

func (n *Node) configureResuming() {
	if n.cfg.ResumeTimeout <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	timeout := int(n.cfg.ResumeTimeout / time.Second)
	if _, err := n.rest.UpdateSession(ctx, SessionUpdate{Resuming: BoolPtr(true), Timeout: &timeout}); err != nil {
		n.log.Warn("开启会话恢复失败", zap.Error(err))
		return
	}
	n.log.Debug("已开启会话恢复", zap.Int("timeout", timeout))
}

// Stats 最近一次推送的统计信息
func (n *Node) Stats() (Stats, bool) {
	n.statsMu.RLock()
	defer n.statsMu.RUnlock()
	if n.stats == nil {
		return Stats{}, false
	}
	return *n.stats, true
}

// Penalty 负载惩罚值，未连接的节点为最大值
func (n *Node) Penalty() int {
	if !n.Connected() {
		return math.MaxInt32
	}
	stats, ok := n.Stats()
	if !ok {
		return 0
	}
	return stats.Penalty()
}

// Player 读取缓存的播放器，不发起请求
func (n *Node) Player(guildID string) (Player, bool) {
	return n.players.Get(guildID)
}

// Players 所有缓存的播放器
func (n *Node) Players() []Player {
	var players []Player
	n.players.Range(func(_ string, p Player) bool {
		players = append(players, p)
		return true
	})
	return players
}

// LoadTracks 加载音轨
func (n *Node) LoadTracks(ctx context.Context, identifier string) (*LoadResult, error) {
	return n.rest.LoadTracks(ctx, identifier)
}

// FetchPlayers 从节点读取当前 session 的全部播放器，并用结果替换缓存
func (n *Node) FetchPlayers(ctx context.Context) ([]Player, error) {
	players, err := n.rest.GetPlayers(ctx)
	if err != nil {
		return nil, err
	}
	n.players.Clear()
	for _, p := range players {
		n.players.Set(p.GuildID, p)
	}
	return players, nil
}

// UpdatePlayer 局部更新并以节点返回值刷新缓存
func (n *Node) UpdatePlayer(ctx context.Context, guildID string, update PlayerUpdate, noReplace bool) (*Player, error) {
	player, err := n.rest.UpdatePlayer(ctx, guildID, update, noReplace)
	if err != nil {
		return nil, err
	}
	n.players.Set(guildID, *player)
	return player, nil
}

// DestroyPlayer 销毁播放器并移除缓存
func (n *Node) DestroyPlayer(ctx context.Context, guildID string) error {
	n.players.Delete(guildID)
	err := n.rest.DestroyPlayer(ctx, guildID)
	if IsNotFound(err) {
		return nil
	}
	return err
}
