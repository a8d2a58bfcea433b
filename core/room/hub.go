package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"GuildFM/core/player"
	"GuildFM/logger"
)

// MessageType 消息类型
type MessageType string

const (
	// 系统消息
	MsgTypeSnapshot MessageType = "snapshot" // 播放状态快照
	MsgTypeResult   MessageType = "result"   // 控制指令执行结果
	MsgTypeError    MessageType = "error"    // 错误消息
	MsgTypePing     MessageType = "ping"     // 心跳
	MsgTypePong     MessageType = "pong"     // 心跳响应

	// 播放控制消息
	MsgTypePlay     MessageType = "play"
	MsgTypePause    MessageType = "pause"
	MsgTypeResume   MessageType = "resume"
	MsgTypeSkip     MessageType = "skip"
	MsgTypeVoteSkip MessageType = "vote_skip"
	MsgTypeStop     MessageType = "stop"
	MsgTypeSeek     MessageType = "seek"
	MsgTypeVolume   MessageType = "volume"
	MsgTypeLoop     MessageType = "loop"

	// 队列编辑消息
	MsgTypeShuffle MessageType = "shuffle"
	MsgTypeMove    MessageType = "move"
	MsgTypeRemove  MessageType = "remove"
	MsgTypeClear   MessageType = "clear"
)

const (
	sendBufferSize = 64
	readLimit      = 4096
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
)

var ErrHubClosed = errors.New("room hub closed")

// ErrClientClosed 连接已被 Hub 移除
var ErrClientClosed = errors.New("room client closed")

var errSendBufferFull = errors.New("send buffer full")

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType     `json:"type"`
	GuildID   string          `json:"guildId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client 一个浏览器连接，只属于一个 guild
type Client struct {
	ID       string
	Hub      *RoomHub
	Conn     *websocket.Conn
	Send     chan []byte
	GuildID  string
	UserID   string
	Username string

	limiter *rate.Limiter

	// sendMu 保护 Send 的关闭，关闭后的写入直接返回 ErrClientClosed
	sendMu sync.Mutex
	closed bool
}

// RoomHub 按 guild 分组的 WebSocket 管理中心，同时作为快照监听者
type RoomHub struct {
	// guild -> 客户端集合
	rooms map[string]map[*Client]bool

	// 每个 guild 最近一次快照，新连接加入时先推送
	last map[string][]byte

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu sync.RWMutex

	controlRate  rate.Limit
	controlBurst int

	log      *zap.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// BroadcastMessage 广播消息
type BroadcastMessage struct {
	GuildID string
	Message []byte
	Forget  bool // guild 已断开，不再保留最近快照
}

// NewRoomHub 创建 Hub，controlRate 为每个客户端每秒允许的控制指令数
func NewRoomHub(controlRate rate.Limit, burst int) *RoomHub {
	if controlRate <= 0 {
		controlRate = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &RoomHub{
		rooms:        make(map[string]map[*Client]bool),
		last:         make(map[string][]byte),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		broadcast:    make(chan *BroadcastMessage, 256),
		controlRate:  controlRate,
		controlBurst: burst,
		log:          logger.Named("room"),
		done:         make(chan struct{}),
	}
}

// NewClient 为 guild 创建客户端，连接 id 使用 uuid
func (h *RoomHub) NewClient(conn *websocket.Conn, guildID, userID, username string) *Client {
	return &Client{
		ID:       uuid.NewString(),
		Hub:      h,
		Conn:     conn,
		Send:     make(chan []byte, sendBufferSize),
		GuildID:  guildID,
		UserID:   userID,
		Username: username,
		limiter:  rate.NewLimiter(h.controlRate, h.controlBurst),
	}
}

// Run 启动 Hub 主循环
func (h *RoomHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeClient(client)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.broadcastToGuild(msg)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub
func (h *RoomHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *RoomHub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.isClosed() {
		return
	}
	if h.rooms[client.GuildID] == nil {
		h.rooms[client.GuildID] = make(map[*Client]bool)
	}
	h.rooms[client.GuildID][client] = true

	if snap, ok := h.last[client.GuildID]; ok {
		_ = client.enqueue(snap)
	}

	h.log.Info("client registered",
		logger.GuildID(client.GuildID),
		zap.String("client", client.ID),
		zap.String("user", client.UserID))
}

// removeClient 移除客户端（需要持有锁）
func (h *RoomHub) removeClient(client *Client) {
	clients, ok := h.rooms[client.GuildID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	client.closeSend()
	if len(clients) == 0 {
		delete(h.rooms, client.GuildID)
	}

	h.log.Info("client unregistered",
		logger.GuildID(client.GuildID),
		zap.String("client", client.ID))
}

// broadcastToGuild 向 guild 的所有连接推送，发送缓冲区满的连接直接断开
func (h *RoomHub) broadcastToGuild(msg *BroadcastMessage) {
	h.mu.Lock()
	if msg.Forget {
		delete(h.last, msg.GuildID)
	} else {
		h.last[msg.GuildID] = msg.Message
	}
	clientList := make([]*Client, 0, len(h.rooms[msg.GuildID]))
	for client := range h.rooms[msg.GuildID] {
		clientList = append(clientList, client)
	}
	h.mu.Unlock()

	var slow []*Client
	for _, client := range clientList {
		if err := client.enqueue(msg.Message); errors.Is(err, errSendBufferFull) {
			slow = append(slow, client)
		}
	}
	if len(slow) == 0 {
		return
	}

	h.mu.Lock()
	for _, client := range slow {
		h.log.Warn("send buffer full, dropping client", logger.GuildID(msg.GuildID), zap.String("client", client.ID))
		h.removeClient(client)
	}
	h.mu.Unlock()
}

// cleanup 清理所有连接
func (h *RoomHub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.rooms {
		for client := range clients {
			client.closeSend()
		}
	}
	h.rooms = make(map[string]map[*Client]bool)
	h.last = make(map[string][]byte)
}

// Register 注册客户端
func (h *RoomHub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// Unregister 注销客户端
func (h *RoomHub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// OnSnapshot 实现 player.Listener，把快照推送给对应 guild 的所有连接
func (h *RoomHub) OnSnapshot(snap player.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		h.log.Error("marshal snapshot failed", logger.GuildID(snap.GuildID), zap.Error(err))
		return
	}
	msg, err := json.Marshal(&WSMessage{
		Type:      MsgTypeSnapshot,
		GuildID:   snap.GuildID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{GuildID: snap.GuildID, Message: msg, Forget: snap.State == player.StateIdle}:
	case <-h.done:
	}
}

// ClientCount 获取 guild 的连接数
func (h *RoomHub) ClientCount(guildID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[guildID])
}

// LastSnapshot 最近一次推送给 guild 的消息
func (h *RoomHub) LastSnapshot(guildID string) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msg, ok := h.last[guildID]
	return msg, ok
}

// ========== Client 方法 ==========

// ReadPump 读取消息循环，控制指令超出速率时直接回复错误
func (c *Client) ReadPump(ctx context.Context, handler func(ctx context.Context, client *Client, msg *WSMessage)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(readLimit)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.log.Warn("websocket read error",
					zap.Error(err),
					logger.GuildID(c.GuildID),
					zap.String("client", c.ID))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.Hub.log.Warn("invalid message format", zap.Error(err), logger.GuildID(c.GuildID))
			_ = c.SendMessage(&WSMessage{Type: MsgTypeError, Data: errorData("bad_request", "invalid message format")})
			continue
		}

		if msg.Type == MsgTypePing {
			_ = c.SendMessage(&WSMessage{Type: MsgTypePong, RequestID: msg.RequestID})
			continue
		}

		if !c.Allow() {
			_ = c.SendMessage(&WSMessage{Type: MsgTypeError, RequestID: msg.RequestID, Data: errorData("rate_limited", "too many control messages")})
			continue
		}

		msg.GuildID = c.GuildID
		handler(ctx, c, &msg)
	}
}

// WritePump 写入消息循环
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Allow 控制指令限流
func (c *Client) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// SendMessage 发送消息给客户端，缓冲区满时丢弃；连接已被 Hub 移除时返回 ErrClientClosed
func (c *Client) SendMessage(msg *WSMessage) error {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if err := c.enqueue(data); errors.Is(err, ErrClientClosed) {
		return err
	}
	return nil
}

// enqueue 非阻塞写入发送缓冲区，与 closeSend 互斥
func (c *Client) enqueue(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.Send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// closeSend 关闭发送通道，WritePump 随之退出，可重复调用
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) isClosed() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.closed
}

func errorData(code, message string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"code": code, "error": message})
	return data
}
