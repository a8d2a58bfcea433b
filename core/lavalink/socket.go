package lavalink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"GuildFM/logger"
)

// SessionStore 持久化 session id，进程重启后仍可在恢复窗口内续上会话
type SessionStore interface {
	LoadSession(ctx context.Context, node string) (string, error)
	SaveSession(ctx context.Context, node, sessionID string) error
}

// SocketConfig 控制连接配置
type SocketConfig struct {
	Name             string
	URL              string // ws(s)://host:port/v4/websocket
	Password         string
	UserID           string
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxAttempts      int // 0 表示无限重试
	HandshakeTimeout time.Duration
	// ReadTimeout 内没有收到任何帧（包括 pong）即视为连接失效，默认两个 stats 周期
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	Store            SessionStore
}

const (
	statsInterval = time.Minute
	writeWait     = 5 * time.Second
)

// Handler 事件回调，在读循环中同步执行
type Handler func(Event)

// Socket 与单个节点的持久控制连接，负责断线重连与会话恢复
// 事件在同一个 goroutine 中按到达顺序逐个分发
type Socket struct {
	cfg    SocketConfig
	dialer *websocket.Dialer
	log    *zap.Logger

	mu            sync.RWMutex
	conn          *websocket.Conn
	loopDone      chan struct{} // 当前连接的读循环结束时关闭
	sessionID     string
	lastSessionID string
	closed        bool
	cancel        context.CancelFunc

	hmu      sync.RWMutex
	handlers map[EventKind][]Handler
	any      []Handler
}

// Backoff 第 attempt 次重连前的等待时间，指数增长并封顶
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// NewSocket 创建控制连接，此时不会发起连接
func NewSocket(cfg SocketConfig) *Socket {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * statsInterval
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout / 4
	}
	return &Socket{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log:      logger.Named("lavalink.socket").With(logger.NodeName(cfg.Name)),
		handlers: make(map[EventKind][]Handler),
	}
}

// On 注册某类事件的回调
func (s *Socket) On(kind EventKind, h Handler) {
	s.hmu.Lock()
	s.handlers[kind] = append(s.handlers[kind], h)
	s.hmu.Unlock()
}

// OnAny 注册接收所有事件的回调
func (s *Socket) OnAny(h Handler) {
	s.hmu.Lock()
	s.any = append(s.any, h)
	s.hmu.Unlock()
}

func (s *Socket) dispatch(e Event) {
	s.hmu.RLock()
	specific := append([]Handler(nil), s.handlers[e.Kind()]...)
	all := append([]Handler(nil), s.any...)
	s.hmu.RUnlock()

	for _, h := range specific {
		h(e)
	}
	for _, h := range all {
		h(e)
	}
}

// SessionID 当前会话 id，未连接时为空
func (s *Socket) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Connected 是否已收到 ready
func (s *Socket) Connected() bool {
	return s.SessionID() != ""
}

// Connect 建立连接并等待 ready
// 密码错误返回 ErrUnauthorized，不会重试；其他错误会在后台继续按退避策略重连
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = false
	if s.cancel != nil {
		s.cancel()
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	needLoad := s.lastSessionID == "" && s.cfg.Store != nil
	s.mu.Unlock()

	if needLoad {
		if sid, err := s.cfg.Store.LoadSession(ctx, s.cfg.Name); err != nil {
			s.log.Warn("读取已保存的会话失败", zap.Error(err))
		} else if sid != "" {
			s.mu.Lock()
			s.lastSessionID = sid
			s.mu.Unlock()
		}
	}

	err := s.open(ctx)
	if err == nil || errors.Is(err, ErrUnauthorized) {
		return err
	}
	s.log.Warn("首次连接失败，后台继续重连", zap.Error(err))
	s.startReconnect(loopCtx)
	return err
}

// Disconnect 主动断开，并停止任何重连
// 返回时连接状态已清空，旧连接的 closed 事件已经分发，可以立即再次 Connect
func (s *Socket) Disconnect() {
	s.mu.Lock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	conn, done := s.conn, s.loopDone
	s.conn = nil
	s.loopDone = nil
	s.sessionID = ""
	s.mu.Unlock()

	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(time.Second))
	_ = conn.Close()

	// 在事件回调中调用时读循环无法结束，超时后直接返回
	select {
	case <-done:
	case <-time.After(s.cfg.HandshakeTimeout):
	}
}

// open 单次拨号并读取 ready 帧
func (s *Socket) open(ctx context.Context) error {
	s.mu.RLock()
	resumeID := s.lastSessionID
	s.mu.RUnlock()

	header := http.Header{}
	header.Set("Authorization", s.cfg.Password)
	header.Set("User-Id", s.cfg.UserID)
	header.Set("Client-Name", clientName)
	if resumeID != "" {
		header.Set("Session-Id", resumeID)
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			s.log.Error("节点拒绝了认证信息", zap.Int("status", resp.StatusCode))
			return ErrUnauthorized
		}
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("wait for ready: %w", err)
	}
	event, err := DecodeFrame(data)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("wait for ready: %w", err)
	}
	ready, ok := event.(ReadyEvent)
	if !ok {
		_ = conn.Close()
		return fmt.Errorf("wait for ready: unexpected first event %s", event.Kind())
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	done := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.loopDone = done
	s.sessionID = ready.SessionID
	s.lastSessionID = ready.SessionID
	s.mu.Unlock()

	s.log.Info("Lavalink 节点就绪",
		zap.String("sessionId", ready.SessionID),
		zap.Bool("resumed", ready.Resumed))

	if s.cfg.Store != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.cfg.Store.SaveSession(saveCtx, s.cfg.Name, ready.SessionID); err != nil {
			s.log.Warn("保存会话失败", zap.Error(err))
		}
		cancel()
	}

	s.dispatch(ready)
	go s.readLoop(conn, done)
	go s.keepAlive(conn, done)
	return nil
}

// keepAlive 定期发送 ping，半开连接由读超时发现
func (s *Socket) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Socket) readLoop(conn *websocket.Conn, done chan struct{}) {
	var closeErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		event, err := DecodeFrame(data)
		if err != nil {
			s.log.Warn("丢弃无法解析的消息", zap.Error(err), zap.ByteString("frame", data))
			s.dispatch(ErrorEvent{Err: err, Raw: data})
			continue
		}
		s.dispatch(event)
	}
	_ = conn.Close()

	// Disconnect 已经清空了连接状态时，这次关闭属于主动断开
	s.mu.Lock()
	owned := s.conn == conn
	if owned {
		s.conn = nil
		s.loopDone = nil
		s.sessionID = ""
	}
	deliberate := s.closed || !owned
	s.mu.Unlock()

	closed := ConnectionClosedEvent{Code: websocket.CloseAbnormalClosure, ByRemote: !deliberate}
	var ce *websocket.CloseError
	if errors.As(closeErr, &ce) {
		closed.Code = ce.Code
		closed.Reason = ce.Text
	} else if deliberate {
		closed.Code = websocket.CloseNormalClosure
	}

	if deliberate {
		s.log.Info("Lavalink 连接已关闭")
	} else {
		s.log.Warn("Lavalink 连接断开", zap.Int("code", closed.Code), zap.String("reason", closed.Reason))
	}
	s.dispatch(closed)
	close(done)

	if !deliberate {
		s.mu.RLock()
		cancel := s.cancel
		s.mu.RUnlock()
		if cancel == nil {
			return
		}
		s.startReconnect(s.reconnectContext())
	}
}

// reconnectContext 为后台重连生成可被 Disconnect 取消的 context，同时结束之前的重连循环
func (s *Socket) reconnectContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	return ctx
}

func (s *Socket) startReconnect(ctx context.Context) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return
	}
	go s.reconnect(ctx)
}

func (s *Socket) reconnect(ctx context.Context) {
	for attempt := 0; s.cfg.MaxAttempts <= 0 || attempt < s.cfg.MaxAttempts; attempt++ {
		delay := Backoff(s.cfg.BaseDelay, s.cfg.MaxDelay, attempt)
		s.log.Info("准备重连", zap.Int("attempt", attempt+1), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := s.open(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrUnauthorized) {
			s.dispatch(ErrorEvent{Err: err})
			return
		}
		s.log.Warn("重连失败", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	s.log.Error("超过最大重连次数，放弃重连", zap.Int("attempts", s.cfg.MaxAttempts))
	s.dispatch(ErrorEvent{Err: fmt.Errorf("reconnect: gave up after %d attempts", s.cfg.MaxAttempts)})
}
