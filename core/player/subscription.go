package player

import (
	"sync"

	"GuildFM/logger"
)

// Listener 接收快照，不能在回调中再调用 Manager
type Listener interface {
	OnSnapshot(s Snapshot)
}

// ListenerFunc 函数适配器
type ListenerFunc func(Snapshot)

func (f ListenerFunc) OnSnapshot(s Snapshot) { f(s) }

type namedListener struct {
	name     string
	listener Listener
}

// Subscription 快照订阅管理
// 默认由单独的 goroutine 按发布顺序投递；同步模式下在发布者的 goroutine 内直接投递
type Subscription struct {
	mu        sync.RWMutex
	listeners []namedListener

	sync    bool
	queue   chan Snapshot
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewSubscription 创建订阅管理器，synchronous 为 true 时同步投递
func NewSubscription(synchronous bool) *Subscription {
	s := &Subscription{
		sync:    synchronous,
		queue:   make(chan Snapshot, 1024),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if synchronous {
		close(s.stopped)
	} else {
		go s.run()
	}
	return s
}

// Subscribe 注册监听者，同名时替换
func (s *Subscription) Subscribe(name string, l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.listeners {
		if s.listeners[i].name == name {
			s.listeners[i].listener = l
			return
		}
	}
	s.listeners = append(s.listeners, namedListener{name: name, listener: l})
	logger.Info("snapshot listener subscribed", logger.String("listener", name))
}

// Unsubscribe 取消监听
func (s *Subscription) Unsubscribe(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.listeners {
		if s.listeners[i].name == name {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// ListenerCount 监听者数量
func (s *Subscription) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// Publish 发布快照
func (s *Subscription) Publish(snap Snapshot) {
	if s.sync {
		s.deliver(snap)
		return
	}
	select {
	case <-s.done:
	case s.queue <- snap:
	}
}

func (s *Subscription) run() {
	defer close(s.stopped)
	for {
		select {
		case snap := <-s.queue:
			s.deliver(snap)
		case <-s.done:
			// 退出前把已排队的快照投递完
			for {
				select {
				case snap := <-s.queue:
					s.deliver(snap)
				default:
					return
				}
			}
		}
	}
}

func (s *Subscription) deliver(snap Snapshot) {
	s.mu.RLock()
	listeners := append([]namedListener(nil), s.listeners...)
	s.mu.RUnlock()

	for _, nl := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("snapshot listener panicked",
						logger.String("listener", nl.name),
						logger.GuildID(snap.GuildID),
						logger.Any("panic", r))
				}
			}()
			nl.listener.OnSnapshot(snap)
		}()
	}
}

// Close 停止投递，等待已排队的快照处理完毕
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
	})
	<-s.stopped
}
