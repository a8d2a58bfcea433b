package player

import (
	"sync"
	"time"

	"GuildFM/core/lavalink"
	"GuildFM/core/queue"
)

// endAction 当前音轨结束后如何推进队列
type endAction int

const (
	advanceNatural endAction = iota // 遵循循环模式
	advanceSkip                     // 跳过，单曲循环不重播
	advanceDiscard                  // 丢弃，不参与循环
)

// guildPlayer 单个 guild 的全部可变状态，所有读写都在 mu 下进行
type guildPlayer struct {
	mu sync.Mutex

	guildID  string
	queue    *queue.Queue
	node     Node
	settings Settings

	paused   bool
	position int64
	syncedAt time.Time
	ping     int64
	onVoice  bool // 节点报告的语音连接状态
	pending  endAction
	removed  bool

	voice lavalink.VoiceState

	events eventQueue
}

// eventQueue guild 的节点事件，按到达顺序由一个临时 goroutine 逐个执行
// 与 guildPlayer.mu 分开，节点读循环入队时不会等待正在执行的指令
type eventQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

// push 入队，返回 true 时调用方负责启动执行 goroutine
func (q *eventQueue) push(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, fn)
	if q.running {
		return false
	}
	q.running = true
	return true
}

// pop 取出下一个事件，队列为空时结束执行
func (q *eventQueue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		q.running = false
		return nil, false
	}
	fn := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return fn, true
}

func newGuildPlayer(guildID string, node Node, settings Settings) *guildPlayer {
	q := queue.New()
	_ = q.SetVolume(settings.DefaultVolume)
	q.SetLoopMode(settings.DefaultLoopMode)
	return &guildPlayer{
		guildID:  guildID,
		queue:    q,
		node:     node,
		settings: settings,
		ping:     -1,
	}
}

func (gp *guildPlayer) state() GuildState {
	switch {
	case gp.queue.Current() == nil:
		return StateConnected
	case gp.paused:
		return StatePaused
	default:
		return StatePlaying
	}
}

// syncPosition 记录新的权威位置
func (gp *guildPlayer) syncPosition(position int64, now time.Time) {
	gp.position = position
	gp.syncedAt = now
}

// currentPosition 外推当前位置
func (gp *guildPlayer) currentPosition(now time.Time) int64 {
	current := gp.queue.Current()
	if current == nil {
		return 0
	}
	return InterpolatePosition(gp.position, gp.syncedAt, now, true, gp.paused, current.Duration())
}

func (gp *guildPlayer) snapshot(now time.Time) Snapshot {
	current := gp.queue.Current()
	tracks := gp.queue.Tracks()
	if tracks == nil {
		tracks = []queue.QueueTrack{}
	}
	snap := Snapshot{
		GuildID:        gp.guildID,
		State:          gp.state(),
		Playing:        current != nil,
		Paused:         gp.paused,
		Volume:         gp.queue.Volume(),
		Position:       gp.currentPosition(now),
		SyncedAt:       now.UnixMilli(),
		LoopMode:       gp.queue.LoopMode(),
		Current:        current,
		Queue:          tracks,
		QueueDuration:  gp.queue.TotalDuration(),
		VoiceChannelID: gp.queue.VoiceChannelID(),
		TextChannelID:  gp.queue.TextChannelID(),
		Votes:          gp.queue.Votes(),
		VoiceConnected: gp.onVoice,
		Ping:           gp.ping,
		Settings:       gp.settings,
	}
	if gp.node != nil {
		snap.Node = gp.node.Name()
	}
	return snap
}
