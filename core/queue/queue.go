package queue

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"GuildFM/core/lavalink"
)

const (
	MinVolume     = 0
	MaxVolume     = 1000
	DefaultVolume = 100
)

var (
	// ErrNothingPlaying 当前没有音轨
	ErrNothingPlaying = errors.New("nothing is playing")
	// ErrInvalidVolume 音量越界
	ErrInvalidVolume = errors.New("volume must be between 0 and 1000")
)

// QueueTrack 带点歌人信息的音轨，点歌人只用于展示
type QueueTrack struct {
	lavalink.Track
	RequesterName string    `json:"requesterName"`
	RequesterID   string    `json:"requesterId"`
	AddedAt       time.Time `json:"addedAt"`
}

// NewQueueTracks 为一批音轨附加点歌人
func NewQueueTracks(tracks []lavalink.Track, requesterName, requesterID string) []QueueTrack {
	now := time.Now()
	out := make([]QueueTrack, len(tracks))
	for i, t := range tracks {
		out[i] = QueueTrack{Track: t, RequesterName: requesterName, RequesterID: requesterID, AddedAt: now}
	}
	return out
}

// VoteResult 投票结果
type VoteResult struct {
	AlreadyVoted bool
	Current      *QueueTrack
	Votes        int
	Required     int
	Reached      bool
}

// Queue 单个 guild 的播放队列
// 只包含数据与保持不变量的操作，不做 I/O，也不加锁，由调用方串行化
type Queue struct {
	current        *QueueTrack
	tracks         []QueueTrack
	loopMode       LoopMode
	volume         int
	voiceChannelID string
	textChannelID  string
	voteSkip       map[string]struct{}
	rng            *rand.Rand
}

// New 创建空队列
func New() *Queue {
	return &Queue{
		volume:   DefaultVolume,
		voteSkip: make(map[string]struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRandSource 替换打乱顺序使用的随机源
func (q *Queue) SetRandSource(src rand.Source) {
	q.rng = rand.New(src)
}

// Current 正在播放的音轨，没有时为 nil
func (q *Queue) Current() *QueueTrack {
	if q.current == nil {
		return nil
	}
	c := *q.current
	return &c
}

// setCurrent current 变化时清空投票
func (q *Queue) setCurrent(t *QueueTrack) {
	q.current = t
	clear(q.voteSkip)
}

// SetCurrent 直接设置当前音轨
func (q *Queue) SetCurrent(t *QueueTrack) {
	if t == nil {
		q.setCurrent(nil)
		return
	}
	c := *t
	q.setCurrent(&c)
}

// Tracks 待播列表的副本
func (q *Queue) Tracks() []QueueTrack {
	return append([]QueueTrack(nil), q.tracks...)
}

// Size 待播数量，不含 current
func (q *Queue) Size() int {
	return len(q.tracks)
}

// IsEmpty 没有待播音轨
func (q *Queue) IsEmpty() bool {
	return len(q.tracks) == 0
}

// TotalDuration 待播音轨总时长（毫秒），每次实时计算
func (q *Queue) TotalDuration() int64 {
	var total int64
	for _, t := range q.tracks {
		total += t.Duration()
	}
	return total
}

// Enqueue 追加到队尾，不会自动开始播放
func (q *Queue) Enqueue(tracks ...QueueTrack) int {
	q.tracks = append(q.tracks, tracks...)
	return len(q.tracks)
}

// requeuePrevious 按循环模式把上一首放回队列
func (q *Queue) requeuePrevious(prev *QueueTrack) {
	if prev == nil {
		return
	}
	switch q.loopMode {
	case LoopTrack:
		q.tracks = append([]QueueTrack{*prev}, q.tracks...)
	case LoopQueue:
		q.tracks = append(q.tracks, *prev)
	}
}

func (q *Queue) popFront() *QueueTrack {
	if len(q.tracks) == 0 {
		q.setCurrent(nil)
		return nil
	}
	next := q.tracks[0]
	q.tracks[0] = QueueTrack{}
	q.tracks = q.tracks[1:]
	q.setCurrent(&next)
	return q.Current()
}

// DequeueNext 当前音轨自然结束后取下一首，遵循循环模式
func (q *Queue) DequeueNext() *QueueTrack {
	q.requeuePrevious(q.current)
	return q.popFront()
}

// SkipNext 跳过当前音轨。单曲循环下不会再次播放被跳过的音轨，而是放到队尾；
// 列表循环同样放到队尾；不循环时直接丢弃
func (q *Queue) SkipNext() *QueueTrack {
	if q.current != nil && q.loopMode != LoopNone {
		q.tracks = append(q.tracks, *q.current)
	}
	return q.popFront()
}

// DiscardCurrent 丢弃当前音轨（加载失败、卡住），不参与循环
func (q *Queue) DiscardCurrent() *QueueTrack {
	return q.popFront()
}

// Move 移动待播音轨，下标越界时返回 false 且不做修改
func (q *Queue) Move(from, to int) bool {
	n := len(q.tracks)
	if from < 0 || from >= n || to < 0 || to >= n {
		return false
	}
	if from == to {
		return true
	}
	t := q.tracks[from]
	q.tracks = append(q.tracks[:from], q.tracks[from+1:]...)
	q.tracks = append(q.tracks[:to], append([]QueueTrack{t}, q.tracks[to:]...)...)
	return true
}

// Remove 删除指定下标，越界时返回 nil
func (q *Queue) Remove(index int) *QueueTrack {
	if index < 0 || index >= len(q.tracks) {
		return nil
	}
	t := q.tracks[index]
	q.tracks = append(q.tracks[:index], q.tracks[index+1:]...)
	return &t
}

// Shuffle 打乱待播顺序，current 不变
func (q *Queue) Shuffle() {
	q.rng.Shuffle(len(q.tracks), func(i, j int) {
		q.tracks[i], q.tracks[j] = q.tracks[j], q.tracks[i]
	})
}

// Clear 清空待播列表，current 不变
func (q *Queue) Clear() int {
	n := len(q.tracks)
	q.tracks = nil
	return n
}

// LoopMode 当前循环模式
func (q *Queue) LoopMode() LoopMode {
	return q.loopMode
}

// SetLoopMode 设置循环模式
func (q *Queue) SetLoopMode(mode LoopMode) {
	q.loopMode = mode
}

// Volume 当前音量
func (q *Queue) Volume() int {
	return q.volume
}

// SetVolume 设置音量，范围 0~1000
func (q *Queue) SetVolume(v int) error {
	if v < MinVolume || v > MaxVolume {
		return ErrInvalidVolume
	}
	q.volume = v
	return nil
}

// VoiceChannelID 绑定的语音频道
func (q *Queue) VoiceChannelID() string { return q.voiceChannelID }

// SetVoiceChannelID 绑定语音频道
func (q *Queue) SetVoiceChannelID(id string) { q.voiceChannelID = id }

// TextChannelID 绑定的文字频道
func (q *Queue) TextChannelID() string { return q.textChannelID }

// SetTextChannelID 绑定文字频道
func (q *Queue) SetTextChannelID(id string) { q.textChannelID = id }

// Votes 当前投票人数
func (q *Queue) Votes() int {
	return len(q.voteSkip)
}

// RequiredVotes ceil(members * pct)，至少为 1
func RequiredVotes(activeMembers int, pct float64) int {
	required := int(math.Ceil(float64(activeMembers) * pct))
	if required < 1 {
		required = 1
	}
	return required
}

// RecordVote 记录跳过投票，同一用户对同一首歌只计一次
// 达到阈值时返回 Reached=true，由调用方执行跳过
func (q *Queue) RecordVote(userID string, activeMembers int, pct float64) (VoteResult, error) {
	if q.current == nil {
		return VoteResult{}, ErrNothingPlaying
	}

	result := VoteResult{
		Current:  q.Current(),
		Required: RequiredVotes(activeMembers, pct),
	}
	if _, ok := q.voteSkip[userID]; ok {
		result.AlreadyVoted = true
	} else {
		q.voteSkip[userID] = struct{}{}
	}
	result.Votes = len(q.voteSkip)
	result.Reached = result.Votes >= result.Required
	return result, nil
}

// ClearVotes 清空投票
func (q *Queue) ClearVotes() {
	clear(q.voteSkip)
}
