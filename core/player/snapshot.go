package player

import (
	"fmt"
	"time"

	"GuildFM/core/queue"
)

// GuildState guild 播放状态机
type GuildState int

const (
	StateIdle GuildState = iota
	StateConnected
	StatePlaying
	StatePaused
)

func (s GuildState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// MarshalText 序列化为字符串
func (s GuildState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 从字符串解析
func (s *GuildState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = StateIdle
	case "connected":
		*s = StateConnected
	case "playing":
		*s = StatePlaying
	case "paused":
		*s = StatePaused
	default:
		return fmt.Errorf("unknown guild state %q", text)
	}
	return nil
}

// Snapshot 只读的播放状态，每次状态变化后推送给监听者
// Position 是 SyncedAt 时刻的位置，消费者在播放且未暂停时需要自行外推
type Snapshot struct {
	GuildID        string             `json:"guildId"`
	State          GuildState         `json:"state"`
	Node           string             `json:"node,omitempty"`
	Playing        bool               `json:"playing"`
	Paused         bool               `json:"paused"`
	Volume         int                `json:"volume"`
	Position       int64              `json:"position"`
	SyncedAt       int64              `json:"syncedAt"` // unix 毫秒
	LoopMode       queue.LoopMode     `json:"loopMode"`
	Current        *queue.QueueTrack  `json:"current"`
	Queue          []queue.QueueTrack `json:"queue"`
	QueueDuration  int64              `json:"queueDuration"`
	VoiceChannelID string             `json:"voiceChannelId,omitempty"`
	TextChannelID  string             `json:"textChannelId,omitempty"`
	Votes          int                `json:"votes"`
	VoiceConnected bool               `json:"voiceConnected"`
	Ping           int64              `json:"ping"`
	Settings       Settings           `json:"settings"`
}

// InterpolatePosition 按距上次同步的时间外推播放位置，结果不超过音轨时长
func InterpolatePosition(position int64, syncedAt, now time.Time, playing, paused bool, duration int64) int64 {
	if playing && !paused && !syncedAt.IsZero() && now.After(syncedAt) {
		position += now.Sub(syncedAt).Milliseconds()
	}
	if duration > 0 && position > duration {
		position = duration
	}
	if position < 0 {
		position = 0
	}
	return position
}

// PositionAt 外推到 now 时刻的位置
func (s Snapshot) PositionAt(now time.Time) int64 {
	var duration int64
	if s.Current != nil {
		duration = s.Current.Duration()
	}
	return InterpolatePosition(s.Position, time.UnixMilli(s.SyncedAt), now, s.Playing, s.Paused, duration)
}

// idleSnapshot guild 断开后的状态
func idleSnapshot(guildID string) Snapshot {
	return Snapshot{
		GuildID: guildID,
		State:   StateIdle,
		Queue:   []queue.QueueTrack{},
	}
}
