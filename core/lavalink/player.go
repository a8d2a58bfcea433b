package lavalink

import (
	"encoding/json"
)

// PlayerState 节点推送的播放器实时状态
type PlayerState struct {
	Time      int64 `json:"time"`     // 节点时间戳（毫秒）
	Position  int64 `json:"position"` // 毫秒
	Connected bool  `json:"connected"`
	Ping      int64 `json:"ping"` // -1 表示未连接
}

// VoiceState Discord 语音连接信息
type VoiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

// Complete 三个字段都齐全才能交给节点
func (v VoiceState) Complete() bool {
	return v.Token != "" && v.Endpoint != "" && v.SessionID != ""
}

// Player 节点侧的播放器
type Player struct {
	GuildID string          `json:"guildId"`
	Track   *Track          `json:"track"`
	Volume  int             `json:"volume"`
	Paused  bool            `json:"paused"`
	State   PlayerState     `json:"state"`
	Voice   VoiceState      `json:"voice"`
	Filters json.RawMessage `json:"filters,omitempty"`
}

// PlayerUpdateTrack 更新播放器时的音轨字段
// Encoded 为 nil 且没有 Identifier 时序列化为 null，表示停止播放
type PlayerUpdateTrack struct {
	Encoded    *string         `json:"-"`
	Identifier string          `json:"-"`
	UserData   json.RawMessage `json:"-"`
}

// MarshalJSON encoded 字段必须显式输出 null 才能停止播放
func (t PlayerUpdateTrack) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 3)
	if t.Identifier != "" && t.Encoded == nil {
		out["identifier"] = t.Identifier
	} else {
		out["encoded"] = t.Encoded
	}
	if len(t.UserData) > 0 {
		out["userData"] = t.UserData
	}
	return json.Marshal(out)
}

// PlayTrack 播放指定音轨
func PlayTrack(encoded string) *PlayerUpdateTrack {
	return &PlayerUpdateTrack{Encoded: &encoded}
}

// StopTrack 停止当前音轨但保留播放器
func StopTrack() *PlayerUpdateTrack {
	return &PlayerUpdateTrack{}
}

// PlayerUpdate 局部更新，未设置的字段节点侧保持不变
type PlayerUpdate struct {
	Track    *PlayerUpdateTrack `json:"track,omitempty"`
	Position *int64             `json:"position,omitempty"`
	EndTime  *int64             `json:"endTime,omitempty"`
	Volume   *int               `json:"volume,omitempty"`
	Paused   *bool              `json:"paused,omitempty"`
	Filters  json.RawMessage    `json:"filters,omitempty"`
	Voice    *VoiceState        `json:"voice,omitempty"`
}

func Int64Ptr(v int64) *int64 { return &v }
func IntPtr(v int) *int { return &v }
func BoolPtr(v bool) *bool { return &v }

// SessionUpdate PATCH /v4/sessions/{sessionId}
type SessionUpdate struct {
	Resuming *bool `json:"resuming,omitempty"`
	Timeout  *int  `json:"timeout,omitempty"` // 秒
}

// Session 会话配置
type Session struct {
	Resuming bool `json:"resuming"`
	Timeout  int  `json:"timeout"`
}
