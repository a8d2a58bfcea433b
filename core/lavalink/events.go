package lavalink

import (
	"encoding/json"
	"fmt"
)

// Op 控制连接消息类型
type Op string

const (
	OpReady        Op = "ready"
	OpPlayerUpdate Op = "playerUpdate"
	OpStats        Op = "stats"
	OpEvent        Op = "event"
)

// EventType op=event 时的子类型
type EventType string

const (
	EventTrackStart      EventType = "TrackStartEvent"
	EventTrackEnd        EventType = "TrackEndEvent"
	EventTrackException  EventType = "TrackExceptionEvent"
	EventTrackStuck      EventType = "TrackStuckEvent"
	EventWebSocketClosed EventType = "WebSocketClosedEvent"
)

// TrackEndReason 音轨结束原因
type TrackEndReason string

const (
	ReasonFinished   TrackEndReason = "finished"
	ReasonLoadFailed TrackEndReason = "loadFailed"
	ReasonStopped    TrackEndReason = "stopped"
	ReasonReplaced   TrackEndReason = "replaced"
	ReasonCleanup    TrackEndReason = "cleanup"
)

// MayStartNext 与 Lavalink 约定一致：finished 和 loadFailed 之后可以继续播放下一首
func (r TrackEndReason) MayStartNext() bool {
	return r == ReasonFinished || r == ReasonLoadFailed
}

// EventKind 用于注册监听
type EventKind string

const (
	KindReady            EventKind = "ready"
	KindStats            EventKind = "stats"
	KindPlayerUpdate     EventKind = "playerUpdate"
	KindTrackStart       EventKind = "trackStart"
	KindTrackEnd         EventKind = "trackEnd"
	KindTrackException   EventKind = "trackException"
	KindTrackStuck       EventKind = "trackStuck"
	KindWebSocketClosed  EventKind = "webSocketClosed"
	KindError            EventKind = "error"
	KindConnectionClosed EventKind = "connectionClosed"
	KindConnected        EventKind = "connected"
	KindDisconnected     EventKind = "disconnected"
)

// Event 所有事件都实现该接口，Kind 用于分发
type Event interface {
	Kind() EventKind
}

// GuildEvent 带 guildId 的事件
type GuildEvent interface {
	Event
	Guild() string
}

// ReadyEvent 节点确认连接
type ReadyEvent struct {
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

// StatsEvent 周期性健康信息
type StatsEvent struct {
	Stats
}

// PlayerUpdateEvent 节点推送的播放进度
type PlayerUpdateEvent struct {
	GuildID string      `json:"guildId"`
	State   PlayerState `json:"state"`
}

// TrackStartEvent 开始播放
type TrackStartEvent struct {
	GuildID string `json:"guildId"`
	Track   Track  `json:"track"`
}

// TrackEndEvent 播放结束
type TrackEndEvent struct {
	GuildID string         `json:"guildId"`
	Track   Track          `json:"track"`
	Reason  TrackEndReason `json:"reason"`
}

// TrackExceptionEvent 播放异常
type TrackExceptionEvent struct {
	GuildID   string    `json:"guildId"`
	Track     Track     `json:"track"`
	Exception Exception `json:"exception"`
}

// TrackStuckEvent 超过阈值未产生音频帧
type TrackStuckEvent struct {
	GuildID     string `json:"guildId"`
	Track       Track  `json:"track"`
	ThresholdMs int64  `json:"thresholdMs"`
}

// WebSocketClosedEvent Discord 语音连接被关闭
type WebSocketClosedEvent struct {
	GuildID  string `json:"guildId"`
	Code     int    `json:"code"`
	Reason   string `json:"reason"`
	ByRemote bool   `json:"byRemote"`
}

// ErrorEvent 无法解析的帧或传输层错误
type ErrorEvent struct {
	Err error
	Raw []byte
}

// ConnectionClosedEvent 控制连接关闭
type ConnectionClosedEvent struct {
	Code     int
	Reason   string
	ByRemote bool
}

// ConnectedEvent Node 派生事件
type ConnectedEvent struct {
	SessionID string
	Resumed   bool
}

// DisconnectedEvent Node 派生事件
type DisconnectedEvent struct {
	Code   int
	Reason string
}

func (ReadyEvent) Kind() EventKind { return KindReady }
func (StatsEvent) Kind() EventKind { return KindStats }
func (PlayerUpdateEvent) Kind() EventKind { return KindPlayerUpdate }
func (TrackStartEvent) Kind() EventKind { return KindTrackStart }
func (TrackEndEvent) Kind() EventKind { return KindTrackEnd }
func (TrackExceptionEvent) Kind() EventKind { return KindTrackException }
func (TrackStuckEvent) Kind() EventKind { return KindTrackStuck }
func (WebSocketClosedEvent) Kind() EventKind { return KindWebSocketClosed }
func (ErrorEvent) Kind() EventKind { return KindError }
func (ConnectionClosedEvent) Kind() EventKind { return KindConnectionClosed }
func (ConnectedEvent) Kind() EventKind { return KindConnected }
func (DisconnectedEvent) Kind() EventKind { return KindDisconnected }

func (e PlayerUpdateEvent) Guild() string { return e.GuildID }
func (e TrackStartEvent) Guild() string { return e.GuildID }
func (e TrackEndEvent) Guild() string { return e.GuildID }
func (e TrackExceptionEvent) Guild() string { return e.GuildID }
func (e TrackStuckEvent) Guild() string { return e.GuildID }
func (e WebSocketClosedEvent) Guild() string { return e.GuildID }

type frameHeader struct {
	Op   Op        `json:"op"`
	Type EventType `json:"type"`
}

// DecodeFrame 把一条文本帧解析成类型化事件
func DecodeFrame(data []byte) (Event, error) {
	var header frameHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("decode frame header: %w", err)
	}

	var target Event
	switch header.Op {
	case OpReady:
		var e ReadyEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode ready: %w", err)
		}
		if e.SessionID == "" {
			return nil, fmt.Errorf("decode ready: missing sessionId")
		}
		return e, nil
	case OpStats:
		var e StatsEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
		return e, nil
	case OpPlayerUpdate:
		var e PlayerUpdateEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode playerUpdate: %w", err)
		}
		return e, nil
	case OpEvent:
	default:
		return nil, fmt.Errorf("unknown op %q", header.Op)
	}

	var err error
	switch header.Type {
	case EventTrackStart:
		var e TrackStartEvent
		err = json.Unmarshal(data, &e)
		target = e
	case EventTrackEnd:
		var e TrackEndEvent
		err = json.Unmarshal(data, &e)
		target = e
	case EventTrackException:
		var e TrackExceptionEvent
		err = json.Unmarshal(data, &e)
		target = e
	case EventTrackStuck:
		var e TrackStuckEvent
		err = json.Unmarshal(data, &e)
		target = e
	case EventWebSocketClosed:
		var e WebSocketClosedEvent
		err = json.Unmarshal(data, &e)
		target = e
	default:
		return nil, fmt.Errorf("unknown event type %q", header.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", header.Type, err)
	}
	return target, nil
}
