package queue

import (
	"fmt"
	"strings"
)

// LoopMode 循环模式
type LoopMode int

const (
	LoopNone LoopMode = iota
	LoopTrack
	LoopQueue
)

func (m LoopMode) String() string {
	switch m {
	case LoopTrack:
		return "track"
	case LoopQueue:
		return "queue"
	default:
		return "none"
	}
}

// ParseLoopMode 支持 none/off、track/song、queue/all
func ParseLoopMode(s string) (LoopMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off", "":
		return LoopNone, nil
	case "track", "song":
		return LoopTrack, nil
	case "queue", "all":
		return LoopQueue, nil
	}
	return LoopNone, fmt.Errorf("unknown loop mode %q", s)
}

// MarshalText 序列化为字符串
func (m LoopMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText 从字符串解析
func (m *LoopMode) UnmarshalText(text []byte) error {
	mode, err := ParseLoopMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}
