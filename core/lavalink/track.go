package lavalink

import (
	"encoding/json"
)

// TrackInfo 音轨元数据
type TrackInfo struct {
	Identifier string  `json:"identifier"`
	IsSeekable bool    `json:"isSeekable"`
	Author     string  `json:"author"`
	Length     int64   `json:"length"` // 毫秒
	IsStream   bool    `json:"isStream"`
	Position   int64   `json:"position"`
	Title      string  `json:"title"`
	URI        *string `json:"uri"`
	ArtworkURL *string `json:"artworkUrl"`
	ISRC       *string `json:"isrc"`
	SourceName string  `json:"sourceName"`
}

// Track 节点返回的音轨，Encoded 是节点用来还原可播放对象的不透明数据
type Track struct {
	Encoded    string          `json:"encoded"`
	Info       TrackInfo       `json:"info"`
	PluginInfo json.RawMessage `json:"pluginInfo,omitempty"`
	UserData   json.RawMessage `json:"userData,omitempty"`
}

// Equal 音轨以 Encoded 判等
func (t Track) Equal(other Track) bool {
	return t.Encoded == other.Encoded
}

// Duration 时长（毫秒），直播流返回 0
func (t Track) Duration() int64 {
	if t.Info.IsStream {
		return 0
	}
	return t.Info.Length
}

// StringPtr 便于构造可选字段
func StringPtr(s string) *string {
	return &s
}
