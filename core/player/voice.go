package player

import (
	"context"

	"GuildFM/core/queue"
)

// VoiceGateway Discord 语音网关，负责加入/离开频道与统计在线成员
type VoiceGateway interface {
	JoinChannel(ctx context.Context, guildID, channelID string) error
	LeaveChannel(ctx context.Context, guildID string) error
	// ActiveMembers 频道内除机器人外未被服务器静音的成员数
	ActiveMembers(guildID, channelID string) int
}

// Settings guild 级别的播放设置
type Settings struct {
	DefaultVolume      int            `json:"defaultVolume"`
	VoteSkipPercentage float64        `json:"voteSkipPercentage"`
	DefaultLoopMode    queue.LoopMode `json:"defaultLoopMode"`
	AnnounceChannelID  string         `json:"announceChannelId,omitempty"`
}

// SettingsProvider 读取 guild 设置，没有记录时返回默认值
type SettingsProvider interface {
	GuildSettings(ctx context.Context, guildID string) (Settings, error)
}

type noopVoice struct{}

func (noopVoice) JoinChannel(context.Context, string, string) error { return nil }
func (noopVoice) LeaveChannel(context.Context, string) error { return nil }
func (noopVoice) ActiveMembers(string, string) int { return 1 }
