package repository

import (
	"context"

	"GuildFM/core/player"
	"GuildFM/core/queue"
	"GuildFM/model"
)

// SettingsProvider 把数据库中的 guild 设置转换为播放设置，非法字段回落到默认值
type SettingsProvider struct {
	repo     GuildSettingsRepository
	defaults player.Settings
}

var _ player.SettingsProvider = (*SettingsProvider)(nil)

// NewSettingsProvider 创建设置提供者
func NewSettingsProvider(repo GuildSettingsRepository, defaults player.Settings) *SettingsProvider {
	return &SettingsProvider{repo: repo, defaults: defaults}
}

// GuildSettings 实现 player.SettingsProvider
func (p *SettingsProvider) GuildSettings(ctx context.Context, guildID string) (player.Settings, error) {
	row, err := p.repo.Get(ctx, guildID)
	if err != nil {
		return p.defaults, err
	}
	return ToPlayerSettings(row, p.defaults), nil
}

// ToPlayerSettings row 为 nil 时返回默认值
func ToPlayerSettings(row *model.GuildSettings, defaults player.Settings) player.Settings {
	s := defaults
	if row == nil {
		return s
	}
	if row.DefaultVolume > 0 && row.DefaultVolume <= queue.MaxVolume {
		s.DefaultVolume = row.DefaultVolume
	}
	if row.VoteSkipPercentage > 0 && row.VoteSkipPercentage <= 1 {
		s.VoteSkipPercentage = row.VoteSkipPercentage
	}
	if mode, err := queue.ParseLoopMode(row.DefaultLoopMode); err == nil {
		s.DefaultLoopMode = mode
	}
	s.AnnounceChannelID = row.AnnounceChannelID
	return s
}
