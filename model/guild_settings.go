package model

import "time"

// GuildSettings guild 级别的播放设置
type GuildSettings struct {
	GuildID            string    `json:"guildId" gorm:"primaryKey;size:20"`
	DefaultVolume      int       `json:"defaultVolume" gorm:"not null"`
	VoteSkipPercentage float64   `json:"voteSkipPercentage" gorm:"not null"`
	DefaultLoopMode    string    `json:"defaultLoopMode" gorm:"size:10;not null"` // none, track, queue
	AnnounceChannelID  string    `json:"announceChannelId,omitempty" gorm:"size:20"`
	UpdatedBy          string    `json:"updatedBy,omitempty" gorm:"size:64"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (GuildSettings) TableName() string {
	return "guild_settings"
}
