package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"GuildFM/model"
)

// GuildSettingsRepository guild 设置数据访问接口
type GuildSettingsRepository interface {
	Get(ctx context.Context, guildID string) (*model.GuildSettings, error)
	Upsert(ctx context.Context, settings *model.GuildSettings) error
	Delete(ctx context.Context, guildID string) error
}

// gormGuildSettingsRepository GORM 实现
type gormGuildSettingsRepository struct {
	db *gorm.DB
}

// NewGormGuildSettingsRepository 创建 GORM 设置仓库
func NewGormGuildSettingsRepository(db *gorm.DB) GuildSettingsRepository {
	return &gormGuildSettingsRepository{db: db}
}

// Get 没有记录时返回 nil, nil
func (r *gormGuildSettingsRepository) Get(ctx context.Context, guildID string) (*model.GuildSettings, error) {
	var settings model.GuildSettings
	err := r.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&settings).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &settings, nil
}

// Upsert 按 guild_id 插入或整体覆盖
func (r *gormGuildSettingsRepository) Upsert(ctx context.Context, settings *model.GuildSettings) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "guild_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"default_volume", "vote_skip_percentage", "default_loop_mode",
			"announce_channel_id", "updated_by", "updated_at",
		}),
	}).Create(settings).Error
}

// Delete 删除后回到全局默认值
func (r *gormGuildSettingsRepository) Delete(ctx context.Context, guildID string) error {
	return r.db.WithContext(ctx).Where("guild_id = ?", guildID).Delete(&model.GuildSettings{}).Error
}
