package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"GuildFM/core/player"
	"GuildFM/logger"
)

// ErrNotReady 网关尚未就绪
var ErrNotReady = errors.New("discord session is not ready")

// VoiceEvents 接收机器人自身的语音事件，由 player.Manager 实现
type VoiceEvents interface {
	HandleVoiceStateUpdate(ctx context.Context, guildID, channelID, sessionID string)
	HandleVoiceServerUpdate(ctx context.Context, guildID, token, endpoint string)
}

// Bot Discord 网关会话，负责语音频道的加入与离开，并把语音事件转发给播放管理器
type Bot struct {
	dg  *discordgo.Session
	log *zap.Logger

	mu     sync.RWMutex
	events VoiceEvents
	userID string

	ready     chan struct{}
	readyOnce sync.Once

	eventTimeout time.Duration
}

// NewBot 创建会话，只订阅 guild 与语音状态事件
func NewBot(token string) (*Bot, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	dg.StateEnabled = true

	b := &Bot{
		dg:           dg,
		log:          logger.Named("discord"),
		ready:        make(chan struct{}),
		eventTimeout: 10 * time.Second,
	}
	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onVoiceStateUpdate)
	dg.AddHandler(b.onVoiceServerUpdate)
	return b, nil
}

// SetVoiceEvents 播放管理器创建后再注入
func (b *Bot) SetVoiceEvents(events VoiceEvents) {
	b.mu.Lock()
	b.events = events
	b.mu.Unlock()
}

// Open 连接网关并等待 Ready，返回机器人用户 ID
func (b *Bot) Open(ctx context.Context) (string, error) {
	if err := b.dg.Open(); err != nil {
		return "", fmt.Errorf("failed to open Discord session: %w", err)
	}
	select {
	case <-b.ready:
		return b.UserID(), nil
	case <-ctx.Done():
		_ = b.dg.Close()
		return "", ctx.Err()
	}
}

// Close 关闭网关
func (b *Bot) Close() error {
	return b.dg.Close()
}

// UserID 机器人用户 ID，Ready 之前为空
func (b *Bot) UserID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.userID
}

func (b *Bot) voiceEvents() VoiceEvents {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.events
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.mu.Lock()
	b.userID = r.User.ID
	b.mu.Unlock()
	b.readyOnce.Do(func() { close(b.ready) })

	b.log.Info("discord session ready",
		zap.String("user", r.User.Username),
		zap.Int("guilds", len(r.Guilds)))
}

// onVoiceStateUpdate 只关心机器人自己的语音状态
func (b *Bot) onVoiceStateUpdate(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil || v.UserID != b.UserID() {
		return
	}
	events := b.voiceEvents()
	if events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.eventTimeout)
	defer cancel()
	b.log.Debug("voice state update", logger.GuildID(v.GuildID), zap.String("channelId", v.ChannelID))
	events.HandleVoiceStateUpdate(ctx, v.GuildID, v.ChannelID, v.SessionID)
}

func (b *Bot) onVoiceServerUpdate(_ *discordgo.Session, v *discordgo.VoiceServerUpdate) {
	events := b.voiceEvents()
	if events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.eventTimeout)
	defer cancel()
	b.log.Debug("voice server update", logger.GuildID(v.GuildID), zap.String("endpoint", v.Endpoint))
	events.HandleVoiceServerUpdate(ctx, v.GuildID, v.Token, v.Endpoint)
}

// ========== player.VoiceGateway ==========

var _ player.VoiceGateway = (*Bot)(nil)

// JoinChannel 发送 op 4，音频由节点负责，机器人自身保持闭麦
func (b *Bot) JoinChannel(_ context.Context, guildID, channelID string) error {
	if b.UserID() == "" {
		return ErrNotReady
	}
	if err := b.dg.ChannelVoiceJoinManual(guildID, channelID, false, true); err != nil {
		return fmt.Errorf("join voice channel %s: %w", channelID, err)
	}
	return nil
}

// LeaveChannel 发送 channel 为空的 op 4
func (b *Bot) LeaveChannel(_ context.Context, guildID string) error {
	if b.UserID() == "" {
		return ErrNotReady
	}
	if err := b.dg.ChannelVoiceJoinManual(guildID, "", false, false); err != nil {
		return fmt.Errorf("leave voice channel: %w", err)
	}
	return nil
}

// ActiveMembers 频道内的真人听众数
func (b *Bot) ActiveMembers(guildID, channelID string) int {
	guild, err := b.dg.State.Guild(guildID)
	if err != nil {
		return 0
	}
	b.dg.State.RLock()
	states := append([]*discordgo.VoiceState(nil), guild.VoiceStates...)
	b.dg.State.RUnlock()

	return CountListeners(states, channelID, b.UserID(), func(userID string) bool {
		member, err := b.dg.State.Member(guildID, userID)
		return err == nil && member.User != nil && member.User.Bot
	})
}

// CountListeners 统计频道内未拒听的非机器人成员
func CountListeners(states []*discordgo.VoiceState, channelID, selfID string, isBot func(userID string) bool) int {
	n := 0
	for _, vs := range states {
		if vs == nil || vs.ChannelID != channelID || vs.UserID == selfID {
			continue
		}
		if vs.Deaf || vs.SelfDeaf {
			continue
		}
		if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
			continue
		}
		if isBot != nil && isBot(vs.UserID) {
			continue
		}
		n++
	}
	return n
}
