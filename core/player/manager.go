package player

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"GuildFM/core/lavalink"
	"GuildFM/core/queue"
	"GuildFM/core/utils"
	"GuildFM/logger"
)

// Config 管理器配置
type Config struct {
	DefaultVolume      int
	VoteSkipPercentage float64
	SearchPrefix       string // 例如 ytsearch
	AwaitSideEffects   bool   // 为 true 时快照在操作返回前同步投递
	Settings           SettingsProvider
	Clock              func() time.Time
	EventTimeout       time.Duration // 事件触发的 REST 调用超时
}

// Manager 播放编排器：管理 guild -> 队列、guild -> 节点，并把高层操作翻译成节点调用
// 同一 guild 的操作与节点事件通过 guild 锁串行执行，不同 guild 互不阻塞
type Manager struct {
	cfg   Config
	pool  *NodePool
	voice VoiceGateway
	subs  *Subscription
	log   *zap.Logger

	guilds      *utils.ShardedMap[*guildPlayer]
	assignments *utils.ShardedMap[string] // guildID -> node name

	attachMu sync.Mutex
	attached map[Node]bool

	pendingEvents sync.WaitGroup // 已入队但未处理完的节点事件
}

// NewManager 创建管理器并订阅节点池中所有节点的事件
func NewManager(pool *NodePool, voice VoiceGateway, cfg Config) *Manager {
	if cfg.DefaultVolume <= 0 || cfg.DefaultVolume > queue.MaxVolume {
		cfg.DefaultVolume = queue.DefaultVolume
	}
	if cfg.VoteSkipPercentage <= 0 || cfg.VoteSkipPercentage > 1 {
		cfg.VoteSkipPercentage = 0.5
	}
	if cfg.SearchPrefix == "" {
		cfg.SearchPrefix = "ytsearch"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 10 * time.Second
	}
	if voice == nil {
		voice = noopVoice{}
	}
	if pool == nil {
		pool = NewNodePool()
	}

	m := &Manager{
		cfg:         cfg,
		pool:        pool,
		voice:       voice,
		subs:        NewSubscription(cfg.AwaitSideEffects),
		log:         logger.Named("player"),
		guilds:      utils.NewShardedMap[*guildPlayer](0),
		assignments: utils.NewShardedMap[string](0),
		attached:    make(map[Node]bool),
	}
	for _, n := range pool.Nodes() {
		m.attach(n)
	}
	return m
}

// AddNode 运行时加入节点
func (m *Manager) AddNode(n Node) {
	m.pool.Add(n)
	m.attach(n)
}

// Pool 节点池
func (m *Manager) Pool() *NodePool {
	return m.pool
}

// Subscribe 注册快照监听者
func (m *Manager) Subscribe(name string, l Listener) {
	m.subs.Subscribe(name, l)
}

// Unsubscribe 取消快照监听
func (m *Manager) Unsubscribe(name string) {
	m.subs.Unsubscribe(name)
}

// Close 停止快照投递
func (m *Manager) Close() {
	m.subs.Close()
}

func (m *Manager) now() time.Time {
	return m.cfg.Clock()
}

func (m *Manager) defaultSettings() Settings {
	return Settings{
		DefaultVolume:      m.cfg.DefaultVolume,
		VoteSkipPercentage: m.cfg.VoteSkipPercentage,
		DefaultLoopMode:    queue.LoopNone,
	}
}

func (m *Manager) loadSettings(ctx context.Context, guildID string) Settings {
	settings := m.defaultSettings()
	if m.cfg.Settings == nil {
		return settings
	}
	stored, err := m.cfg.Settings.GuildSettings(ctx, guildID)
	if err != nil {
		m.log.Warn("读取 guild 设置失败，使用默认值", logger.GuildID(guildID), zap.Error(err))
		return settings
	}
	if stored.DefaultVolume > 0 && stored.DefaultVolume <= queue.MaxVolume {
		settings.DefaultVolume = stored.DefaultVolume
	}
	if stored.VoteSkipPercentage > 0 && stored.VoteSkipPercentage <= 1 {
		settings.VoteSkipPercentage = stored.VoteSkipPercentage
	}
	settings.DefaultLoopMode = stored.DefaultLoopMode
	settings.AnnounceChannelID = stored.AnnounceChannelID
	return settings
}

// lock 取出 guild 并加锁，guild 不存在或已被移除时返回 ErrNotConnected
func (m *Manager) lock(guildID string) (*guildPlayer, error) {
	gp, ok := m.guilds.Get(guildID)
	if !ok {
		return nil, ErrNotConnected
	}
	gp.mu.Lock()
	if gp.removed {
		gp.mu.Unlock()
		return nil, ErrNotConnected
	}
	return gp, nil
}

// publishLocked 在持有 guild 锁时发布，保证同一 guild 的快照顺序与变更顺序一致
func (m *Manager) publishLocked(gp *guildPlayer) {
	m.subs.Publish(gp.snapshot(m.now()))
}

// ========== 连接管理 ==========

// Connect 绑定语音频道并选择节点；已连接到同一频道时直接返回
func (m *Manager) Connect(ctx context.Context, guildID, voiceChannelID, textChannelID string) error {
	if gp, err := m.lock(guildID); err == nil {
		defer gp.mu.Unlock()
		if textChannelID != "" {
			gp.queue.SetTextChannelID(textChannelID)
		}
		if gp.queue.VoiceChannelID() == voiceChannelID {
			return nil
		}
		if err := m.voice.JoinChannel(ctx, guildID, voiceChannelID); err != nil {
			return fmt.Errorf("join voice channel: %w", err)
		}
		gp.queue.SetVoiceChannelID(voiceChannelID)
		m.log.Info("切换语音频道", logger.GuildID(guildID), zap.String("channelId", voiceChannelID))
		m.publishLocked(gp)
		return nil
	}

	node, err := m.pool.Best()
	if err != nil {
		return err
	}
	settings := m.loadSettings(ctx, guildID)

	gp, created := m.guilds.GetOrCreate(guildID, func() *guildPlayer {
		return newGuildPlayer(guildID, node, settings)
	})
	gp.mu.Lock()
	defer gp.mu.Unlock()
	if !created {
		// 并发的 Connect 已经创建
		if gp.removed {
			return ErrNotConnected
		}
		return nil
	}

	gp.queue.SetVoiceChannelID(voiceChannelID)
	gp.queue.SetTextChannelID(textChannelID)
	m.assignments.Set(guildID, node.Name())

	if err := m.voice.JoinChannel(ctx, guildID, voiceChannelID); err != nil {
		gp.removed = true
		m.guilds.Delete(guildID)
		m.assignments.Delete(guildID)
		return fmt.Errorf("join voice channel: %w", err)
	}

	m.log.Info("guild 已连接",
		logger.GuildID(guildID),
		zap.String("channelId", voiceChannelID),
		logger.NodeName(node.Name()))
	m.publishLocked(gp)
	return nil
}

// Disconnect 停止播放、销毁节点播放器并移除队列
func (m *Manager) Disconnect(ctx context.Context, guildID string) error {
	gp, ok := m.guilds.Get(guildID)
	if !ok {
		return ErrNotConnected
	}
	return m.teardown(ctx, gp, true)
}

// teardown 移除 guild，leave 为 false 时表示机器人已不在语音频道
func (m *Manager) teardown(ctx context.Context, gp *guildPlayer, leave bool) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	if gp.removed {
		return ErrNotConnected
	}
	gp.removed = true
	m.guilds.CompareAndDelete(gp.guildID, func(v *guildPlayer) bool { return v == gp })
	m.assignments.Delete(gp.guildID)

	var errs []error
	if gp.node != nil && gp.node.Connected() {
		if err := gp.node.DestroyPlayer(ctx, gp.guildID); err != nil {
			errs = append(errs, fmt.Errorf("destroy player: %w", err))
		}
	}
	if leave {
		if err := m.voice.LeaveChannel(ctx, gp.guildID); err != nil {
			errs = append(errs, fmt.Errorf("leave voice channel: %w", err))
		}
	}

	m.log.Info("guild 已断开", logger.GuildID(gp.guildID))
	m.subs.Publish(idleSnapshot(gp.guildID))
	return errors.Join(errs...)
}

// HandleVoiceStateUpdate 机器人自身的语音状态变化，channelID 为空表示已离开频道
func (m *Manager) HandleVoiceStateUpdate(ctx context.Context, guildID, channelID, sessionID string) {
	gp, ok := m.guilds.Get(guildID)
	if !ok {
		return
	}
	if channelID == "" {
		if err := m.teardown(ctx, gp, false); err != nil && !errors.Is(err, ErrNotConnected) {
			m.log.Warn("离开语音频道后清理失败", logger.GuildID(guildID), zap.Error(err))
		}
		return
	}

	gp, err := m.lock(guildID)
	if err != nil {
		return
	}
	defer gp.mu.Unlock()
	gp.queue.SetVoiceChannelID(channelID)
	gp.voice.SessionID = sessionID
	m.sendVoiceLocked(ctx, gp)
}

// HandleVoiceServerUpdate Discord 分配的语音服务器
func (m *Manager) HandleVoiceServerUpdate(ctx context.Context, guildID, token, endpoint string) {
	gp, err := m.lock(guildID)
	if err != nil {
		return
	}
	defer gp.mu.Unlock()
	gp.voice.Token = token
	gp.voice.Endpoint = endpoint
	m.sendVoiceLocked(ctx, gp)
}

// sendVoiceLocked 三项语音信息齐全后交给节点
func (m *Manager) sendVoiceLocked(ctx context.Context, gp *guildPlayer) {
	if !gp.voice.Complete() {
		return
	}
	voice := gp.voice
	update := lavalink.PlayerUpdate{Voice: &voice, Volume: lavalink.IntPtr(gp.queue.Volume())}
	if _, err := gp.node.UpdatePlayer(ctx, gp.guildID, update, false); err != nil {
		m.log.Error("下发语音信息失败", logger.GuildID(gp.guildID), zap.Error(err))
		return
	}
	m.log.Debug("语音信息已下发", logger.GuildID(gp.guildID), logger.NodeName(gp.node.Name()))
}

// ========== 播放控制 ==========

// startTrackLocked 让节点播放指定音轨并打断当前音轨
func (m *Manager) startTrackLocked(ctx context.Context, gp *guildPlayer, t queue.QueueTrack, position int64) error {
	update := lavalink.PlayerUpdate{
		Track:  lavalink.PlayTrack(t.Encoded),
		Volume: lavalink.IntPtr(gp.queue.Volume()),
		Paused: lavalink.BoolPtr(false),
	}
	if position > 0 {
		update.Position = lavalink.Int64Ptr(position)
	}
	if _, err := gp.node.UpdatePlayer(ctx, gp.guildID, update, false); err != nil {
		return err
	}
	gp.paused = false
	gp.pending = advanceNatural
	gp.syncPosition(position, m.now())
	return nil
}

// Play 当前没有音轨时立即播放第一首并等待节点确认，其余追加到队尾
// 返回最后一首追加音轨的队列位置（从 1 开始），0 表示立即开始播放
func (m *Manager) Play(ctx context.Context, guildID string, tracks []lavalink.Track, requesterName, requesterID string) (int, error) {
	if len(tracks) == 0 {
		return 0, ErrNoTracks
	}
	gp, err := m.lock(guildID)
	if err != nil {
		return 0, err
	}
	defer gp.mu.Unlock()

	items := queue.NewQueueTracks(tracks, requesterName, requesterID)
	position := 0

	if gp.queue.Current() == nil {
		first := items[0]
		if err := m.startTrackLocked(ctx, gp, first, 0); err != nil {
			return 0, fmt.Errorf("start track: %w", err)
		}
		gp.queue.SetCurrent(&first)
		items = items[1:]
		m.log.Info("开始播放",
			logger.GuildID(guildID),
			zap.String("title", first.Info.Title),
			zap.String("requester", requesterName))
	}
	if len(items) > 0 {
		position = gp.queue.Enqueue(items...)
	}

	m.publishLocked(gp)
	return position, nil
}

// skipLocked 停止当前音轨，由随后的 TrackEnd 事件推进队列
func (m *Manager) skipLocked(ctx context.Context, gp *guildPlayer, action endAction) (*queue.QueueTrack, error) {
	current := gp.queue.Current()
	if current == nil {
		return nil, nil
	}
	gp.pending = action
	if _, err := gp.node.UpdatePlayer(ctx, gp.guildID, lavalink.PlayerUpdate{Track: lavalink.StopTrack()}, false); err != nil {
		gp.pending = advanceNatural
		return nil, fmt.Errorf("stop track: %w", err)
	}
	gp.queue.ClearVotes()
	return current, nil
}

// Skip 跳过当前音轨，返回被跳过的音轨；没有播放时返回 nil
func (m *Manager) Skip(ctx context.Context, guildID string) (*queue.QueueTrack, error) {
	gp, err := m.lock(guildID)
	if err != nil {
		return nil, err
	}
	defer gp.mu.Unlock()

	skipped, err := m.skipLocked(ctx, gp, advanceSkip)
	if err != nil {
		return nil, err
	}
	if skipped != nil {
		m.log.Info("跳过音轨", logger.GuildID(guildID), zap.String("title", skipped.Info.Title))
		m.publishLocked(gp)
	}
	return skipped, nil
}

// VoteSkip 记录投票，达到阈值时跳过
func (m *Manager) VoteSkip(ctx context.Context, guildID, userID string) (queue.VoteResult, error) {
	gp, err := m.lock(guildID)
	if err != nil {
		return queue.VoteResult{}, err
	}
	defer gp.mu.Unlock()

	active := m.voice.ActiveMembers(guildID, gp.queue.VoiceChannelID())
	result, err := gp.queue.RecordVote(userID, active, gp.settings.VoteSkipPercentage)
	if err != nil {
		return result, err
	}
	if result.Reached {
		if _, err := m.skipLocked(ctx, gp, advanceSkip); err != nil {
			return result, err
		}
		m.log.Info("投票跳过",
			logger.GuildID(guildID),
			zap.Int("votes", result.Votes),
			zap.Int("required", result.Required))
	}
	m.publishLocked(gp)
	return result, nil
}

// Stop 清空待播列表并停止当前音轨，不离开语音频道
func (m *Manager) Stop(ctx context.Context, guildID string) error {
	gp, err := m.lock(guildID)
	if err != nil {
		return err
	}
	defer gp.mu.Unlock()

	current := gp.queue.Current()
	gp.queue.Clear()
	gp.queue.SetCurrent(nil)
	gp.pending = advanceNatural
	gp.paused = false
	gp.syncPosition(0, m.now())
	m.publishLocked(gp)

	if current == nil {
		return nil
	}
	if _, err := gp.node.UpdatePlayer(ctx, guildID, lavalink.PlayerUpdate{Track: lavalink.StopTrack()}, false); err != nil {
		return fmt.Errorf("stop track: %w", err)
	}
	m.log.Info("停止播放", logger.GuildID(guildID))
	return nil
}

func (m *Manager) setPausedLocked(ctx context.Context, gp *guildPlayer, paused bool) error {
	if gp.queue.Current() == nil {
		return ErrNothingPlaying
	}
	if gp.paused == paused {
		return nil
	}
	now := m.now()
	position := gp.currentPosition(now)
	if _, err := gp.node.UpdatePlayer(ctx, gp.guildID, lavalink.PlayerUpdate{Paused: lavalink.BoolPtr(paused)}, false); err != nil {
		return err
	}
	gp.paused = paused
	gp.syncPosition(position, now)
	m.publishLocked(gp)
	return nil
}

// Pause 暂停
func (m *Manager) Pause(ctx context.Context, guildID string) error {
	gp, err := m.lock(guildID)
	if err != nil {
		return err
	}
	defer gp.mu.Unlock()
	return m.setPausedLocked(ctx, gp, true)
}

// Resume 继续播放
func (m *Manager) Resume(ctx context.Context, guildID string) error {
	gp, err := m.lock(guildID)
	if err != nil {
		return err
	}
	defer gp.mu.Unlock()
	return m.setPausedLocked(ctx, gp, false)
}

// Seek 跳转到指定位置（毫秒）
func (m *Manager) Seek(ctx context.Context, guildID string, position int64) error {
	gp, err := m.lock(guildID)
	if err != nil {
		return err
	}
	defer gp.mu.Unlock()

	current := gp.queue.Current()
	if current == nil {
		return ErrNothingPlaying
	}
	if !current.Info.IsSeekable || current.Info.IsStream {
		return ErrNotSeekable
	}
	if position < 0 || position > current.Info.Length {
		return ErrInvalidPosition
	}
	if _, err := gp.node.UpdatePlayer(ctx, guildID, lavalink.PlayerUpdate{Position: lavalink.Int64Ptr(position)}, false); err != nil {
		return err
	}
	gp.syncPosition(position, m.now())
	m.publishLocked(gp)
	return nil
}

// SetVolume 设置音量 0~1000
func (m *Manager) SetVolume(ctx context.Context, guildID string, volume int) error {
	if volume < queue.MinVolume || volume > queue.MaxVolume {
		return ErrInvalidVolume
	}
	gp, err := m.lock(guildID)
	if err != nil {
		return err
	}
	defer gp.mu.Unlock()

	if err := gp.queue.SetVolume(volume); err != nil {
		return err
	}
	m.publishLocked(gp)
	if _, err := gp.node.UpdatePlayer(ctx, guildID, lavalink.PlayerUpdate{Volume: lavalink.IntPtr(volume)}, false); err != nil {
		return err
	}
	return nil
}

// SetLoopMode 设置循环模式
func (m *Manager) SetLoopMode(guildID string, mode queue.LoopMode) error {
	gp, err := m.lock(guildID)
	if err != nil {
		return err
	}
	defer gp.mu.Unlock()
	gp.queue.SetLoopMode(mode)
	m.publishLocked(gp)
	return nil
}

// Move 调整待播顺序
func (m *Manager) Move(guildID string, from, to int) error {
	gp, err := m.lock(guildID)
	if err != nil {
		return err
	}
	defer gp.mu.Unlock()
	if !gp.queue.Move(from, to) {
		return ErrIndexOutOfRange
	}
	m.publishLocked(gp)
	return nil
}

// Remove 删除待播音轨
func (m *Manager) Remove(guildID string, index int) (*queue.QueueTrack, error) {
	gp, err := m.lock(guildID)
	if err != nil {
		return nil, err
	}
	defer gp.mu.Unlock()
	removed := gp.queue.Remove(index)
	if removed == nil {
		return nil, ErrIndexOutOfRange
	}
	m.publishLocked(gp)
	return removed, nil
}

// Shuffle 打乱待播列表
func (m *Manager) Shuffle(guildID string) error {
	gp, err := m.lock(guildID)
	if err != nil {
		return err
	}
	defer gp.mu.Unlock()
	gp.queue.Shuffle()
	m.publishLocked(gp)
	return nil
}

// Clear 清空待播列表，当前音轨继续播放
func (m *Manager) Clear(guildID string) (int, error) {
	gp, err := m.lock(guildID)
	if err != nil {
		return 0, err
	}
	defer gp.mu.Unlock()
	n := gp.queue.Clear()
	m.publishLocked(gp)
	return n, nil
}

// ReloadSettings 设置变更后重新读取
func (m *Manager) ReloadSettings(ctx context.Context, guildID string) error {
	settings := m.loadSettings(ctx, guildID)
	gp, err := m.lock(guildID)
	if err != nil {
		return err
	}
	defer gp.mu.Unlock()
	gp.settings = settings
	m.publishLocked(gp)
	return nil
}

// ========== 查询 ==========

// Snapshot 当前状态，未连接时返回 Idle 快照
func (m *Manager) Snapshot(guildID string) Snapshot {
	gp, err := m.lock(guildID)
	if err != nil {
		return idleSnapshot(guildID)
	}
	defer gp.mu.Unlock()
	return gp.snapshot(m.now())
}

// Snapshots 所有已连接 guild 的状态
func (m *Manager) Snapshots() []Snapshot {
	var snaps []Snapshot
	for _, guildID := range m.guilds.Keys() {
		if snap := m.Snapshot(guildID); snap.State != StateIdle {
			snaps = append(snaps, snap)
		}
	}
	return snaps
}

// State guild 当前状态
func (m *Manager) State(guildID string) GuildState {
	return m.Snapshot(guildID).State
}

// GuildCount 已连接 guild 数量
func (m *Manager) GuildCount() int {
	return m.guilds.Len()
}

// NodeFor guild 分配到的节点名
func (m *Manager) NodeFor(guildID string) (string, bool) {
	return m.assignments.Get(guildID)
}

// isURL 只有带 scheme 和 host 的才视为链接
func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Identifier 普通文本加上搜索前缀，链接与已带前缀的标识符原样返回
func (m *Manager) Identifier(query string) string {
	query = strings.TrimSpace(query)
	if isURL(query) {
		return query
	}
	if prefix, _, ok := strings.Cut(query, ":"); ok && strings.HasSuffix(prefix, "search") {
		return query
	}
	return m.cfg.SearchPrefix + ":" + query
}

// LoadTracks 解析查询。优先使用 guild 已分配的节点
func (m *Manager) LoadTracks(ctx context.Context, guildID, query string) (*lavalink.LoadResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrNoTracks
	}
	var node Node
	if name, ok := m.assignments.Get(guildID); ok {
		if n, ok := m.pool.Get(name); ok && n.Connected() {
			node = n
		}
	}
	if node == nil {
		best, err := m.pool.Best()
		if err != nil {
			return nil, err
		}
		node = best
	}
	return node.LoadTracks(ctx, m.Identifier(query))
}
