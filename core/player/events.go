package player

import (
	"context"

	"go.uber.org/zap"

	"GuildFM/core/lavalink"
	"GuildFM/core/queue"
	"GuildFM/logger"
)

// Discord 语音关闭码：机器人被移出频道或频道被删除
const voiceCloseDisconnected = 4014

// attach 订阅节点事件，同一节点只订阅一次
func (m *Manager) attach(n Node) {
	m.attachMu.Lock()
	defer m.attachMu.Unlock()
	if m.attached[n] {
		return
	}
	m.attached[n] = true

	n.On(lavalink.KindPlayerUpdate, func(e lavalink.Event) {
		ev := e.(lavalink.PlayerUpdateEvent)
		m.dispatchGuild(ev.GuildID, func() { m.onPlayerUpdate(n, ev) })
	})
	n.On(lavalink.KindTrackStart, func(e lavalink.Event) {
		ev := e.(lavalink.TrackStartEvent)
		m.dispatchGuild(ev.GuildID, func() { m.onTrackStart(n, ev) })
	})
	n.On(lavalink.KindTrackEnd, func(e lavalink.Event) {
		ev := e.(lavalink.TrackEndEvent)
		m.dispatchGuild(ev.GuildID, func() { m.onTrackEnd(n, ev) })
	})
	n.On(lavalink.KindTrackException, func(e lavalink.Event) {
		m.onTrackException(n, e.(lavalink.TrackExceptionEvent))
	})
	n.On(lavalink.KindTrackStuck, func(e lavalink.Event) {
		ev := e.(lavalink.TrackStuckEvent)
		m.dispatchGuild(ev.GuildID, func() { m.onTrackStuck(n, ev) })
	})
	n.On(lavalink.KindWebSocketClosed, func(e lavalink.Event) {
		ev := e.(lavalink.WebSocketClosedEvent)
		m.dispatchGuild(ev.GuildID, func() { m.onVoiceClosed(n, ev) })
	})
	n.On(lavalink.KindConnected, func(e lavalink.Event) {
		m.onNodeConnected(n, e.(lavalink.ConnectedEvent))
	})
	n.On(lavalink.KindDisconnected, func(e lavalink.Event) {
		ev := e.(lavalink.DisconnectedEvent)
		m.log.Warn("节点断开", logger.NodeName(n.Name()), zap.Int("code", ev.Code), zap.String("reason", ev.Reason))
	})
}

// dispatchGuild 把 guild 事件交给该 guild 自己的事件队列
// 同一 guild 的事件保持到达顺序，不同 guild 之间互不等待；未知 guild 的事件直接丢弃
func (m *Manager) dispatchGuild(guildID string, fn func()) {
	gp, ok := m.guilds.Get(guildID)
	if !ok {
		return
	}
	m.pendingEvents.Add(1)
	if gp.events.push(fn) {
		go m.drainEvents(gp)
	}
}

func (m *Manager) drainEvents(gp *guildPlayer) {
	for {
		fn, ok := gp.events.pop()
		if !ok {
			return
		}
		fn()
		m.pendingEvents.Done()
	}
}

// lockForNode 只处理当前分配在该节点上的 guild
func (m *Manager) lockForNode(n Node, guildID string) (*guildPlayer, bool) {
	gp, err := m.lock(guildID)
	if err != nil {
		return nil, false
	}
	if gp.node != n {
		gp.mu.Unlock()
		return nil, false
	}
	return gp, true
}

func (m *Manager) eventContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.cfg.EventTimeout)
}

func (m *Manager) onPlayerUpdate(n Node, e lavalink.PlayerUpdateEvent) {
	gp, ok := m.lockForNode(n, e.GuildID)
	if !ok {
		return
	}
	defer gp.mu.Unlock()

	if gp.queue.Current() != nil {
		gp.syncPosition(e.State.Position, m.now())
	}
	gp.onVoice = e.State.Connected
	gp.ping = e.State.Ping
	m.publishLocked(gp)
}

func (m *Manager) onTrackStart(n Node, e lavalink.TrackStartEvent) {
	gp, ok := m.lockForNode(n, e.GuildID)
	if !ok {
		return
	}
	defer gp.mu.Unlock()

	current := gp.queue.Current()
	if current == nil || !current.Equal(e.Track) {
		return
	}
	gp.syncPosition(0, m.now())
	m.log.Debug("音轨开始", logger.GuildID(e.GuildID), zap.String("title", e.Track.Info.Title))
	m.publishLocked(gp)
}

// onTrackEnd 只有结束的是当前音轨时才推进队列，旧事件与 replaced 直接忽略
func (m *Manager) onTrackEnd(n Node, e lavalink.TrackEndEvent) {
	if e.Reason == lavalink.ReasonReplaced {
		return
	}
	gp, ok := m.lockForNode(n, e.GuildID)
	if !ok {
		return
	}
	defer gp.mu.Unlock()

	current := gp.queue.Current()
	if current == nil || !current.Equal(e.Track) {
		return
	}

	action := gp.pending
	gp.pending = advanceNatural
	if e.Reason == lavalink.ReasonLoadFailed {
		action = advanceDiscard
	}

	var next = gp.queue.DequeueNext
	switch action {
	case advanceSkip:
		next = gp.queue.SkipNext
	case advanceDiscard:
		next = gp.queue.DiscardCurrent
	}

	m.advanceLocked(gp, next(), string(e.Reason))
}

// advanceLocked 开始播放下一首；失败的音轨直接丢弃并继续尝试，不重试
func (m *Manager) advanceLocked(gp *guildPlayer, next *queue.QueueTrack, reason string) {
	gp.paused = false
	gp.syncPosition(0, m.now())

	for next != nil {
		ctx, cancel := m.eventContext()
		err := m.startTrackLocked(ctx, gp, *next, 0)
		cancel()
		if err == nil {
			m.log.Info("播放下一首",
				logger.GuildID(gp.guildID),
				zap.String("title", next.Info.Title),
				zap.String("reason", reason))
			break
		}
		m.log.Error("播放下一首失败，跳过",
			logger.GuildID(gp.guildID),
			zap.String("title", next.Info.Title),
			zap.Error(err))
		next = gp.queue.DiscardCurrent()
	}

	if next == nil {
		m.log.Info("队列已播放完毕", logger.GuildID(gp.guildID))
	}
	m.publishLocked(gp)
}

func (m *Manager) onTrackException(n Node, e lavalink.TrackExceptionEvent) {
	m.log.Warn("音轨播放异常",
		logger.GuildID(e.GuildID),
		logger.NodeName(n.Name()),
		zap.String("title", e.Track.Info.Title),
		zap.String("severity", string(e.Exception.Severity)),
		zap.String("message", e.Exception.Message))
}

// onTrackStuck 卡住的音轨按媒体错误处理：丢弃并推进
func (m *Manager) onTrackStuck(n Node, e lavalink.TrackStuckEvent) {
	gp, ok := m.lockForNode(n, e.GuildID)
	if !ok {
		return
	}
	defer gp.mu.Unlock()

	current := gp.queue.Current()
	if current == nil || !current.Equal(e.Track) {
		return
	}
	m.log.Warn("音轨卡住，跳过",
		logger.GuildID(e.GuildID),
		zap.String("title", e.Track.Info.Title),
		zap.Int64("thresholdMs", e.ThresholdMs))

	ctx, cancel := m.eventContext()
	defer cancel()
	if _, err := m.skipLocked(ctx, gp, advanceDiscard); err != nil {
		m.log.Error("停止卡住的音轨失败", logger.GuildID(e.GuildID), zap.Error(err))
	}
}

func (m *Manager) onVoiceClosed(n Node, e lavalink.WebSocketClosedEvent) {
	m.log.Warn("语音连接关闭",
		logger.GuildID(e.GuildID),
		logger.NodeName(n.Name()),
		zap.Int("code", e.Code),
		zap.String("reason", e.Reason),
		zap.Bool("byRemote", e.ByRemote))
	if e.Code != voiceCloseDisconnected {
		return
	}

	gp, ok := m.guilds.Get(e.GuildID)
	if !ok || gp.node != n {
		return
	}
	ctx, cancel := m.eventContext()
	defer cancel()
	if err := m.teardown(ctx, gp, false); err != nil {
		m.log.Debug("清理 guild", logger.GuildID(e.GuildID), zap.Error(err))
	}
}

// onNodeConnected 新会话（非恢复）时节点上已没有播放器，需要重建
// 恢复的会话可能带着本进程不认识的播放器（进程重启前留下的），需要清理
func (m *Manager) onNodeConnected(n Node, e lavalink.ConnectedEvent) {
	if e.Resumed {
		m.log.Info("节点会话已恢复", logger.NodeName(n.Name()), zap.String("sessionId", e.SessionID))
		m.pendingEvents.Add(1)
		go func() {
			defer m.pendingEvents.Done()
			m.destroyOrphans(n)
		}()
		return
	}

	m.assignments.Range(func(guildID, nodeName string) bool {
		if nodeName == n.Name() {
			m.dispatchGuild(guildID, func() { m.restore(n, guildID) })
		}
		return true
	})
}

// destroyOrphans 销毁节点上没有分配到该节点的播放器
// 队列只存在于内存，重启后无法接着播放，留着只会让机器人在频道里继续放上一首
func (m *Manager) destroyOrphans(n Node) {
	ctx, cancel := m.eventContext()
	defer cancel()
	players, err := n.FetchPlayers(ctx)
	if err != nil {
		m.log.Warn("读取节点播放器失败", logger.NodeName(n.Name()), zap.Error(err))
		return
	}
	for _, p := range players {
		if name, ok := m.assignments.Get(p.GuildID); ok && name == n.Name() {
			continue
		}
		if err := n.DestroyPlayer(ctx, p.GuildID); err != nil {
			m.log.Warn("销毁遗留播放器失败", logger.GuildID(p.GuildID), zap.Error(err))
			continue
		}
		m.log.Info("已销毁遗留播放器", logger.GuildID(p.GuildID), logger.NodeName(n.Name()))
	}
}

// restore 按本地状态重建节点播放器：语音、当前音轨与位置、音量、暂停
func (m *Manager) restore(n Node, guildID string) bool {
	gp, ok := m.lockForNode(n, guildID)
	if !ok {
		return false
	}
	defer gp.mu.Unlock()

	if !gp.voice.Complete() {
		return false
	}
	now := m.now()
	voice := gp.voice
	update := lavalink.PlayerUpdate{
		Voice:  &voice,
		Volume: lavalink.IntPtr(gp.queue.Volume()),
		Paused: lavalink.BoolPtr(gp.paused),
	}
	position := gp.currentPosition(now)
	if current := gp.queue.Current(); current != nil {
		update.Track = lavalink.PlayTrack(current.Encoded)
		if position > 0 {
			update.Position = lavalink.Int64Ptr(position)
		}
	}

	ctx, cancel := m.eventContext()
	defer cancel()
	if _, err := gp.node.UpdatePlayer(ctx, guildID, update, false); err != nil {
		m.log.Error("重建播放器失败", logger.GuildID(guildID), zap.Error(err))
		return false
	}
	gp.syncPosition(position, now)
	m.log.Info("已在新会话上重建播放器", logger.GuildID(guildID), logger.NodeName(n.Name()))
	m.publishLocked(gp)
	return true
}
