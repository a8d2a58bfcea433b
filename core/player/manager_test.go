package player

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GuildFM/core/lavalink"
	"GuildFM/core/queue"
)

const (
	guildA  = "100000000000000001"
	guildB  = "100000000000000002"
	voiceCh = "200000000000000001"
	textCh  = "300000000000000001"
)

type harness struct {
	m        *Manager
	node     *fakeNode
	voice    *fakeVoice
	clock    *fakeClock
	listener *recordingListener
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	node := newFakeNode("main")
	voice := newFakeVoice()
	clock := newFakeClock()
	m := NewManager(NewNodePool(node), voice, Config{
		AwaitSideEffects: true,
		Clock:            clock.Now,
	})
	listener := &recordingListener{}
	m.Subscribe("test", listener)
	t.Cleanup(m.Close)
	return &harness{m: m, node: node, voice: voice, clock: clock, listener: listener}
}

func (h *harness) connect(t *testing.T, guildID string) {
	t.Helper()
	require.NoError(t, h.m.Connect(context.Background(), guildID, voiceCh, textCh))
}

// emit 模拟节点推送事件，并等待 guild 事件队列处理完
func (h *harness) emit(e lavalink.Event) {
	h.node.emit(e)
	h.m.waitEvents()
}

func mkTrack(id string, length int64) lavalink.Track {
	return lavalink.Track{
		Encoded: "enc-" + id,
		Info:    lavalink.TrackInfo{Identifier: id, Title: "Track " + id, Length: length, IsSeekable: true},
	}
}

func trackEnd(guildID string, t lavalink.Track, reason lavalink.TrackEndReason) lavalink.TrackEndEvent {
	return lavalink.TrackEndEvent{GuildID: guildID, Track: t, Reason: reason}
}

func currentID(t *testing.T, h *harness, guildID string) string {
	t.Helper()
	snap := h.m.Snapshot(guildID)
	if snap.Current == nil {
		return ""
	}
	return snap.Current.Info.Identifier
}

func encodedOf(call updateCall) string {
	if call.Update.Track == nil || call.Update.Track.Encoded == nil {
		return ""
	}
	return *call.Update.Track.Encoded
}

func isStop(call updateCall) bool {
	return call.Update.Track != nil && call.Update.Track.Encoded == nil && call.Update.Track.Identifier == ""
}

// ========== 连接 ==========

func TestConnectSelectsNodeAndJoinsVoice(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)

	assert.Equal(t, StateConnected, h.m.State(guildA))
	assert.Equal(t, voiceCh, h.voice.joined[guildA])
	node, ok := h.m.NodeFor(guildA)
	require.True(t, ok)
	assert.Equal(t, "main", node)

	snap := h.m.Snapshot(guildA)
	assert.Equal(t, 100, snap.Volume)
	assert.Equal(t, textCh, snap.TextChannelID)
	assert.Equal(t, StateConnected, h.listener.last().State)
}

func TestConnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	published := len(h.listener.all())

	h.connect(t, guildA)
	assert.Equal(t, 1, h.m.GuildCount())
	assert.Len(t, h.listener.all(), published)
}

func TestConnectWithoutNodeFails(t *testing.T) {
	h := newHarness(t)
	h.node.setConnected(false)
	err := h.m.Connect(context.Background(), guildA, voiceCh, textCh)
	assert.ErrorIs(t, err, ErrNoAvailableNode)
	assert.Equal(t, StateIdle, h.m.State(guildA))
}

func TestConnectVoiceFailureLeavesGuildIdle(t *testing.T) {
	h := newHarness(t)
	h.voice.joinErr = errors.New("missing permissions")
	err := h.m.Connect(context.Background(), guildA, voiceCh, textCh)
	assert.Error(t, err)
	assert.Equal(t, 0, h.m.GuildCount())
	_, ok := h.m.NodeFor(guildA)
	assert.False(t, ok)
}

func TestConnectAppliesGuildSettings(t *testing.T) {
	node := newFakeNode("main")
	m := NewManager(NewNodePool(node), newFakeVoice(), Config{
		AwaitSideEffects: true,
		Settings: staticSettings{settings: Settings{
			DefaultVolume:      50,
			VoteSkipPercentage: 0.75,
			DefaultLoopMode:    queue.LoopQueue,
		}},
	})
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), guildA, voiceCh, ""))
	snap := m.Snapshot(guildA)
	assert.Equal(t, 50, snap.Volume)
	assert.Equal(t, queue.LoopQueue, snap.LoopMode)
	assert.Equal(t, 0.75, snap.Settings.VoteSkipPercentage)
}

func TestConnectSettingsErrorFallsBackToDefaults(t *testing.T) {
	m := NewManager(NewNodePool(newFakeNode("main")), newFakeVoice(), Config{
		AwaitSideEffects: true,
		DefaultVolume:    80,
		Settings:         staticSettings{err: errors.New("db down")},
	})
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), guildA, voiceCh, ""))
	assert.Equal(t, 80, m.Snapshot(guildA).Volume)
}

// ========== 播放 ==========

func TestPlayStartsImmediatelyWhenIdle(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	x := mkTrack("x", 180000)

	pos, err := h.m.Play(context.Background(), guildA, []lavalink.Track{x}, "alice", "1")
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	call := h.node.lastUpdate()
	assert.Equal(t, guildA, call.GuildID)
	assert.Equal(t, x.Encoded, encodedOf(call))
	assert.False(t, call.NoReplace)

	snap := h.m.Snapshot(guildA)
	require.NotNil(t, snap.Current)
	assert.Equal(t, "x", snap.Current.Info.Identifier)
	assert.Equal(t, "alice", snap.Current.RequesterName)
	assert.Equal(t, StatePlaying, snap.State)
}

func TestPlayWhilePlayingEnqueues(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	_, err := h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack("x", 1000)}, "alice", "1")
	require.NoError(t, err)
	calls := h.node.updateCount()

	pos, err := h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack("y", 1000)}, "bob", "2")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.Equal(t, calls, h.node.updateCount(), "no updatePlayer for an enqueued track")

	snap := h.m.Snapshot(guildA)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, "y", snap.Queue[0].Info.Identifier)
	assert.Equal(t, "x", snap.Current.Info.Identifier)
}

func TestPlayReturnsPositionOfLastAppended(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)

	pos, err := h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack("a", 1), mkTrack("b", 1), mkTrack("c", 1)}, "alice", "1")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
	assert.Equal(t, "a", currentID(t, h, guildA))

	pos, err = h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack("d", 1), mkTrack("e", 1)}, "alice", "1")
	require.NoError(t, err)
	assert.Equal(t, 4, pos)
}

func TestPlayRejectsLogicalFaults(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack("x", 1)}, "a", "1")
	assert.ErrorIs(t, err, ErrNotConnected)

	h.connect(t, guildA)
	_, err = h.m.Play(context.Background(), guildA, nil, "a", "1")
	assert.ErrorIs(t, err, ErrNoTracks)
	assert.Equal(t, 0, h.node.updateCount())
}

func TestPlayStartFailureKeepsQueueUntouched(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	h.node.failWith = &lavalink.RestError{Status: 500, Message: "boom"}

	_, err := h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack("x", 1), mkTrack("y", 1)}, "a", "1")
	var restErr *lavalink.RestError
	require.True(t, errors.As(err, &restErr))
	assert.Equal(t, 500, restErr.Status)

	snap := h.m.Snapshot(guildA)
	assert.Nil(t, snap.Current)
	assert.Empty(t, snap.Queue)
	assert.Equal(t, StateConnected, snap.State)
}

// ========== 音轨结束 ==========

func TestTrackEndFinishedWithEmptyQueueGoesConnected(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	x := mkTrack("x", 1000)
	_, err := h.m.Play(context.Background(), guildA, []lavalink.Track{x}, "a", "1")
	require.NoError(t, err)
	require.Equal(t, StatePlaying, h.m.State(guildA))

	h.emit(trackEnd(guildA, x, lavalink.ReasonFinished))

	snap := h.m.Snapshot(guildA)
	assert.Nil(t, snap.Current)
	assert.Equal(t, StateConnected, snap.State)
	assert.Equal(t, StateConnected, h.listener.last().State)
}

func TestTrackEndFinishedStartsNext(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	x, y := mkTrack("x", 1000), mkTrack("y", 1000)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{x, y}, "a", "1")

	h.emit(trackEnd(guildA, x, lavalink.ReasonFinished))

	assert.Equal(t, "y", currentID(t, h, guildA))
	assert.Equal(t, y.Encoded, encodedOf(h.node.lastUpdate()))
	assert.Equal(t, StatePlaying, h.m.State(guildA))
}

func TestTrackEndCleanupAdvancesLikeStopped(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	x, y := mkTrack("x", 1000), mkTrack("y", 1000)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{x, y}, "a", "1")

	h.emit(trackEnd(guildA, x, lavalink.ReasonCleanup))
	assert.Equal(t, "y", currentID(t, h, guildA))
}

func TestTrackEndIgnoresReplacedAndStaleEvents(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	x, y, z := mkTrack("x", 1000), mkTrack("y", 1000), mkTrack("z", 1000)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{x, y}, "a", "1")
	calls := h.node.updateCount()

	h.emit(trackEnd(guildA, x, lavalink.ReasonReplaced))
	h.emit(trackEnd(guildA, z, lavalink.ReasonFinished))
	h.emit(trackEnd(guildB, x, lavalink.ReasonFinished))

	assert.Equal(t, "x", currentID(t, h, guildA))
	assert.Equal(t, calls, h.node.updateCount())
}

func TestTrackEndLoopTrackReplays(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	x, y := mkTrack("x", 1000), mkTrack("y", 1000)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{x, y}, "a", "1")
	require.NoError(t, h.m.SetLoopMode(guildA, queue.LoopTrack))

	for i := 0; i < 3; i++ {
		h.emit(trackEnd(guildA, x, lavalink.ReasonFinished))
		assert.Equal(t, "x", currentID(t, h, guildA))
		assert.Equal(t, x.Encoded, encodedOf(h.node.lastUpdate()))
	}
	assert.Len(t, h.m.Snapshot(guildA).Queue, 1)
}

func TestTrackEndLoadFailedSkipsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	x, y := mkTrack("x", 1000), mkTrack("y", 1000)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{x, y}, "a", "1")
	require.NoError(t, h.m.SetLoopMode(guildA, queue.LoopQueue))

	h.emit(trackEnd(guildA, x, lavalink.ReasonLoadFailed))

	snap := h.m.Snapshot(guildA)
	assert.Equal(t, "y", snap.Current.Info.Identifier)
	assert.Empty(t, snap.Queue, "failed media is not re-queued")
}

func TestTrackEndStartFailureMovesOn(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	x, y, z := mkTrack("x", 1000), mkTrack("y", 1000), mkTrack("z", 1000)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{x, y, z}, "a", "1")

	h.node.failWith = errors.New("node hiccup")
	h.emit(trackEnd(guildA, x, lavalink.ReasonFinished))

	assert.Equal(t, "z", currentID(t, h, guildA))
	assert.Equal(t, z.Encoded, encodedOf(h.node.lastUpdate()))
}

func TestTrackStuckDiscardsAndAdvances(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	x, y := mkTrack("x", 1000), mkTrack("y", 1000)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{x, y}, "a", "1")
	require.NoError(t, h.m.SetLoopMode(guildA, queue.LoopTrack))

	h.emit(lavalink.TrackStuckEvent{GuildID: guildA, Track: x, ThresholdMs: 10000})
	assert.True(t, isStop(h.node.lastUpdate()))

	h.emit(trackEnd(guildA, x, lavalink.ReasonStopped))
	snap := h.m.Snapshot(guildA)
	assert.Equal(t, "y", snap.Current.Info.Identifier)
	assert.Empty(t, snap.Queue)
}

// ========== 跳过 / 停止 ==========

func TestSkipStopsAndAdvancesOnTrackEnd(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	x, y := mkTrack("x", 1000), mkTrack("y", 1000)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{x, y}, "a", "1")

	skipped, err := h.m.Skip(context.Background(), guildA)
	require.NoError(t, err)
	require.NotNil(t, skipped)
	assert.Equal(t, "x", skipped.Info.Identifier)
	assert.True(t, isStop(h.node.lastUpdate()))

	h.emit(trackEnd(guildA, x, lavalink.ReasonStopped))
	assert.Equal(t, "y", currentID(t, h, guildA))
	assert.Equal(t, y.Encoded, encodedOf(h.node.lastUpdate()))
}

func TestSkipNothingPlaying(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	skipped, err := h.m.Skip(context.Background(), guildA)
	assert.NoError(t, err)
	assert.Nil(t, skipped)
	assert.Equal(t, 0, h.node.updateCount())
}

func TestSkipUnderTrackLoopMovesOn(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	x, y := mkTrack("x", 1000), mkTrack("y", 1000)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{x, y}, "a", "1")
	require.NoError(t, h.m.SetLoopMode(guildA, queue.LoopTrack))

	_, err := h.m.Skip(context.Background(), guildA)
	require.NoError(t, err)
	h.emit(trackEnd(guildA, x, lavalink.ReasonStopped))

	snap := h.m.Snapshot(guildA)
	assert.Equal(t, "y", snap.Current.Info.Identifier)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, "x", snap.Queue[0].Info.Identifier)
}

func TestStopClearsWithoutAdvancing(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	x, y := mkTrack("x", 1000), mkTrack("y", 1000)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{x, y}, "a", "1")

	require.NoError(t, h.m.Stop(context.Background(), guildA))
	assert.True(t, isStop(h.node.lastUpdate()))
	calls := h.node.updateCount()

	h.emit(trackEnd(guildA, x, lavalink.ReasonStopped))

	snap := h.m.Snapshot(guildA)
	assert.Nil(t, snap.Current)
	assert.Empty(t, snap.Queue)
	assert.Equal(t, StateConnected, snap.State)
	assert.Equal(t, calls, h.node.updateCount())
	assert.Equal(t, voiceCh, h.voice.joined[guildA], "stop keeps the voice connection")
}

func TestVoteSkipThreshold(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	x, y := mkTrack("x", 1000), mkTrack("y", 1000)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{x, y}, "a", "1")
	calls := h.node.updateCount()

	first, err := h.m.VoteSkip(context.Background(), guildA, "u1")
	require.NoError(t, err)
	assert.False(t, first.Reached)
	assert.Equal(t, 2, first.Required)

	again, err := h.m.VoteSkip(context.Background(), guildA, "u1")
	require.NoError(t, err)
	assert.True(t, again.AlreadyVoted)
	assert.Equal(t, calls, h.node.updateCount())

	second, err := h.m.VoteSkip(context.Background(), guildA, "u2")
	require.NoError(t, err)
	assert.True(t, second.Reached)
	assert.True(t, isStop(h.node.lastUpdate()))
	assert.Equal(t, 0, h.m.Snapshot(guildA).Votes)
}

func TestVoteSkipNothingPlaying(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	_, err := h.m.VoteSkip(context.Background(), guildA, "u1")
	assert.ErrorIs(t, err, ErrNothingPlaying)
}

// ========== 其他控制 ==========

func TestPauseResumeSeekVolume(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack("x", 60000)}, "a", "1")

	require.NoError(t, h.m.Pause(context.Background(), guildA))
	assert.Equal(t, StatePaused, h.m.State(guildA))
	require.NotNil(t, h.node.lastUpdate().Update.Paused)
	assert.True(t, *h.node.lastUpdate().Update.Paused)

	require.NoError(t, h.m.Resume(context.Background(), guildA))
	assert.Equal(t, StatePlaying, h.m.State(guildA))

	require.NoError(t, h.m.Seek(context.Background(), guildA, 30000))
	require.NotNil(t, h.node.lastUpdate().Update.Position)
	assert.Equal(t, int64(30000), *h.node.lastUpdate().Update.Position)
	assert.Equal(t, int64(30000), h.m.Snapshot(guildA).Position)

	require.NoError(t, h.m.SetVolume(context.Background(), guildA, 250))
	assert.Equal(t, 250, *h.node.lastUpdate().Update.Volume)
	assert.Equal(t, 250, h.m.Snapshot(guildA).Volume)
}

func TestLogicalFaultsNeverReachTheNode(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)

	assert.ErrorIs(t, h.m.Pause(context.Background(), guildA), ErrNothingPlaying)
	assert.ErrorIs(t, h.m.Seek(context.Background(), guildA, 10), ErrNothingPlaying)
	assert.ErrorIs(t, h.m.SetVolume(context.Background(), guildA, 1001), ErrInvalidVolume)
	assert.ErrorIs(t, h.m.SetVolume(context.Background(), guildA, -1), ErrInvalidVolume)
	assert.ErrorIs(t, h.m.Move(guildA, 0, 1), ErrIndexOutOfRange)
	_, err := h.m.Remove(guildA, 0)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	assert.Equal(t, 0, h.node.updateCount())

	stream := mkTrack("live", 0)
	stream.Info.IsStream = true
	stream.Info.IsSeekable = false
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{stream}, "a", "1")
	calls := h.node.updateCount()
	assert.ErrorIs(t, h.m.Seek(context.Background(), guildA, 10), ErrNotSeekable)
	assert.Equal(t, calls, h.node.updateCount())
}

func TestSeekOutOfRange(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack("x", 5000)}, "a", "1")
	assert.ErrorIs(t, h.m.Seek(context.Background(), guildA, 5001), ErrInvalidPosition)
	assert.ErrorIs(t, h.m.Seek(context.Background(), guildA, -1), ErrInvalidPosition)
}

func TestQueueEditing(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack("a", 1), mkTrack("b", 1), mkTrack("c", 1), mkTrack("d", 1)}, "x", "1")

	require.NoError(t, h.m.Move(guildA, 2, 0))
	ids := func() []string {
		var out []string
		for _, t := range h.m.Snapshot(guildA).Queue {
			out = append(out, t.Info.Identifier)
		}
		return out
	}
	assert.Equal(t, []string{"d", "b", "c"}, ids())

	removed, err := h.m.Remove(guildA, 1)
	require.NoError(t, err)
	assert.Equal(t, "b", removed.Info.Identifier)

	require.NoError(t, h.m.Shuffle(guildA))
	assert.ElementsMatch(t, []string{"d", "c"}, ids())

	n, err := h.m.Clear(guildA)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "a", currentID(t, h, guildA))
}

func TestOperationsRequireConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.Skip(ctx, guildA)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, h.m.Stop(ctx, guildA), ErrNotConnected)
	assert.ErrorIs(t, h.m.Pause(ctx, guildA), ErrNotConnected)
	assert.ErrorIs(t, h.m.SetVolume(ctx, guildA, 10), ErrNotConnected)
	assert.ErrorIs(t, h.m.SetLoopMode(guildA, queue.LoopQueue), ErrNotConnected)
	assert.ErrorIs(t, h.m.Shuffle(guildA), ErrNotConnected)
	assert.ErrorIs(t, h.m.Disconnect(ctx, guildA), ErrNotConnected)
	_, err = h.m.VoteSkip(ctx, guildA, "u")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StateIdle, h.m.State(guildA))
}

// ========== 断开与语音 ==========

func TestDisconnectDestroysPlayerAndRemovesQueue(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	x := mkTrack("x", 1000)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{x}, "a", "1")

	require.NoError(t, h.m.Disconnect(context.Background(), guildA))
	assert.Equal(t, []string{guildA}, h.node.destroyed)
	assert.Equal(t, []string{guildA}, h.voice.left)
	assert.Equal(t, StateIdle, h.m.State(guildA))
	assert.Equal(t, StateIdle, h.listener.last().State)
	_, ok := h.m.NodeFor(guildA)
	assert.False(t, ok)

	calls := h.node.updateCount()
	h.emit(trackEnd(guildA, x, lavalink.ReasonCleanup))
	assert.Equal(t, calls, h.node.updateCount())
}

func TestVoiceInfoForwardedWhenComplete(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)

	h.m.HandleVoiceStateUpdate(context.Background(), guildA, voiceCh, "voice-session")
	assert.Equal(t, 0, h.node.updateCount())

	h.m.HandleVoiceServerUpdate(context.Background(), guildA, "token", "us-east.discord.media")
	call := h.node.lastUpdate()
	require.NotNil(t, call.Update.Voice)
	assert.Equal(t, lavalink.VoiceState{Token: "token", Endpoint: "us-east.discord.media", SessionID: "voice-session"}, *call.Update.Voice)
}

func TestVoiceChannelRemovalTearsDown(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)

	h.m.HandleVoiceStateUpdate(context.Background(), guildA, "", "")
	assert.Equal(t, StateIdle, h.m.State(guildA))
	assert.Equal(t, []string{guildA}, h.node.destroyed)
	assert.Empty(t, h.voice.left)
}

func TestVoiceWebSocketClosed4014TearsDown(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)

	h.emit(lavalink.WebSocketClosedEvent{GuildID: guildA, Code: 4006, Reason: "session no longer valid"})
	assert.Equal(t, StateConnected, h.m.State(guildA))

	h.emit(lavalink.WebSocketClosedEvent{GuildID: guildA, Code: 4014, Reason: "Disconnected", ByRemote: true})
	assert.Equal(t, StateIdle, h.m.State(guildA))
}

// ========== 节点会话 ==========

func TestResumedSessionDoesNotRecreatePlayers(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	h.m.HandleVoiceStateUpdate(context.Background(), guildA, voiceCh, "vs")
	h.m.HandleVoiceServerUpdate(context.Background(), guildA, "tok", "ep")
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack("x", 60000)}, "a", "1")
	calls := h.node.updateCount()

	h.emit(lavalink.DisconnectedEvent{Code: 1006})
	h.emit(lavalink.ConnectedEvent{SessionID: "s1", Resumed: true})

	assert.Equal(t, calls, h.node.updateCount())
	assert.Equal(t, StatePlaying, h.m.State(guildA))
}

func TestResumedSessionDestroysUnknownPlayers(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack("x", 60000)}, "a", "1")

	// guild B 的播放器是重启前留下的，本进程没有它的队列
	h.node.mu.Lock()
	h.node.players = []lavalink.Player{{GuildID: guildA}, {GuildID: guildB}}
	h.node.mu.Unlock()

	h.emit(lavalink.ConnectedEvent{SessionID: "s1", Resumed: true})

	assert.Equal(t, []string{guildB}, h.node.destroyedGuilds())
	assert.Equal(t, StatePlaying, h.m.State(guildA))
}

func TestFreshSessionRestoresPlayers(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	h.m.HandleVoiceStateUpdate(context.Background(), guildA, voiceCh, "vs")
	h.m.HandleVoiceServerUpdate(context.Background(), guildA, "tok", "ep")
	x := mkTrack("x", 60000)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{x}, "a", "1")
	h.emit(lavalink.PlayerUpdateEvent{GuildID: guildA, State: lavalink.PlayerState{Position: 20000, Connected: true}})
	h.clock.Advance(3 * time.Second)
	calls := h.node.updateCount()

	h.emit(lavalink.ConnectedEvent{SessionID: "s2", Resumed: false})

	require.Equal(t, calls+1, h.node.updateCount())
	call := h.node.lastUpdate()
	assert.Equal(t, x.Encoded, encodedOf(call))
	require.NotNil(t, call.Update.Position)
	assert.Equal(t, int64(23000), *call.Update.Position)
	require.NotNil(t, call.Update.Voice)
	assert.Equal(t, "vs", call.Update.Voice.SessionID)
}

func TestEventsFromOtherNodeIgnored(t *testing.T) {
	main, other := newFakeNode("main"), newFakeNode("other")
	other.penalty = 100
	m := NewManager(NewNodePool(main, other), newFakeVoice(), Config{AwaitSideEffects: true})
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), guildA, voiceCh, ""))
	x := mkTrack("x", 1000)
	_, _ = m.Play(context.Background(), guildA, []lavalink.Track{x}, "a", "1")

	other.emit(trackEnd(guildA, x, lavalink.ReasonFinished))
	m.waitEvents()
	assert.Equal(t, StatePlaying, m.State(guildA))
}

// ========== 节点选择 ==========

func TestNodePoolBestPicksLowestPenalty(t *testing.T) {
	a, b, c := newFakeNode("a"), newFakeNode("b"), newFakeNode("c")
	a.penalty, b.penalty, c.penalty = 10, 3, 0
	c.setConnected(false)

	pool := NewNodePool(a, b, c)
	best, err := pool.Best()
	require.NoError(t, err)
	assert.Equal(t, "b", best.Name())

	got, ok := pool.Get("c")
	require.True(t, ok)
	assert.Equal(t, "c", got.Name())

	_, err = NewNodePool().Best()
	assert.ErrorIs(t, err, ErrNoAvailableNode)
}

// ========== 并发 ==========

func TestGuildsDoNotBlockEachOther(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	h.connect(t, guildB)

	gate := make(chan struct{})
	entered := make(chan string, 1)
	h.node.mu.Lock()
	h.node.gate[guildA] = gate
	h.node.entered = entered
	h.node.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack("slow", 1000)}, "a", "1")
		done <- err
	}()
	<-entered

	// guild A 的请求还卡在节点上，guild B 应该不受影响
	pos, err := h.m.Play(context.Background(), guildB, []lavalink.Track{mkTrack("fast", 1000)}, "b", "2")
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
	assert.Equal(t, "fast", currentID(t, h, guildB))

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, "slow", currentID(t, h, guildA))
}

func TestSlowGuildDoesNotDelayOtherGuildEvents(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	h.connect(t, guildB)
	x, y := mkTrack("x", 1000), mkTrack("y", 1000)
	_, err := h.m.Play(context.Background(), guildB, []lavalink.Track{x, y}, "b", "2")
	require.NoError(t, err)

	gate := make(chan struct{})
	entered := make(chan string, 1)
	h.node.mu.Lock()
	h.node.gate[guildA] = gate
	h.node.entered = entered
	h.node.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- h.m.SetVolume(context.Background(), guildA, 50)
	}()
	<-entered

	// 节点读循环依次推送 A 的进度和 B 的结束事件，A 的锁还被 SetVolume 占着
	h.node.emit(lavalink.PlayerUpdateEvent{GuildID: guildA, State: lavalink.PlayerState{Position: 1000, Connected: true}})
	h.node.emit(trackEnd(guildB, x, lavalink.ReasonFinished))

	assert.Eventually(t, func() bool {
		return currentID(t, h, guildB) == "y"
	}, 500*time.Millisecond, 10*time.Millisecond)

	close(gate)
	require.NoError(t, <-done)
	h.m.waitEvents()
	assert.Equal(t, 50, h.m.Snapshot(guildA).Volume)
}

func TestConcurrentPlaysKeepQueueConsistent(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)

	const workers = 20
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			_, err := h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack(fmt.Sprintf("t%d", i), 1000)}, "a", "1")
			errs <- err
		}(i)
	}
	for i := 0; i < workers; i++ {
		require.NoError(t, <-errs)
	}

	snap := h.m.Snapshot(guildA)
	require.NotNil(t, snap.Current)
	assert.Len(t, snap.Queue, workers-1)
	assert.Equal(t, int64(1000*(workers-1)), snap.QueueDuration)
	assert.Equal(t, 1, h.node.updateCount())
}

// ========== 加载 ==========

func TestLoadTracksIdentifier(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		query string
		want  string
	}{
		{"never gonna give you up", "ytsearch:never gonna give you up"},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
		{"scsearch:lofi", "scsearch:lofi"},
		{"artist: title", "ytsearch:artist: title"},
	}
	for _, tt := range tests {
		_, err := h.m.LoadTracks(context.Background(), guildA, tt.query)
		require.NoError(t, err)
		assert.Equal(t, tt.want, h.node.loads[len(h.node.loads)-1])
	}

	_, err := h.m.LoadTracks(context.Background(), guildA, "  ")
	assert.ErrorIs(t, err, ErrNoTracks)
}
