package player

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GuildFM/core/lavalink"
)

func TestInterpolatePosition(t *testing.T) {
	synced := time.UnixMilli(1_000_000)
	now := synced.Add(2500 * time.Millisecond)

	tests := []struct {
		name     string
		position int64
		playing  bool
		paused   bool
		duration int64
		want     int64
	}{
		{"playing extrapolates", 10_000, true, false, 0, 12_500},
		{"clamped to duration", 10_000, true, false, 12_000, 12_000},
		{"paused holds", 10_000, true, true, 60_000, 10_000},
		{"not playing holds", 10_000, false, false, 60_000, 10_000},
		{"within duration", 10_000, true, false, 60_000, 12_500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InterpolatePosition(tt.position, synced, now, tt.playing, tt.paused, tt.duration)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSnapshotPositionResyncsOnPlayerUpdate(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	_, err := h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack("x", 12_000)}, "a", "1")
	require.NoError(t, err)

	h.emit(lavalink.PlayerUpdateEvent{GuildID: guildA, State: lavalink.PlayerState{Position: 10_000, Connected: true, Ping: 20}})
	h.clock.Advance(1000 * time.Millisecond)
	assert.Equal(t, int64(11_000), h.m.Snapshot(guildA).Position)

	h.clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, int64(12_000), h.m.Snapshot(guildA).Position, "clamped to duration instead of 12500")

	h.emit(lavalink.PlayerUpdateEvent{GuildID: guildA, State: lavalink.PlayerState{Position: 3_000, Connected: true}})
	snap := h.m.Snapshot(guildA)
	assert.Equal(t, int64(3_000), snap.Position)
	assert.True(t, snap.VoiceConnected)
}

func TestSnapshotPositionFrozenWhilePaused(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack("x", 60_000)}, "a", "1")
	h.clock.Advance(5 * time.Second)

	require.NoError(t, h.m.Pause(context.Background(), guildA))
	h.clock.Advance(10 * time.Second)
	assert.Equal(t, int64(5_000), h.m.Snapshot(guildA).Position)

	require.NoError(t, h.m.Resume(context.Background(), guildA))
	h.clock.Advance(time.Second)
	assert.Equal(t, int64(6_000), h.m.Snapshot(guildA).Position)
}

func TestSnapshotPositionAt(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack("x", 12_000)}, "a", "1")
	h.emit(lavalink.PlayerUpdateEvent{GuildID: guildA, State: lavalink.PlayerState{Position: 10_000}})

	snap := h.m.Snapshot(guildA)
	at := time.UnixMilli(snap.SyncedAt).Add(2500 * time.Millisecond)
	assert.Equal(t, int64(12_000), snap.PositionAt(at))
}

func TestSnapshotJSONShape(t *testing.T) {
	h := newHarness(t)
	h.connect(t, guildA)
	_, _ = h.m.Play(context.Background(), guildA, []lavalink.Track{mkTrack("x", 1000), mkTrack("y", 2000)}, "alice", "1")

	data, err := json.Marshal(h.m.Snapshot(guildA))
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	for _, key := range []string{"guildId", "playing", "paused", "volume", "position", "loopMode", "current", "queue", "settings"} {
		assert.Contains(t, out, key)
	}
	assert.Equal(t, "playing", out["state"])
	assert.Equal(t, "none", out["loopMode"])
	assert.Len(t, out["queue"], 1)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, StatePlaying, decoded.State)
}

func TestIdleSnapshotHasEmptyQueue(t *testing.T) {
	h := newHarness(t)
	snap := h.m.Snapshot(guildB)
	assert.Equal(t, StateIdle, snap.State)
	assert.NotNil(t, snap.Queue)
	assert.Nil(t, snap.Current)
}

func TestAsyncPublishPreservesOrder(t *testing.T) {
	node := newFakeNode("main")
	m := NewManager(NewNodePool(node), newFakeVoice(), Config{})
	listener := &recordingListener{}
	m.Subscribe("order", listener)

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, guildA, voiceCh, ""))
	x := mkTrack("x", 1000)
	_, _ = m.Play(ctx, guildA, []lavalink.Track{x}, "a", "1")
	require.NoError(t, m.Pause(ctx, guildA))
	require.NoError(t, m.Resume(ctx, guildA))
	node.emit(trackEnd(guildA, x, lavalink.ReasonFinished))
	m.waitEvents()
	require.NoError(t, m.Disconnect(ctx, guildA))

	m.Close()

	var states []GuildState
	for _, s := range listener.all() {
		states = append(states, s.State)
	}
	assert.Equal(t, []GuildState{StateConnected, StatePlaying, StatePaused, StatePlaying, StateConnected, StateIdle}, states)
}

func TestSubscriptionRecoversFromPanickingListener(t *testing.T) {
	subs := NewSubscription(true)
	defer subs.Close()

	var mu sync.Mutex
	var got []string
	subs.Subscribe("bad", ListenerFunc(func(Snapshot) { panic("boom") }))
	subs.Subscribe("good", ListenerFunc(func(s Snapshot) {
		mu.Lock()
		got = append(got, s.GuildID)
		mu.Unlock()
	}))
	assert.Equal(t, 2, subs.ListenerCount())

	subs.Publish(Snapshot{GuildID: guildA})
	assert.Equal(t, []string{guildA}, got)

	subs.Unsubscribe("bad")
	assert.Equal(t, 1, subs.ListenerCount())
}

func TestGuildStateText(t *testing.T) {
	for _, s := range []GuildState{StateIdle, StateConnected, StatePlaying, StatePaused} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var back GuildState
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}
	var bad GuildState
	assert.Error(t, bad.UnmarshalText([]byte("dancing")))
}
