package player

import (
	"context"
	"sync"
	"time"

	"GuildFM/core/lavalink"
)

type updateCall struct {
	GuildID   string
	Update    lavalink.PlayerUpdate
	NoReplace bool
}

type fakeNode struct {
	name string

	mu        sync.Mutex
	connected bool
	penalty   int
	handlers  map[lavalink.EventKind][]lavalink.Handler
	updates   []updateCall
	destroyed []string
	loads     []string
	result    *lavalink.LoadResult
	failWith  error
	players   []lavalink.Player        // FetchPlayers 的返回值
	gate      map[string]chan struct{} // guild -> 放行信号
	entered   chan string
}

func newFakeNode(name string) *fakeNode {
	return &fakeNode{
		name:      name,
		connected: true,
		handlers:  make(map[lavalink.EventKind][]lavalink.Handler),
		gate:      make(map[string]chan struct{}),
	}
}

func (f *fakeNode) Name() string { return f.name }

func (f *fakeNode) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeNode) Penalty() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.penalty
}

func (f *fakeNode) On(kind lavalink.EventKind, h lavalink.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[kind] = append(f.handlers[kind], h)
}

// waitEvents 等待已入队的 guild 事件全部处理完
func (m *Manager) waitEvents() {
	m.pendingEvents.Wait()
}

func (f *fakeNode) emit(e lavalink.Event) {
	f.mu.Lock()
	handlers := append([]lavalink.Handler(nil), f.handlers[e.Kind()]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}

func (f *fakeNode) LoadTracks(_ context.Context, identifier string) (*lavalink.LoadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, identifier)
	if f.result != nil {
		return f.result, nil
	}
	return &lavalink.LoadResult{LoadType: lavalink.LoadTypeEmpty}, nil
}

func (f *fakeNode) UpdatePlayer(ctx context.Context, guildID string, update lavalink.PlayerUpdate, noReplace bool) (*lavalink.Player, error) {
	f.mu.Lock()
	gate := f.gate[guildID]
	entered := f.entered
	f.mu.Unlock()

	if gate != nil {
		if entered != nil {
			entered <- guildID
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		err := f.failWith
		f.failWith = nil
		return nil, err
	}
	f.updates = append(f.updates, updateCall{GuildID: guildID, Update: update, NoReplace: noReplace})
	return &lavalink.Player{GuildID: guildID, Volume: 100}, nil
}

func (f *fakeNode) DestroyPlayer(_ context.Context, guildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, guildID)
	return nil
}

func (f *fakeNode) FetchPlayers(context.Context) ([]lavalink.Player, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lavalink.Player(nil), f.players...), nil
}

func (f *fakeNode) destroyedGuilds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

func (f *fakeNode) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeNode) lastUpdate() updateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return updateCall{}
	}
	return f.updates[len(f.updates)-1]
}

func (f *fakeNode) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

type fakeVoice struct {
	mu      sync.Mutex
	joined  map[string]string
	left    []string
	members int
	joinErr error
}

func newFakeVoice() *fakeVoice {
	return &fakeVoice{joined: make(map[string]string), members: 3}
}

func (v *fakeVoice) JoinChannel(_ context.Context, guildID, channelID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.joinErr != nil {
		return v.joinErr
	}
	v.joined[guildID] = channelID
	return nil
}

func (v *fakeVoice) LeaveChannel(_ context.Context, guildID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.joined, guildID)
	v.left = append(v.left, guildID)
	return nil
}

func (v *fakeVoice) ActiveMembers(string, string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.members
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingListener struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recordingListener) OnSnapshot(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recordingListener) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func (r *recordingListener) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return Snapshot{}
	}
	return r.snaps[len(r.snaps)-1]
}

type staticSettings struct {
	settings Settings
	err      error
}

func (s staticSettings) GuildSettings(context.Context, string) (Settings, error) {
	return s.settings, s.err
}
