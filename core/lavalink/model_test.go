package lavalink

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadResultUnmarshal(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		loadType   LoadType
		trackCount int
	}{
		{"track", `{"loadType":"track","data":` + sampleTrackJSON + `}`, LoadTypeTrack, 1},
		{"search", `{"loadType":"search","data":[` + sampleTrackJSON + `,` + sampleTrackJSON + `]}`, LoadTypeSearch, 2},
		{"playlist", `{"loadType":"playlist","data":{"info":{"name":"mix","selectedTrack":-1},"pluginInfo":{},"tracks":[` + sampleTrackJSON + `]}}`, LoadTypePlaylist, 1},
		{"empty", `{"loadType":"empty","data":{}}`, LoadTypeEmpty, 0},
		{"error", `{"loadType":"error","data":{"message":"blocked","severity":"common","cause":"geo"}}`, LoadTypeError, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var result LoadResult
			require.NoError(t, json.Unmarshal([]byte(tt.body), &result))
			assert.Equal(t, tt.loadType, result.LoadType)
			assert.Len(t, result.Tracks(), tt.trackCount)
		})
	}
}

func TestLoadResultErrorCarriesException(t *testing.T) {
	var result LoadResult
	require.NoError(t, json.Unmarshal([]byte(`{"loadType":"error","data":{"message":"blocked","severity":"common","cause":"geo"}}`), &result))
	require.NotNil(t, result.Exception)
	assert.Equal(t, "blocked", result.Exception.Message)
	assert.Contains(t, result.Exception.Error(), "blocked")
}

func TestLoadResultPlaylistSelectedTrack(t *testing.T) {
	result := LoadResult{
		LoadType: LoadTypePlaylist,
		Playlist: &Playlist{
			Info:   PlaylistInfo{Name: "p", SelectedTrack: 1},
			Tracks: []Track{{Encoded: "a"}, {Encoded: "b"}, {Encoded: "c"}},
		},
	}
	tracks := result.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, "b", tracks[0].Encoded)
}

func TestLoadResultUnknownType(t *testing.T) {
	var result LoadResult
	assert.Error(t, json.Unmarshal([]byte(`{"loadType":"weird","data":{}}`), &result))
}

func TestPlayerUpdateMarshal(t *testing.T) {
	tests := []struct {
		name   string
		update PlayerUpdate
		want   string
	}{
		{
			name:   "stop sends explicit null",
			update: PlayerUpdate{Track: StopTrack()},
			want:   `{"track":{"encoded":null}}`,
		},
		{
			name:   "play with position",
			update: PlayerUpdate{Track: PlayTrack("abc"), Position: Int64Ptr(1500)},
			want:   `{"track":{"encoded":"abc"},"position":1500}`,
		},
		{
			name:   "identifier",
			update: PlayerUpdate{Track: &PlayerUpdateTrack{Identifier: "ytsearch:foo"}},
			want:   `{"track":{"identifier":"ytsearch:foo"}}`,
		},
		{
			name:   "omitted fields stay unchanged",
			update: PlayerUpdate{Volume: IntPtr(50), Paused: BoolPtr(false)},
			want:   `{"volume":50,"paused":false}`,
		},
		{
			name:   "voice",
			update: PlayerUpdate{Voice: &VoiceState{Token: "t", Endpoint: "e", SessionID: "s"}},
			want:   `{"voice":{"token":"t","endpoint":"e","sessionId":"s"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.update)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestStatsPenalty(t *testing.T) {
	idle := Stats{}
	assert.Equal(t, 0, idle.Penalty())

	busy := Stats{PlayingPlayers: 5, CPU: CPU{SystemLoad: 0.5}}
	// 1.05^50*10-10 ≈ 104.67
	assert.Equal(t, 5+105, busy.Penalty())

	lagging := Stats{PlayingPlayers: 1, FrameStats: &FrameStats{Deficit: 300}}
	assert.Greater(t, lagging.Penalty(), Stats{PlayingPlayers: 1}.Penalty())
}

func TestTrackEquality(t *testing.T) {
	a := Track{Encoded: "x", Info: TrackInfo{Title: "one"}}
	b := Track{Encoded: "x", Info: TrackInfo{Title: "two"}}
	c := Track{Encoded: "y"}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))

	stream := Track{Info: TrackInfo{Length: 9999, IsStream: true}}
	assert.Equal(t, int64(0), stream.Duration())
}

func TestNodeConfigURLs(t *testing.T) {
	cfg := NodeConfig{Host: "lava.local", Port: 2333}
	assert.Equal(t, "http://lava.local:2333", cfg.RestURL())
	assert.Equal(t, "ws://lava.local:2333/v4/websocket", cfg.WebSocketURL())

	cfg.Secure = true
	assert.Equal(t, "https://lava.local:2333", cfg.RestURL())
	assert.Equal(t, "wss://lava.local:2333/v4/websocket", cfg.WebSocketURL())
}
