package lavalink

import (
	"encoding/json"
	"fmt"
)

// LoadType loadtracks 返回的结果类型
type LoadType string

const (
	LoadTypeTrack    LoadType = "track"
	LoadTypePlaylist LoadType = "playlist"
	LoadTypeSearch   LoadType = "search"
	LoadTypeEmpty    LoadType = "empty"
	LoadTypeError    LoadType = "error"
)

// Severity 异常严重程度
type Severity string

const (
	SeverityCommon     Severity = "common"
	SeveritySuspicious Severity = "suspicious"
	SeverityFault      Severity = "fault"
)

// Exception 节点上报的加载或播放异常
type Exception struct {
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Cause    string   `json:"cause"`
}

func (e Exception) Error() string {
	return fmt.Sprintf("lavalink exception (%s): %s", e.Severity, e.Message)
}

// PlaylistInfo 歌单信息，SelectedTrack 为 -1 表示未选中
type PlaylistInfo struct {
	Name          string `json:"name"`
	SelectedTrack int    `json:"selectedTrack"`
}

// Playlist 歌单加载结果
type Playlist struct {
	Info       PlaylistInfo    `json:"info"`
	PluginInfo json.RawMessage `json:"pluginInfo,omitempty"`
	Tracks     []Track         `json:"tracks"`
}

// LoadResult 根据 LoadType 只有一个字段有值
type LoadResult struct {
	LoadType  LoadType
	Track     *Track
	Playlist  *Playlist
	Search    []Track
	Exception *Exception
}

type rawLoadResult struct {
	LoadType LoadType        `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

// UnmarshalJSON 按 loadType 解析 data
func (r *LoadResult) UnmarshalJSON(data []byte) error {
	var raw rawLoadResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = LoadResult{LoadType: raw.LoadType}
	switch raw.LoadType {
	case LoadTypeTrack:
		var track Track
		if err := json.Unmarshal(raw.Data, &track); err != nil {
			return fmt.Errorf("decode track result: %w", err)
		}
		r.Track = &track
	case LoadTypePlaylist:
		var playlist Playlist
		if err := json.Unmarshal(raw.Data, &playlist); err != nil {
			return fmt.Errorf("decode playlist result: %w", err)
		}
		r.Playlist = &playlist
	case LoadTypeSearch:
		if err := json.Unmarshal(raw.Data, &r.Search); err != nil {
			return fmt.Errorf("decode search result: %w", err)
		}
	case LoadTypeError:
		var ex Exception
		if err := json.Unmarshal(raw.Data, &ex); err != nil {
			return fmt.Errorf("decode error result: %w", err)
		}
		r.Exception = &ex
	case LoadTypeEmpty:
	default:
		return fmt.Errorf("unknown load type %q", raw.LoadType)
	}
	return nil
}

// MarshalJSON 还原为节点的返回格式
func (r LoadResult) MarshalJSON() ([]byte, error) {
	var data any = struct{}{}
	switch r.LoadType {
	case LoadTypeTrack:
		data = r.Track
	case LoadTypePlaylist:
		data = r.Playlist
	case LoadTypeSearch:
		data = r.Search
	case LoadTypeError:
		data = r.Exception
	}
	return json.Marshal(struct {
		LoadType LoadType `json:"loadType"`
		Data     any      `json:"data"`
	}{r.LoadType, data})
}

// Tracks 统一取出结果中的音轨。歌单带有 selectedTrack 时从该位置开始
func (r LoadResult) Tracks() []Track {
	switch r.LoadType {
	case LoadTypeTrack:
		if r.Track != nil {
			return []Track{*r.Track}
		}
	case LoadTypePlaylist:
		if r.Playlist == nil {
			return nil
		}
		sel := r.Playlist.Info.SelectedTrack
		if sel > 0 && sel < len(r.Playlist.Tracks) {
			return r.Playlist.Tracks[sel:]
		}
		return r.Playlist.Tracks
	case LoadTypeSearch:
		return r.Search
	}
	return nil
}
