package player

import (
	"context"
	"fmt"

	"GuildFM/core/lavalink"
)

// Playable 从加载结果中挑出要入队的音轨：搜索只取第一条，歌单从选中项开始
func Playable(res *lavalink.LoadResult) ([]lavalink.Track, error) {
	if res == nil {
		return nil, ErrNoTracks
	}
	switch res.LoadType {
	case lavalink.LoadTypeError:
		if res.Exception != nil {
			return nil, *res.Exception
		}
		return nil, ErrNoTracks
	case lavalink.LoadTypeSearch:
		if len(res.Search) == 0 {
			return nil, ErrNoTracks
		}
		return res.Search[:1], nil
	}
	tracks := res.Tracks()
	if len(tracks) == 0 {
		return nil, ErrNoTracks
	}
	return tracks, nil
}

// PlayQuery 解析查询并播放，返回入队的音轨与队列位置
func (m *Manager) PlayQuery(ctx context.Context, guildID, query, requesterName, requesterID string) ([]lavalink.Track, int, error) {
	if _, ok := m.guilds.Get(guildID); !ok {
		return nil, 0, ErrNotConnected
	}
	res, err := m.LoadTracks(ctx, guildID, query)
	if err != nil {
		return nil, 0, fmt.Errorf("load tracks: %w", err)
	}
	tracks, err := Playable(res)
	if err != nil {
		return nil, 0, err
	}
	position, err := m.Play(ctx, guildID, tracks, requesterName, requesterID)
	if err != nil {
		return nil, 0, err
	}
	return tracks, position, nil
}
