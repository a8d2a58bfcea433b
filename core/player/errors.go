package player

import (
	"errors"

	"GuildFM/core/queue"
)

var (
	ErrNotConnected     = errors.New("guild is not connected to a voice channel")
	ErrNothingPlaying   = queue.ErrNothingPlaying
	ErrNoTracks         = errors.New("no tracks to play")
	ErrIndexOutOfRange  = errors.New("queue index out of range")
	ErrInvalidVolume    = queue.ErrInvalidVolume
	ErrNotSeekable      = errors.New("current track is not seekable")
	ErrInvalidPosition  = errors.New("seek position out of range")
	ErrNoAvailableNode  = errors.New("no lavalink node available")
	ErrVoiceUnavailable = errors.New("voice gateway unavailable")
)
