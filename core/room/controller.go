package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"GuildFM/core/lavalink"
	"GuildFM/core/player"
	"GuildFM/core/queue"
	"GuildFM/logger"
)

// Controls 控制器依赖的播放操作，由 player.Manager 实现
type Controls interface {
	PlayQuery(ctx context.Context, guildID, query, requesterName, requesterID string) ([]lavalink.Track, int, error)
	Pause(ctx context.Context, guildID string) error
	Resume(ctx context.Context, guildID string) error
	Skip(ctx context.Context, guildID string) (*queue.QueueTrack, error)
	VoteSkip(ctx context.Context, guildID, userID string) (queue.VoteResult, error)
	Stop(ctx context.Context, guildID string) error
	Seek(ctx context.Context, guildID string, position int64) error
	SetVolume(ctx context.Context, guildID string, volume int) error
	SetLoopMode(guildID string, mode queue.LoopMode) error
	Shuffle(guildID string) error
	Move(guildID string, from, to int) error
	Remove(guildID string, index int) (*queue.QueueTrack, error)
	Clear(guildID string) (int, error)
}

var _ Controls = (*player.Manager)(nil)

// ErrUnknownMessage 无法识别的控制指令
var ErrUnknownMessage = errors.New("unknown control message")

// 控制指令的数据结构
type (
	PlayData struct {
		Query string `json:"query"`
	}
	SeekData struct {
		Position int64 `json:"position"`
	}
	VolumeData struct {
		Volume int `json:"volume"`
	}
	LoopData struct {
		Mode string `json:"mode"`
	}
	MoveData struct {
		From int `json:"from"`
		To   int `json:"to"`
	}
	RemoveData struct {
		Index int `json:"index"`
	}
)

// Requester 发出指令的用户
type Requester struct {
	UserID   string
	Username string
}

// Controller 把浏览器控制消息映射为播放操作
type Controller struct {
	controls Controls
	timeout  time.Duration
	log      *zap.Logger
}

// NewController 创建控制器，timeout 为单条指令的最长执行时间
func NewController(controls Controls, timeout time.Duration) *Controller {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Controller{
		controls: controls,
		timeout:  timeout,
		log:      logger.Named("room.controller"),
	}
}

// HandleMessage 执行指令并把结果回复给发送者，状态变化通过快照广播
func (c *Controller) HandleMessage(ctx context.Context, client *Client, msg *WSMessage) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.Execute(ctx, client.GuildID, Requester{UserID: client.UserID, Username: client.Username}, msg.Type, msg.Data)
	if err != nil {
		c.log.Debug("control message failed",
			logger.GuildID(client.GuildID),
			zap.String("type", string(msg.Type)),
			zap.Error(err))
		_ = client.SendMessage(&WSMessage{Type: MsgTypeError, RequestID: msg.RequestID, Data: errorData(ErrorCode(err), err.Error())})
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = client.SendMessage(&WSMessage{Type: MsgTypeResult, RequestID: msg.RequestID, Data: data})
}

// Execute 执行一条控制指令，返回回复给发送者的数据
func (c *Controller) Execute(ctx context.Context, guildID string, who Requester, msgType MessageType, raw json.RawMessage) (map[string]any, error) {
	result := map[string]any{"type": msgType}

	switch msgType {
	case MsgTypePlay:
		var d PlayData
		if err := decode(raw, &d); err != nil {
			return nil, err
		}
		tracks, position, err := c.controls.PlayQuery(ctx, guildID, d.Query, who.Username, who.UserID)
		if err != nil {
			return nil, err
		}
		result["tracks"] = tracks
		result["position"] = position

	case MsgTypePause:
		return result, c.controls.Pause(ctx, guildID)

	case MsgTypeResume:
		return result, c.controls.Resume(ctx, guildID)

	case MsgTypeSkip:
		skipped, err := c.controls.Skip(ctx, guildID)
		if err != nil {
			return nil, err
		}
		result["skipped"] = skipped

	case MsgTypeVoteSkip:
		if who.UserID == "" {
			return nil, fmt.Errorf("%w: vote requires a user id", ErrBadRequest)
		}
		vote, err := c.controls.VoteSkip(ctx, guildID, who.UserID)
		if err != nil {
			return nil, err
		}
		result["vote"] = vote

	case MsgTypeStop:
		return result, c.controls.Stop(ctx, guildID)

	case MsgTypeSeek:
		var d SeekData
		if err := decode(raw, &d); err != nil {
			return nil, err
		}
		return result, c.controls.Seek(ctx, guildID, d.Position)

	case MsgTypeVolume:
		var d VolumeData
		if err := decode(raw, &d); err != nil {
			return nil, err
		}
		return result, c.controls.SetVolume(ctx, guildID, d.Volume)

	case MsgTypeLoop:
		var d LoopData
		if err := decode(raw, &d); err != nil {
			return nil, err
		}
		mode, err := queue.ParseLoopMode(d.Mode)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		result["loopMode"] = mode
		return result, c.controls.SetLoopMode(guildID, mode)

	case MsgTypeShuffle:
		return result, c.controls.Shuffle(guildID)

	case MsgTypeMove:
		var d MoveData
		if err := decode(raw, &d); err != nil {
			return nil, err
		}
		return result, c.controls.Move(guildID, d.From, d.To)

	case MsgTypeRemove:
		var d RemoveData
		if err := decode(raw, &d); err != nil {
			return nil, err
		}
		removed, err := c.controls.Remove(guildID, d.Index)
		if err != nil {
			return nil, err
		}
		result["removed"] = removed

	case MsgTypeClear:
		n, err := c.controls.Clear(guildID)
		if err != nil {
			return nil, err
		}
		result["cleared"] = n

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msgType)
	}
	return result, nil
}

// ErrBadRequest 指令数据无法解析
var ErrBadRequest = errors.New("bad request")

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", ErrBadRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// ErrorCode 把错误映射为前端可识别的错误码
func ErrorCode(err error) string {
	var restErr *lavalink.RestError
	var ex lavalink.Exception
	switch {
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrUnknownMessage):
		return "unknown_message"
	case errors.Is(err, player.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, player.ErrNothingPlaying):
		return "nothing_playing"
	case errors.Is(err, player.ErrNoTracks):
		return "no_tracks"
	case errors.Is(err, player.ErrIndexOutOfRange):
		return "index_out_of_range"
	case errors.Is(err, player.ErrInvalidVolume):
		return "invalid_volume"
	case errors.Is(err, player.ErrNotSeekable):
		return "not_seekable"
	case errors.Is(err, player.ErrInvalidPosition):
		return "invalid_position"
	case errors.Is(err, player.ErrNoAvailableNode), errors.Is(err, lavalink.ErrNoSession), errors.Is(err, lavalink.ErrNotConnected):
		return "node_unavailable"
	case errors.As(err, &ex):
		return "load_failed"
	case errors.As(err, &restErr):
		return "node_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
