package lavalink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"GuildFM/logger"
)

const clientName = "GuildFM/1.0"

// RestClient Lavalink v4 REST 接口客户端
// 本身无状态，session id 由控制连接提供
type RestClient struct {
	baseURL    string
	password   string
	httpClient *http.Client
	sessionID  func() string
	log        *zap.Logger
}

// NewRestClient 创建 REST 客户端，timeout 为单次请求的超时上限
func NewRestClient(baseURL, password string, timeout time.Duration, sessionID func() string) *RestClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if sessionID == nil {
		sessionID = func() string { return "" }
	}
	return &RestClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		password: password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		sessionID: sessionID,
		log:       logger.Named("lavalink.rest"),
	}
}

// SetTimeout 设置请求超时时间
func (c *RestClient) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// sessionPath 需要 session 的接口在没有 session 时直接失败
func (c *RestClient) sessionPath(format string, args ...any) (string, error) {
	sid := c.sessionID()
	if sid == "" {
		c.log.Error("REST 调用缺少 session id", zap.String("op", fmt.Sprintf(format, args...)))
		return "", ErrNoSession
	}
	return "/v4/sessions/" + url.PathEscape(sid) + fmt.Sprintf(format, args...), nil
}

// do 发送请求，返回 HTTP 状态码。204 不解析响应体
func (c *RestClient) do(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", c.password)
	req.Header.Set("Client-Name", clientName)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log.Debug("REST 请求",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read %s %s response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		restErr := &RestError{}
		if jsonErr := json.Unmarshal(data, restErr); jsonErr != nil || restErr.Status == 0 {
			restErr = &RestError{
				Timestamp: time.Now().UnixMilli(),
				Status:    resp.StatusCode,
				ErrorText: http.StatusText(resp.StatusCode),
				Message:   strings.TrimSpace(string(data)),
				Path:      path,
			}
		}
		if restErr.Path == "" {
			restErr.Path = path
		}
		return resp.StatusCode, restErr
	}

	switch v := out.(type) {
	case nil:
	case *string:
		*v = string(data)
	default:
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// LoadTracks 解析标识符或搜索语句
func (c *RestClient) LoadTracks(ctx context.Context, identifier string) (*LoadResult, error) {
	var result LoadResult
	if _, err := c.do(ctx, http.MethodGet, "/v4/loadtracks", url.Values{"identifier": {identifier}}, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DecodeTrack 解码单个 encoded 音轨
func (c *RestClient) DecodeTrack(ctx context.Context, encoded string) (*Track, error) {
	var track Track
	if _, err := c.do(ctx, http.MethodGet, "/v4/decodetrack", url.Values{"encodedTrack": {encoded}}, nil, &track); err != nil {
		return nil, err
	}
	return &track, nil
}

// DecodeTracks 批量解码
func (c *RestClient) DecodeTracks(ctx context.Context, encoded []string) ([]Track, error) {
	var tracks []Track
	if _, err := c.do(ctx, http.MethodPost, "/v4/decodetracks", nil, encoded, &tracks); err != nil {
		return nil, err
	}
	return tracks, nil
}

// GetPlayers 当前 session 下的所有播放器
func (c *RestClient) GetPlayers(ctx context.Context) ([]Player, error) {
	path, err := c.sessionPath("/players")
	if err != nil {
		return nil, err
	}
	var players []Player
	if _, err := c.do(ctx, http.MethodGet, path, nil, nil, &players); err != nil {
		return nil, err
	}
	return players, nil
}

// GetPlayer 获取单个播放器
func (c *RestClient) GetPlayer(ctx context.Context, guildID string) (*Player, error) {
	path, err := c.sessionPath("/players/%s", url.PathEscape(guildID))
	if err != nil {
		return nil, err
	}
	var player Player
	if _, err := c.do(ctx, http.MethodGet, path, nil, nil, &player); err != nil {
		return nil, err
	}
	return &player, nil
}

// UpdatePlayer 局部更新播放器，不存在时节点会创建
// noReplace 为 true 时不打断正在播放的音轨
func (c *RestClient) UpdatePlayer(ctx context.Context, guildID string, update PlayerUpdate, noReplace bool) (*Player, error) {
	path, err := c.sessionPath("/players/%s", url.PathEscape(guildID))
	if err != nil {
		return nil, err
	}
	var query url.Values
	if noReplace {
		query = url.Values{"noReplace": {"true"}}
	}
	var player Player
	if _, err := c.do(ctx, http.MethodPatch, path, query, update, &player); err != nil {
		return nil, err
	}
	return &player, nil
}

// DestroyPlayer 销毁播放器
func (c *RestClient) DestroyPlayer(ctx context.Context, guildID string) error {
	path, err := c.sessionPath("/players/%s", url.PathEscape(guildID))
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodDelete, path, nil, nil, nil)
	return err
}

// UpdateSession 开关会话恢复
func (c *RestClient) UpdateSession(ctx context.Context, update SessionUpdate) (*Session, error) {
	path, err := c.sessionPath("")
	if err != nil {
		return nil, err
	}
	var session Session
	if _, err := c.do(ctx, http.MethodPatch, path, nil, update, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Info 节点信息
func (c *RestClient) Info(ctx context.Context) (*Info, error) {
	var info Info
	if _, err := c.do(ctx, http.MethodGet, "/v4/info", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Version 节点版本，纯文本
func (c *RestClient) Version(ctx context.Context) (string, error) {
	var version string
	if _, err := c.do(ctx, http.MethodGet, "/version", nil, nil, &version); err != nil {
		return "", err
	}
	return strings.TrimSpace(version), nil
}

// Stats 节点统计，与播放器接口一样只在有 session 时调用
func (c *RestClient) Stats(ctx context.Context) (*Stats, error) {
	if _, err := c.sessionPath("/stats"); err != nil {
		return nil, err
	}
	var stats Stats
	if _, err := c.do(ctx, http.MethodGet, "/v4/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// RoutePlannerStatus 未启用路由规划时返回 nil, nil
func (c *RestClient) RoutePlannerStatus(ctx context.Context) (*RoutePlannerStatus, error) {
	var status RoutePlannerStatus
	code, err := c.do(ctx, http.MethodGet, "/v4/routeplanner/status", nil, nil, &status)
	if err != nil {
		return nil, err
	}
	if code == http.StatusNoContent || status.Class == "" {
		return nil, nil
	}
	return &status, nil
}

// FreeAddress 解封单个地址
func (c *RestClient) FreeAddress(ctx context.Context, address string) error {
	_, err := c.do(ctx, http.MethodPost, "/v4/routeplanner/free/address", nil, map[string]string{"address": address}, nil)
	return err
}

// FreeAllAddresses 解封所有地址
func (c *RestClient) FreeAllAddresses(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/v4/routeplanner/free/all", nil, nil, nil)
	return err
}
