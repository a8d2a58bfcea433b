package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"GuildFM/core/lavalink"
	"GuildFM/core/player"
	"GuildFM/core/room"
	"GuildFM/logger"
	"GuildFM/model"
	"GuildFM/repository"
)

// PlayerService HTTP 层用到的播放操作，由 player.Manager 实现
type PlayerService interface {
	room.Controls
	Connect(ctx context.Context, guildID, voiceChannelID, textChannelID string) error
	Disconnect(ctx context.Context, guildID string) error
	Snapshot(guildID string) player.Snapshot
	Snapshots() []player.Snapshot
	LoadTracks(ctx context.Context, guildID, query string) (*lavalink.LoadResult, error)
	ReloadSettings(ctx context.Context, guildID string) error
}

var _ PlayerService = (*player.Manager)(nil)

// PlayerHandler 播放器 HTTP 与 WebSocket 处理器
type PlayerHandler struct {
	players    PlayerService
	hub        *room.RoomHub
	controller *room.Controller
	settings   repository.GuildSettingsRepository // 可以为 nil
	nodes      []*lavalink.Node
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

// NewPlayerHandler 创建播放器处理器
func NewPlayerHandler(players PlayerService, hub *room.RoomHub, settings repository.GuildSettingsRepository, nodes []*lavalink.Node) *PlayerHandler {
	return &PlayerHandler{
		players:    players,
		hub:        hub,
		controller: room.NewController(players, 15*time.Second),
		settings:   settings,
		nodes:      nodes,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.Named("server.player"),
	}
}

// StatusFor 把播放错误映射为 HTTP 状态码
func StatusFor(err error) int {
	switch room.ErrorCode(err) {
	case "bad_request", "unknown_message", "index_out_of_range", "invalid_volume", "invalid_position":
		return http.StatusBadRequest
	case "not_connected", "no_tracks":
		return http.StatusNotFound
	case "nothing_playing", "not_seekable":
		return http.StatusConflict
	case "load_failed":
		return http.StatusUnprocessableEntity
	case "node_unavailable":
		return http.StatusServiceUnavailable
	case "node_error":
		return http.StatusBadGateway
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *PlayerHandler) fail(w http.ResponseWriter, guildID string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("player request failed", logger.GuildID(guildID), zap.Error(err))
	}
	writeError(w, status, room.ErrorCode(err), err.Error())
}

// guildID 校验路径中的 guild_id 是否为合法 snowflake
func guildID(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := mux.Vars(r)["guild_id"]
	if _, err := snowflake.Parse(raw); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid guild id")
		return "", false
	}
	return raw, true
}

func requester(r *http.Request) room.Requester {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		return room.Requester{}
	}
	return room.Requester{UserID: claims.UserID, Username: claims.Username}
}

// ========== HTTP 处理器 ==========

// NodeStatus 节点状态
type NodeStatus struct {
	Name      string          `json:"name"`
	Connected bool            `json:"connected"`
	SessionID string          `json:"sessionId,omitempty"`
	Penalty   int             `json:"penalty"`
	Players   int             `json:"players"`
	Stats     *lavalink.Stats `json:"stats,omitempty"`
}

// NodesHandler 列出所有音频节点
func (h *PlayerHandler) NodesHandler(w http.ResponseWriter, r *http.Request) {
	result := make([]NodeStatus, 0, len(h.nodes))
	for _, n := range h.nodes {
		status := NodeStatus{
			Name:      n.Name(),
			Connected: n.Connected(),
			SessionID: n.SessionID(),
			Penalty:   n.Penalty(),
			Players:   len(n.Players()),
		}
		if stats, ok := n.Stats(); ok {
			status.Stats = &stats
		}
		result = append(result, status)
	}
	writeJSON(w, http.StatusOK, result)
}

// GuildsHandler 所有已连接 guild 的快照
func (h *PlayerHandler) GuildsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.players.Snapshots())
}

// GetPlayerHandler 单个 guild 的快照，未连接时返回 idle
func (h *PlayerHandler) GetPlayerHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := guildID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.players.Snapshot(id))
}

// ConnectRequest 连接语音频道请求
type ConnectRequest struct {
	VoiceChannelID string `json:"voiceChannelId"`
	TextChannelID  string `json:"textChannelId"`
}

// ConnectHandler 加入语音频道
func (h *PlayerHandler) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := guildID(w, r)
	if !ok {
		return
	}
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}
	if _, err := snowflake.Parse(req.VoiceChannelID); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid voice channel id")
		return
	}
	if req.TextChannelID != "" {
		if _, err := snowflake.Parse(req.TextChannelID); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid text channel id")
			return
		}
	}

	if err := h.players.Connect(r.Context(), id, req.VoiceChannelID, req.TextChannelID); err != nil {
		h.fail(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, h.players.Snapshot(id))
}

// DisconnectHandler 离开语音频道并清空队列
func (h *PlayerHandler) DisconnectHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := guildID(w, r)
	if !ok {
		return
	}
	if err := h.players.Disconnect(r.Context(), id); err != nil {
		h.fail(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SearchHandler 只搜索不播放
func (h *PlayerHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := guildID(w, r)
	if !ok {
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing query parameter q")
		return
	}
	res, err := h.players.LoadTracks(r.Context(), id, query)
	if err != nil {
		h.fail(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ControlHandler 播放控制，路径中的 action 与 WebSocket 消息类型一致，请求体即消息 data
func (h *PlayerHandler) ControlHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := guildID(w, r)
	if !ok {
		return
	}
	action := room.MessageType(mux.Vars(r)["action"])

	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}
	var data json.RawMessage
	if len(body) > 0 {
		data = body
	}

	result, err := h.controller.Execute(r.Context(), id, requester(r), action, data)
	if err != nil {
		h.fail(w, id, err)
		return
	}
	result["player"] = h.players.Snapshot(id)
	writeJSON(w, http.StatusOK, result)
}

// GetSettingsHandler 读取 guild 设置
func (h *PlayerHandler) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := guildID(w, r)
	if !ok {
		return
	}
	if h.settings == nil {
		writeError(w, http.StatusServiceUnavailable, "settings_unavailable", "settings storage is not configured")
		return
	}
	row, err := h.settings.Get(r.Context(), id)
	if err != nil {
		h.fail(w, id, err)
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "not_found", "no settings stored for guild")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// PutSettingsHandler 保存 guild 设置并让已连接的 guild 立即生效
func (h *PlayerHandler) PutSettingsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := guildID(w, r)
	if !ok {
		return
	}
	if h.settings == nil {
		writeError(w, http.StatusServiceUnavailable, "settings_unavailable", "settings storage is not configured")
		return
	}
	var row model.GuildSettings
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}
	if msg := validateSettings(&row); msg != "" {
		writeError(w, http.StatusBadRequest, "bad_request", msg)
		return
	}
	row.GuildID = id
	row.UpdatedBy = requester(r).Username

	if err := h.settings.Upsert(r.Context(), &row); err != nil {
		h.fail(w, id, err)
		return
	}
	if err := h.players.ReloadSettings(r.Context(), id); err != nil && !errors.Is(err, player.ErrNotConnected) {
		h.log.Warn("reload settings failed", logger.GuildID(id), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, row)
}

func validateSettings(row *model.GuildSettings) string {
	if row.DefaultVolume <= 0 || row.DefaultVolume > 1000 {
		return "defaultVolume must be between 1 and 1000"
	}
	if row.VoteSkipPercentage <= 0 || row.VoteSkipPercentage > 1 {
		return "voteSkipPercentage must be in (0, 1]"
	}
	if row.DefaultLoopMode == "" {
		row.DefaultLoopMode = "none"
	}
	switch row.DefaultLoopMode {
	case "none", "track", "queue":
	default:
		return "defaultLoopMode must be none, track or queue"
	}
	if row.AnnounceChannelID != "" {
		if _, err := snowflake.Parse(row.AnnounceChannelID); err != nil {
			return "invalid announce channel id"
		}
	}
	return ""
}

// ========== WebSocket 处理器 ==========

// WebSocketHandler 推送 guild 快照并接收控制指令
func (h *PlayerHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := guildID(w, r)
	if !ok {
		return
	}
	who := requester(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("WebSocket 升级失败", zap.Error(err))
		return
	}

	client := h.hub.NewClient(conn, id, who.UserID, who.Username)
	if err := h.hub.Register(client); err != nil {
		conn.Close()
		return
	}
	// hub 中还没有快照时直接推送当前状态
	if _, cached := h.hub.LastSnapshot(id); !cached {
		if data, err := json.Marshal(h.players.Snapshot(id)); err == nil {
			_ = client.SendMessage(&room.WSMessage{Type: room.MsgTypeSnapshot, GuildID: id, Data: data})
		}
	}

	go client.WritePump()
	go client.ReadPump(context.Background(), h.controller.HandleMessage)

	h.log.Info("WebSocket 连接建立",
		logger.GuildID(id),
		zap.String("client", client.ID),
		zap.String("user", who.Username))
}

// RegisterPlayerRoutes 注册播放器相关路由
func RegisterPlayerRoutes(router *mux.Router, handler *PlayerHandler, authMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	router.HandleFunc("/api/nodes", authMiddleware(handler.NodesHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/guilds", authMiddleware(handler.GuildsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/guilds/{guild_id}/player", authMiddleware(handler.GetPlayerHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/guilds/{guild_id}/player/connect", authMiddleware(handler.ConnectHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/guilds/{guild_id}/player/disconnect", authMiddleware(handler.DisconnectHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/guilds/{guild_id}/player/search", authMiddleware(handler.SearchHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/guilds/{guild_id}/player/{action}", authMiddleware(handler.ControlHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/guilds/{guild_id}/settings", authMiddleware(handler.GetSettingsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/guilds/{guild_id}/settings", authMiddleware(handler.PutSettingsHandler)).Methods(http.MethodPut)

	router.HandleFunc("/ws/guilds/{guild_id}", authMiddleware(handler.WebSocketHandler))
}
