package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"GuildFM/core/auth"
	"GuildFM/logger"
)

type contextKey string

const claimsKey contextKey = "claims"

// AuthHandler 控制台登录与令牌校验
type AuthHandler struct {
	secret    string
	ttl       time.Duration
	dashboard auth.Dashboard
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(secret string, ttl time.Duration, dashboard auth.Dashboard) *AuthHandler {
	return &AuthHandler{secret: secret, ttl: ttl, dashboard: dashboard}
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginHandler 校验控制台账号并签发令牌
func (h *AuthHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Username and password are required")
		return
	}
	if !h.dashboard.Enabled() {
		writeError(w, http.StatusForbidden, "login_disabled", "Dashboard login is not configured")
		return
	}
	if !h.dashboard.Verify(req.Username, req.Password) {
		logger.Warn("[Login] 密码验证失败", logger.String("username", req.Username))
		writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid username or password")
		return
	}

	token, err := auth.GenerateToken(h.secret, req.Username, req.Username, h.ttl)
	if err != nil {
		logger.Error("[Login] 生成Token失败", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}

	logger.Info("[Login] 登录成功", logger.String("username", req.Username))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresIn": int64(h.ttl.Seconds()),
	})
}

// AuthMiddleware 校验 Bearer 令牌；WebSocket 无法设置 header，允许通过 token 查询参数传递
func (h *AuthHandler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid authorization header format")
				return
			}
			token = parts[1]
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization header is required")
			return
		}

		claims, err := auth.ParseToken(h.secret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// ClaimsFromContext 取出中间件写入的令牌信息
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*auth.Claims)
	return claims, ok
}

// writeJSON 统一 JSON 响应
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write response failed", logger.ErrorField(err))
	}
}

// writeError 错误响应 {"code": ..., "error": ...}
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}
