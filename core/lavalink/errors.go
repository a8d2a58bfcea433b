package lavalink

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized 节点拒绝了密码，连接时遇到属于致命错误，不会重试
	ErrUnauthorized = errors.New("lavalink: unauthorized")
	// ErrNoSession 在 ready 之前调用了需要 session 的接口
	ErrNoSession = errors.New("lavalink: no session id, node is not ready")
	// ErrNotConnected 控制连接未建立
	ErrNotConnected = errors.New("lavalink: not connected")
	// ErrClosed 主动断开后不再可用
	ErrClosed = errors.New("lavalink: socket closed")
)

// RestError 非 2xx 响应
type RestError struct {
	Timestamp int64  `json:"timestamp"`
	Status    int    `json:"status"`
	ErrorText string `json:"error"`
	Trace     string `json:"trace,omitempty"`
	Message   string `json:"message"`
	Path      string `json:"path"`
}

func (e *RestError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.ErrorText
	}
	return fmt.Sprintf("lavalink rest %s: %d %s", e.Path, e.Status, msg)
}

// IsNotFound 判断是否为 404
func IsNotFound(err error) bool {
	var restErr *RestError
	return errors.As(err, &restErr) && restErr.Status == 404
}
