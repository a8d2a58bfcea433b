package auth

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword 生成 bcrypt 哈希，用于配置 DASHBOARD_PASSWORD_HASH
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// Dashboard 控制台登录账号，只有一个管理员
type Dashboard struct {
	Username     string
	PasswordHash string
}

// Enabled 未配置密码哈希时不开放登录
func (d Dashboard) Enabled() bool {
	return d.Username != "" && d.PasswordHash != ""
}

// Verify 校验用户名与密码
func (d Dashboard) Verify(username, password string) bool {
	if !d.Enabled() {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(d.Username)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(d.PasswordHash), []byte(password)) == nil
	return userOK && passOK
}
