// Package auth は任意のログイン認証 (セッション Cookie + CSRF トークン) を提供します。
// 認証情報が設定されていない場合、ミドルウェアは何も検証せずに通過させます。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	SessionCookieName    = "vc_session"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	CSRFHeader = "X-CSRF-Token"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ContextUserKey は、ハンドラー間でログイン済みユーザー名を共有するためのキーです。
const ContextUserKey = "auth.user"

// Credentials はログインに使う資格情報です。
type Credentials struct {
	Username     string
	PasswordHash string // bcrypt
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	creds   Credentials
	limiter *loginLimiter
	now     func() time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(creds Credentials) *Manager {
	return &Manager{
		creds:   creds,
		limiter: newLoginLimiter(),
		now:     time.Now,
	}
}

// Enabled は認証が有効かどうかを返します。
func (m *Manager) Enabled() bool {
	return m.creds.Username != "" && m.creds.PasswordHash != ""
}

func (m *Manager) verify(username, password string) bool {
	if username != m.creds.Username {
		// ユーザー名が違う場合も bcrypt の比較時間を揃える
		_ = bcrypt.CompareHashAndPassword([]byte(m.creds.PasswordHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(m.creds.PasswordHash), []byte(password)) == nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"code":    code,
		"message": message,
	})
}
