// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Identity Backend
	BackendURL     string
	BackendAnonKey string

	// OAuth
	OAuthRedirectURL string // 既定: BASE_URL + "/auth/callback"
	OAuthGraceWindow time.Duration

	// Session
	SessionCheckTimeout time.Duration
	SessionCachePath    string

	// Presence
	HeartbeatInterval     time.Duration
	PresenceDeleteTimeout time.Duration

	// Event Stream
	StreamReconnectMax time.Duration

	// Profile
	AvatarProbe bool // プロバイダー由来アバターURLの到達性プローブを行うか

	// HTTP
	RequestTimeout time.Duration
	ServerPort     string
	BaseURL        string

	// Cookie
	CookieSecure bool

	// CORS
	CORSAllowedOrigin string

	// Rate Limit（/auth配下、req/min/IP）
	RateLimitAuth int
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.BackendURL = os.Getenv("BACKEND_URL")
	if cfg.BackendURL == "" {
		missing = append(missing, "BACKEND_URL")
	}

	cfg.BackendAnonKey = os.Getenv("BACKEND_ANON_KEY")
	if cfg.BackendAnonKey == "" {
		missing = append(missing, "BACKEND_ANON_KEY")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.OAuthRedirectURL = getEnvString("OAUTH_REDIRECT_URL", strings.TrimSuffix(cfg.BaseURL, "/")+"/auth/callback")
	cfg.OAuthGraceWindow = getEnvDuration("OAUTH_GRACE_WINDOW", 8*time.Second)
	cfg.SessionCheckTimeout = getEnvDuration("SESSION_CHECK_TIMEOUT", 10*time.Second)
	cfg.SessionCachePath = getEnvString("SESSION_CACHE_PATH", defaultSessionCachePath())
	cfg.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second)
	cfg.PresenceDeleteTimeout = getEnvDuration("PRESENCE_DELETE_TIMEOUT", 3*time.Second)
	cfg.StreamReconnectMax = getEnvDuration("STREAM_RECONNECT_MAX", 10*time.Minute)
	cfg.AvatarProbe = getEnvBool("AVATAR_PROBE", false)
	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", 10*time.Second)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 30)

	return cfg, nil
}

// defaultSessionCachePath はセッションキャッシュファイルの既定パスを返す。
// ユーザーキャッシュディレクトリが取得できない場合は空文字（キャッシュ無効）を返す。
func defaultSessionCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return dir + "/sessiond/session.json"
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
