package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hitoshi/sessiond/internal/model"
)

// SessionCache はセッショントークンのローカル永続化を行う。
// 起動時の権威的セッションチェックはここから復元した資格情報で行う。
// パスが空の場合は全操作が無効化される（永続化なしモード）。
type SessionCache struct {
	path string
}

// NewSessionCache はSessionCacheを生成する。
func NewSessionCache(path string) *SessionCache {
	return &SessionCache{path: path}
}

// cachedSession はキャッシュファイルのフォーマット。
type cachedSession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	SavedAt      time.Time `json:"saved_at"`
}

// Load は保存済みセッショントークンを読み込む。
// ファイルが存在しない場合は(nil, nil)を返す。
func (c *SessionCache) Load() (*model.SessionToken, error) {
	if c.path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session cache: %w", err)
	}

	var cached cachedSession
	if err := json.Unmarshal(data, &cached); err != nil {
		// 壊れたキャッシュはセッション無しとして扱う
		return nil, nil
	}
	if cached.RefreshToken == "" {
		return nil, nil
	}

	return &model.SessionToken{
		AccessToken:  cached.AccessToken,
		RefreshToken: cached.RefreshToken,
		ExpiresAt:    cached.ExpiresAt,
	}, nil
}

// Save はセッショントークンを保存する。
// 資格情報を含むためパーミッションは0600とする。
func (c *SessionCache) Save(token *model.SessionToken) error {
	if c.path == "" || token == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.Marshal(cachedSession{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.ExpiresAt,
		SavedAt:      time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session cache: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session cache: %w", err)
	}
	return nil
}

// Clear は保存済みセッションを削除する。ファイルが無い場合もエラーにしない。
func (c *SessionCache) Clear() error {
	if c.path == "" {
		return nil
	}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session cache: %w", err)
	}
	return nil
}
