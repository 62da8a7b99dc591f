// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// 認証プロバイダーの識別子。
const (
	ProviderPassword = "password"
	ProviderGoogle   = "oauth:google"
	ProviderApple    = "oauth:apple"
)

// RoleAdmin は管理者ロールの識別子。
const RoleAdmin = "admin"

// SessionToken はバックエンドに対して認証済みであることを証明する不透明な資格情報。
// リフレッシュ時は丸ごと置き換えられ、フィールド単位で書き換えられることはない。
type SessionToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// IsExpired はトークンが失効しているかを返す。
func (t *SessionToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// Identity はバックエンドが割り当てたユーザー属性のイミュータブルなスナップショット。
// セッション変化イベントごとにバックエンドクライアントが生成する。
type Identity struct {
	ID       string
	Email    string
	Provider string         // "password", "oauth:google", "oauth:apple"
	Metadata map[string]any // プロバイダー由来の生メタデータ
}

// IsOAuth はOAuthプロバイダー経由のアイデンティティかを返す。
func (i *Identity) IsOAuth() bool {
	return strings.HasPrefix(i.Provider, "oauth:")
}

// Clone はIdentityのディープコピーを返す。
// ストアの外に渡すスナップショットは必ずコピーとする。
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	if i.Metadata != nil {
		c.Metadata = make(map[string]any, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Profile はIdentity IDをキーとするローカル同期済みのユーザー情報レコード。
// バックエンド側がマージ結果の正とされ、クライアントはアップサート後に再読込する。
type Profile struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Phone       string   `json:"phone,omitempty"`
	AvatarURL   string   `json:"avatar_url,omitempty"`
	Roles       []string `json:"-"`
}

// HasRole はプロファイルが指定ロールを持つかを返す。
func (p *Profile) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PresenceRecord はサインイン中ユーザーの一時的な生存シグナル。
// セッション寿命を超えて保持されることはない。
type PresenceRecord struct {
	UserID      string         `json:"user_id"`
	HeartbeatAt time.Time      `json:"heartbeat_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
