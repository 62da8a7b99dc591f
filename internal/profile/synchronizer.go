// Package profile はバックエンド認証アイデンティティとローカルプロファイル
// レコードの冪等な同期を提供する。
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/sessiond/internal/model"
	"github.com/hitoshi/sessiond/internal/security"
)

// placeholderDisplayName は表示名が一切得られない場合の汎用プレースホルダ。
const placeholderDisplayName = "ゲストユーザー"

// avatarProbeTimeout はアバターURL到達性プローブのタイムアウト。
const avatarProbeTimeout = 5 * time.Second

// DataAPI はプロファイル同期が必要とするデータAPIのインターフェース。
// backend.DataClientの部分集合として定義する。
type DataAPI interface {
	Upsert(ctx context.Context, table string, row any, onConflict string) error
	Select(ctx context.Context, table string, filter map[string]string, dest any) error
}

// SyncRecorder はプロファイル同期結果のメトリクス記録インターフェース。
type SyncRecorder interface {
	RecordProfileSync(success bool)
}

// Synchronizer はIdentityに対応するProfileレコードの存在を冪等に保証する。
// アップサートはIdentity IDを主キーとし、複数タブ・複数プロセスからの
// 同時作成でも重複行や競合エラーを発生させない。
type Synchronizer struct {
	data        DataAPI
	sanitizer   security.NameSanitizerService
	guard       security.URLGuardService
	probeClient *http.Client
	recorder    SyncRecorder
	logger      *slog.Logger
}

// Config はSynchronizerの設定。
type Config struct {
	// AvatarProbe が真の場合、アバターURLの到達性をHEADリクエストで確認する。
	// プローブ失敗は警告ログのみで、URLは保存される。
	AvatarProbe bool
}

// NewSynchronizer はSynchronizerを生成する。
// recorderはnil許容（メトリクス無効）。
func NewSynchronizer(
	data DataAPI,
	sanitizer security.NameSanitizerService,
	guard security.URLGuardService,
	recorder SyncRecorder,
	logger *slog.Logger,
	cfg Config,
) *Synchronizer {
	s := &Synchronizer{
		data:      data,
		sanitizer: sanitizer,
		guard:     guard,
		recorder:  recorder,
		logger:    logger,
	}
	if cfg.AvatarProbe && guard != nil {
		s.probeClient = guard.NewSafeClient(avatarProbeTimeout)
	}
	return s
}

// profileRow はprofilesテーブルの行フォーマット。
type profileRow struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// roleRow はuser_rolesテーブルの行フォーマット。
type roleRow struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// EnsureProfile はIdentityに対応するProfileの存在を保証し、権威的な行を返す。
//
//  1. IDでプロファイルを読み取る。存在すればロールを付けてそのまま返す。
//  2. 存在しなければIdentityのフィールドから既定プロファイルを構築しアップサートする。
//     表示名のフォールバック: プロバイダー表示名 → メールのローカル部 → 汎用プレースホルダ。
//  3. アップサート後に必ず再読込し、バックエンド側のマージ結果を正として返す。
//
// 同時呼び出しに耐える: アップサートは主キーで冪等であり、競合は握りつぶす。
func (s *Synchronizer) EnsureProfile(ctx context.Context, identity *model.Identity) (*model.Profile, error) {
	if identity == nil || identity.ID == "" {
		return nil, fmt.Errorf("identity is required")
	}

	// 1. 既存プロファイルの読み取り
	existing, err := s.readProfile(ctx, identity.ID)
	if err != nil {
		s.recordSync(false)
		return nil, fmt.Errorf("プロファイルの読み取りに失敗しました: %w", err)
	}
	if existing != nil {
		s.recordSync(true)
		return existing, nil
	}

	// 2. 既定プロファイルの構築とアップサート
	row := s.defaultRow(identity)
	if err := s.data.Upsert(ctx, "profiles", row, "id"); err != nil {
		// 同時作成による競合はアップサートの冪等性により無害。握りつぶす
		if !model.IsConflictError(err) {
			s.recordSync(false)
			return nil, fmt.Errorf("プロファイルの作成に失敗しました: %w", err)
		}
		s.logger.Debug("プロファイル作成の競合を無視します",
			slog.String("user_id", identity.ID),
		)
	}

	// 3. 権威的な行の再読込
	authoritative, err := s.readProfile(ctx, identity.ID)
	if err != nil {
		s.recordSync(false)
		return nil, fmt.Errorf("プロファイルの再読込に失敗しました: %w", err)
	}
	if authoritative == nil {
		// 再読込で行が見えない場合は構築した内容を暫定として返す
		s.logger.Warn("アップサート直後のプロファイルが読み取れませんでした",
			slog.String("user_id", identity.ID),
		)
		authoritative = &model.Profile{
			ID:          row.ID,
			DisplayName: row.DisplayName,
			Phone:       row.Phone,
			AvatarURL:   row.AvatarURL,
		}
	}

	s.recordSync(true)
	s.logger.Info("プロファイルを同期しました",
		slog.String("user_id", identity.ID),
		slog.String("display_name", authoritative.DisplayName),
	)
	return authoritative, nil
}

// readProfile はIDでプロファイル行とロールを読み取る。存在しない場合はnilを返す。
func (s *Synchronizer) readProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var rows []profileRow
	if err := s.data.Select(ctx, "profiles", map[string]string{"id": userID}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	p := &model.Profile{
		ID:          rows[0].ID,
		DisplayName: rows[0].DisplayName,
		Phone:       rows[0].Phone,
		AvatarURL:   rows[0].AvatarURL,
	}

	// ロールは別テーブル。読み取り失敗は非致命的（ロール無しとして返す）
	var roles []roleRow
	if err := s.data.Select(ctx, "user_roles", map[string]string{"user_id": userID}, &roles); err != nil {
		s.logger.Warn("ロールの読み取りに失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return p, nil
	}
	for _, r := range roles {
		p.Roles = append(p.Roles, r.Role)
	}
	return p, nil
}

// defaultRow はIdentityのフィールドから既定プロファイル行を構築する。
func (s *Synchronizer) defaultRow(identity *model.Identity) profileRow {
	return profileRow{
		ID:          identity.ID,
		DisplayName: s.displayName(identity),
		Phone:       metadataString(identity.Metadata, "phone"),
		AvatarURL:   s.avatarURL(identity),
	}
}

// displayName は表示名のフォールバック連鎖を解決する。
// プロバイダー表示名 → メールのローカル部 → 汎用プレースホルダ。
// プロバイダー由来のテキストはサニタイズする。
func (s *Synchronizer) displayName(identity *model.Identity) string {
	for _, key := range []string{"display_name", "name", "full_name"} {
		if v := metadataString(identity.Metadata, key); v != "" {
			if cleaned := s.sanitizer.Sanitize(v); cleaned != "" {
				return cleaned
			}
		}
	}

	if identity.Email != "" {
		if local, _, found := strings.Cut(identity.Email, "@"); found && local != "" {
			return local
		}
	}

	return placeholderDisplayName
}

// avatarURL はプロバイダーメタデータのアバターURLを検証して返す。
// 検証に失敗したURLは破棄する（プロバイダー由来の値は信頼しない）。
func (s *Synchronizer) avatarURL(identity *model.Identity) string {
	var raw string
	for _, key := range []string{"avatar_url", "picture"} {
		if v := metadataString(identity.Metadata, key); v != "" {
			raw = v
			break
		}
	}
	if raw == "" {
		return ""
	}

	if err := s.guard.ValidateURL(raw); err != nil {
		s.logger.Warn("アバターURLの検証に失敗したため破棄します",
			slog.String("user_id", identity.ID),
			slog.String("error", err.Error()),
		)
		return ""
	}

	// 到達性プローブはベストエフォート。失敗してもURLは保存する
	if s.probeClient != nil {
		if err := s.probeAvatar(raw); err != nil {
			s.logger.Warn("アバターURLのプローブに失敗しました",
				slog.String("user_id", identity.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return raw
}

// probeAvatar はSSRF防止クライアントでアバターURLの到達性を確認する。
func (s *Synchronizer) probeAvatar(rawURL string) error {
	resp, err := s.probeClient.Head(rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("avatar probe returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Synchronizer) recordSync(success bool) {
	if s.recorder != nil {
		s.recorder.RecordProfileSync(success)
	}
}

// metadataString はメタデータから文字列値を取り出す。
func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata[key].(string); ok {
		return v
	}
	return ""
}
