// Package lifecycle はセッション・アイデンティティのライフサイクル全体を
// 統括するコントローラを提供する。
//
// コントローラはバックエンドの認証イベントストリームを購読し、
// プロファイル同期とプレゼンスハートビートを駆動し、
// UI層にサインイン/サインアップ/サインアウト操作を公開する。
// SessionStoreへの書き込みはこのコントローラのみが行う。
package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/sessiond/internal/model"
	"github.com/hitoshi/sessiond/internal/notify"
	"github.com/hitoshi/sessiond/internal/store"
)

const (
	// refreshSkew はトークン失効のどれだけ前にリフレッシュするか。
	refreshSkew = 60 * time.Second
	// refreshRetryInterval は一時的なリフレッシュ失敗の再試行間隔。
	refreshRetryInterval = 30 * time.Second
	// profileSyncTimeout はプロファイル同期1回あたりのタイムアウト。
	profileSyncTimeout = 15 * time.Second
)

// BackendAuth はコントローラが必要とする認証APIのインターフェース。
// backend.Clientの部分集合として定義する。
type BackendAuth interface {
	SignUp(ctx context.Context, email, password string, data map[string]any) (*model.SessionToken, *model.Identity, error)
	SignInWithPassword(ctx context.Context, email, password string) (*model.SessionToken, *model.Identity, error)
	AuthorizeURL(provider, redirectURL, state string) (string, error)
	SignOut(ctx context.Context, accessToken string) error
	GetSession(ctx context.Context, accessToken string) (*model.Identity, error)
	Refresh(ctx context.Context, refreshToken string) (*model.SessionToken, *model.Identity, error)
}

// EventBus は認証イベントストリームの購読・発行インターフェース。
// backend.Streamが実装する。
type EventBus interface {
	Subscribe(fn func(model.LifecycleEvent)) func()
	Publish(ev model.LifecycleEvent)
}

// ProfileEnsurer はプロファイル同期のインターフェース。
type ProfileEnsurer interface {
	EnsureProfile(ctx context.Context, identity *model.Identity) (*model.Profile, error)
}

// PresenceController はプレゼンスハートビートの制御インターフェース。
type PresenceController interface {
	Start(userID string)
	Stop()
}

// SessionCache はセッショントークン永続化のインターフェース。
type SessionCache interface {
	Load() (*model.SessionToken, error)
	Save(token *model.SessionToken) error
	Clear() error
}

// Recorder はコントローラのメトリクス記録インターフェース。
type Recorder interface {
	RecordLifecycleEvent(kind string)
	RecordDedupSuppressed(kind string)
	RecordSessionCheckLatency(duration time.Duration)
}

// Config はControllerの設定。
type Config struct {
	// OAuthRedirectURL はOAuthプロバイダーからのリダイレクト先URL。
	OAuthRedirectURL string
	// SessionCheckTimeout は起動時セッションチェックの上限時間。
	// 超過時はエラーではなくAnonymousとして扱い、UIを無期限に待たせない。
	SessionCheckTimeout time.Duration
}

// Controller はセッションライフサイクルの最上位オーケストレータ。
//
// 起動時チェックとイベントストリームは同一のサインインを二重に報告しうる。
// イベント処理は(イベント種別, Identity ID)をキーとするat-most-once
// セマンティクスで適用され、重複はトースト・プロファイル同期を発生させない。
// 判定と状態更新は単一のミューテックス保持下で行われ、間に中断点を挟まない。
type Controller struct {
	store    *store.SessionStore
	backend  BackendAuth
	events   EventBus
	profiles ProfileEnsurer
	presence PresenceController
	notifier notify.Notifier
	cache    SessionCache
	recorder Recorder
	logger   *slog.Logger
	config   Config

	mu           sync.Mutex
	unsubscribe  func()
	refreshTimer *time.Timer
	started      bool
}

// NewController はControllerを生成する。
// recorderとcacheはnil許容。
func NewController(
	sessionStore *store.SessionStore,
	backend BackendAuth,
	events EventBus,
	profiles ProfileEnsurer,
	presence PresenceController,
	notifier notify.Notifier,
	cache SessionCache,
	recorder Recorder,
	logger *slog.Logger,
	config Config,
) *Controller {
	if config.SessionCheckTimeout <= 0 {
		config.SessionCheckTimeout = 10 * time.Second
	}
	return &Controller{
		store:    sessionStore,
		backend:  backend,
		events:   events,
		profiles: profiles,
		presence: presence,
		notifier: notifier,
		cache:    cache,
		recorder: recorder,
		logger:   logger,
		config:   config,
	}
}

// Start はイベントストリームの購読を開始し、起動時の権威的セッション
// チェックを並行して実行する。チェック結果もイベントとして発行されるため、
// コントローラとリコンサイラは同一の観測経路を共有する。
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.unsubscribe = c.events.Subscribe(c.handleEvent)
	c.mu.Unlock()

	go c.initialSessionCheck(ctx)
}

// Shutdown はイベント購読を解除し、ハートビートとリフレッシュタイマーを停止する。
// サインアウトは行わない（プロセス終了はセッション破棄を意味しない）。
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.stopRefreshLocked()
	c.started = false
	c.mu.Unlock()

	c.presence.Stop()
}

// SignUp はメールアドレスとパスワードでユーザー登録を要求する。
// 成功してもこの呼び出し自体はストアを書き換えない。
// 状態のコミットはイベントストリーム経由の単一経路で行われる。
// バックエンドの拒否はAuthErrorとして返る。
func (c *Controller) SignUp(ctx context.Context, email, password, displayName, role, phone string) error {
	data := map[string]any{}
	if displayName != "" {
		data["display_name"] = displayName
	}
	if role != "" {
		data["role"] = role
	}
	if phone != "" {
		data["phone"] = phone
	}

	_, _, err := c.backend.SignUp(ctx, email, password, data)
	return err
}

// SignIn はメールアドレスとパスワードでサインインを要求する。
// 成功時の状態コミットはイベントストリーム経由で行われる。
func (c *Controller) SignIn(ctx context.Context, email, password string) error {
	_, _, err := c.backend.SignInWithPassword(ctx, email, password)
	return err
}

// SignInWithOAuth はOAuthサインインを開始し、リダイレクト先URLを返す。
// この呼び出しが同期的にセッションを確立することはない。
// リダイレクト後のセッション確立はコールバックリコンサイラの責務。
func (c *Controller) SignInWithOAuth(provider, state string) (string, error) {
	return c.backend.AuthorizeURL(provider, c.config.OAuthRedirectURL, state)
}

// SignOut はサインアウトを実行する。
//
// バックエンドのサインアウト呼び出しは中断点であり、その間に別ユーザーの
// サインインがコミットされうる。ローカル状態のクリアはコミットミューテックス
// 保持下で、入口時点のIdentityがまだ現在のものであることを確認してから行い、
// 古いサインアウトが新しいセッションを破壊しないようにする。
// ハートビート停止はストアのクリアより前、同一クリティカルセクション内。
// バックエンド呼び出しが失敗してもローカル状態は必ずクリアされ、
// UIが死んだバックエンドに対して「ログイン中」のまま固まることはない。
// 既にサインアウト済みの場合は何もしない。
func (c *Controller) SignOut(ctx context.Context) error {
	snap := c.store.Snapshot()
	if !snap.IsAuthenticated() {
		return nil
	}
	signedOutID := snap.Identity.ID
	token := c.store.CurrentToken()

	if token != nil {
		if err := c.backend.SignOut(ctx, token.AccessToken); err != nil {
			c.logger.Warn("バックエンドのサインアウトに失敗しました。ローカル状態はクリアします",
				slog.String("error", err.Error()),
			)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.store.Snapshot()
	if !cur.IsAuthenticated() || cur.Identity.ID != signedOutID {
		c.logger.Info("サインアウト中に別のセッションが確立されたため、クリアをスキップします",
			slog.String("signed_out_user_id", signedOutID),
		)
		return nil
	}

	// ハートビートはストアのクリアより前に停止する
	c.presence.Stop()
	c.stopRefreshLocked()
	c.store.SetAnonymous()
	c.clearCache()

	c.logger.Info("サインアウトしました")
	return nil
}

// CurrentSession は現在のIdentityスナップショットを返す。未認証の場合はnil。
func (c *Controller) CurrentSession() *model.Identity {
	return c.store.CurrentIdentity()
}

// Snapshot は現在のストアスナップショットを返す。
func (c *Controller) Snapshot() store.Snapshot {
	return c.store.Snapshot()
}

// Subscribe はストア状態変化の購読を登録し、解除関数を返す。
func (c *Controller) Subscribe(l store.Listener) func() {
	return c.store.Subscribe(l)
}

// initialSessionCheck は起動時の権威的セッションチェックを1回実行する。
// キャッシュ済み資格情報の検証またはリフレッシュを試み、結果を
// InitialSessionPresent / InitialSessionAbsent としてストリームに発行する。
// 固定タイムアウト超過時は悲観的にAbsentとする（Unknownに留まらない）。
func (c *Controller) initialSessionCheck(ctx context.Context) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.config.SessionCheckTimeout)
	defer cancel()

	identity, token := c.restoreSession(ctx)

	if c.recorder != nil {
		c.recorder.RecordSessionCheckLatency(time.Since(start))
	}

	if identity == nil {
		c.events.Publish(model.LifecycleEvent{Kind: model.EventInitialSessionAbsent})
		return
	}
	c.events.Publish(model.LifecycleEvent{
		Kind:     model.EventInitialSessionPresent,
		Identity: identity,
		Token:    token,
	})
}

// restoreSession はキャッシュ済みトークンからセッションの復元を試みる。
func (c *Controller) restoreSession(ctx context.Context) (*model.Identity, *model.SessionToken) {
	if c.cache == nil {
		return nil, nil
	}

	token, err := c.cache.Load()
	if err != nil {
		c.logger.Warn("セッションキャッシュの読み込みに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	if token == nil {
		return nil, nil
	}

	// 失効前のトークンはそのまま検証する
	if !token.IsExpired() {
		identity, err := c.backend.GetSession(ctx, token.AccessToken)
		if err != nil {
			c.logger.Warn("起動時セッションチェックに失敗しました",
				slog.String("error", err.Error()),
			)
			return nil, nil
		}
		if identity != nil {
			return identity, token
		}
	}

	// 失効済みまたは無効化されたトークンはリフレッシュを試みる
	newToken, identity, err := c.backend.Refresh(ctx, token.RefreshToken)
	if err != nil {
		if model.IsCredentialError(err) {
			// リフレッシュトークン自体が無効。キャッシュを破棄する
			c.clearCache()
		}
		c.logger.Info("キャッシュ済みセッションを復元できませんでした",
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return identity, newToken
}

// handleEvent はライフサイクルイベントを処理する。
// 重複判定と状態更新は単一のロック保持下で行い、間に中断点を挟まない。
func (c *Controller) handleEvent(ev model.LifecycleEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.RecordLifecycleEvent(string(ev.Kind))
	}

	switch ev.Kind {
	case model.EventSignedIn, model.EventInitialSessionPresent:
		c.handleSignedInLocked(ev)
	case model.EventSignedOut:
		c.handleSignedOutLocked(ev)
	case model.EventInitialSessionAbsent:
		c.handleInitialAbsentLocked(ev)
	case model.EventTokenRefreshed:
		c.handleTokenRefreshedLocked(ev)
	}
}

// handleSignedInLocked はサインイン遷移を適用する。
// 既に同一Identityで認証済みの場合はno-op（トーストもプロファイル同期も
// 発生しない）。区別されるログイン1回につき、プロファイル同期・
// ハートビート開始・歓迎通知がそれぞれ1回だけ実行される。
func (c *Controller) handleSignedInLocked(ev model.LifecycleEvent) {
	if ev.Identity == nil || ev.Identity.ID == "" {
		return
	}

	snap := c.store.Snapshot()
	if snap.Phase == store.PhaseAuthenticated && snap.Identity != nil && snap.Identity.ID == ev.Identity.ID {
		if c.recorder != nil {
			c.recorder.RecordDedupSuppressed(string(ev.Kind))
		}
		c.logger.Debug("重複したサインインイベントを無視します",
			slog.String("dedup_key", ev.DedupKey()),
		)
		return
	}

	c.store.SetSignedIn(ev.Identity, ev.Token)
	c.saveCache(ev.Token)
	c.scheduleRefreshLocked(ev.Token)
	c.presence.Start(ev.Identity.ID)

	go c.syncProfile(ev.Identity)

	// 歓迎通知はパスワードサインインの新規遷移でのみ発行する。
	// OAuthの歓迎通知はコールバックリコンサイラの責務（二重トースト防止）。
	// InitialSessionPresentはセッション復元であり新規ログインではない
	if ev.Kind == model.EventSignedIn && !ev.Identity.IsOAuth() {
		c.notifier.Notify(notify.Welcome(welcomeName(ev.Identity)))
	}

	c.logger.Info("サインイン状態に遷移しました",
		slog.String("user_id", ev.Identity.ID),
		slog.String("provider", ev.Identity.Provider),
		slog.String("kind", string(ev.Kind)),
	)
}

// handleSignedOutLocked はサインアウト遷移を適用する。
func (c *Controller) handleSignedOutLocked(ev model.LifecycleEvent) {
	if c.store.Phase() != store.PhaseAuthenticated {
		if c.recorder != nil {
			c.recorder.RecordDedupSuppressed(string(ev.Kind))
		}
		c.logger.Debug("重複したサインアウトイベントを無視します",
			slog.String("dedup_key", ev.DedupKey()),
		)
		return
	}

	// ハートビートはストアのクリアより前に停止する
	c.presence.Stop()
	c.stopRefreshLocked()
	c.store.SetAnonymous()
	c.clearCache()

	c.logger.Info("サインアウト状態に遷移しました")
}

// handleInitialAbsentLocked は起動時チェックの「セッション無し」結果を適用する。
// Unknownからの脱出専用であり、確立済みのセッションを壊すことはない。
func (c *Controller) handleInitialAbsentLocked(ev model.LifecycleEvent) {
	if c.store.Phase() != store.PhaseUnknown {
		if c.recorder != nil {
			c.recorder.RecordDedupSuppressed(string(ev.Kind))
		}
		return
	}
	c.store.SetAnonymous()
	c.logger.Info("起動時チェック: セッションはありません")
}

// handleTokenRefreshedLocked はトークンリフレッシュ結果を適用する。
// 認証済み状態でのみ意味を持つ。トークンは丸ごと置き換える。
func (c *Controller) handleTokenRefreshedLocked(ev model.LifecycleEvent) {
	if c.store.Phase() != store.PhaseAuthenticated || ev.Token == nil {
		return
	}
	c.store.SetToken(ev.Token)
	c.saveCache(ev.Token)
	c.scheduleRefreshLocked(ev.Token)
}

// syncProfile はプロファイル同期を実行し、成功時はロールをストアに反映する。
// 失敗は非致命的: セッションは有効のまま、Identityスナップショットが
// プロファイル代替ビューとなる。
func (c *Controller) syncProfile(identity *model.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), profileSyncTimeout)
	defer cancel()

	profile, err := c.profiles.EnsureProfile(ctx, identity)
	if err != nil {
		c.logger.Warn("プロファイル同期に失敗しました。セッションは継続します",
			slog.String("user_id", identity.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	c.store.SetRoles(profile.Roles)
}

// scheduleRefreshLocked はトークン失効の少し前にリフレッシュをスケジュールする。
func (c *Controller) scheduleRefreshLocked(token *model.SessionToken) {
	c.stopRefreshLocked()
	if token == nil || token.RefreshToken == "" {
		return
	}

	delay := time.Until(token.ExpiresAt) - refreshSkew
	if delay < time.Second {
		delay = time.Second
	}
	c.refreshTimer = time.AfterFunc(delay, c.refreshNow)
}

// stopRefreshLocked はリフレッシュタイマーを解除する。
func (c *Controller) stopRefreshLocked() {
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
}

// refreshNow はトークンリフレッシュを実行する。
// 資格情報エラーはセッション喪失としてSignedOut相当の遷移を行う。
// 一時的なエラーは失効まで一定間隔で再試行する。
func (c *Controller) refreshNow() {
	token := c.store.CurrentToken()
	if token == nil || token.RefreshToken == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.SessionCheckTimeout)
	defer cancel()

	// 成功時はTokenRefreshedイベントが発行され、handleEventが状態を更新する
	_, _, err := c.backend.Refresh(ctx, token.RefreshToken)
	if err == nil {
		return
	}

	if model.IsCredentialError(err) || token.IsExpired() {
		c.logger.Warn("トークンリフレッシュに失敗したためセッションを破棄します",
			slog.String("error", err.Error()),
		)
		c.events.Publish(model.LifecycleEvent{Kind: model.EventSignedOut})
		return
	}

	c.logger.Warn("トークンリフレッシュに失敗しました。再試行します",
		slog.String("error", err.Error()),
		slog.Duration("retry_in", refreshRetryInterval),
	)
	c.mu.Lock()
	c.stopRefreshLocked()
	c.refreshTimer = time.AfterFunc(refreshRetryInterval, c.refreshNow)
	c.mu.Unlock()
}

// saveCache はセッショントークンをキャッシュに保存する。失敗はログのみ。
func (c *Controller) saveCache(token *model.SessionToken) {
	if c.cache == nil || token == nil {
		return
	}
	if err := c.cache.Save(token); err != nil {
		c.logger.Warn("セッションキャッシュの保存に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// clearCache はセッションキャッシュを削除する。失敗はログのみ。
func (c *Controller) clearCache() {
	if c.cache == nil {
		return
	}
	if err := c.cache.Clear(); err != nil {
		c.logger.Warn("セッションキャッシュの削除に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// welcomeName は歓迎通知に使う表示名を解決する。
func welcomeName(identity *model.Identity) string {
	for _, key := range []string{"display_name", "name"} {
		if v, ok := identity.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	if identity.Email != "" {
		if local, _, found := strings.Cut(identity.Email, "@"); found {
			return local
		}
	}
	return ""
}
