package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/sessiond/internal/model"
	"github.com/hitoshi/sessiond/internal/notify"
	"github.com/hitoshi/sessiond/internal/store"
)

// --- モック ---

// testBus はイベントストリームの同期的なテストダブル。
type testBus struct {
	mu     sync.Mutex
	subs   map[int]func(model.LifecycleEvent)
	nextID int
}

func newTestBus() *testBus {
	return &testBus{subs: make(map[int]func(model.LifecycleEvent))}
}

func (b *testBus) Subscribe(fn func(model.LifecycleEvent)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *testBus) Publish(ev model.LifecycleEvent) {
	b.mu.Lock()
	fns := make([]func(model.LifecycleEvent), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

type mockBackend struct {
	signUpFn       func(ctx context.Context, email, password string, data map[string]any) (*model.SessionToken, *model.Identity, error)
	signInFn       func(ctx context.Context, email, password string) (*model.SessionToken, *model.Identity, error)
	authorizeURLFn func(provider, redirectURL, state string) (string, error)
	signOutFn      func(ctx context.Context, accessToken string) error
	getSessionFn   func(ctx context.Context, accessToken string) (*model.Identity, error)
	refreshFn      func(ctx context.Context, refreshToken string) (*model.SessionToken, *model.Identity, error)
}

func (m *mockBackend) SignUp(ctx context.Context, email, password string, data map[string]any) (*model.SessionToken, *model.Identity, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password, data)
	}
	return nil, nil, nil
}

func (m *mockBackend) SignInWithPassword(ctx context.Context, email, password string) (*model.SessionToken, *model.Identity, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil, nil, nil
}

func (m *mockBackend) AuthorizeURL(provider, redirectURL, state string) (string, error) {
	if m.authorizeURLFn != nil {
		return m.authorizeURLFn(provider, redirectURL, state)
	}
	return "https://backend.example/authorize", nil
}

func (m *mockBackend) SignOut(ctx context.Context, accessToken string) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx, accessToken)
	}
	return nil
}

func (m *mockBackend) GetSession(ctx context.Context, accessToken string) (*model.Identity, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(ctx, accessToken)
	}
	return nil, nil
}

func (m *mockBackend) Refresh(ctx context.Context, refreshToken string) (*model.SessionToken, *model.Identity, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return nil, nil, errors.New("refresh not configured")
}

type mockProfiles struct {
	mu      sync.Mutex
	calls   int
	profile *model.Profile
	err     error
}

func (m *mockProfiles) EnsureProfile(ctx context.Context, identity *model.Identity) (*model.Profile, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.profile != nil {
		return m.profile, nil
	}
	return &model.Profile{ID: identity.ID}, nil
}

func (m *mockProfiles) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockPresence はStop時点のストア状態を観測できるプレゼンスのテストダブル。
type mockPresence struct {
	mu     sync.Mutex
	starts []string
	stops  int

	onStop func()
}

func (m *mockPresence) Start(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, userID)
}

func (m *mockPresence) Stop() {
	m.mu.Lock()
	m.stops++
	onStop := m.onStop
	m.mu.Unlock()
	if onStop != nil {
		onStop()
	}
}

func (m *mockPresence) startedUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.starts...)
}

func (m *mockPresence) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

type mockCache struct {
	mu     sync.Mutex
	token  *model.SessionToken
	saves  int
	clears int
}

func (m *mockCache) Load() (*model.SessionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *mockCache) Save(token *model.SessionToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.saves++
	return nil
}

func (m *mockCache) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
	m.clears++
	return nil
}

func (m *mockCache) clearCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

type mockNotifier struct {
	mu            sync.Mutex
	notifications []notify.Notification
}

func (m *mockNotifier) Notify(n notify.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
}

func (m *mockNotifier) byKind(kind notify.Kind) []notify.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notify.Notification
	for _, n := range m.notifications {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// --- テストヘルパー ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type controllerFixture struct {
	controller *Controller
	store      *store.SessionStore
	bus        *testBus
	backend    *mockBackend
	profiles   *mockProfiles
	presence   *mockPresence
	cache      *mockCache
	notifier   *mockNotifier
}

func newFixture() *controllerFixture {
	f := &controllerFixture{
		store:    store.New(),
		bus:      newTestBus(),
		backend:  &mockBackend{},
		profiles: &mockProfiles{},
		presence: &mockPresence{},
		cache:    &mockCache{},
		notifier: &mockNotifier{},
	}
	f.controller = NewController(
		f.store, f.backend, f.bus, f.profiles, f.presence,
		f.notifier, f.cache, nil, testLogger(),
		Config{
			OAuthRedirectURL:    "http://localhost:8080/auth/callback",
			SessionCheckTimeout: 2 * time.Second,
		},
	)
	return f
}

func passwordIdentity() *model.Identity {
	return &model.Identity{
		ID:       "user-1",
		Email:    "taro@example.com",
		Provider: model.ProviderPassword,
		Metadata: map[string]any{"display_name": "太郎"},
	}
}

func oauthIdentity() *model.Identity {
	return &model.Identity{
		ID:       "user-1",
		Email:    "taro@example.com",
		Provider: model.ProviderGoogle,
	}
}

func validToken() *model.SessionToken {
	return &model.SessionToken{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// --- テスト ---

// TestController_SignedInEvent_Commits はサインインイベントの状態コミットを検証する。
// ストア更新・キャッシュ保存・プレゼンス開始・プロファイル同期・歓迎通知が行われる。
func TestController_SignedInEvent_Commits(t *testing.T) {
	f := newFixture()
	f.profiles.profile = &model.Profile{ID: "user-1", Roles: []string{model.RoleAdmin}}

	f.controller.handleEvent(model.LifecycleEvent{Kind: model.EventInitialSessionAbsent})
	f.controller.handleEvent(model.LifecycleEvent{
		Kind:     model.EventSignedIn,
		Identity: passwordIdentity(),
		Token:    validToken(),
	})

	if !f.store.Snapshot().IsAuthenticated() {
		t.Fatal("expected authenticated store")
	}
	if got := f.presence.startedUsers(); len(got) != 1 || got[0] != "user-1" {
		t.Errorf("presence starts = %v, want [user-1]", got)
	}
	if f.cache.token == nil {
		t.Error("expected token to be cached")
	}

	// プロファイル同期は非同期。完了後にロールが反映される
	waitFor(t, func() bool { return f.store.Snapshot().IsAdmin() })

	welcomes := f.notifier.byKind(notify.KindWelcome)
	if len(welcomes) != 1 {
		t.Fatalf("welcome notifications = %d, want 1", len(welcomes))
	}
}

// TestController_DuplicateSignedIn_Suppressed は同一Identityの重複イベントが
// 副作用なしで無視されることを検証する。
func TestController_DuplicateSignedIn_Suppressed(t *testing.T) {
	f := newFixture()

	ev := model.LifecycleEvent{
		Kind:     model.EventSignedIn,
		Identity: passwordIdentity(),
		Token:    validToken(),
	}
	f.controller.handleEvent(ev)
	waitFor(t, func() bool { return f.profiles.callCount() == 1 })

	// 起動時チェックとストリームの二重報告を模倣
	f.controller.handleEvent(model.LifecycleEvent{
		Kind:     model.EventInitialSessionPresent,
		Identity: passwordIdentity(),
		Token:    validToken(),
	})
	f.controller.handleEvent(ev)

	time.Sleep(50 * time.Millisecond)

	if got := f.profiles.callCount(); got != 1 {
		t.Errorf("profile sync count = %d, want 1", got)
	}
	if got := len(f.presence.startedUsers()); got != 1 {
		t.Errorf("presence start count = %d, want 1", got)
	}
	if got := len(f.notifier.byKind(notify.KindWelcome)); got != 1 {
		t.Errorf("welcome count = %d, want 1", got)
	}
}

// TestController_OAuthSignedIn_NoWelcome はOAuthサインインの歓迎通知が
// コントローラから発行されないことを検証する（リコンサイラの責務）。
func TestController_OAuthSignedIn_NoWelcome(t *testing.T) {
	f := newFixture()

	f.controller.handleEvent(model.LifecycleEvent{
		Kind:     model.EventSignedIn,
		Identity: oauthIdentity(),
		Token:    validToken(),
	})

	if !f.store.Snapshot().IsAuthenticated() {
		t.Fatal("expected authenticated store")
	}
	if got := len(f.notifier.byKind(notify.KindWelcome)); got != 0 {
		t.Errorf("welcome count = %d, want 0 for oauth sign-in", got)
	}
}

// TestController_SessionRestore_NoWelcome はセッション復元が
// 歓迎通知を発行しないことを検証する。
func TestController_SessionRestore_NoWelcome(t *testing.T) {
	f := newFixture()

	f.controller.handleEvent(model.LifecycleEvent{
		Kind:     model.EventInitialSessionPresent,
		Identity: passwordIdentity(),
		Token:    validToken(),
	})

	if !f.store.Snapshot().IsAuthenticated() {
		t.Fatal("expected authenticated store")
	}
	if got := len(f.notifier.byKind(notify.KindWelcome)); got != 0 {
		t.Errorf("welcome count = %d, want 0 for session restore", got)
	}
}

// TestController_SignedOutEvent はサインアウトイベントの処理順序を検証する。
// ハートビート停止はストアのクリアより前に行われる。
func TestController_SignedOutEvent(t *testing.T) {
	f := newFixture()

	var phaseAtStop store.Phase
	f.presence.onStop = func() {
		phaseAtStop = f.store.Phase()
	}

	f.controller.handleEvent(model.LifecycleEvent{
		Kind:     model.EventSignedIn,
		Identity: passwordIdentity(),
		Token:    validToken(),
	})
	f.controller.handleEvent(model.LifecycleEvent{Kind: model.EventSignedOut})

	if f.store.Phase() != store.PhaseAnonymous {
		t.Errorf("Phase = %v, want PhaseAnonymous", f.store.Phase())
	}
	if f.presence.stopCount() != 1 {
		t.Errorf("presence stop count = %d, want 1", f.presence.stopCount())
	}
	if phaseAtStop != store.PhaseAuthenticated {
		t.Errorf("phase at presence stop = %v, want PhaseAuthenticated (stop before clear)", phaseAtStop)
	}
	if f.cache.clearCount() != 1 {
		t.Errorf("cache clear count = %d, want 1", f.cache.clearCount())
	}
}

// TestController_SignedOut_WhenAnonymous_NoOp は未認証状態でのサインアウト
// イベントが無視されることを検証する。
func TestController_SignedOut_WhenAnonymous_NoOp(t *testing.T) {
	f := newFixture()

	f.controller.handleEvent(model.LifecycleEvent{Kind: model.EventSignedOut})

	if f.presence.stopCount() != 0 {
		t.Error("expected no presence stop when anonymous")
	}
	if f.cache.clearCount() != 0 {
		t.Error("expected no cache clear when anonymous")
	}
}

// TestController_SignOut_BackendFailure_ClearsLocal はバックエンドの
// サインアウト失敗時もローカル状態がクリアされることを検証する。
func TestController_SignOut_BackendFailure_ClearsLocal(t *testing.T) {
	f := newFixture()
	f.backend.signOutFn = func(ctx context.Context, accessToken string) error {
		return model.NewNetworkError(errors.New("backend is down"))
	}

	f.controller.handleEvent(model.LifecycleEvent{
		Kind:     model.EventSignedIn,
		Identity: passwordIdentity(),
		Token:    validToken(),
	})

	if err := f.controller.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}

	if f.store.Phase() != store.PhaseAnonymous {
		t.Errorf("Phase = %v, want PhaseAnonymous despite backend failure", f.store.Phase())
	}
	if f.presence.stopCount() != 1 {
		t.Errorf("presence stop count = %d, want 1", f.presence.stopCount())
	}
}

// TestController_SignOut_DoesNotClobberConcurrentSignIn はバックエンドの
// サインアウト呼び出し中に確立した別ユーザーのセッションを、復帰した
// サインアウトの後始末が破壊しないことを検証する。
func TestController_SignOut_DoesNotClobberConcurrentSignIn(t *testing.T) {
	f := newFixture()

	entered := make(chan struct{})
	release := make(chan struct{})
	f.backend.signOutFn = func(ctx context.Context, accessToken string) error {
		close(entered)
		<-release
		return nil
	}

	f.controller.handleEvent(model.LifecycleEvent{
		Kind:     model.EventSignedIn,
		Identity: passwordIdentity(),
		Token:    validToken(),
	})

	done := make(chan error, 1)
	go func() { done <- f.controller.SignOut(context.Background()) }()

	// バックエンド呼び出し中に別ユーザーのサインインがコミットされる
	<-entered
	f.controller.handleEvent(model.LifecycleEvent{
		Kind:     model.EventSignedIn,
		Identity: &model.Identity{ID: "user-2", Email: "hanako@example.com", Provider: model.ProviderPassword},
		Token:    validToken(),
	})
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}

	snap := f.store.Snapshot()
	if !snap.IsAuthenticated() || snap.Identity.ID != "user-2" {
		t.Fatalf("phase = %v, want user-2 session to survive the stale sign-out", snap.Phase)
	}
	if got := f.presence.stopCount(); got != 0 {
		t.Errorf("presence stop count = %d, want 0 (user-2 heartbeat must keep running)", got)
	}
	if got := f.cache.clearCount(); got != 0 {
		t.Errorf("cache clear count = %d, want 0", got)
	}
	if f.cache.token == nil {
		t.Error("expected user-2 token to remain cached")
	}
}

// TestController_SignOut_WhenAnonymous は未認証でのSignOutが
// バックエンドを呼ばないことを検証する。
func TestController_SignOut_WhenAnonymous(t *testing.T) {
	f := newFixture()
	called := false
	f.backend.signOutFn = func(ctx context.Context, accessToken string) error {
		called = true
		return nil
	}

	if err := f.controller.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}
	if called {
		t.Error("expected no backend call when anonymous")
	}
}

// TestController_ProfileSyncFailure_SessionSurvives はプロファイル同期失敗が
// セッションを壊さないことを検証する。
func TestController_ProfileSyncFailure_SessionSurvives(t *testing.T) {
	f := newFixture()
	f.profiles.err = model.NewNetworkError(errors.New("profiles unavailable"))

	f.controller.handleEvent(model.LifecycleEvent{
		Kind:     model.EventSignedIn,
		Identity: passwordIdentity(),
		Token:    validToken(),
	})

	waitFor(t, func() bool { return f.profiles.callCount() == 1 })
	time.Sleep(20 * time.Millisecond)

	if !f.store.Snapshot().IsAuthenticated() {
		t.Error("expected session to survive profile sync failure")
	}
	if f.store.Snapshot().IsAdmin() {
		t.Error("expected no roles without profile")
	}
}

// TestController_InitialCheck_NoCache はキャッシュ無しの起動時チェックが
// Anonymousに収束することを検証する。
func TestController_InitialCheck_NoCache(t *testing.T) {
	f := newFixture()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.controller.Start(ctx)
	defer f.controller.Shutdown()

	waitFor(t, func() bool { return f.store.Phase() == store.PhaseAnonymous })
}

// TestController_InitialCheck_ValidCache はキャッシュ済みトークンの検証成功で
// セッションが復元されることを検証する。
func TestController_InitialCheck_ValidCache(t *testing.T) {
	f := newFixture()
	f.cache.token = validToken()
	f.backend.getSessionFn = func(ctx context.Context, accessToken string) (*model.Identity, error) {
		if accessToken != "access-1" {
			t.Errorf("accessToken = %q, want access-1", accessToken)
		}
		return passwordIdentity(), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.controller.Start(ctx)
	defer f.controller.Shutdown()

	waitFor(t, func() bool { return f.store.Snapshot().IsAuthenticated() })

	// 復元は新規ログインではないため歓迎通知は出ない
	if got := len(f.notifier.byKind(notify.KindWelcome)); got != 0 {
		t.Errorf("welcome count = %d, want 0", got)
	}
}

// TestController_InitialCheck_ExpiredCache_Refreshes は失効済みトークンが
// リフレッシュ経由で復元されることを検証する。
func TestController_InitialCheck_ExpiredCache_Refreshes(t *testing.T) {
	f := newFixture()
	f.cache.token = &model.SessionToken{
		AccessToken:  "stale-access",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	f.backend.refreshFn = func(ctx context.Context, refreshToken string) (*model.SessionToken, *model.Identity, error) {
		if refreshToken != "refresh-1" {
			t.Errorf("refreshToken = %q, want refresh-1", refreshToken)
		}
		return validToken(), passwordIdentity(), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.controller.Start(ctx)
	defer f.controller.Shutdown()

	waitFor(t, func() bool { return f.store.Snapshot().IsAuthenticated() })
}

// TestController_InitialCheck_RefreshRejected はリフレッシュトークン無効時に
// キャッシュが破棄されAnonymousとなることを検証する。
func TestController_InitialCheck_RefreshRejected(t *testing.T) {
	f := newFixture()
	f.cache.token = &model.SessionToken{
		AccessToken:  "stale-access",
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	f.backend.refreshFn = func(ctx context.Context, refreshToken string) (*model.SessionToken, *model.Identity, error) {
		return nil, nil, model.NewInvalidCredentialsError(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.controller.Start(ctx)
	defer f.controller.Shutdown()

	waitFor(t, func() bool { return f.store.Phase() == store.PhaseAnonymous })
	if f.cache.clearCount() == 0 {
		t.Error("expected revoked cache to be cleared")
	}
}

// TestController_InitialAbsent_DoesNotBreakSession は起動時チェックの遅延到着が
// 確立済みセッションを壊さないことを検証する。
func TestController_InitialAbsent_DoesNotBreakSession(t *testing.T) {
	f := newFixture()

	f.controller.handleEvent(model.LifecycleEvent{
		Kind:     model.EventSignedIn,
		Identity: passwordIdentity(),
		Token:    validToken(),
	})
	f.controller.handleEvent(model.LifecycleEvent{Kind: model.EventInitialSessionAbsent})

	if !f.store.Snapshot().IsAuthenticated() {
		t.Error("expected late absent result not to break the session")
	}
}

// TestController_TokenRefreshed はトークン置き換えとキャッシュ更新を検証する。
func TestController_TokenRefreshed(t *testing.T) {
	f := newFixture()

	f.controller.handleEvent(model.LifecycleEvent{
		Kind:     model.EventSignedIn,
		Identity: passwordIdentity(),
		Token:    validToken(),
	})

	newToken := &model.SessionToken{
		AccessToken:  "access-2",
		RefreshToken: "refresh-2",
		ExpiresAt:    time.Now().Add(2 * time.Hour),
	}
	f.controller.handleEvent(model.LifecycleEvent{
		Kind:  model.EventTokenRefreshed,
		Token: newToken,
	})

	if got := f.store.AccessToken(); got != "access-2" {
		t.Errorf("AccessToken = %q, want access-2", got)
	}
	if f.cache.token.AccessToken != "access-2" {
		t.Error("expected refreshed token to be cached")
	}
}

// TestController_TokenRefreshed_WhenAnonymous_Ignored は未認証状態での
// リフレッシュイベントが無視されることを検証する。
func TestController_TokenRefreshed_WhenAnonymous_Ignored(t *testing.T) {
	f := newFixture()

	f.controller.handleEvent(model.LifecycleEvent{
		Kind:  model.EventTokenRefreshed,
		Token: validToken(),
	})

	if f.store.CurrentToken() != nil {
		t.Error("expected refresh event to be ignored when anonymous")
	}
}

// TestController_RefreshFailure_CredentialError はリフレッシュの資格情報エラーで
// セッションが破棄されることを検証する。
func TestController_RefreshFailure_CredentialError(t *testing.T) {
	f := newFixture()
	f.backend.refreshFn = func(ctx context.Context, refreshToken string) (*model.SessionToken, *model.Identity, error) {
		return nil, nil, model.NewInvalidCredentialsError(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.controller.Start(ctx)
	defer f.controller.Shutdown()

	// イベント経由でサインイン済みにしてからリフレッシュを直接実行
	f.bus.Publish(model.LifecycleEvent{
		Kind:     model.EventSignedIn,
		Identity: passwordIdentity(),
		Token:    validToken(),
	})
	f.controller.refreshNow()

	waitFor(t, func() bool { return f.store.Phase() == store.PhaseAnonymous })
}

// TestController_SignIn_DelegatesToBackend はサインイン操作の委譲を検証する。
// コマンド自体はストアを書き換えない。
func TestController_SignIn_DelegatesToBackend(t *testing.T) {
	f := newFixture()
	f.backend.signInFn = func(ctx context.Context, email, password string) (*model.SessionToken, *model.Identity, error) {
		if email != "taro@example.com" || password != "secret" {
			t.Errorf("unexpected credentials: %s", email)
		}
		return validToken(), passwordIdentity(), nil
	}

	if err := f.controller.SignIn(context.Background(), "taro@example.com", "secret"); err != nil {
		t.Fatalf("SignIn returned error: %v", err)
	}

	// コミットはイベント経由の単一経路。モックバスにはClientがいないため未認証のまま
	if f.store.Phase() == store.PhaseAuthenticated {
		t.Error("expected command itself not to write the store")
	}
}

// TestController_SignUp_BuildsMetadata はサインアップのメタデータ構築を検証する。
func TestController_SignUp_BuildsMetadata(t *testing.T) {
	f := newFixture()
	var gotData map[string]any
	f.backend.signUpFn = func(ctx context.Context, email, password string, data map[string]any) (*model.SessionToken, *model.Identity, error) {
		gotData = data
		return nil, nil, nil
	}

	err := f.controller.SignUp(context.Background(), "taro@example.com", "secret", "太郎", "customer", "090-0000-0000")
	if err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}

	if gotData["display_name"] != "太郎" || gotData["role"] != "customer" || gotData["phone"] != "090-0000-0000" {
		t.Errorf("data = %v", gotData)
	}
}

// TestController_SignInWithOAuth はリダイレクトURLの取得を検証する。
func TestController_SignInWithOAuth(t *testing.T) {
	f := newFixture()
	f.backend.authorizeURLFn = func(provider, redirectURL, state string) (string, error) {
		if provider != model.ProviderGoogle {
			t.Errorf("provider = %q", provider)
		}
		if redirectURL != "http://localhost:8080/auth/callback" {
			t.Errorf("redirectURL = %q", redirectURL)
		}
		return "https://backend.example/authorize?state=" + state, nil
	}

	u, err := f.controller.SignInWithOAuth(model.ProviderGoogle, "state-1")
	if err != nil {
		t.Fatalf("SignInWithOAuth returned error: %v", err)
	}
	if u == "" {
		t.Error("expected redirect URL")
	}
}

// TestController_UserSwitch は別ユーザーへの切り替えを検証する。
func TestController_UserSwitch(t *testing.T) {
	f := newFixture()

	f.controller.handleEvent(model.LifecycleEvent{
		Kind:     model.EventSignedIn,
		Identity: passwordIdentity(),
		Token:    validToken(),
	})

	other := &model.Identity{ID: "user-2", Email: "hanako@example.com", Provider: model.ProviderPassword}
	f.controller.handleEvent(model.LifecycleEvent{
		Kind:     model.EventSignedIn,
		Identity: other,
		Token:    validToken(),
	})

	if got := f.store.CurrentIdentity().ID; got != "user-2" {
		t.Errorf("current user = %q, want user-2", got)
	}
	if got := f.presence.startedUsers(); len(got) != 2 || got[1] != "user-2" {
		t.Errorf("presence starts = %v, want [user-1 user-2]", got)
	}
}
