// Package store はセッション状態の唯一の保持者であるSessionStoreを提供する。
//
// SessionStoreは純粋な状態ホルダーでありI/Oを行わない。
// 書き込みはライフサイクルコントローラのみが行い、
// 他のコンポーネントは読み取り専用スナップショットを受け取る。
package store

import (
	"sync"

	"github.com/hitoshi/sessiond/internal/model"
)

// Phase はプロセス単位のセッション状態機械の状態。
// Unknown → {Authenticated, Anonymous}、
// Authenticated → Anonymous（サインアウト・リフレッシュ失敗）、
// Anonymous → Authenticated（サインイン成功）と遷移する。
type Phase int

const (
	// PhaseUnknown は起動時チェック未完了の初期状態。
	// 1回のバックエンド往復または固定タイムアウト以内に必ず脱出する。
	PhaseUnknown Phase = iota
	// PhaseAnonymous は有効なセッションが存在しない状態。
	PhaseAnonymous
	// PhaseAuthenticated は有効なセッションが存在する状態。
	PhaseAuthenticated
)

// String はPhaseの文字列表現を返す。
func (p Phase) String() string {
	switch p {
	case PhaseAnonymous:
		return "anonymous"
	case PhaseAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Snapshot はストア状態の読み取り専用コピー。
type Snapshot struct {
	Phase    Phase
	Identity *model.Identity
	Roles    []string
}

// IsAuthenticated は有効なセッションが存在するかを返す。
func (s Snapshot) IsAuthenticated() bool {
	return s.Phase == PhaseAuthenticated && s.Identity != nil
}

// IsAdmin は現在のユーザーが管理者ロールを持つかを返す。
func (s Snapshot) IsAdmin() bool {
	for _, r := range s.Roles {
		if r == model.RoleAdmin {
			return true
		}
	}
	return false
}

// Listener はストア状態変化の通知を受け取る関数。
type Listener func(Snapshot)

// SessionStore は現在のセッショントークンとユーザーアイデンティティを保持する。
// SessionToken/Identityの所有者はこのストアのみであり、
// プロセス内のアクティブユーザーは高々1人である。
type SessionStore struct {
	mu        sync.RWMutex
	phase     Phase
	identity  *model.Identity
	token     *model.SessionToken
	roles     []string
	listeners map[int]Listener
	nextID    int
}

// New はSessionStoreを生成する。初期状態はPhaseUnknown。
func New() *SessionStore {
	return &SessionStore{
		phase:     PhaseUnknown,
		listeners: make(map[int]Listener),
	}
}

// Snapshot は現在の状態の読み取り専用コピーを返す。
func (s *SessionStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// CurrentIdentity は現在のIdentityのコピーを返す。未認証の場合はnil。
func (s *SessionStore) CurrentIdentity() *model.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.phase != PhaseAuthenticated {
		return nil
	}
	return s.identity.Clone()
}

// AccessToken は現在のアクセストークンを返す。未認証の場合は空文字。
// バックエンドのデータAPI呼び出し時の認可ヘッダーに使用する。
func (s *SessionStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return ""
	}
	return s.token.AccessToken
}

// CurrentToken は現在のSessionTokenのコピーを返す。未認証の場合はnil。
func (s *SessionStore) CurrentToken() *model.SessionToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil
	}
	t := *s.token
	return &t
}

// Phase は現在の状態機械の状態を返す。
func (s *SessionStore) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// SetSignedIn はサインイン済み状態に遷移する。
// IdentityとSessionTokenは丸ごと置き換えられる。
func (s *SessionStore) SetSignedIn(identity *model.Identity, token *model.SessionToken) {
	s.mu.Lock()
	s.phase = PhaseAuthenticated
	s.identity = identity.Clone()
	if token != nil {
		t := *token
		s.token = &t
	}
	s.roles = nil
	snap := s.snapshotLocked()
	ls := s.listenersLocked()
	s.mu.Unlock()

	notify(ls, snap)
}

// SetAnonymous は未認証状態に遷移し、トークンとアイデンティティを破棄する。
// 既にAnonymousの場合も安全に呼び出せる。
func (s *SessionStore) SetAnonymous() {
	s.mu.Lock()
	s.phase = PhaseAnonymous
	s.identity = nil
	s.token = nil
	s.roles = nil
	snap := s.snapshotLocked()
	ls := s.listenersLocked()
	s.mu.Unlock()

	notify(ls, snap)
}

// SetToken はトークンリフレッシュの結果でSessionTokenを置き換える。
// 未認証状態では何もしない。
func (s *SessionStore) SetToken(token *model.SessionToken) {
	s.mu.Lock()
	if s.phase != PhaseAuthenticated || token == nil {
		s.mu.Unlock()
		return
	}
	t := *token
	s.token = &t
	snap := s.snapshotLocked()
	ls := s.listenersLocked()
	s.mu.Unlock()

	notify(ls, snap)
}

// SetRoles はプロファイル同期で得たロール集合を反映する。
// 未認証状態では何もしない。
func (s *SessionStore) SetRoles(roles []string) {
	s.mu.Lock()
	if s.phase != PhaseAuthenticated {
		s.mu.Unlock()
		return
	}
	s.roles = append([]string(nil), roles...)
	snap := s.snapshotLocked()
	ls := s.listenersLocked()
	s.mu.Unlock()

	notify(ls, snap)
}

// Subscribe は状態変化リスナーを登録し、解除関数を返す。
// 登録直後に現在のスナップショットが1回通知される。
// 解除関数は複数回呼び出しても安全。
func (s *SessionStore) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	snap := s.snapshotLocked()
	s.mu.Unlock()

	l(snap)

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// snapshotLocked はロック保持中にスナップショットを構築する。
func (s *SessionStore) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:    s.phase,
		Identity: s.identity.Clone(),
		Roles:    append([]string(nil), s.roles...),
	}
}

// listenersLocked はロック保持中にリスナーのコピーを返す。
// 通知はロック外で行い、リスナー内からのストア再入を許容する。
func (s *SessionStore) listenersLocked() []Listener {
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	return ls
}

func notify(ls []Listener, snap Snapshot) {
	for _, l := range ls {
		l(snap)
	}
}
