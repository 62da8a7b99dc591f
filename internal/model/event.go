package model

import "time"

// EventKind はセッション状態遷移イベントの種別。
type EventKind string

const (
	// EventSignedIn はサインインの完了を示す。
	EventSignedIn EventKind = "SIGNED_IN"
	// EventSignedOut はサインアウトの完了を示す。
	EventSignedOut EventKind = "SIGNED_OUT"
	// EventInitialSessionAbsent は起動時チェックでセッションが存在しなかったことを示す。
	EventInitialSessionAbsent EventKind = "INITIAL_SESSION_ABSENT"
	// EventInitialSessionPresent は起動時チェックで既存セッションを検出したことを示す。
	EventInitialSessionPresent EventKind = "INITIAL_SESSION_PRESENT"
	// EventTokenRefreshed はセッショントークンの更新を示す。
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
)

// LifecycleEvent はセッション状態遷移の離散的なタグ付き通知。
// 同一の論理的遷移が複数の観測経路から報告されうるため、
// 消費側はDedupKeyによる重複排除を行う。
type LifecycleEvent struct {
	Kind       EventKind
	Identity   *Identity     // SignedIn / InitialSessionPresent で非nil
	Token      *SessionToken // SignedIn / InitialSessionPresent / TokenRefreshed で非nil
	OccurredAt time.Time
}

// DedupKey は(イベント種別, Identity ID)による重複排除キーを返す。
// Identityを持たないイベントは種別のみをキーとする。
func (e *LifecycleEvent) DedupKey() string {
	if e.Identity != nil {
		return string(e.Kind) + ":" + e.Identity.ID
	}
	return string(e.Kind)
}
