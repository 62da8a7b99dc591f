// Package notify はユーザー向け通知（トースト相当）の発行を提供する。
//
// 通知の描画はUI層の責務であり、このパッケージは通知の生成と
// 配送契約のみを定義する。同一ログインに対する通知の重複排除は
// 発行側（コントローラとリコンサイラ）の責務である。
package notify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind は通知の種別。
type Kind string

const (
	// KindWelcome はサインイン成功時の歓迎通知。
	KindWelcome Kind = "welcome"
	// KindAuthFailed は認証失敗の通知。
	KindAuthFailed Kind = "auth_failed"
	// KindInfo はその他の情報通知。
	KindInfo Kind = "info"
)

// Notification はユーザー向け通知1件を表す。
type Notification struct {
	ID        string
	Kind      Kind
	Message   string
	CreatedAt time.Time
}

// Notifier は通知の配送先インターフェース。
type Notifier interface {
	Notify(n Notification)
}

// Welcome は歓迎通知を生成する。
func Welcome(displayName string) Notification {
	message := "おかえりなさい。"
	if displayName != "" {
		message = fmt.Sprintf("おかえりなさい、%sさん。", displayName)
	}
	return Notification{
		ID:        uuid.New().String(),
		Kind:      KindWelcome,
		Message:   message,
		CreatedAt: time.Now(),
	}
}

// AuthFailed は認証失敗通知を生成する。
func AuthFailed(message string) Notification {
	if message == "" {
		message = "サインインに失敗しました。しばらく待ってから再度お試しください。"
	}
	return Notification{
		ID:        uuid.New().String(),
		Kind:      KindAuthFailed,
		Message:   message,
		CreatedAt: time.Now(),
	}
}

// LogNotifier は通知をログに出力するNotifier実装。
// UI未接続の環境（ヘッドレス動作・テスト）で使用する。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify は通知をログに出力する。
func (n *LogNotifier) Notify(notification Notification) {
	n.logger.Info("ユーザー通知",
		slog.String("notification_id", notification.ID),
		slog.String("kind", string(notification.Kind)),
		slog.String("message", notification.Message),
	)
}

// ChanNotifier は通知を有界チャネルでUI層に渡すNotifier実装。
// チャネルが満杯の場合は最も古い通知を破棄する（UIの滞留でブロックしない）。
type ChanNotifier struct {
	ch     chan Notification
	logger *slog.Logger
}

// NewChanNotifier はChanNotifierを生成する。
// bufferが0以下の場合は既定値16を使用する。
func NewChanNotifier(buffer int, logger *slog.Logger) *ChanNotifier {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChanNotifier{
		ch:     make(chan Notification, buffer),
		logger: logger,
	}
}

// Notifications はUI層が消費する通知チャネルを返す。
func (n *ChanNotifier) Notifications() <-chan Notification {
	return n.ch
}

// Notify は通知をチャネルに積む。満杯の場合は最古の通知を破棄する。
func (n *ChanNotifier) Notify(notification Notification) {
	for {
		select {
		case n.ch <- notification:
			return
		default:
		}
		select {
		case dropped := <-n.ch:
			n.logger.Warn("通知バッファが満杯のため最古の通知を破棄しました",
				slog.String("dropped_id", dropped.ID),
			)
		default:
		}
	}
}

// compile-time interface checks
var _ Notifier = (*LogNotifier)(nil)
var _ Notifier = (*ChanNotifier)(nil)
