// Package reconcile はOAuthリダイレクト後のコールバック調停を提供する。
//
// コールバックURLへの到達は「認証コードの交換待ち」「既にセッション確立済み」
// 「プロバイダーがエラーを返した」のいずれでもありうる。リコンサイラは
// これらを単一の結果（done / error）に収束させる。
package reconcile

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

// Status はコールバック調停の状態。
type Status string

const (
	// StatusWorking は調停中（UI層の初期描画用）。
	StatusWorking Status = "working"
	// StatusDone はセッション確立を確認済み。
	StatusDone Status = "done"
	// StatusError は調停がエラーで終了した。
	StatusError Status = "error"
)

// CodeExchanger は認証コード交換のインターフェース。
// backend.Clientの部分集合として定義する。
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string) (*model.SessionToken, *model.Identity, error)
}

// EventSource は認証イベントストリームの購読インターフェース。
type EventSource interface {
	Subscribe(fn func(model.LifecycleEvent)) func()
}

// SessionReader は現在のセッション状態の読み取りインターフェース。
type SessionReader interface {
	Snapshot() store.Snapshot
}

// OutcomeRecorder は調停結果のメトリクス記録インターフェース。
type OutcomeRecorder interface {
	RecordReconcileOutcome(outcome string)
}

// CallbackParams はコールバックURLから抽出したパラメータ。
type CallbackParams struct {
	// Code は認証コード。空の場合もある（暗黙フローや二重到達）。
	Code string
	// ErrorCode はプロバイダーが返したエラーコード。
	ErrorCode string
	// ErrorDescription はプロバイダーが返したエラー説明。
	ErrorDescription string
}

// Result は調停の最終結果。
type Result struct {
	Status   Status
	Identity *model.Identity
	Message  string
}

// Config はReconcilerの設定。
type Config struct {
	// GraceWindow はイベント未着時にセッション確立を待つ猶予時間。
	// 猶予満了後に1回だけ再チェックし、それでも未確立ならエラーとする。
	GraceWindow time.Duration
}

// Reconciler はOAuthコールバックを単一の結果に収束させる。
//
// 結果の確定はシングルショットラッチで行う。確定経路は
// プロバイダーエラー・既存セッション検出・イベント着信・猶予満了の4つで、
// 最初に発火した1つだけが結果と歓迎通知を所有する。
// OAuthサインインの歓迎通知はこのリコンサイラだけが発行する。
type Reconciler struct {
	sessions  SessionReader
	exchanger CodeExchanger
	events    EventSource
	notifier  notify.Notifier
	recorder  OutcomeRecorder
	logger    *slog.Logger
	config    Config
}

// NewReconciler はReconcilerを生成する。recorderはnil許容。
func NewReconciler(
	sessions SessionReader,
	exchanger CodeExchanger,
	events EventSource,
	notifier notify.Notifier,
	recorder OutcomeRecorder,
	logger *slog.Logger,
	config Config,
) *Reconciler {
	if config.GraceWindow <= 0 {
		config.GraceWindow = 8 * time.Second
	}
	return &Reconciler{
		sessions:  sessions,
		exchanger: exchanger,
		events:    events,
		notifier:  notifier,
		recorder:  recorder,
		logger:    logger,
		config:    config,
	}
}

// latch は調停結果のシングルショットラッチ。
// 最初のfireだけが結果を確定し、以降のfireとdisarm後のfireは無視される。
type latch struct {
	mu    sync.Mutex
	fired bool
	armed bool
	ch    chan Result
}

func newLatch() *latch {
	return &latch{armed: true, ch: make(chan Result, 1)}
}

// fire は結果の確定を試みる。確定できた場合にtrueを返す。
func (l *latch) fire(res Result) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired || !l.armed {
		return false
	}
	l.fired = true
	l.ch <- res
	return true
}

// disarm はラッチを解除する。以降のfireは全て無視される。
func (l *latch) disarm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.armed = false
}

// Reconcile はコールバック1回分の調停を実行し、確定した結果を返す。
//
//  1. プロバイダーエラーが付いていれば即座にエラー確定。
//  2. イベントストリームを購読してからセッション有無を確認する
//     （確認と着信の隙間でイベントを取りこぼさない順序）。
//  3. 既にセッションがあれば即座に完了確定。
//  4. コードがあれば交換を非同期に開始する。交換の失敗は即時エラーではない
//     （別経路で既にセッションが確立している場合がある）。
//  5. 猶予時間まで待ち、満了時に1回だけ再チェックして確定する。
//
// ctxのキャンセル時はラッチを解除して戻る。キャンセル後に
// 通知やメトリクス以外の副作用が発生することはない。
func (r *Reconciler) Reconcile(ctx context.Context, params CallbackParams) Result {
	l := newLatch()

	// 購読はセッション確認より先。解除は確定後
	unsubscribe := r.events.Subscribe(func(ev model.LifecycleEvent) {
		if ev.Kind != model.EventSignedIn && ev.Kind != model.EventInitialSessionPresent {
			return
		}
		if ev.Identity == nil {
			return
		}
		l.fire(Result{Status: StatusDone, Identity: ev.Identity})
	})
	defer unsubscribe()

	if params.ErrorCode != "" {
		r.logger.Warn("OAuthプロバイダーがエラーを返しました",
			slog.String("error_code", params.ErrorCode),
			slog.String("description", params.ErrorDescription),
		)
		l.fire(Result{
			Status:  StatusError,
			Message: providerErrorMessage(params),
		})
	} else if snap := r.sessions.Snapshot(); snap.IsAuthenticated() {
		l.fire(Result{Status: StatusDone, Identity: snap.Identity})
	} else if params.Code != "" {
		go r.exchange(ctx, params.Code, l)
	}

	timer := time.NewTimer(r.config.GraceWindow)
	defer timer.Stop()

	select {
	case res := <-l.ch:
		return r.finish(res)
	case <-ctx.Done():
		l.disarm()
		r.recordOutcome("cancelled")
		r.logger.Info("コールバック調停がキャンセルされました")
		return Result{Status: StatusError, Message: "処理が中断されました。"}
	case <-timer.C:
	}

	// 猶予満了。1回だけ再チェックして確定する
	if snap := r.sessions.Snapshot(); snap.IsAuthenticated() {
		l.fire(Result{Status: StatusDone, Identity: snap.Identity})
	} else {
		l.fire(Result{
			Status:  StatusError,
			Message: "サインインを確認できませんでした。もう一度お試しください。",
		})
	}

	select {
	case res := <-l.ch:
		return r.finish(res)
	case <-ctx.Done():
		l.disarm()
		r.recordOutcome("cancelled")
		return Result{Status: StatusError, Message: "処理が中断されました。"}
	}
}

// exchange は認証コードを交換する。成功時はバックエンドクライアントが
// SignedInイベントを発行し、購読経由でラッチが確定する。
// 失敗は即時エラーにせず、猶予満了時の再チェックに委ねる。
func (r *Reconciler) exchange(ctx context.Context, code string, l *latch) {
	_, _, err := r.exchanger.ExchangeCode(ctx, code)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	r.logger.Warn("認証コードの交換に失敗しました",
		slog.String("error", err.Error()),
	)
	// 資格情報エラーは再チェックでも回復しないため即座に確定する
	if model.IsCredentialError(err) {
		l.fire(Result{
			Status:  StatusError,
			Message: "サインインに失敗しました。もう一度お試しください。",
		})
	}
}

// finish は確定した結果に応じて通知とメトリクスを発行する。
func (r *Reconciler) finish(res Result) Result {
	switch res.Status {
	case StatusDone:
		r.recordOutcome("done")
		r.notifier.Notify(notify.Welcome(displayName(res.Identity)))
		r.logger.Info("コールバック調停が完了しました",
			slog.String("user_id", res.Identity.ID),
			slog.String("provider", res.Identity.Provider),
		)
	case StatusError:
		r.recordOutcome("error")
		r.notifier.Notify(notify.AuthFailed(res.Message))
	}
	return res
}

func (r *Reconciler) recordOutcome(outcome string) {
	if r.recorder != nil {
		r.recorder.RecordReconcileOutcome(outcome)
	}
}

// providerErrorMessage はプロバイダーエラーをユーザー向け文言に変換する。
func providerErrorMessage(params CallbackParams) string {
	if params.ErrorCode == "access_denied" {
		return "サインインがキャンセルされました。"
	}
	if params.ErrorDescription != "" {
		return params.ErrorDescription
	}
	return "サインインに失敗しました。もう一度お試しください。"
}

// displayName は歓迎通知に使う表示名を解決する。
func displayName(identity *model.Identity) string {
	if identity == nil {
		return ""
	}
	for _, key := range []string{"display_name", "name", "full_name"} {
		if v, ok := identity.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	if local, _, found := strings.Cut(identity.Email, "@"); found && local != "" {
		return local
	}
	return ""
}
