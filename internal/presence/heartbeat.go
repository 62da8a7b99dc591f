// Package presence はサインイン中ユーザーのプレゼンスハートビートを提供する。
//
// ハートビートはセッション寿命に束縛されたバックグラウンド定期タスクであり、
// 書き込みはファイアアンドフォーゲット。キャンセルは公開契約の一部である。
package presence

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/sessiond/internal/model"
)

// DataAPI はプレゼンス書き込みが必要とするデータAPIのインターフェース。
// backend.DataClientの部分集合として定義する。
type DataAPI interface {
	Upsert(ctx context.Context, table string, row any, onConflict string) error
	Delete(ctx context.Context, table string, filter map[string]string) error
}

// Recorder はハートビート結果のメトリクス記録インターフェース。
type Recorder interface {
	RecordHeartbeat(success bool)
}

// Config はHeartbeatの設定。
type Config struct {
	// Interval はハートビートの書き込み間隔（既定: 30秒）。
	Interval time.Duration
	// DeleteTimeout は停止時のレコード削除に許す時間（既定: 3秒）。
	DeleteTimeout time.Duration
	// AppVersion はプレゼンスメタデータに含めるアプリバージョン。
	AppVersion string
}

// Heartbeat はuser_presenceレコードを定期的に書き換えるタイマーの所有者。
//
// 同一ユーザーでの二重Startは何もしない。別ユーザーでのStartは
// 先に前のタイマーを停止する（タイマーのリークは発生しない）。
// Stopはタイマーの解除を待ってからベストエフォートの削除書き込みを行うため、
// Stop復帰後にハートビート書き込みが走ることはない。
type Heartbeat struct {
	data     DataAPI
	recorder Recorder
	logger   *slog.Logger
	config   Config
	clientID string

	mu     sync.Mutex
	userID string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeat はHeartbeatを生成する。recorderはnil許容。
func NewHeartbeat(data DataAPI, recorder Recorder, logger *slog.Logger, config Config) *Heartbeat {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.DeleteTimeout <= 0 {
		config.DeleteTimeout = 3 * time.Second
	}
	return &Heartbeat{
		data:     data,
		recorder: recorder,
		logger:   logger,
		config:   config,
		clientID: uuid.New().String(),
	}
}

// Start は指定ユーザーのハートビートを開始する。
// 即座に1回レコードを書き込み、その後は固定間隔で書き換える。
// 同一ユーザーで既に稼働中の場合は何もしない。
// 別ユーザーで稼働中の場合は先にそちらを停止する。
func (h *Heartbeat) Start(userID string) {
	if userID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		if h.userID == userID {
			return
		}
		h.stopLocked()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.userID = userID
	h.cancel = cancel
	h.done = done

	h.logger.Info("プレゼンスハートビートを開始します",
		slog.String("user_id", userID),
		slog.Duration("interval", h.config.Interval),
	)

	go h.loop(ctx, userID, done)
}

// Stop はハートビートを停止し、ベストエフォートでレコードを削除する。
// 稼働していない場合は何もしない。複数回呼び出しても安全。
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel == nil {
		return
	}
	h.stopLocked()
}

// Running は現在稼働中のユーザーIDを返す。停止中は空文字。テスト用。
func (h *Heartbeat) Running() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel == nil {
		return ""
	}
	return h.userID
}

// stopLocked はロック保持中にタイマーを解除し、削除書き込みを行う。
// ループの完全な終了を待ってから削除するため、停止後の追加書き込みが
// 次のサインインのプレゼンスと競合することはない。
func (h *Heartbeat) stopLocked() {
	userID := h.userID
	h.cancel()
	<-h.done

	h.userID = ""
	h.cancel = nil
	h.done = nil

	// ベストエフォートの削除。失敗はログのみで致命的としない
	ctx, cancel := context.WithTimeout(context.Background(), h.config.DeleteTimeout)
	defer cancel()
	if err := h.data.Delete(ctx, "user_presence", map[string]string{"user_id": userID}); err != nil {
		h.logger.Warn("プレゼンスレコードの削除に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	h.logger.Info("プレゼンスハートビートを停止しました",
		slog.String("user_id", userID),
	)
}

// loop はハートビートの書き込みループ。
// 起動直後に1回書き込み、その後は固定間隔で書き換える。
func (h *Heartbeat) loop(ctx context.Context, userID string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	h.writeOnce(ctx, userID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.writeOnce(ctx, userID)
		}
	}
}

// writeOnce はプレゼンスレコードを1回書き込む。
// 書き込み失敗はログとメトリクスのみで、タイマーは停止しない
// （一時的なネットワーク断でプレゼンスを殺さない）。
func (h *Heartbeat) writeOnce(ctx context.Context, userID string) {
	if ctx.Err() != nil {
		return
	}

	record := model.PresenceRecord{
		UserID:      userID,
		HeartbeatAt: time.Now().UTC(),
		Metadata:    h.metadata(),
	}

	err := h.data.Upsert(ctx, "user_presence", record, "user_id")
	if err != nil {
		h.logger.Warn("プレゼンスの書き込みに失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
	if h.recorder != nil {
		h.recorder.RecordHeartbeat(err == nil)
	}
}

// metadata は現在のクライアントメタデータを構築する。
func (h *Heartbeat) metadata() map[string]any {
	m := map[string]any{
		"client_id": h.clientID,
	}
	if hostname, err := os.Hostname(); err == nil {
		m["hostname"] = hostname
	}
	if h.config.AppVersion != "" {
		m["app_version"] = h.config.AppVersion
	}
	return m
}
