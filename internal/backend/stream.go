package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/hitoshi/sessiond/internal/model"
)

const (
	// streamInitialBackoff はストリーム再接続の初回遅延。
	streamInitialBackoff = 1 * time.Second
	// defaultStreamBackoffMax は再接続遅延の既定上限。
	defaultStreamBackoffMax = 10 * time.Minute
)

// Stream は認証イベントストリームの購読と配信を行う。
//
// イベントの発生源は2系統ある:
//   - バックエンドのwebsocketエンドポイントから受信するイベント
//     （他プロセス・他タブでのサインイン/サインアウトを含む）
//   - Client自身の呼び出しが観測したローカル遷移のPublish
//
// 同一の論理的遷移が両系統から届きうるため、消費側（コントローラ・
// リコンサイラ）が重複排除とシングルショットガードを行う。
type Stream struct {
	wsURL        string
	anonKey      string
	logger       *slog.Logger
	reconnectMax time.Duration

	mu     sync.Mutex
	subs   map[int]func(model.LifecycleEvent)
	nextID int
}

// NewStream はStreamを生成する。
// wsURLが空の場合はwebsocket接続を行わず、ローカルPublishのみの配信となる。
func NewStream(wsURL, anonKey string, reconnectMax time.Duration, logger *slog.Logger) *Stream {
	if reconnectMax <= 0 {
		reconnectMax = defaultStreamBackoffMax
	}
	return &Stream{
		wsURL:        wsURL,
		anonKey:      anonKey,
		logger:       logger,
		reconnectMax: reconnectMax,
		subs:         make(map[int]func(model.LifecycleEvent)),
	}
}

// EventStreamURL はバックエンドのベースURLからwebsocketエンドポイントURLを導出する。
func EventStreamURL(baseURL string) string {
	u := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/auth/v1/events"
}

// Subscribe はイベントリスナーを登録し、解除関数を返す。
// 解除は同期的かつ無条件。ただしPublishは配信前に購読者集合のスナップショットを
// 取るため、解除と並行して進行中の配信が解除済みリスナーに届くことはありうる。
// 厳密なアフタークローズ保証が必要な消費側は自前のラッチで防御する。
func (s *Stream) Subscribe(fn func(model.LifecycleEvent)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Publish はイベントを全購読者に配信する。
// 配信は呼び出し元のゴルーチンで同期的に行われる。
func (s *Stream) Publish(ev model.LifecycleEvent) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	s.mu.Lock()
	fns := make([]func(model.LifecycleEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Run はwebsocket接続を維持し、受信イベントを購読者に配信する。
// 切断時は指数バックオフ（初回1秒、2倍ずつ増加、上限reconnectMax）で再接続する。
// コンテキストがキャンセルされるまでブロックする。
func (s *Stream) Run(ctx context.Context) {
	if s.wsURL == "" {
		<-ctx.Done()
		return
	}

	backoff := streamInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := s.runConn(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			// 接続確立に成功していた場合はバックオフをリセット
			backoff = streamInitialBackoff
		}
		if err != nil {
			s.logger.Warn("イベントストリームが切断されました。再接続します",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.reconnectMax {
			backoff = s.reconnectMax
		}
	}
}

// runConn は1接続分の受信ループを実行する。
// 戻り値のconnectedは接続確立まで到達したかを示す。
func (s *Stream) runConn(ctx context.Context) (bool, error) {
	header := http.Header{}
	header.Set("apikey", s.anonKey)

	conn, _, err := websocket.Dial(ctx, s.wsURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	s.logger.Info("イベントストリームに接続しました")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}

		ev, ok := decodeWireEvent(data)
		if !ok {
			s.logger.Warn("解釈できないストリームイベントを無視します",
				slog.Int("bytes", len(data)),
			)
			continue
		}
		s.Publish(ev)
	}
}

// wireEvent はストリームのワイヤフォーマット。
type wireEvent struct {
	Kind     string       `json:"kind"`
	Identity *userPayload `json:"identity,omitempty"`
	Token    *struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	} `json:"token,omitempty"`
}

// decodeWireEvent はワイヤフォーマットをLifecycleEventに変換する。
func decodeWireEvent(data []byte) (model.LifecycleEvent, bool) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return model.LifecycleEvent{}, false
	}

	kind := model.EventKind(w.Kind)
	switch kind {
	case model.EventSignedIn, model.EventSignedOut, model.EventTokenRefreshed,
		model.EventInitialSessionAbsent, model.EventInitialSessionPresent:
	default:
		return model.LifecycleEvent{}, false
	}

	ev := model.LifecycleEvent{Kind: kind, OccurredAt: time.Now()}
	if w.Identity != nil {
		ev.Identity = identityFromUser(w.Identity)
	}
	if w.Token != nil && w.Token.AccessToken != "" {
		token, identity, err := sessionFromAccessToken(w.Token.AccessToken, w.Token.RefreshToken, w.Token.ExpiresIn)
		if err == nil {
			ev.Token = token
			if ev.Identity == nil {
				ev.Identity = identity
			}
		}
	}

	// Identityを要求する種別の検証
	if (kind == model.EventSignedIn || kind == model.EventInitialSessionPresent) && ev.Identity == nil {
		return model.LifecycleEvent{}, false
	}
	return ev, true
}
