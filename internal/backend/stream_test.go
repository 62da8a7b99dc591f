package backend

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hitoshi/sessiond/internal/model"
)

// TestStream_PublishSubscribe はローカル発行の同期配信を検証する。
func TestStream_PublishSubscribe(t *testing.T) {
	s := NewStream("", "anon-key", 0, testLogger())

	var got []model.EventKind
	unsubscribe := s.Subscribe(func(ev model.LifecycleEvent) {
		got = append(got, ev.Kind)
	})

	s.Publish(model.LifecycleEvent{Kind: model.EventSignedOut})
	if len(got) != 1 || got[0] != model.EventSignedOut {
		t.Fatalf("expected one SignedOut delivery, got %v", got)
	}

	unsubscribe()
	s.Publish(model.LifecycleEvent{Kind: model.EventSignedIn, Identity: &model.Identity{ID: "user-1"}})
	if len(got) != 1 {
		t.Errorf("expected no delivery after unsubscribe, got %d", len(got))
	}
}

// TestStream_Publish_FansOut は複数購読者への配信を検証する。
func TestStream_Publish_FansOut(t *testing.T) {
	s := NewStream("", "anon-key", 0, testLogger())

	count1, count2 := 0, 0
	s.Subscribe(func(model.LifecycleEvent) { count1++ })
	s.Subscribe(func(model.LifecycleEvent) { count2++ })

	s.Publish(model.LifecycleEvent{Kind: model.EventSignedOut})

	if count1 != 1 || count2 != 1 {
		t.Errorf("deliveries = (%d, %d), want (1, 1)", count1, count2)
	}
}

// TestStream_Publish_FillsOccurredAt は発生時刻の補完を検証する。
func TestStream_Publish_FillsOccurredAt(t *testing.T) {
	s := NewStream("", "anon-key", 0, testLogger())

	var got model.LifecycleEvent
	s.Subscribe(func(ev model.LifecycleEvent) { got = ev })

	s.Publish(model.LifecycleEvent{Kind: model.EventSignedOut})
	if got.OccurredAt.IsZero() {
		t.Error("expected OccurredAt to be filled")
	}
}

// TestEventStreamURL はバックエンドURLからのwebsocketエンドポイント導出を検証する。
func TestEventStreamURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://abc.example.co", "wss://abc.example.co/auth/v1/events"},
		{"http://localhost:54321/", "ws://localhost:54321/auth/v1/events"},
	}

	for _, tt := range tests {
		if got := EventStreamURL(tt.base); got != tt.want {
			t.Errorf("EventStreamURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

// TestDecodeWireEvent はワイヤフォーマットのデコードと検証を確認する。
func TestDecodeWireEvent(t *testing.T) {
	t.Run("サインインイベント", func(t *testing.T) {
		data, _ := json.Marshal(map[string]any{
			"kind": "SIGNED_IN",
			"identity": map[string]any{
				"id":    "user-1",
				"email": "taro@example.com",
				"app_metadata": map[string]any{
					"provider": "google",
				},
			},
		})

		ev, ok := decodeWireEvent(data)
		if !ok {
			t.Fatal("expected event to decode")
		}
		if ev.Kind != model.EventSignedIn {
			t.Errorf("Kind = %q", ev.Kind)
		}
		if ev.Identity.Provider != model.ProviderGoogle {
			t.Errorf("Provider = %q, want %q", ev.Identity.Provider, model.ProviderGoogle)
		}
	})

	t.Run("未知の種別は破棄", func(t *testing.T) {
		if _, ok := decodeWireEvent([]byte(`{"kind":"SOMETHING_ELSE"}`)); ok {
			t.Error("expected unknown kind to be rejected")
		}
	})

	t.Run("Identity必須種別の検証", func(t *testing.T) {
		if _, ok := decodeWireEvent([]byte(`{"kind":"SIGNED_IN"}`)); ok {
			t.Error("expected SIGNED_IN without identity to be rejected")
		}
	})

	t.Run("サインアウトはIdentity不要", func(t *testing.T) {
		ev, ok := decodeWireEvent([]byte(`{"kind":"SIGNED_OUT"}`))
		if !ok {
			t.Fatal("expected SIGNED_OUT to decode")
		}
		if ev.Identity != nil {
			t.Error("expected nil identity")
		}
	})

	t.Run("不正なJSONは破棄", func(t *testing.T) {
		if _, ok := decodeWireEvent([]byte("not json")); ok {
			t.Error("expected invalid JSON to be rejected")
		}
	})
}

// TestStream_Run_NoURL はURL未設定時にキャンセルまで待機することを検証する。
func TestStream_Run_NoURL(t *testing.T) {
	s := NewStream("", "anon-key", 0, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
