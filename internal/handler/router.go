package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/sessiond/internal/middleware"
)

// RouterConfig はルーター構築の設定。
type RouterConfig struct {
	// CORSAllowedOrigin はCORSで許可するオリジン。
	CORSAllowedOrigin string
	// MetricsHandler はPrometheusスクレイプ用ハンドラー。nil許容。
	MetricsHandler http.Handler
}

// NewRouter はアプリケーションのHTTPルーターを構築する。
//
// ミドルウェアの適用順: recovery → logging → security headers → CORS。
// 資格情報を受けるエンドポイント（signup/signin）にはIPベースの
// レート制限を追加で適用する。
func NewRouter(
	authHandler *AuthHandler,
	rateLimiter *middleware.RateLimiter,
	logger *slog.Logger,
	cfg RouterConfig,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(cfg.CORSAllowedOrigin))

	// ヘルスチェック
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		// 資格情報を受けるエンドポイントと外部からの着地点はレート制限下に置く
		r.Group(func(r chi.Router) {
			r.Use(rateLimiter.AuthMiddleware())
			r.Post("/signup", authHandler.SignUp)
			r.Post("/signin", authHandler.SignIn)
			r.Get("/callback", authHandler.Callback)
		})

		r.Get("/login", authHandler.Login)
		r.Post("/logout", authHandler.Logout)
		r.Get("/status", authHandler.Status)
	})

	return r
}
