// Package app はセッションデーモンの初期化と起動を行う。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/sessiond/internal/backend"
	"github.com/hitoshi/sessiond/internal/config"
	"github.com/hitoshi/sessiond/internal/handler"
	"github.com/hitoshi/sessiond/internal/lifecycle"
	"github.com/hitoshi/sessiond/internal/logger"
	"github.com/hitoshi/sessiond/internal/metrics"
	"github.com/hitoshi/sessiond/internal/middleware"
	"github.com/hitoshi/sessiond/internal/notify"
	"github.com/hitoshi/sessiond/internal/presence"
	"github.com/hitoshi/sessiond/internal/profile"
	"github.com/hitoshi/sessiond/internal/reconcile"
	"github.com/hitoshi/sessiond/internal/security"
	"github.com/hitoshi/sessiond/internal/store"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting session daemon",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("backend_url", cfg.BackendURL),
	)

	return runServe(cfg)
}

// runServe はセッションデーモンモードで起動する。
// 全依存関係をワイヤリングし、イベントストリーム・ライフサイクル
// コントローラ・ローカルHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. メトリクスコレクタの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 2. セッションストアとバックエンドクライアントの初期化
	sessionStore := store.New()

	backendCfg := backend.Config{
		BaseURL:        cfg.BackendURL,
		AnonKey:        cfg.BackendAnonKey,
		RequestTimeout: cfg.RequestTimeout,
	}

	stream := backend.NewStream(
		backend.EventStreamURL(cfg.BackendURL),
		cfg.BackendAnonKey,
		cfg.StreamReconnectMax,
		log,
	)
	authClient := backend.NewClient(backendCfg, stream, log)
	dataClient := backend.NewDataClient(backendCfg, sessionStore, log)
	sessionCache := backend.NewSessionCache(cfg.SessionCachePath)

	// 3. セキュリティサービスの初期化
	urlGuard := security.NewURLGuard()
	nameSanitizer := security.NewNameSanitizer()

	// 4. ドメインコンポーネントの初期化
	notifier := notify.NewLogNotifier(log)

	synchronizer := profile.NewSynchronizer(
		dataClient, nameSanitizer, urlGuard, collector, log,
		profile.Config{AvatarProbe: cfg.AvatarProbe},
	)

	heartbeat := presence.NewHeartbeat(dataClient, collector, log, presence.Config{
		Interval:      cfg.HeartbeatInterval,
		DeleteTimeout: cfg.PresenceDeleteTimeout,
	})

	controller := lifecycle.NewController(
		sessionStore, authClient, stream, synchronizer, heartbeat,
		notifier, sessionCache, collector, log,
		lifecycle.Config{
			OAuthRedirectURL:    cfg.OAuthRedirectURL,
			SessionCheckTimeout: cfg.SessionCheckTimeout,
		},
	)

	reconciler := reconcile.NewReconciler(
		sessionStore, authClient, stream, notifier, collector, log,
		reconcile.Config{GraceWindow: cfg.OAuthGraceWindow},
	)

	// 5. イベントストリームとコントローラの起動
	go stream.Run(ctx)
	controller.Start(ctx)
	defer controller.Shutdown()

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.AuthLimiterConfig(cfg.RateLimitAuth))
	defer rateLimiter.Stop()

	authHandler := handler.NewAuthHandler(controller, reconciler, log, cfg.CookieSecure)
	router := handler.NewRouter(authHandler, rateLimiter, log, handler.RouterConfig{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		MetricsHandler:    metrics.Handler(registry),
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("local API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down session daemon...")

	// ストリームとコントローラを先に止め、進行中のリクエストを待つ
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("session daemon stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
