// Package handler はローカルHTTPサーバーの認証エンドポイントを提供する。
//
// このサーバーはUI層（ストアフロントのシェル）が同一ホストから叩く
// ローカルAPIであり、OAuthリダイレクトの着地点を兼ねる。
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/sessiond/internal/middleware"
	"github.com/hitoshi/sessiond/internal/model"
	"github.com/hitoshi/sessiond/internal/reconcile"
	"github.com/hitoshi/sessiond/internal/store"
)

// stateCookieName はOAuth CSRF防止用stateを保持するクッキー名。
const stateCookieName = "sessiond_oauth_state"

// stateCookieTTL はstateクッキーの有効期間。
// プロバイダー側での認可操作に十分な長さを取る。
const stateCookieTTL = 10 * time.Minute

// LifecycleService は認証ハンドラーが必要とするライフサイクル操作のインターフェース。
// lifecycle.Controllerが実装する。
type LifecycleService interface {
	SignUp(ctx context.Context, email, password, displayName, role, phone string) error
	SignIn(ctx context.Context, email, password string) error
	SignInWithOAuth(provider, state string) (string, error)
	SignOut(ctx context.Context) error
	Snapshot() store.Snapshot
}

// ReconcileService はOAuthコールバック調停のインターフェース。
// reconcile.Reconcilerが実装する。
type ReconcileService interface {
	Reconcile(ctx context.Context, params reconcile.CallbackParams) reconcile.Result
}

// AuthHandler は認証関連のHTTPエンドポイントを処理する。
type AuthHandler struct {
	lifecycle    LifecycleService
	reconciler   ReconcileService
	logger       *slog.Logger
	cookieSecure bool
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(lifecycle LifecycleService, reconciler ReconcileService, logger *slog.Logger, cookieSecure bool) *AuthHandler {
	return &AuthHandler{
		lifecycle:    lifecycle,
		reconciler:   reconciler,
		logger:       logger,
		cookieSecure: cookieSecure,
	}
}

// signUpRequest はサインアップリクエストのJSONフォーマット。
type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Phone       string `json:"phone"`
}

// signInRequest はサインインリクエストのJSONフォーマット。
type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp はメールアドレスとパスワードでのユーザー登録を処理する。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "リクエストボディが不正です。")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeBadRequest(w, "メールアドレスとパスワードは必須です。")
		return
	}

	if err := h.lifecycle.SignUp(r.Context(), req.Email, req.Password, req.DisplayName, req.Role, req.Phone); err != nil {
		h.logger.Warn("サインアップに失敗しました",
			slog.String("error", err.Error()),
		)
		middleware.WriteAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SignIn はメールアドレスとパスワードでのサインインを処理する。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "リクエストボディが不正です。")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeBadRequest(w, "メールアドレスとパスワードは必須です。")
		return
	}

	if err := h.lifecycle.SignIn(r.Context(), req.Email, req.Password); err != nil {
		h.logger.Warn("サインインに失敗しました",
			slog.String("error", err.Error()),
		)
		middleware.WriteAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Login はOAuthサインインを開始し、プロバイダーの認可URLへリダイレクトする。
// GET /auth/login?provider=google
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerFromQuery(r.URL.Query().Get("provider"))
	if !ok {
		writeBadRequest(w, "providerパラメータが不正です。")
		return
	}

	state := uuid.New().String()
	redirectURL, err := h.lifecycle.SignInWithOAuth(provider, state)
	if err != nil {
		h.logger.Warn("認可URLの構築に失敗しました",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		middleware.WriteAuthError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/auth",
		MaxAge:   int(stateCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// Callback はOAuthプロバイダーからのリダイレクトを処理する。
// GET /auth/callback
//
// stateクッキーとクエリパラメータの照合に失敗した場合は調停を行わず
// エラーページを返す。照合成功時はクッキーを破棄し、調停結果に応じた
// ページを描画する。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if !h.verifyState(w, r, query.Get("state")) {
		h.renderCallbackPage(w, reconcile.Result{
			Status:  reconcile.StatusError,
			Message: "リクエストの検証に失敗しました。もう一度お試しください。",
		})
		return
	}

	result := h.reconciler.Reconcile(r.Context(), reconcile.CallbackParams{
		Code:             query.Get("code"),
		ErrorCode:        query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	})

	h.renderCallbackPage(w, result)
}

// Logout はサインアウトを処理する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.lifecycle.SignOut(r.Context()); err != nil {
		middleware.WriteAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusResponse は現在のセッション状態のJSONフォーマット。
type statusResponse struct {
	Authenticated bool     `json:"authenticated"`
	Phase         string   `json:"phase"`
	UserID        string   `json:"user_id,omitempty"`
	Email         string   `json:"email,omitempty"`
	Provider      string   `json:"provider,omitempty"`
	Roles         []string `json:"roles,omitempty"`
	IsAdmin       bool     `json:"is_admin"`
}

// Status は現在のセッション状態を返す。
// GET /auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	snap := h.lifecycle.Snapshot()

	resp := statusResponse{
		Authenticated: snap.IsAuthenticated(),
		Phase:         snap.Phase.String(),
		IsAdmin:       snap.IsAdmin(),
		Roles:         snap.Roles,
	}
	if snap.Identity != nil {
		resp.UserID = snap.Identity.ID
		resp.Email = snap.Identity.Email
		resp.Provider = snap.Identity.Provider
	}

	writeJSON(w, http.StatusOK, resp)
}

// providerFromQuery はクエリのプロバイダー名をドメイン識別子に変換する。
func providerFromQuery(name string) (string, bool) {
	switch name {
	case "google":
		return model.ProviderGoogle, true
	case "apple":
		return model.ProviderApple, true
	default:
		return "", false
	}
}

// verifyState はstateクッキーとクエリパラメータを照合し、クッキーを破棄する。
func (h *AuthHandler) verifyState(w http.ResponseWriter, r *http.Request, state string) bool {
	cookie, err := r.Cookie(stateCookieName)

	// 照合結果によらずクッキーは一度きり
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	if err != nil || cookie.Value == "" || state == "" || cookie.Value != state {
		h.logger.Warn("OAuth stateの検証に失敗しました",
			slog.Bool("cookie_present", err == nil),
			slog.Bool("state_present", state != ""),
		)
		return false
	}
	return true
}

// renderCallbackPage は調停結果に応じたHTMLページを描画する。
// 完了時はトップページへのメタリフレッシュを含む。
func (h *AuthHandler) renderCallbackPage(w http.ResponseWriter, result reconcile.Result) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if result.Status == reconcile.StatusDone {
		fmt.Fprint(w, callbackDonePage)
		return
	}

	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, callbackErrorPage, html.EscapeString(result.Message))
}

const callbackDonePage = `<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><meta http-equiv="refresh" content="0;url=/"><title>サインイン完了</title></head>
<body><p>サインインが完了しました。画面が切り替わらない場合は<a href="/">こちら</a>。</p></body>
</html>`

const callbackErrorPage = `<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>サインインエラー</title></head>
<body><p>%s</p><p><a href="/">トップページへ戻る</a></p></body>
</html>`

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeBadRequest は400エラーレスポンスを書き込む。
func writeBadRequest(w http.ResponseWriter, message string) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.AuthError{
		Code:     "INVALID_REQUEST",
		Message:  message,
		Category: model.CategoryCredential,
		Action:   "入力内容を確認してください。",
	})
}
