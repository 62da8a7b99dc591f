// Package backend はホスト型アイデンティティバックエンドへの薄いアダプタを提供する。
//
// 認証API（サインアップ、パスワードサインイン、OAuthリダイレクト、サインアウト、
// セッション確認、トークンリフレッシュ）とデータAPI（upsert/select/delete）、
// および認証イベントストリームへの購読を扱う。
// トークン発行やパスワードハッシュ等のバックエンド内部は実装対象外であり、
// このパッケージは外部コラボレータへの呼び出しのみを行う。
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/sessiond/internal/model"
)

// Config はバックエンドクライアントの設定。
type Config struct {
	BaseURL        string        // 例: https://xyz.example.co
	AnonKey        string        // 匿名APIキー（全リクエストのapikeyヘッダー）
	RequestTimeout time.Duration // 1リクエストあたりのタイムアウト

	// テスト用にオーバーライド可能なHTTPクライアント
	HTTPClient *http.Client
}

// Client はアイデンティティバックエンドの認証APIアダプタ。
// 自身の呼び出しで観測したセッション遷移はイベントストリームに発行し、
// 状態のコミット自体はコントローラのイベント処理に委ねる。
type Client struct {
	baseURL string
	anonKey string
	http    *http.Client
	events  *Stream
	logger  *slog.Logger
}

// NewClient はClientを生成する。
func NewClient(cfg Config, events *Stream, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		anonKey: cfg.AnonKey,
		http:    httpClient,
		events:  events,
		logger:  logger,
	}
}

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int          `json:"expires_in"`
	User         *userPayload `json:"user"`
}

// userPayload はバックエンドのユーザーオブジェクト。
type userPayload struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	AppMetadata  map[string]any `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// SignUp はメールアドレスとパスワードでユーザーを登録する。
// バックエンドの自動確認が有効な場合はセッションが同時に発行され、
// SignedInイベントがストリームに流れる。確認待ちの場合はトークンはnil。
// バックエンド自身の拒否（パスワード強度等）はそのままAuthErrorに変換して返す。
func (c *Client) SignUp(ctx context.Context, email, password string, data map[string]any) (*model.SessionToken, *model.Identity, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
	}
	if len(data) > 0 {
		body["data"] = data
	}

	var resp tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/v1/signup", "", body, &resp); err != nil {
		return nil, nil, err
	}

	// 確認メール待ちの場合はaccess_tokenが空で返る
	if resp.AccessToken == "" {
		c.logger.Info("サインアップを受け付けました（メール確認待ち）",
			slog.String("email", email),
		)
		return nil, nil, nil
	}

	token, identity, err := c.sessionFromResponse(&resp)
	if err != nil {
		return nil, nil, err
	}

	c.publish(model.EventSignedIn, identity, token)
	return token, identity, nil
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
// 成功時はSignedInイベントをストリームに発行する。
// 呼び出し自体はストアを書き換えない（コミットはイベント経由の単一経路）。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*model.SessionToken, *model.Identity, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
	}

	var resp tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "", body, &resp); err != nil {
		return nil, nil, err
	}

	token, identity, err := c.sessionFromResponse(&resp)
	if err != nil {
		return nil, nil, err
	}

	c.publish(model.EventSignedIn, identity, token)
	return token, identity, nil
}

// AuthorizeURL はOAuthプロバイダーへのリダイレクトURLを生成する。
// providerはmodel.ProviderGoogle / model.ProviderApple のいずれか。
func (c *Client) AuthorizeURL(provider, redirectURL, state string) (string, error) {
	wire, ok := wireProviderName(provider)
	if !ok {
		return "", fmt.Errorf("unsupported oauth provider: %s", provider)
	}

	params := url.Values{
		"provider":    {wire},
		"redirect_to": {redirectURL},
		"state":       {state},
	}
	return c.baseURL + "/auth/v1/authorize?" + params.Encode(), nil
}

// ExchangeCode はOAuthリダイレクトで受け取った認可コードをセッションに交換する。
// 成功時はSignedInイベントをストリームに発行する。
// コールバックリコンサイラはこの呼び出しの完了を直接待たず、イベント経由で観測する。
func (c *Client) ExchangeCode(ctx context.Context, code string) (*model.SessionToken, *model.Identity, error) {
	body := map[string]any{"auth_code": code}

	var resp tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=pkce", "", body, &resp); err != nil {
		return nil, nil, err
	}

	token, identity, err := c.sessionFromResponse(&resp)
	if err != nil {
		return nil, nil, err
	}

	c.publish(model.EventSignedIn, identity, token)
	return token, identity, nil
}

// Refresh はリフレッシュトークンでセッショントークンを更新する。
// 成功時はTokenRefreshedイベントをストリームに発行する。
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*model.SessionToken, *model.Identity, error) {
	body := map[string]any{"refresh_token": refreshToken}

	var resp tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "", body, &resp); err != nil {
		return nil, nil, err
	}

	token, identity, err := c.sessionFromResponse(&resp)
	if err != nil {
		return nil, nil, err
	}

	c.publish(model.EventTokenRefreshed, identity, token)
	return token, identity, nil
}

// SignOut はバックエンド側のセッションを破棄する。
// 成功時はSignedOutイベントをストリームに発行する。
// 呼び出し失敗時でもローカル状態のクリアはコントローラが保証する。
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/auth/v1/logout", accessToken, nil, nil); err != nil {
		return err
	}
	c.publish(model.EventSignedOut, nil, nil)
	return nil
}

// GetSession はアクセストークンで現在のセッションを照会する。
// セッションが存在しない（401）の場合は(nil, nil)を返す。
func (c *Client) GetSession(ctx context.Context, accessToken string) (*model.Identity, error) {
	if accessToken == "" {
		return nil, nil
	}

	var user userPayload
	err := c.doJSON(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil, &user)
	if err != nil {
		if model.IsCredentialError(err) {
			return nil, nil
		}
		return nil, err
	}
	if user.ID == "" {
		return nil, nil
	}

	return identityFromUser(&user), nil
}

// sessionFromResponse はトークンレスポンスからSessionTokenとIdentityを構築する。
// Identityはアクセストークンのクレームを優先し、userペイロードで補完する。
func (c *Client) sessionFromResponse(resp *tokenResponse) (*model.SessionToken, *model.Identity, error) {
	if resp.AccessToken == "" {
		return nil, nil, model.NewUnknownError(fmt.Errorf("empty access token in response"))
	}

	token, identity, err := sessionFromAccessToken(resp.AccessToken, resp.RefreshToken, resp.ExpiresIn)
	if err != nil {
		return nil, nil, model.NewUnknownError(fmt.Errorf("failed to decode access token: %w", err))
	}

	if resp.User != nil {
		fillIdentityFromUser(identity, resp.User)
	}
	if identity.ID == "" {
		return nil, nil, model.NewUnknownError(fmt.Errorf("no user id in token response"))
	}

	return token, identity, nil
}

// publish はイベントストリームへの発行を行う。ストリーム未設定時は何もしない。
func (c *Client) publish(kind model.EventKind, identity *model.Identity, token *model.SessionToken) {
	if c.events == nil {
		return
	}
	c.events.Publish(model.LifecycleEvent{
		Kind:       kind,
		Identity:   identity,
		Token:      token,
		OccurredAt: time.Now(),
	})
}

// doJSON はバックエンドへのJSONリクエストを実行する。
// apikeyヘッダーは常に付与し、accessTokenが指定された場合はBearer認可を付与する。
// 非2xxレスポンスとトランスポートエラーはAuthErrorに変換する。
func (c *Client) doJSON(ctx context.Context, method, path, accessToken string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return model.NewUnknownError(fmt.Errorf("failed to marshal request body: %w", err))
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return model.NewUnknownError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("apikey", c.anonKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.anonKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return mapTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.NewNetworkError(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mapErrorResponse(resp.StatusCode, respBody)
	}

	if dest != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, dest); err != nil {
			return model.NewUnknownError(fmt.Errorf("failed to parse response: %w", err))
		}
	}
	return nil
}

// wireProviderName はドメインのプロバイダー識別子をワイヤ名に変換する。
func wireProviderName(provider string) (string, bool) {
	switch provider {
	case model.ProviderGoogle:
		return "google", true
	case model.ProviderApple:
		return "apple", true
	default:
		return "", false
	}
}

// identityFromUser はユーザーペイロードからIdentityを構築する。
func identityFromUser(user *userPayload) *model.Identity {
	identity := &model.Identity{
		ID:       user.ID,
		Email:    user.Email,
		Provider: model.ProviderPassword,
		Metadata: user.UserMetadata,
	}
	if p, ok := user.AppMetadata["provider"].(string); ok {
		identity.Provider = domainProviderName(p)
	}
	return identity
}

// fillIdentityFromUser はクレーム由来のIdentityをユーザーペイロードで補完する。
func fillIdentityFromUser(identity *model.Identity, user *userPayload) {
	if identity.ID == "" {
		identity.ID = user.ID
	}
	if identity.Email == "" {
		identity.Email = user.Email
	}
	if len(identity.Metadata) == 0 {
		identity.Metadata = user.UserMetadata
	}
	if p, ok := user.AppMetadata["provider"].(string); ok {
		identity.Provider = domainProviderName(p)
	}
}

// domainProviderName はワイヤのプロバイダー名をドメイン識別子に変換する。
func domainProviderName(wire string) string {
	switch wire {
	case "email", "phone", "":
		return model.ProviderPassword
	case "google":
		return model.ProviderGoogle
	case "apple":
		return model.ProviderApple
	default:
		return "oauth:" + wire
	}
}
