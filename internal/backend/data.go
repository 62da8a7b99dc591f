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
	"sort"
	"strings"
	"time"
)

// TokenSource はデータAPI呼び出しの認可に使うアクセストークンの供給元。
// SessionStoreが実装する。未認証時は空文字を返す。
type TokenSource interface {
	AccessToken() string
}

// DataClient はバックエンドのデータAPI（テーブルのupsert/select/delete）アダプタ。
// profiles / user_roles / user_presence への読み書きに使用する。
// 直接のデータベース接続は持たず、REST API経由でのみアクセスする。
type DataClient struct {
	baseURL string
	anonKey string
	http    *http.Client
	tokens  TokenSource
	logger  *slog.Logger
}

// NewDataClient はDataClientを生成する。
func NewDataClient(cfg Config, tokens TokenSource, logger *slog.Logger) *DataClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &DataClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		anonKey: cfg.AnonKey,
		http:    httpClient,
		tokens:  tokens,
		logger:  logger,
	}
}

// Upsert は行を主キー（onConflict列）でアップサートする。
// マージはバックエンド側で解決され、同時書き込みは最後の書き込みが勝つ。
func (d *DataClient) Upsert(ctx context.Context, table string, row any, onConflict string) error {
	path := "/rest/v1/" + url.PathEscape(table)
	if onConflict != "" {
		path += "?on_conflict=" + url.QueryEscape(onConflict)
	}

	headers := map[string]string{
		"Prefer": "resolution=merge-duplicates,return=minimal",
	}
	return d.do(ctx, http.MethodPost, path, headers, row, nil)
}

// Select は等値フィルタで行を取得し、destにJSONデコードする。
// destには行スライスへのポインタを渡す。
func (d *DataClient) Select(ctx context.Context, table string, filter map[string]string, dest any) error {
	return d.do(ctx, http.MethodGet, "/rest/v1/"+url.PathEscape(table)+filterQuery(filter), nil, nil, dest)
}

// Delete は等値フィルタに一致する行を削除する。
// 空フィルタでの全行削除は拒否する。
func (d *DataClient) Delete(ctx context.Context, table string, filter map[string]string) error {
	if len(filter) == 0 {
		return fmt.Errorf("refusing to delete without filter: %s", table)
	}
	return d.do(ctx, http.MethodDelete, "/rest/v1/"+url.PathEscape(table)+filterQuery(filter), nil, nil, nil)
}

// filterQuery は等値フィルタをクエリ文字列に変換する。
// キー順を固定しテストの再現性を保つ。
func filterQuery(filter map[string]string) string {
	if len(filter) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := url.Values{}
	for _, k := range keys {
		params.Set(k, "eq."+filter[k])
	}
	return "?" + params.Encode()
}

// do はデータAPIへのリクエストを実行する。
// 認可にはストアの現在のアクセストークンを使用し、未認証時は匿名キーで呼び出す。
func (d *DataClient) do(ctx context.Context, method, path string, headers map[string]string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal row: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", d.anonKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	token := d.anonKey
	if d.tokens != nil {
		if t := d.tokens.AccessToken(); t != "" {
			token = t
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.http.Do(req)
	if err != nil {
		return mapTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mapErrorResponse(resp.StatusCode, respBody)
	}

	if dest != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, dest); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	d.logger.Debug("データAPI呼び出しが完了しました",
		slog.String("method", method),
		slog.String("path", path),
	)
	return nil
}
