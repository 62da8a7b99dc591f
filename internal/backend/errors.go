package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/hitoshi/sessiond/internal/model"
)

// errorResponse はバックエンドのエラーレスポンス。
// エンドポイントにより複数のフォーマットが存在するため全フィールドを受ける。
type errorResponse struct {
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Error_           string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}

// code はレスポンス中のエラーコードを解決する。
func (e *errorResponse) code() string {
	if e.ErrorCode != "" {
		return e.ErrorCode
	}
	return e.Error_
}

// message はレスポンス中のエラーメッセージを解決する。
func (e *errorResponse) message() string {
	switch {
	case e.Msg != "":
		return e.Msg
	case e.ErrorDescription != "":
		return e.ErrorDescription
	default:
		return e.Message
	}
}

// mapErrorResponse は非2xxレスポンスをエラー分類に変換する。
// バックエンド自身の拒否理由をそのまま分類に写し、クライアント側で推測はしない。
func mapErrorResponse(statusCode int, body []byte) error {
	var resp errorResponse
	_ = json.Unmarshal(body, &resp)

	cause := fmt.Errorf("backend returned status %d: %s", statusCode, string(body))

	switch resp.code() {
	case "invalid_credentials", "invalid_grant":
		return model.NewInvalidCredentialsError(cause)
	case "email_not_confirmed":
		return model.NewEmailNotConfirmedError(cause)
	case "weak_password":
		return model.NewWeakPasswordError(cause)
	case "user_already_exists", "email_exists":
		return model.NewAlreadyRegisteredError(cause)
	}

	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return model.NewInvalidCredentialsError(cause)
	case statusCode == http.StatusConflict:
		return model.NewConflictError(cause)
	case statusCode == http.StatusUnprocessableEntity && resp.message() != "":
		// 422はバリデーション拒否。コード無しでも認証情報カテゴリとして提示する
		return model.NewInvalidCredentialsError(cause)
	case statusCode >= 500:
		return model.NewNetworkError(cause)
	default:
		return model.NewUnknownError(cause)
	}
}

// mapTransportError はトランスポート層のエラーを分類に変換する。
// デッドライン超過はタイムアウト、それ以外は到達不能として扱う。
func mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewTimeoutError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.NewTimeoutError(err)
	}
	return model.NewNetworkError(err)
}
