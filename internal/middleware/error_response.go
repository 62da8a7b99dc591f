package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/sessiond/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, authErr *model.AuthError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     authErr.Code,
		Message:  authErr.Message,
		Category: authErr.Category,
		Action:   authErr.Action,
	})
}

// WriteAuthError はAuthErrorをカテゴリに応じたステータスコードで書き込む。
// AuthError以外のエラーは詳細を隠して500として扱う。
func WriteAuthError(w http.ResponseWriter, err error) {
	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		WriteInternalServerError(w)
		return
	}
	WriteErrorResponse(w, statusForCategory(authErr.Category), authErr)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.AuthError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// statusForCategory はエラーカテゴリをHTTPステータスコードに変換する。
func statusForCategory(category string) int {
	switch category {
	case model.CategoryCredential:
		return http.StatusUnauthorized
	case model.CategoryConflict:
		return http.StatusConflict
	case model.CategoryTimeout:
		return http.StatusGatewayTimeout
	case model.CategoryNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
