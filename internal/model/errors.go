package model

import (
	"errors"
	"fmt"
)

// AuthError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// バックエンドアダプタの生エラーはコントローラ境界でこの型に変換され、
// UI層に生エラー型が漏れることはない。
type AuthError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: credential, network, conflict, timeout, system
	Action   string // ユーザー向け対処方法
	Cause    error  // 元エラー（ログ用。UIには出さない）
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は元エラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// エラーカテゴリ
const (
	CategoryCredential = "credential" // ユーザーに提示する。非致命的
	CategoryNetwork    = "network"    // 再試行を促す汎用メッセージを提示する
	CategoryConflict   = "conflict"   // アップサート競合。握りつぶす
	CategoryTimeout    = "timeout"    // 猶予時間切れ。悲観的分岐として扱う
	CategorySystem     = "system"
)

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeEmailNotConfirmed  = "EMAIL_NOT_CONFIRMED"
	ErrCodeWeakPassword       = "WEAK_PASSWORD"
	ErrCodeAlreadyRegistered  = "ALREADY_REGISTERED"
	ErrCodeNetwork            = "NETWORK_ERROR"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeUnknown            = "UNKNOWN"
)

// NewInvalidCredentialsError は認証情報不正エラーを生成する。
func NewInvalidCredentialsError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: CategoryCredential,
		Action:   "入力内容を確認して再度お試しください。",
		Cause:    cause,
	}
}

// NewEmailNotConfirmedError はメール未確認エラーを生成する。
func NewEmailNotConfirmedError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodeEmailNotConfirmed,
		Message:  "メールアドレスの確認が完了していません。",
		Category: CategoryCredential,
		Action:   "受信した確認メールのリンクを開いてから再度サインインしてください。",
		Cause:    cause,
	}
}

// NewWeakPasswordError はパスワード強度不足エラーを生成する。
func NewWeakPasswordError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodeWeakPassword,
		Message:  "パスワードが短すぎるか、強度が不足しています。",
		Category: CategoryCredential,
		Action:   "6文字以上のパスワードを設定してください。",
		Cause:    cause,
	}
}

// NewAlreadyRegisteredError は登録済みメールアドレスエラーを生成する。
func NewAlreadyRegisteredError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodeAlreadyRegistered,
		Message:  "このメールアドレスは既に登録されています。",
		Category: CategoryCredential,
		Action:   "サインインするか、別のメールアドレスをご利用ください。",
		Cause:    cause,
	}
}

// NewNetworkError はバックエンド到達不能エラーを生成する。
func NewNetworkError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodeNetwork,
		Message:  "サーバーに接続できませんでした。",
		Category: CategoryNetwork,
		Action:   "通信環境を確認し、しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewTimeoutError は猶予時間切れエラーを生成する。
func NewTimeoutError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodeTimeout,
		Message:  "サーバーの応答がありませんでした。",
		Category: CategoryTimeout,
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewConflictError はアップサート競合エラーを生成する。
// upsertの冪等性により実質的に無害なため、呼び出し側で握りつぶされる。
func NewConflictError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodeConflict,
		Message:  "同一レコードへの同時書き込みが検出されました。",
		Category: CategoryConflict,
		Action:   "",
		Cause:    cause,
	}
}

// NewUnknownError は未分類エラーを生成する。
func NewUnknownError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodeUnknown,
		Message:  "予期しないエラーが発生しました。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// IsCredentialError はエラーが認証情報カテゴリかを返す。
func IsCredentialError(err error) bool {
	return hasCategory(err, CategoryCredential)
}

// IsNetworkError はエラーがネットワークカテゴリかを返す。
func IsNetworkError(err error) bool {
	return hasCategory(err, CategoryNetwork)
}

// IsConflictError はエラーが競合カテゴリかを返す。
func IsConflictError(err error) bool {
	return hasCategory(err, CategoryConflict)
}

// IsTimeoutError はエラーがタイムアウトカテゴリかを返す。
func IsTimeoutError(err error) bool {
	return hasCategory(err, CategoryTimeout)
}

func hasCategory(err error, category string) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Category == category
	}
	return false
}
