// Package security はアプリケーションのセキュリティ機能を提供する。
//
// NameSanitizerService はOAuthプロバイダー由来の表示名等のテキストを
// サニタイズし、ストアドXSSなどのセキュリティリスクからユーザーを保護する。
// bluemondayのStrictPolicyによりHTMLタグを全て除去する。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// NameSanitizerService は表示名サニタイズ機能のインターフェースを定義する。
// プロファイル同期でプロバイダーメタデータの表示名を保存する前に使用される。
type NameSanitizerService interface {
	// Sanitize はテキストからHTMLタグと制御文字を除去して返す。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// maxDisplayNameLength は表示名の最大長（rune数）。
const maxDisplayNameLength = 64

// nameSanitizer はNameSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type nameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はNameSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicy（全タグ除去）を使用する。表示名にマークアップは不要。
func NewNameSanitizer() *nameSanitizer {
	return &nameSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はテキストからHTMLタグと制御文字を除去して返す。
// 前後の空白を除去し、最大長を超える場合は切り詰める。
func (s *nameSanitizer) Sanitize(raw string) string {
	cleaned := s.policy.Sanitize(raw)
	cleaned = strings.TrimSpace(cleaned)

	// 制御文字の除去
	cleaned = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, cleaned)

	runes := []rune(cleaned)
	if len(runes) > maxDisplayNameLength {
		cleaned = string(runes[:maxDisplayNameLength])
	}
	return cleaned
}
