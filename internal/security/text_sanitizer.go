// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はプロフィールの自由記述欄からHTMLを取り除き、
// SSRFGuard はリモート写真の取り込み時に内部ネットワークへのアクセスを防ぐ。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はユーザー入力のプレーンテキスト化のインターフェース。
type TextSanitizer interface {
	// SanitizeText はタグと属性をすべて除去したテキストを返す。
	// 前後の空白は取り除く。
	SanitizeText(s string) string
}

// textSanitizer はbluemondayのStrictPolicyによるTextSanitizerの実装。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はタグを除去したテキストを返す。
// 出力はテンプレート側でエスケープされるため、StrictPolicyが付けた
// 文字参照は元の文字に戻す。
func (s *textSanitizer) SanitizeText(in string) string {
	if in == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(in)))
}

// compile-time interface check
var _ TextSanitizer = (*textSanitizer)(nil)
