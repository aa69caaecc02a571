// Package security はページから取得した値の無害化と、外部送信先の検証を提供する。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はページ由来の文字列をプレーンテキストに正規化する。
// bluemondayのStrictPolicyで全タグを除去し、空白を1つにまとめる。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer は新しいTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Text はタグを除去したプレーンテキストを返す。
// StrictPolicyがエスケープした実体参照は元の文字に戻す。
func (s *TextSanitizer) Text(raw string) string {
	if raw == "" {
		return ""
	}
	clean := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.Join(strings.Fields(clean), " ")
}

// ImageURL はhttpsの絶対URLのみを返す。それ以外は空文字列。
func (s *TextSanitizer) ImageURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || !strings.EqualFold(u.Scheme, "https") {
		return ""
	}
	return u.String()
}
