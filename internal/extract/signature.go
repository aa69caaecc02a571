package extract

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hitoshi/tagscout/internal/model"
	"github.com/hitoshi/tagscout/internal/session"
)

// ページ状態を判定する文言。表示テキストを小文字化して部分一致で照合する。
var (
	notFoundTexts = []string{
		"sorry, this page isn't available",
		"page isn't available",
		"このページはご利用いただけません",
	}
	rateLimitTexts = []string{
		"please wait a few minutes before you try again",
		"try again later",
		"rate limit",
		"しばらくしてから",
		"時間をおいて",
	}
	blockedTexts = []string{
		"temporarily blocked",
		"action blocked",
		"we restrict certain activity",
		"一時的にブロック",
		"アクションがブロック",
	}
)

// visibleText はscriptなどを除いた本文テキストを小文字で返す。
func visibleText(doc *goquery.Document) string {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return strings.ToLower(body.Text())
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

// classifyPage はフィールド抽出の前にページ状態を優先順位どおりに判定する。
//  1. ログイン・本人確認画面 → ErrSessionExpired
//  2. 存在しないページ → ErrNotFound
//  3. レート制限・ブロック → *ThrottledError
//
// いずれにも該当しない5xx応答は一時的なエラーとして返す。
func classifyPage(status int, location string, doc *goquery.Document) error {
	if session.IsAuthWall(location) {
		return fmt.Errorf("%w: %s", model.ErrSessionExpired, location)
	}

	text := visibleText(doc)

	if status == http.StatusNotFound || containsAny(text, notFoundTexts) {
		return model.ErrNotFound
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &model.ThrottledError{Signal: "http_429", StatusCode: status}
	case status == http.StatusServiceUnavailable:
		return &model.ThrottledError{Signal: "http_503", StatusCode: status}
	case containsAny(text, blockedTexts):
		return &model.ThrottledError{Signal: "blocked_text", StatusCode: status}
	case containsAny(text, rateLimitTexts):
		return &model.ThrottledError{Signal: "rate_limit_text", StatusCode: status}
	}

	if status >= 500 {
		return fmt.Errorf("unexpected HTTP status %d", status)
	}
	return nil
}
