package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hitoshi/tagscout/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Category          string `json:"category"`
	Action            string `json:"action"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// RetryAfterSecondsが設定されている場合はRetry-Afterヘッダーも付与する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, body ErrorResponseBody) {
	w.Header().Set("Content-Type", "application/json")
	if body.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// WriteGuidance はエラー種別の対処方法をエラーレスポンスとして書き込む。
func WriteGuidance(w http.ResponseWriter, statusCode int, g model.Guidance) {
	WriteErrorResponse(w, statusCode, guidanceBody(g))
}

// guidanceBody はエラー種別の対処方法をレスポンス形式に変換する。
func guidanceBody(g model.Guidance) ErrorResponseBody {
	body := ErrorResponseBody{
		Code:     g.Code,
		Message:  g.Message,
		Category: g.Category,
		Action:   g.Action,
	}
	if g.Wait > 0 {
		body.RetryAfterSeconds = int(g.Wait.Seconds())
	}
	return body
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、呼び出し元には一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, ErrorResponseBody{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
