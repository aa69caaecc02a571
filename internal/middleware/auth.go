// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// clientIDContextKey はリクエスト元の識別子を格納するキー。
var clientIDContextKey = contextKey("client_id")

// NewTokenAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// tokenが空の場合は検証せずに通す。
// 通過したリクエストのコンテキストにはリモートアドレスのホスト部を識別子として注入する。
func NewTokenAuthMiddleware(token string) func(next http.Handler) http.Handler {
	want := sha256.Sum256([]byte(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				got, ok := bearerToken(r)
				sum := sha256.Sum256([]byte(got))
				if !ok || subtle.ConstantTimeCompare(sum[:], want[:]) != 1 {
					w.Header().Set("WWW-Authenticate", `Bearer realm="tagscout"`)
					WriteErrorResponse(w, http.StatusUnauthorized, ErrorResponseBody{
						Code:     "UNAUTHORIZED",
						Message:  "APIトークンが無効です。",
						Category: "auth",
						Action:   "Authorization: Bearer <API_TOKEN> を指定してください。",
					})
					return
				}
			}
			ctx := ContextWithClientID(r.Context(), clientHost(r.RemoteAddr))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// ClientIDFromContext はリクエスト元の識別子を取得する。
// 認証ミドルウェアを通過したリクエストでのみ値を持つ。
func ClientIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIDContextKey).(string)
	return id, ok && id != ""
}

// ContextWithClientID はコンテキストにリクエスト元の識別子を注入する。
func ContextWithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDContextKey, id)
}
