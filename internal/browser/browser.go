// Package browser はリモート制御ブラウザ（Chrome DevTools Protocol）の操作を提供する。
// オーケストレーターはPage/Browserインターフェースのみに依存し、
// テストではフェイク実装に差し替える。
package browser

import (
	"context"
	"errors"

	"github.com/hitoshi/tagscout/internal/model"
)

// ErrClosed は閉じたブラウザを操作しようとしたことを示す。
var ErrClosed = errors.New("browser is closed")

// Response はページ遷移のHTTP応答の概要。
type Response struct {
	StatusCode int
	URL        string
}

// Page は抽出エンジンが必要とするページ操作。
// 1つのPageを複数のgoroutineから同時に操作してはならない。
type Page interface {
	// Navigate は指定URLへ遷移し、メインドキュメントの応答を返す。
	Navigate(ctx context.Context, url string) (*Response, error)
	// Location は現在のURLを返す。
	Location(ctx context.Context) (string, error)
	// HTML はレンダリング済みDOMのHTMLを返す。
	HTML(ctx context.Context) (string, error)
}

// Browser はセッション管理が必要とするブラウザ操作。
type Browser interface {
	Page
	// Cookies は現在のブラウザCookieを返す。
	Cookies(ctx context.Context) ([]model.Cookie, error)
	// SetCookies はCookieをブラウザに設定する。
	SetCookies(ctx context.Context, cookies []model.Cookie) error
	// Close はブラウザプロセスを終了する。複数回呼び出してもよい。
	Close() error
}

// LaunchOptions はブラウザ起動オプション。
type LaunchOptions struct {
	Headless   bool
	ChromePath string
	UserAgent  string
}

// Launcher はブラウザを起動する。
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}
