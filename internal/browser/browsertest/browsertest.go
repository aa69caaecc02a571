// Package browsertest はテスト用のスクリプト可能なブラウザ実装を提供する。
package browsertest

import (
	"context"
	"sync"

	"github.com/hitoshi/tagscout/internal/browser"
	"github.com/hitoshi/tagscout/internal/model"
)

// Result はNavigate 1回分の応答。
// Locationが空の場合は要求URLにとどまったものとして扱う。
type Result struct {
	StatusCode int
	Location   string
	HTML       string
	Err        error
}

// Browser はURLごとに応答を差し替えられるbrowser.Browser。
// 同じURLに複数の応答を登録すると順番に返し、最後の応答を繰り返す。
type Browser struct {
	mu sync.Mutex

	routes   map[string][]Result
	calls    map[string]int
	fallback Result
	current  Result
	url      string

	// locations が空でない場合、Locationは先頭から順に返す（最後の値を繰り返す）。
	locations []string
	// locationErrs はLocationの呼び出しごとに先頭から1つずつ返すエラー。
	locationErrs []error

	cookies    []model.Cookie
	setCookies [][]model.Cookie
	visits     []string
	closed     bool

	// BeforeNavigate はNavigateの直前に呼ばれる。
	BeforeNavigate func(url string)
}

var _ browser.Browser = (*Browser)(nil)

// New は新しいBrowserを生成する。未登録URLには200の空ページを返す。
func New() *Browser {
	return &Browser{
		routes:   make(map[string][]Result),
		calls:    make(map[string]int),
		fallback: Result{StatusCode: 200, HTML: "<html><body></body></html>"},
	}
}

// Handle はURLに対する応答を登録する。
func (b *Browser) Handle(url string, results ...Result) *Browser {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[url] = append(b.routes[url], results...)
	return b
}

// Fallback は未登録URLへの応答を設定する。
func (b *Browser) Fallback(r Result) *Browser {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fallback = r
	return b
}

// WithCookies はブラウザが保持するCookieを設定する。
func (b *Browser) WithCookies(cookies ...model.Cookie) *Browser {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cookies = append([]model.Cookie(nil), cookies...)
	return b
}

// WithLocations はLocationが返すURLの列を設定する。
func (b *Browser) WithLocations(urls ...string) *Browser {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locations = append([]string(nil), urls...)
	return b
}

// FailLocation は次回以降のLocation呼び出しで順に返すエラーを設定する。
// 使い切った後は通常どおりURLを返す。
func (b *Browser) FailLocation(errs ...error) *Browser {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locationErrs = append(b.locationErrs, errs...)
	return b
}

func (b *Browser) Navigate(ctx context.Context, url string) (*browser.Response, error) {
	if b.BeforeNavigate != nil {
		b.BeforeNavigate(url)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, browser.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.visits = append(b.visits, url)
	r := b.fallback
	if seq := b.routes[url]; len(seq) > 0 {
		i := b.calls[url]
		if i >= len(seq) {
			i = len(seq) - 1
		}
		r = seq[i]
	}
	b.calls[url]++

	if r.Err != nil {
		return nil, r.Err
	}
	b.current = r
	b.url = url
	if r.Location != "" {
		b.url = r.Location
	}
	return &browser.Response{StatusCode: r.StatusCode, URL: b.url}, nil
}

func (b *Browser) Location(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", browser.ErrClosed
	}
	if len(b.locationErrs) > 0 {
		err := b.locationErrs[0]
		b.locationErrs = b.locationErrs[1:]
		return "", err
	}
	if len(b.locations) > 0 {
		loc := b.locations[0]
		if len(b.locations) > 1 {
			b.locations = b.locations[1:]
		}
		return loc, nil
	}
	return b.url, nil
}

func (b *Browser) HTML(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", browser.ErrClosed
	}
	return b.current.HTML, nil
}

func (b *Browser) Cookies(ctx context.Context) ([]model.Cookie, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, browser.ErrClosed
	}
	return append([]model.Cookie(nil), b.cookies...), nil
}

func (b *Browser) SetCookies(ctx context.Context, cookies []model.Cookie) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return browser.ErrClosed
	}
	b.setCookies = append(b.setCookies, append([]model.Cookie(nil), cookies...))
	b.cookies = append(b.cookies, cookies...)
	return nil
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Visits はNavigateで訪れたURLを順に返す。
func (b *Browser) Visits() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.visits...)
}

// Calls は指定URLへのNavigate回数を返す。
func (b *Browser) Calls(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[url]
}

// InstalledCookies はSetCookiesで渡されたCookieを返す。
func (b *Browser) InstalledCookies() [][]model.Cookie {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]model.Cookie(nil), b.setCookies...)
}

// Closed はCloseが呼ばれたかを返す。
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Launcher は登録済みのBrowserを順に返すbrowser.Launcher。
// 登録分を使い切ると新しいBrowserを返す。
type Launcher struct {
	mu       sync.Mutex
	browsers []*Browser
	launches []browser.LaunchOptions

	// Err が設定されている場合、Launchは常に失敗する。
	Err error
}

var _ browser.Launcher = (*Launcher)(nil)

// NewLauncher は新しいLauncherを生成する。
func NewLauncher(browsers ...*Browser) *Launcher {
	return &Launcher{browsers: browsers}
}

func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, opts)
	if l.Err != nil {
		return nil, l.Err
	}
	if len(l.browsers) == 0 {
		return New(), nil
	}
	b := l.browsers[0]
	l.browsers = l.browsers[1:]
	return b, nil
}

// Launches はLaunchに渡されたオプションを順に返す。
func (l *Launcher) Launches() []browser.LaunchOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]browser.LaunchOptions(nil), l.launches...)
}
