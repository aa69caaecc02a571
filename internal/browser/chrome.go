package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/hitoshi/tagscout/internal/model"
)

// hideWebdriverScript は自動制御フラグをページから隠す。
const hideWebdriverScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined})`

// ChromeLauncher はchromedpでローカルのChromeを起動するLauncher。
type ChromeLauncher struct {
	logger    *slog.Logger
	opTimeout time.Duration
}

// NewChromeLauncher はChromeLauncherを生成する。
// opTimeoutはページ操作1回あたりの上限時間。
func NewChromeLauncher(logger *slog.Logger, opTimeout time.Duration) *ChromeLauncher {
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}
	return &ChromeLauncher{logger: logger, opTimeout: opTimeout}
}

// AllocatorOptions はChrome起動フラグを組み立てる。
func AllocatorOptions(opts LaunchOptions) []chromedp.ExecAllocatorOption {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.DisableGPU,
		chromedp.WindowSize(1920, 1080),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ChromePath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ChromePath))
	}
	return allocOpts
}

// Launch はChromeを起動してBrowserを返す。
// ブラウザの寿命は呼び出し元のコンテキストから独立しており、Closeで終了させる。
func (l *ChromeLauncher) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(opts)...)
	bctx, bcancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			l.logger.Debug("chromedp", slog.String("detail", fmt.Sprintf(format, args...)))
		}),
	)

	// ブラウザ起動と自動制御フラグの無効化
	err := chromedp.Run(bctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriverScript).Do(ctx)
		return err
	}))
	if err != nil {
		bcancel()
		allocCancel()
		return nil, fmt.Errorf("ブラウザの起動に失敗: %w", err)
	}

	l.logger.Info("ブラウザを起動しました",
		slog.Bool("headless", opts.Headless),
	)

	return &chromeBrowser{
		ctx:         bctx,
		cancel:      bcancel,
		allocCancel: allocCancel,
		opTimeout:   l.opTimeout,
	}, nil
}

// chromeBrowser はchromedpのタブ1つをBrowserとして扱う。
type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	opTimeout   time.Duration

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// opContext はブラウザコンテキストから操作用のタイムアウト付きコンテキストを作る。
// 呼び出し元のキャンセルは操作開始前にのみ確認し、実行中の遷移は完了まで待つ。
func (b *chromeBrowser) opContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed || b.ctx.Err() != nil {
		return nil, nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	runCtx, cancel := context.WithTimeout(b.ctx, b.opTimeout)
	return runCtx, cancel, nil
}

// runError はchromedpの失敗を包む。ウィンドウが閉じられるなどしてタブのコンテキストが
// 終了している場合はErrClosedとして返す。
func (b *chromeBrowser) runError(msg string, err error) error {
	if b.ctx.Err() != nil {
		return fmt.Errorf("%s: %w", msg, ErrClosed)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func (b *chromeBrowser) Navigate(ctx context.Context, url string) (*Response, error) {
	runCtx, cancel, err := b.opContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		return nil, b.runError("ページ遷移に失敗 "+url, err)
	}

	out := &Response{URL: url}
	if resp != nil {
		out.StatusCode = int(resp.Status)
		if resp.URL != "" {
			out.URL = resp.URL
		}
	}
	return out, nil
}

func (b *chromeBrowser) Location(ctx context.Context) (string, error) {
	runCtx, cancel, err := b.opContext(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	var loc string
	if err := chromedp.Run(runCtx, chromedp.Location(&loc)); err != nil {
		return "", b.runError("URLの取得に失敗", err)
	}
	return loc, nil
}

func (b *chromeBrowser) HTML(ctx context.Context) (string, error) {
	runCtx, cancel, err := b.opContext(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", b.runError("HTMLの取得に失敗", err)
	}
	return html, nil
}

func (b *chromeBrowser) Cookies(ctx context.Context) ([]model.Cookie, error) {
	runCtx, cancel, err := b.opContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var cookies []*network.Cookie
	err = chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, b.runError("Cookieの取得に失敗", err)
	}
	return FromNetworkCookies(cookies), nil
}

func (b *chromeBrowser) SetCookies(ctx context.Context, cookies []model.Cookie) error {
	runCtx, cancel, err := b.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	params := ToCookieParams(cookies)
	err = chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return b.runError("Cookieの設定に失敗", err)
	}
	return nil
}

func (b *chromeBrowser) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		err = chromedp.Cancel(b.ctx)
		b.cancel()
		b.allocCancel()
	})
	return err
}
