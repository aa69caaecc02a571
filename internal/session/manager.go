// Package session はログインセッションのライフサイクルを管理する。
// 保存済みトークンからのセッション確立と、オペレーターによる対話的ログインのみを行い、
// 自動での再ログインは行わない。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/tagscout/internal/browser"
	"github.com/hitoshi/tagscout/internal/credential"
	"github.com/hitoshi/tagscout/internal/model"
)

// State はセッションの状態。
type State string

const (
	StateNoToken State = "no_token"
	StateValid   State = "valid"
	StateInvalid State = "invalid"
)

// Options はManagerの設定。
type Options struct {
	BaseURL      string
	TokenMaxAge  time.Duration // 0の場合は経過時間による失効を行わない
	PollInterval time.Duration
	ChromePath   string
	UserAgent    string
}

// Manager はブラウザセッションを確立・破棄する。
type Manager struct {
	store    credential.Store
	launcher browser.Launcher
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	mu    sync.Mutex
	state State
	live  browser.Browser
}

// NewManager は新しいManagerを生成する。
func NewManager(store credential.Store, launcher browser.Launcher, logger *slog.Logger, opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	return &Manager{
		store:    store,
		launcher: launcher,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		state:    StateNoToken,
	}
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// State は現在のセッション状態を返す。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session は確立済みのブラウザセッション。
type Session struct {
	browser browser.Browser
	token   *model.SessionToken
	m       *Manager
}

// Page は抽出エンジンに渡すページハンドルを返す。
func (s *Session) Page() browser.Page {
	return s.browser
}

// Token はセッション確立に使用したトークンを返す。
func (s *Session) Token() *model.SessionToken {
	return s.token
}

// Close はブラウザを終了する。トークンは保持したまま。
func (s *Session) Close() error {
	s.m.release(s.browser)
	return s.browser.Close()
}

func (m *Manager) loginURL() string {
	return m.opts.BaseURL + "/accounts/login/"
}

func (m *Manager) probeURL() string {
	return m.opts.BaseURL + "/"
}

func (m *Manager) launchOptions(headless bool) browser.LaunchOptions {
	return browser.LaunchOptions{
		Headless:   headless,
		ChromePath: m.opts.ChromePath,
		UserAgent:  m.opts.UserAgent,
	}
}

// Acquire は保存済みトークンからセッションを確立する。
// トークンが存在しない・古い・プローブで無効と判定された場合はErrAuthRequiredを返す。
func (m *Manager) Acquire(ctx context.Context, headless bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live != nil {
		m.live.Close()
		m.live = nil
	}

	token, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("保存済みトークンを読み込めません", slog.String("error", err.Error()))
		m.state = StateInvalid
		return nil, fmt.Errorf("%w: %v", model.ErrAuthRequired, err)
	}
	if token == nil || len(token.Cookies) == 0 {
		m.logger.Info("保存済みトークンがありません")
		m.state = StateNoToken
		return nil, model.ErrAuthRequired
	}
	if _, ok := token.Cookie(SessionCookieName); !ok {
		m.logger.Warn("トークンにセッションCookieが含まれていません")
		m.state = StateInvalid
		return nil, model.ErrAuthRequired
	}
	if age := token.Age(m.now()); m.opts.TokenMaxAge > 0 && age > m.opts.TokenMaxAge {
		m.logger.Warn("保存済みトークンの有効期間を超えています",
			slog.Duration("age", age),
			slog.Duration("max_age", m.opts.TokenMaxAge),
		)
		m.state = StateInvalid
		return nil, model.ErrAuthRequired
	}

	b, err := m.launcher.Launch(ctx, m.launchOptions(headless))
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	if err := m.probe(ctx, b, token); err != nil {
		b.Close()
		if errors.Is(err, model.ErrAuthRequired) {
			m.state = StateInvalid
		}
		return nil, err
	}

	m.state = StateValid
	m.live = b
	m.logger.Info("セッションを確立しました", slog.Time("saved_at", token.SavedAt))
	return &Session{browser: b, token: token, m: m}, nil
}

// probe はCookieを設定してトップページを開き、ログイン状態を確認する。
func (m *Manager) probe(ctx context.Context, b browser.Browser, token *model.SessionToken) error {
	if err := b.SetCookies(ctx, token.Cookies); err != nil {
		return fmt.Errorf("failed to install cookies: %w", err)
	}
	if _, err := b.Navigate(ctx, m.probeURL()); err != nil {
		return fmt.Errorf("failed to open probe page: %w", err)
	}

	loc, err := b.Location(ctx)
	if err != nil {
		return fmt.Errorf("failed to read location: %w", err)
	}
	if IsAuthWall(loc) {
		m.logger.Warn("ログイン画面にリダイレクトされました", slog.String("url", loc))
		return model.ErrAuthRequired
	}

	cookies, err := b.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cookies: %w", err)
	}
	if !hasSessionCookie(cookies) {
		m.logger.Warn("プローブ後にセッションCookieがありません")
		return model.ErrAuthRequired
	}
	return nil
}

// EstablishInteractive は表示ありのブラウザでログイン画面を開き、
// オペレーターがログイン（2段階認証を含む）を完了するまで待機する。
// タイムアウトは呼び出し元のコンテキストのみ。キャンセルされるか、オペレーターがブラウザを
// 閉じた場合にErrAuthAbandonedを返す。状態取得の一時的な失敗ではログイン待ちをやめない。
func (m *Manager) EstablishInteractive(ctx context.Context) (*model.SessionToken, error) {
	b, err := m.launcher.Launch(ctx, m.launchOptions(false))
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	defer b.Close()

	if _, err := b.Navigate(ctx, m.loginURL()); err != nil {
		if ctx.Err() != nil {
			return nil, model.ErrAuthAbandoned
		}
		return nil, fmt.Errorf("failed to open login page: %w", err)
	}

	m.logger.Info("ブラウザでログインしてください（2段階認証を含む）",
		slog.String("url", m.loginURL()),
	)

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("ログインが中断されました")
			return nil, model.ErrAuthAbandoned
		case <-ticker.C:
		}

		cookies, loggedIn, err := m.checkLoggedIn(ctx, b)
		if err != nil {
			if errors.Is(err, browser.ErrClosed) {
				m.logger.Info("ブラウザが閉じられたためログインを中断しました")
				return nil, fmt.Errorf("%w: %v", model.ErrAuthAbandoned, err)
			}
			failures++
			m.logger.Warn("ログイン状態の確認に失敗しました",
				slog.Int("failures", failures),
				slog.String("error", err.Error()),
			)
			continue
		}
		failures = 0
		if !loggedIn {
			continue
		}

		token := &model.SessionToken{
			Cookies: cookies,
			SavedAt: m.now(),
			URL:     m.probeURL(),
		}
		if err := m.store.Save(ctx, token); err != nil {
			return nil, fmt.Errorf("failed to save token: %w", err)
		}

		m.mu.Lock()
		m.state = StateValid
		m.mu.Unlock()

		m.logger.Info("ログインに成功し、トークンを保存しました",
			slog.Int("cookies", len(cookies)),
		)
		return token, nil
	}
}

// checkLoggedIn はログイン完了の兆候（認証画面以外のURLかつセッションCookieあり）を確認する。
func (m *Manager) checkLoggedIn(ctx context.Context, b browser.Browser) ([]model.Cookie, bool, error) {
	loc, err := b.Location(ctx)
	if err != nil {
		return nil, false, err
	}
	if IsAuthWall(loc) {
		return nil, false, nil
	}
	cookies, err := b.Cookies(ctx)
	if err != nil {
		return nil, false, err
	}
	if !hasSessionCookie(cookies) {
		return nil, false, nil
	}
	return cookies, true, nil
}

// Invalidate はブラウザを閉じ、保存済みトークンを削除する。
func (m *Manager) Invalidate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live != nil {
		m.live.Close()
		m.live = nil
	}
	if err := m.store.Clear(ctx); err != nil {
		m.state = StateInvalid
		return fmt.Errorf("failed to clear token: %w", err)
	}
	m.state = StateNoToken
	m.logger.Info("セッションを無効化しました")
	return nil
}

// Status はブラウザを起動せずに保存済みトークンの概要を返す。
type Status struct {
	State    State     `json:"state"`
	HasToken bool      `json:"has_token"`
	SavedAt  time.Time `json:"saved_at,omitempty"`
	Expired  bool      `json:"expired"`
}

// Status は現在の状態と保存済みトークンの情報を返す。
func (m *Manager) Status(ctx context.Context) (Status, error) {
	st := Status{State: m.State()}
	token, err := m.store.Load(ctx)
	if err != nil {
		return st, err
	}
	if token == nil {
		return st, nil
	}
	st.HasToken = true
	st.SavedAt = token.SavedAt
	st.Expired = m.opts.TokenMaxAge > 0 && token.Age(m.now()) > m.opts.TokenMaxAge
	return st, nil
}

func (m *Manager) release(b browser.Browser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live == b {
		m.live = nil
	}
}

func hasSessionCookie(cookies []model.Cookie) bool {
	for _, c := range cookies {
		if c.Name == SessionCookieName && c.Value != "" {
			return true
		}
	}
	return false
}
