// Package notify はスケジュール実行結果の通知を送る。
// Webhookが未設定または送信に失敗した場合はログに出力する。
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Notifier は通知の送信先。
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// Payload はWebhookに送るJSON。textはSlack互換の受信側向け。
type Payload struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookNotifier は通知をJSONでPOSTする。
type WebhookNotifier struct {
	client *resty.Client
	url    string
	now    func() time.Time
}

// NewWebhookNotifier はWebhookNotifierを生成する。
// httpClientには送信先を検証済みのクライアントを渡す。
func NewWebhookNotifier(url string, httpClient *http.Client) *WebhookNotifier {
	client := resty.NewWithClient(httpClient).
		SetHeader("User-Agent", "tagscout/1.0").
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= http.StatusInternalServerError
		})
	return &WebhookNotifier{client: client, url: url, now: time.Now}
}

// SetRetry は5xx応答時の再送回数と待機時間を変更する。
func (n *WebhookNotifier) SetRetry(count int, wait time.Duration) *WebhookNotifier {
	n.client.SetRetryCount(count).
		SetRetryWaitTime(wait).
		SetRetryMaxWaitTime(2 * wait)
	return n
}

// Notify はWebhookに通知を送る。2xx以外の応答はエラーとする。
func (n *WebhookNotifier) Notify(ctx context.Context, title, message string) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(Payload{
			Title:     title,
			Message:   message,
			Text:      fmt.Sprintf("*%s*\n%s", title, message),
			Source:    "tagscout",
			Timestamp: n.now(),
		}).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// LogNotifier は通知をログに出力する。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify は通知内容をINFOで出力する。
func (n *LogNotifier) Notify(_ context.Context, title, message string) error {
	n.logger.Info("通知",
		slog.String("title", title),
		slog.String("message", message),
	)
	return nil
}

// Fallback はprimaryが失敗した場合にsecondaryへ送る。
type Fallback struct {
	primary   Notifier
	secondary Notifier
	logger    *slog.Logger
}

// NewFallback はFallbackを生成する。
func NewFallback(primary, secondary Notifier, logger *slog.Logger) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

// Notify はprimaryに送り、失敗時はsecondaryに送る。
// 両方失敗した場合のみエラーを返す。
func (f *Fallback) Notify(ctx context.Context, title, message string) error {
	err := f.primary.Notify(ctx, title, message)
	if err == nil {
		return nil
	}
	f.logger.Warn("通知の送信に失敗したため代替の送信先を使用します",
		slog.String("title", title),
		slog.String("error", err.Error()),
	)
	if ferr := f.secondary.Notify(ctx, title, message); ferr != nil {
		return errors.Join(err, ferr)
	}
	return nil
}

// New は設定に応じたNotifierを返す。
// webhookURLが空の場合はログのみ、それ以外はWebhookとログの代替を組み合わせる。
func New(webhookURL string, httpClient *http.Client, logger *slog.Logger) Notifier {
	logNotifier := NewLogNotifier(logger)
	if webhookURL == "" {
		return logNotifier
	}
	return NewFallback(NewWebhookNotifier(webhookURL, httpClient), logNotifier, logger)
}
