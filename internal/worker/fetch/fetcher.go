package fetch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/tagscout/internal/browser"
	"github.com/hitoshi/tagscout/internal/metrics"
	"github.com/hitoshi/tagscout/internal/model"
)

// Extractor は1ページ分の抽出を行う。
type Extractor interface {
	Extract(ctx context.Context, page browser.Page, target model.FetchTarget) (*model.HashtagRecord, error)
}

// SleepFunc はキャンセル可能な待機。キャンセルされた場合はctx.Err()を返す。
type SleepFunc func(ctx context.Context, d time.Duration) error

// Coordinator は1対象のフェッチを状態機械として実行する。
// 結果は常にmodel.FetchResultとして返し、エラーは返さない。
type Coordinator struct {
	extractor Extractor
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	sleep     SleepFunc
	rand      func() float64
	now       func() time.Time
}

// NewCoordinator は新しいCoordinatorを生成する。mcがnilの場合はメトリクスを記録しない。
func NewCoordinator(extractor Extractor, mc metrics.MetricsCollector, logger *slog.Logger) *Coordinator {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Coordinator{
		extractor: extractor,
		metrics:   mc,
		logger:    logger,
		sleep:     Sleep,
		now:       time.Now,
	}
}

// SetSleep は待機関数を差し替える（テスト用）。
func (c *Coordinator) SetSleep(sleep SleepFunc) {
	c.sleep = sleep
}

// SetRand は揺らぎの乱数源を差し替える（テスト用）。
func (c *Coordinator) SetRand(rand func() float64) {
	c.rand = rand
}

// Sleep はdだけ待機する。ctxがキャンセルされた場合は即座に戻る。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fetch は対象を取得する。
//   - セッション切れ・存在しないページ・ページ構造の変化は即座に返す
//   - レート制限と一時的なエラーはMaxAttemptsまで指数バックオフで再試行する
//   - 各試行の開始前とバックオフ待機中にキャンセルを確認し、Cancelledを返す
//
// 実行中の試行はキャンセルされても完了まで待つ。
func (c *Coordinator) Fetch(ctx context.Context, page browser.Page, target model.FetchTarget, policy RetryPolicy) model.FetchResult {
	policy = policy.normalized()
	backoff := NewBackoff(policy, c.rand)

	var last model.FetchResult
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return c.finish(target, model.FetchResult{
				Kind:     model.ResultCancelled,
				Err:      err.Error(),
				Attempts: attempt - 1,
			})
		}

		start := c.now()
		record, err := c.extractor.Extract(ctx, page, target)
		c.metrics.RecordFetchLatency(c.now().Sub(start))

		if err == nil {
			return c.finish(target, model.FetchResult{
				Kind:     model.ResultSuccess,
				Record:   record,
				Attempts: attempt,
			})
		}

		result := model.FetchResult{
			Kind:     Classify(err),
			Err:      err.Error(),
			Attempts: attempt,
		}
		var drift *model.SelectorDriftError
		if errors.As(err, &drift) {
			result.Field = drift.Field
			c.metrics.RecordSelectorDrift(drift.Field)
		}
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			result.Kind = model.ResultCancelled
		}

		if !Retryable(result.Kind) {
			return c.finish(target, result)
		}
		last = result
		if attempt == policy.MaxAttempts {
			break
		}

		delay := backoff.Next(result.Kind, attempt)
		c.logger.Warn("フェッチに失敗したため再試行します",
			slog.String("hashtag", target.Hashtag),
			slog.String("kind", string(result.Kind)),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", policy.MaxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", result.Err),
		)
		c.metrics.RecordRetry(result.Kind)

		if err := c.sleep(ctx, delay); err != nil {
			return c.finish(target, model.FetchResult{
				Kind:     model.ResultCancelled,
				Err:      err.Error(),
				Attempts: attempt,
			})
		}
	}

	return c.finish(target, last)
}

// finish は結果をログとメトリクスに記録して返す。
func (c *Coordinator) finish(target model.FetchTarget, result model.FetchResult) model.FetchResult {
	c.metrics.RecordFetchResult(result.Kind, result.Attempts)

	attrs := []any{
		slog.String("hashtag", target.Hashtag),
		slog.String("kind", string(result.Kind)),
		slog.Int("attempts", result.Attempts),
	}
	switch result.Kind {
	case model.ResultSuccess:
		if r := result.Record; r != nil {
			attrs = append(attrs,
				slog.Int64("post_count", r.PostCount),
				slog.Int("related_tags", len(r.RelatedTags)),
				slog.Int("top_posts", len(r.TopPosts)),
			)
		}
		c.logger.Info("フェッチが完了しました", attrs...)
	case model.ResultCancelled:
		c.logger.Info("フェッチが中止されました", attrs...)
	default:
		g := model.GuidanceFor(result.Kind)
		if result.Field != "" {
			attrs = append(attrs, slog.String("field", result.Field))
		}
		c.logger.Error("フェッチに失敗しました", append(attrs,
			slog.String("error", result.Err),
			slog.String("action", g.Action),
		)...)
	}
	return result
}
