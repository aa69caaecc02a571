// Package batch は複数のハッシュタグを1つのブラウザセッションで順に取得する。
// 対象間には人間らしいランダムな間隔を空け、セッション切れを検知した時点で中断する。
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/tagscout/internal/browser"
	"github.com/hitoshi/tagscout/internal/metrics"
	"github.com/hitoshi/tagscout/internal/model"
	"github.com/hitoshi/tagscout/internal/session"
	"github.com/hitoshi/tagscout/internal/worker/fetch"
)

// 中断理由
const (
	HaltAuthRequired   = "auth_required"
	HaltSessionExpired = "session_expired"
	HaltSessionError   = "session_error"
	HaltCancelled      = "cancelled"
)

// SessionManager はバッチが使うセッション操作。
type SessionManager interface {
	Acquire(ctx context.Context, headless bool) (*session.Session, error)
	Invalidate(ctx context.Context) error
}

// Fetcher は1対象のフェッチを行う。
type Fetcher interface {
	Fetch(ctx context.Context, page browser.Page, target model.FetchTarget, policy fetch.RetryPolicy) model.FetchResult
}

// Progress は1対象の処理が終わるたびに通知される進捗。
type Progress struct {
	BatchID string
	Index   int // 0始まり
	Total   int
	Target  model.FetchTarget
	Result  model.FetchResult
}

// Options は1回のバッチ実行の設定。
type Options struct {
	Headless   bool
	Retry      fetch.RetryPolicy
	Delay      DelayPolicy // nilの場合は待機しない
	OnProgress func(Progress)
}

// Coordinator はバッチを実行する。ブラウザセッションは1つのため、Runは同時に1つだけ実行される。
type Coordinator struct {
	sessions SessionManager
	fetcher  Fetcher
	sink     RecordSink
	limiter  *rate.Limiter
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	sleep    fetch.SleepFunc
	now      func() time.Time
	newID    func() string

	mu sync.Mutex
}

// NewCoordinator は新しいCoordinatorを生成する。sinkとmcはnilでもよい。
func NewCoordinator(sessions SessionManager, fetcher Fetcher, sink RecordSink, mc metrics.MetricsCollector, logger *slog.Logger) *Coordinator {
	if sink == nil {
		sink = DiscardSink{}
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Coordinator{
		sessions: sessions,
		fetcher:  fetcher,
		sink:     sink,
		metrics:  mc,
		logger:   logger,
		sleep:    fetch.Sleep,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// SetLimiter は1時間あたりのリクエスト上限を設定する。nilで無効。
func (c *Coordinator) SetLimiter(l *rate.Limiter) {
	c.limiter = l
}

// SetSleep は待機関数を差し替える（テスト用）。
func (c *Coordinator) SetSleep(sleep fetch.SleepFunc) {
	c.sleep = sleep
}

// NewHourlyLimiter は1時間あたりn回を上限とするリミッターを返す。n<=0の場合はnil。
func NewHourlyLimiter(n int) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Hour/time.Duration(n)), n)
}

// Run は対象を入力順に取得し、確定したBatchRunを返す。
//   - セッションを確立できない場合は全対象をスキップして中断する
//   - セッション切れを検知した時点で中断し、未処理の対象をスキップしてセッションを無効化する
//   - キャンセル時は未処理の対象をスキップする
//
// 成功したレコードは到着順にRecordSinkへ渡す。保存の失敗はログに記録するだけでバッチは継続する。
func (c *Coordinator) Run(ctx context.Context, name string, targets []model.FetchTarget, opts Options) *model.BatchRun {
	c.mu.Lock()
	defer c.mu.Unlock()

	run := model.NewBatchRun(c.newID(), name, targets, c.now())
	c.logger.Info("バッチを開始します",
		slog.String("batch_id", run.ID),
		slog.String("name", name),
		slog.Int("targets", len(targets)),
	)
	defer c.finish(ctx, run)

	if len(targets) == 0 {
		return run
	}

	sess, err := c.sessions.Acquire(ctx, opts.Headless)
	if err != nil {
		reason := HaltSessionError
		if errors.Is(err, model.ErrAuthRequired) {
			reason = HaltAuthRequired
			g := model.AuthRequiredGuidance()
			c.logger.Error(g.Message,
				slog.String("batch_id", run.ID),
				slog.String("action", g.Action),
			)
		} else {
			c.logger.Error("セッションを確立できません",
				slog.String("batch_id", run.ID),
				slog.String("error", err.Error()),
			)
		}
		c.skipFrom(run, 0, reason, opts)
		return run
	}
	defer sess.Close()

	for i, target := range targets {
		if err := c.pace(ctx, i, target, opts); err != nil {
			c.skipFrom(run, i, HaltCancelled, opts)
			return run
		}

		result := c.fetcher.Fetch(ctx, sess.Page(), target, opts.Retry)
		run.Append(target, result)
		c.progress(run, i, target, result, opts)

		if result.OK() {
			if err := c.sink.SaveRecord(context.WithoutCancel(ctx), run.ID, result.Record); err != nil {
				c.logger.Error("レコードの保存に失敗しました",
					slog.String("batch_id", run.ID),
					slog.String("hashtag", target.Hashtag),
					slog.String("error", err.Error()),
				)
			}
		}

		switch result.Kind {
		case model.ResultSessionExpired:
			c.logger.Error("セッション切れのためバッチを中断します",
				slog.String("batch_id", run.ID),
				slog.String("hashtag", target.Hashtag),
				slog.Int("remaining", len(targets)-i-1),
				slog.String("action", model.GuidanceFor(result.Kind).Action),
			)
			c.skipFrom(run, i+1, HaltSessionExpired, opts)
			if err := c.sessions.Invalidate(context.WithoutCancel(ctx)); err != nil {
				c.logger.Error("セッションの無効化に失敗しました",
					slog.String("error", err.Error()),
				)
			}
			return run
		case model.ResultCancelled:
			c.skipFrom(run, i+1, HaltCancelled, opts)
			return run
		}
	}
	return run
}

// pace は対象の取得前に待機する。最初の対象の前は待たない。
// 対象にDelayHintがあればポリシーの値より優先する。
func (c *Coordinator) pace(ctx context.Context, i int, target model.FetchTarget, opts Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if i > 0 {
		d := target.DelayHint
		if d <= 0 && opts.Delay != nil {
			d = opts.Delay.Next(i)
		}
		if d > 0 {
			c.logger.Debug("次の対象まで待機します",
				slog.String("hashtag", target.Hashtag),
				slog.Duration("delay", d),
			)
			if err := c.sleep(ctx, d); err != nil {
				return err
			}
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// skipFrom はfrom以降の対象をスキップとして記録し、バッチを中断する。
func (c *Coordinator) skipFrom(run *model.BatchRun, from int, reason string, opts Options) {
	run.Halt(reason)
	for i := from; i < len(run.Targets); i++ {
		t := run.Targets[i]
		result := model.FetchResult{Kind: model.ResultSkipped, Err: reason}
		run.Append(t, result)
		c.progress(run, i, t, result, opts)
	}
}

func (c *Coordinator) progress(run *model.BatchRun, i int, target model.FetchTarget, result model.FetchResult, opts Options) {
	if opts.OnProgress == nil {
		return
	}
	opts.OnProgress(Progress{
		BatchID: run.ID,
		Index:   i,
		Total:   len(run.Targets),
		Target:  target,
		Result:  result,
	})
}

// finish はバッチを確定して保存先とメトリクスに渡す。
func (c *Coordinator) finish(ctx context.Context, run *model.BatchRun) {
	run.Close(c.now())
	c.metrics.RecordBatch(run)

	if err := c.sink.SaveBatch(context.WithoutCancel(ctx), run); err != nil {
		c.logger.Error("バッチ結果の保存に失敗しました",
			slog.String("batch_id", run.ID),
			slog.String("error", err.Error()),
		)
	}

	attrs := []any{
		slog.String("batch_id", run.ID),
		slog.String("name", run.Name),
		slog.Int("succeeded", run.Succeeded()),
		slog.Int("failed", run.Failed()),
		slog.Duration("duration", run.Duration()),
	}
	if run.Halted {
		c.logger.Warn("バッチを中断しました", append(attrs, slog.String("halt_reason", run.HaltReason))...)
		return
	}
	c.logger.Info("バッチが完了しました", attrs...)
}
