// Package schedule は定期ジョブの起動時刻計算と逐次実行を提供する。
// 起動時刻の計算は純粋関数NextTriggerに分離し、待機はタイマーに任せる。
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/tagscout/internal/metrics"
	"github.com/hitoshi/tagscout/internal/model"
)

// DefaultMisfireGrace はタイマーの遅延をプロセス停止とみなす閾値。
const DefaultMisfireGrace = 5 * time.Minute

// Runner は1件のジョブを実行する。
type Runner interface {
	RunEntry(ctx context.Context, entry model.ScheduleEntry) (*model.BatchRun, error)
}

// Notifier はジョブ結果の通知先。
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// Upcoming は次回の実行予定。
type Upcoming struct {
	Entry model.ScheduleEntry
	At    time.Time
}

// Scheduler は有効なジョブを起動時刻に逐次実行する。
//   - 同時刻のジョブは定義順に1件ずつ実行する
//   - 実行できなかった過去の起動時刻は遡って実行しない
//   - 1件の失敗は他のジョブや次回以降の実行に影響しない
type Scheduler struct {
	entries  []model.ScheduleEntry
	settings Settings
	runner   Runner
	notifier Notifier
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
	loc      *time.Location
	grace    time.Duration

	mu   sync.Mutex
	next map[string]time.Time
}

// NewScheduler は定義の有効なジョブからSchedulerを生成する。notifierとmcはnilでもよい。
func NewScheduler(def *Definition, runner Runner, notifier Notifier, mc metrics.MetricsCollector, logger *slog.Logger) *Scheduler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Scheduler{
		entries:  def.Enabled(),
		settings: def.Settings,
		runner:   runner,
		notifier: notifier,
		metrics:  mc,
		logger:   logger,
		now:      time.Now,
		loc:      time.Local,
		grace:    DefaultMisfireGrace,
		next:     make(map[string]time.Time),
	}
}

// SetClock は現在時刻の取得関数を差し替える（テスト用）。
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetLocation は起動時刻を計算するタイムゾーンを設定する。
func (s *Scheduler) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

// SetMisfireGrace はプロセス停止とみなすタイマー遅延の閾値を設定する。
func (s *Scheduler) SetMisfireGrace(d time.Duration) {
	s.grace = d
}

// Entries は有効なジョブを定義順に返す。
func (s *Scheduler) Entries() []model.ScheduleEntry {
	return append([]model.ScheduleEntry(nil), s.entries...)
}

// Plan は全ジョブの次回起動時刻をnowから計算し直す。
func (s *Scheduler) Plan(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		s.reschedule(e, now)
	}
}

// reschedule はnowより後の次回起動時刻を設定する。呼び出し側でmuを保持すること。
func (s *Scheduler) reschedule(e model.ScheduleEntry, now time.Time) {
	next, err := NextTrigger(now.In(s.loc), e.Trigger)
	if err != nil {
		// 読み込み時に検証済みのため通常は到達しない
		s.logger.Error("次回実行時刻を計算できません",
			slog.String("entry", e.Name),
			slog.String("error", err.Error()),
		)
		delete(s.next, e.Name)
		return
	}
	s.next[e.Name] = next
}

// Upcoming は次回の実行予定を時刻順（同時刻は定義順）に返す。
func (s *Scheduler) Upcoming() []Upcoming {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Upcoming, 0, len(s.entries))
	for _, e := range s.entries {
		if at, ok := s.next[e.Name]; ok {
			out = append(out, Upcoming{Entry: e, At: at})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Start はコンテキストがキャンセルされるまでジョブを実行する。
// 起動時点より前の起動時刻は実行しない。
func (s *Scheduler) Start(ctx context.Context) {
	s.Plan(s.now())

	s.logger.Info("スケジューラを開始しました",
		slog.Int("entries", len(s.entries)),
	)
	for _, u := range s.Upcoming() {
		s.logger.Info("次回の実行予定",
			slog.String("entry", u.Entry.Name),
			slog.String("trigger", u.Entry.Trigger.String()),
			slog.Time("at", u.At),
		)
	}

	for {
		upcoming := s.Upcoming()
		if len(upcoming) == 0 {
			s.logger.Warn("有効なジョブがありません")
			<-ctx.Done()
			s.logger.Info("スケジューラを停止しました")
			return
		}

		waitStart := s.now()
		wake := upcoming[0].At
		if wake.Before(waitStart) {
			wake = waitStart
		}

		timer := time.NewTimer(wake.Sub(waitStart))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("スケジューラを停止しました")
			return
		case <-timer.C:
			s.wake(ctx, wake, s.now())
		}
	}
}

// wake はタイマー満了時の処理。予定より大きく遅れて起きた場合は
// プロセスが停止していたとみなし、期限切れのジョブを実行せずに次回へ送る。
func (s *Scheduler) wake(ctx context.Context, planned, now time.Time) int {
	if late := now.Sub(planned); s.grace > 0 && late > s.grace {
		s.mu.Lock()
		for _, e := range s.entries {
			if at, ok := s.next[e.Name]; ok && !at.After(planned) {
				s.reschedule(e, now)
				s.logger.Warn("実行予定時刻を過ぎたためスキップします",
					slog.String("entry", e.Name),
					slog.Time("missed", at),
					slog.Time("next", s.next[e.Name]),
				)
			}
		}
		s.mu.Unlock()
	}
	return s.RunDue(ctx, now)
}

// RunDue はnow時点で起動時刻に達したジョブを定義順に1件ずつ実行し、実行件数を返す。
// 実行後の次回起動時刻は実行終了時刻から計算するため、1回の期限につき実行は1回だけとなる。
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []model.ScheduleEntry
	for _, e := range s.entries {
		if at, ok := s.next[e.Name]; ok && !at.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	ran := 0
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		s.runEntry(ctx, e)
		ran++

		s.mu.Lock()
		s.reschedule(e, s.now())
		s.mu.Unlock()
	}
	return ran
}

// RunNow は指定ジョブを起動時刻に関係なく1回実行する。次回起動時刻は変更しない。
func (s *Scheduler) RunNow(ctx context.Context, name string) (*model.BatchRun, error) {
	for _, e := range s.entries {
		if e.Name == name {
			return s.runEntry(ctx, e)
		}
	}
	return nil, fmt.Errorf("schedule entry %q not found", name)
}

// runEntry は1件のジョブを実行して結果を記録・通知する。
// ジョブ内のpanicはエラーとして扱い、スケジューラを止めない。
func (s *Scheduler) runEntry(ctx context.Context, e model.ScheduleEntry) (run *model.BatchRun, err error) {
	start := s.now()
	s.logger.Info("ジョブを開始します",
		slog.String("entry", e.Name),
		slog.String("trigger", e.Trigger.String()),
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in job %s: %v", e.Name, r)
			}
		}()
		run, err = s.runner.RunEntry(ctx, e)
	}()

	ok := err == nil && run != nil && run.AllSucceeded()
	s.metrics.RecordScheduledRun(e.Name, ok)

	switch {
	case err != nil:
		s.logger.Error("ジョブの実行に失敗しました",
			slog.String("entry", e.Name),
			slog.String("error", err.Error()),
		)
		if s.settings.ErrorNotification {
			s.notify(ctx, fmt.Sprintf("ジョブエラー: %s", e.Name), err.Error())
		}
	case run == nil:
		s.logger.Warn("処理するハッシュタグがありません",
			slog.String("entry", e.Name),
		)
	case !ok:
		s.logger.Warn("ジョブが失敗を含んで終了しました",
			slog.String("entry", e.Name),
			slog.Int("succeeded", run.Succeeded()),
			slog.Int("failed", run.Failed()),
			slog.String("halt_reason", run.HaltReason),
		)
		if s.settings.ErrorNotification {
			s.notify(ctx, fmt.Sprintf("ジョブエラー: %s", e.Name), summary(run))
		}
	default:
		s.logger.Info("ジョブが完了しました",
			slog.String("entry", e.Name),
			slog.Int("succeeded", run.Succeeded()),
			slog.Duration("duration", s.now().Sub(start)),
		)
		if s.settings.SuccessNotification {
			s.notify(ctx, fmt.Sprintf("ジョブ %s が完了しました", e.Name), summary(run))
		}
	}
	return run, err
}

func (s *Scheduler) notify(ctx context.Context, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), title, message); err != nil {
		s.logger.Error("通知の送信に失敗しました",
			slog.String("title", title),
			slog.String("error", err.Error()),
		)
	}
}

// summary は通知本文用の集計を返す。
func summary(run *model.BatchRun) string {
	if run == nil {
		return ""
	}
	msg := fmt.Sprintf("成功: %d件, 失敗: %d件", run.Succeeded(), run.Failed())
	if run.Halted {
		msg += fmt.Sprintf(" (中断: %s)", run.HaltReason)
	}
	return msg
}
