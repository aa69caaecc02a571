package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/tagscout/internal/model"
	"github.com/hitoshi/tagscout/internal/worker/batch"
)

// BatchExecutor はバッチを実行する。
type BatchExecutor interface {
	Run(ctx context.Context, name string, targets []model.FetchTarget, opts batch.Options) *model.BatchRun
}

// TargetLoader はタグファイルから取得対象を読み込む。
type TargetLoader func(path string) ([]model.FetchTarget, error)

// BatchRunner はジョブのタグファイルを読み込んでバッチを実行するRunner。
type BatchRunner struct {
	batches  BatchExecutor
	load     TargetLoader
	defaults batch.Options
	now      func() time.Time
}

// NewBatchRunner は新しいBatchRunnerを生成する。defaultsはジョブごとの設定がない項目に使う。
func NewBatchRunner(batches BatchExecutor, load TargetLoader, defaults batch.Options) *BatchRunner {
	return &BatchRunner{
		batches:  batches,
		load:     load,
		defaults: defaults,
		now:      time.Now,
	}
}

// RunEntry はジョブのタグファイルを読み込んでバッチを実行する。
// 対象が0件の場合は(nil, nil)を返す。
func (r *BatchRunner) RunEntry(ctx context.Context, entry model.ScheduleEntry) (*model.BatchRun, error) {
	targets, err := r.load(entry.TargetsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load targets for %s: %w", entry.Name, err)
	}
	if len(targets) == 0 {
		return nil, nil
	}

	name := fmt.Sprintf("%s_%s", entry.Name, r.now().Format("20060102_150405"))
	return r.batches.Run(ctx, name, targets, r.Options(entry.Options)), nil
}

// Options はジョブ設定を既定値に重ねたバッチ設定を返す。
func (r *BatchRunner) Options(eo model.EntryOptions) batch.Options {
	opts := r.defaults
	if eo.Headless != nil {
		opts.Headless = *eo.Headless
	}
	if eo.MaxAttempts > 0 {
		opts.Retry.MaxAttempts = eo.MaxAttempts
	}
	if eo.DelayMax > 0 {
		opts.Delay = batch.NewUniformDelay(eo.DelayMin, eo.DelayMax)
	}
	return opts
}
