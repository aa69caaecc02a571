// Package cleanup は保持期間を超過した取得データの削除ジョブを提供する。
// データベースのバッチ・レコードと、月別ディレクトリのファイルを対象とする。
// batch_resultsはCASCADE削除で自動的に処理される。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays はデフォルトの保持日数。
const DefaultRetentionDays = 180

// Deleter は指定時刻より古い行を削除する。
// repository.RecordRepository と repository.BatchRepository が満たす。
type Deleter interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// FilePruner は指定時刻の月より前のディレクトリを削除する。
type FilePruner interface {
	PruneBefore(before time.Time) (int, error)
}

// Result は1回の削除の件数。
type Result struct {
	Records int64
	Batches int64
	Months  int
}

// CleanupJob は保持期間を超過したデータの削除ジョブ。
// 冪等であり、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	records Deleter
	batches Deleter
	files   FilePruner
	logger  *slog.Logger
	now     func() time.Time

	RetentionDays int // 保持日数（デフォルト: 180）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// 使用しない保存先にはnilを渡す。
func NewCleanupJob(records, batches Deleter, files FilePruner, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		records:       records,
		batches:       batches,
		files:         files,
		logger:        logger,
		now:           time.Now,
		RetentionDays: DefaultRetentionDays,
	}
}

// Cutoff は削除の境界時刻を返す。
func (j *CleanupJob) Cutoff() time.Time {
	return j.now().AddDate(0, 0, -j.RetentionDays)
}

// Run はCutoffより古いデータを削除する。
// 1つの保存先で失敗しても残りの保存先の削除は続ける。
func (j *CleanupJob) Run(ctx context.Context) (Result, error) {
	if j.RetentionDays <= 0 {
		return Result{}, fmt.Errorf("保持日数は1以上を指定してください: %d", j.RetentionDays)
	}
	start := time.Now()
	cutoff := j.Cutoff()

	var res Result
	var errs []error
	if j.records != nil {
		n, err := j.records.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("レコードの削除に失敗: %w", err))
		}
		res.Records = n
	}
	// レコードの削除中にキャンセルされた場合はバッチを残す
	if err := ctx.Err(); err != nil {
		return res, errors.Join(append(errs, err)...)
	}
	if j.batches != nil {
		n, err := j.batches.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("バッチの削除に失敗: %w", err))
		}
		res.Batches = n
	}
	if j.files != nil {
		n, err := j.files.PruneBefore(cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("ファイルの削除に失敗: %w", err))
		}
		res.Months = n
	}

	if err := errors.Join(errs...); err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return res, err
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_records", res.Records),
		slog.Int64("deleted_batches", res.Batches),
		slog.Int("deleted_months", res.Months),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return res, nil
}
