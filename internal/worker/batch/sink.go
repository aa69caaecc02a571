package batch

import (
	"context"
	"errors"

	"github.com/hitoshi/tagscout/internal/model"
)

// RecordSink はバッチの成果を受け取る保存先。
// SaveRecordは成功した対象ごとに到着順で、SaveBatchは確定したバッチに対して1回呼ばれる。
type RecordSink interface {
	SaveRecord(ctx context.Context, batchID string, record *model.HashtagRecord) error
	SaveBatch(ctx context.Context, run *model.BatchRun) error
}

// MultiSink は複数の保存先に順に書き込む。1つが失敗しても残りには書き込む。
type MultiSink []RecordSink

// SaveRecord は全保存先にレコードを書き込む。
func (m MultiSink) SaveRecord(ctx context.Context, batchID string, record *model.HashtagRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveRecord(ctx, batchID, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SaveBatch は全保存先にバッチを書き込む。
func (m MultiSink) SaveBatch(ctx context.Context, run *model.BatchRun) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveBatch(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DiscardSink は何も保存しない。
type DiscardSink struct{}

func (DiscardSink) SaveRecord(context.Context, string, *model.HashtagRecord) error { return nil }
func (DiscardSink) SaveBatch(context.Context, *model.BatchRun) error               { return nil }
