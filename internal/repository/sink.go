package repository

import (
	"context"

	"github.com/hitoshi/tagscout/internal/model"
)

// Sink はレコードとバッチをリポジトリに書き込む保存先。
type Sink struct {
	records RecordRepository
	batches BatchRepository
}

// NewSink はSinkを生成する。
func NewSink(records RecordRepository, batches BatchRepository) *Sink {
	return &Sink{records: records, batches: batches}
}

// SaveRecord はレコードを保存する。
func (s *Sink) SaveRecord(ctx context.Context, batchID string, record *model.HashtagRecord) error {
	return s.records.Save(ctx, batchID, record)
}

// SaveBatch はバッチを保存する。
func (s *Sink) SaveBatch(ctx context.Context, run *model.BatchRun) error {
	return s.batches.Save(ctx, run)
}
