// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/tagscout/internal/model"
)

// RecordRepository は抽出レコードの永続化インターフェース。
type RecordRepository interface {
	// Save はレコードを保存する。batchIDは空でもよい。
	Save(ctx context.Context, batchID string, record *model.HashtagRecord) error

	// LatestByHashtag は指定ハッシュタグの最新レコードを取得する。見つからない場合はnilを返す。
	LatestByHashtag(ctx context.Context, hashtag string) (*model.HashtagRecord, error)

	// ListByHashtag は指定ハッシュタグのレコードを新しい順に最大limit件取得する。
	ListByHashtag(ctx context.Context, hashtag string, limit int) ([]*model.HashtagRecord, error)

	// DeleteOlderThan はbeforeより前に取得したレコードを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// BatchRepository はバッチ実行結果の永続化インターフェース。
type BatchRepository interface {
	// Save は確定したバッチと対象ごとの結果を保存する。同じIDで再保存すると上書きする。
	Save(ctx context.Context, run *model.BatchRun) error

	// FindByID は指定IDのバッチを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.BatchRun, error)

	// ListRecent は新しい順に最大limit件のバッチ概要を取得する。
	ListRecent(ctx context.Context, limit int) ([]BatchSummary, error)

	// DeleteOlderThan はbeforeより前に開始したバッチを削除し、削除件数を返す。
	// 対象ごとの結果はCASCADE削除される。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// BatchSummary は一覧表示用のバッチ概要。
type BatchSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Targets    int       `json:"targets"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Halted     bool      `json:"halted"`
	HaltReason string    `json:"halt_reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
