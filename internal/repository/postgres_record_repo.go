package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/tagscout/internal/model"
)

// PostgresRecordRepo はPostgreSQLを使用したレコードリポジトリ。
type PostgresRecordRepo struct {
	db *sql.DB
}

// NewPostgresRecordRepo はPostgresRecordRepoを生成する。
func NewPostgresRecordRepo(db *sql.DB) *PostgresRecordRepo {
	return &PostgresRecordRepo{db: db}
}

const recordColumns = `hashtag, url, post_count, related_tags, top_posts, captured_at`

// Save はレコードを保存する。
func (r *PostgresRecordRepo) Save(ctx context.Context, batchID string, record *model.HashtagRecord) error {
	topPosts, err := json.Marshal(nonNilPosts(record.TopPosts))
	if err != nil {
		return fmt.Errorf("failed to encode top posts: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO hashtag_records (id, batch_id, `+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(), nullString(batchID),
		record.Hashtag, record.URL, record.PostCount,
		pq.Array(nonNilStrings(record.RelatedTags)), topPosts, record.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert hashtag record %s: %w", record.Hashtag, err)
	}
	return nil
}

// LatestByHashtag は指定ハッシュタグの最新レコードを取得する。見つからない場合はnilを返す。
func (r *PostgresRecordRepo) LatestByHashtag(ctx context.Context, hashtag string) (*model.HashtagRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+`
		 FROM hashtag_records WHERE hashtag = $1
		 ORDER BY captured_at DESC LIMIT 1`,
		hashtag,
	)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest record for %s: %w", hashtag, err)
	}
	return record, nil
}

// ListByHashtag は指定ハッシュタグのレコードを新しい順に最大limit件取得する。
func (r *PostgresRecordRepo) ListByHashtag(ctx context.Context, hashtag string, limit int) ([]*model.HashtagRecord, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+`
		 FROM hashtag_records WHERE hashtag = $1
		 ORDER BY captured_at DESC LIMIT $2`,
		hashtag, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list records for %s: %w", hashtag, err)
	}
	defer rows.Close()

	var records []*model.HashtagRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

// DeleteOlderThan はbeforeより前に取得したレコードを削除する。
func (r *PostgresRecordRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM hashtag_records WHERE captured_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old records: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.HashtagRecord, error) {
	record := &model.HashtagRecord{}
	var related pq.StringArray
	var topPosts []byte

	err := row.Scan(
		&record.Hashtag, &record.URL, &record.PostCount,
		&related, &topPosts, &record.CapturedAt,
	)
	if err != nil {
		return nil, err
	}

	record.RelatedTags = nonNilStrings(related)
	if err := json.Unmarshal(topPosts, &record.TopPosts); err != nil {
		return nil, fmt.Errorf("failed to decode top posts: %w", err)
	}
	record.TopPosts = nonNilPosts(record.TopPosts)
	return record, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilPosts(p []model.TopPost) []model.TopPost {
	if p == nil {
		return []model.TopPost{}
	}
	return p
}
