package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/tagscout/internal/model"
)

// PostgresBatchRepo はPostgreSQLを使用したバッチリポジトリ。
type PostgresBatchRepo struct {
	db *sql.DB
}

// NewPostgresBatchRepo はPostgresBatchRepoを生成する。
func NewPostgresBatchRepo(db *sql.DB) *PostgresBatchRepo {
	return &PostgresBatchRepo{db: db}
}

// Save はバッチと対象ごとの結果を同一トランザクションで保存する。
func (r *PostgresBatchRepo) Save(ctx context.Context, run *model.BatchRun) error {
	tally, err := json.Marshal(run.Tally)
	if err != nil {
		return fmt.Errorf("failed to encode tally: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batch_runs (id, name, target_count, succeeded, failed, tally, halted, halt_reason, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		     succeeded = EXCLUDED.succeeded,
		     failed = EXCLUDED.failed,
		     tally = EXCLUDED.tally,
		     halted = EXCLUDED.halted,
		     halt_reason = EXCLUDED.halt_reason,
		     finished_at = EXCLUDED.finished_at`,
		run.ID, run.Name, len(run.Targets), run.Succeeded(), run.Failed(), tally,
		run.Halted, nullString(run.HaltReason), run.StartedAt, nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert batch run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM batch_results WHERE batch_id = $1`, run.ID); err != nil {
		return fmt.Errorf("failed to clear batch results: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO batch_results (batch_id, position, hashtag, kind, field, error, attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare batch result insert: %w", err)
	}
	defer stmt.Close()

	for i, res := range run.Results {
		_, err := stmt.ExecContext(ctx,
			run.ID, i, res.Target.Hashtag, string(res.Result.Kind),
			nullString(res.Result.Field), nullString(res.Result.Err), res.Result.Attempts,
		)
		if err != nil {
			return fmt.Errorf("failed to insert batch result %s: %w", res.Target.Hashtag, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindByID は指定IDのバッチを結果込みで取得する。見つからない場合はnilを返す。
func (r *PostgresBatchRepo) FindByID(ctx context.Context, id string) (*model.BatchRun, error) {
	var name string
	var halted bool
	var haltReason sql.NullString
	var startedAt time.Time
	var finishedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT name, halted, halt_reason, started_at, finished_at
		 FROM batch_runs WHERE id = $1`,
		id,
	).Scan(&name, &halted, &haltReason, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find batch run: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT hashtag, kind, field, error, attempts
		 FROM batch_results WHERE batch_id = $1 ORDER BY position`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch results: %w", err)
	}
	defer rows.Close()

	var targets []model.FetchTarget
	var results []model.FetchResult
	for rows.Next() {
		var hashtag, kind string
		var field, errMsg sql.NullString
		var res model.FetchResult
		if err := rows.Scan(&hashtag, &kind, &field, &errMsg, &res.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan batch result: %w", err)
		}
		res.Kind = model.ResultKind(kind)
		res.Field = nullStringValue(field)
		res.Err = nullStringValue(errMsg)
		targets = append(targets, model.FetchTarget{Hashtag: hashtag})
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batch results: %w", err)
	}

	run := model.NewBatchRun(id, name, targets, startedAt)
	for i, res := range results {
		run.Append(targets[i], res)
	}
	if halted {
		run.Halt(nullStringValue(haltReason))
	}
	if finishedAt.Valid {
		run.Close(finishedAt.Time)
	}
	return run, nil
}

// ListRecent は新しい順に最大limit件のバッチ概要を取得する。
func (r *PostgresBatchRepo) ListRecent(ctx context.Context, limit int) ([]BatchSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, target_count, succeeded, failed, halted, halt_reason, started_at, finished_at
		 FROM batch_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch runs: %w", err)
	}
	defer rows.Close()

	var summaries []BatchSummary
	for rows.Next() {
		var s BatchSummary
		var haltReason sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.Name, &s.Targets, &s.Succeeded, &s.Failed,
			&s.Halted, &haltReason, &s.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch run: %w", err)
		}
		s.HaltReason = nullStringValue(haltReason)
		if finishedAt.Valid {
			s.FinishedAt = finishedAt.Time
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batch runs: %w", err)
	}
	return summaries, nil
}

// DeleteOlderThan はbeforeより前に開始したバッチを削除する。
func (r *PostgresBatchRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM batch_runs WHERE started_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old batch runs: %w", err)
	}
	return result.RowsAffected()
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTime はゼロ値の時刻をNULLとして扱う。
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
