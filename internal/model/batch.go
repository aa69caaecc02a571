package model

import (
	"sync"
	"time"
)

// ResultKind はフェッチ結果の種別。
type ResultKind string

const (
	ResultSuccess        ResultKind = "success"
	ResultRateLimited    ResultKind = "rate_limited"
	ResultNotFound       ResultKind = "not_found"
	ResultSelectorDrift  ResultKind = "selector_drift"
	ResultSessionExpired ResultKind = "session_expired"
	ResultTransientError ResultKind = "transient_error"
	// ResultSkipped はバッチ中断により試行されなかった対象。
	ResultSkipped ResultKind = "skipped"
	// ResultCancelled はオペレーターの中止によりリトライループを抜けた対象。
	ResultCancelled ResultKind = "cancelled"
)

// ResultKinds はレポート表示順の全種別。
var ResultKinds = []ResultKind{
	ResultSuccess,
	ResultRateLimited,
	ResultNotFound,
	ResultSelectorDrift,
	ResultSessionExpired,
	ResultTransientError,
	ResultSkipped,
	ResultCancelled,
}

// FetchResult は1対象に対するフェッチの結果。Successの場合のみRecordを持つ。
type FetchResult struct {
	Kind     ResultKind     `json:"kind"`
	Record   *HashtagRecord `json:"record,omitempty"`
	Field    string         `json:"field,omitempty"` // SelectorDriftのフィールド名
	Err      string         `json:"error,omitempty"`
	Attempts int            `json:"attempts"`
}

// OK は成功結果かを返す。
func (r FetchResult) OK() bool {
	return r.Kind == ResultSuccess
}

// TargetResult はバッチ内の1対象と結果の組。
type TargetResult struct {
	Target FetchTarget `json:"target"`
	Result FetchResult `json:"result"`
}

// BatchRun は1回のバッチ実行。結果は対象の順序で追加され、Closeで確定する。
type BatchRun struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Targets    []FetchTarget      `json:"targets"`
	Results    []TargetResult     `json:"results"`
	Tally      map[ResultKind]int `json:"tally"`
	Halted     bool               `json:"halted"`
	HaltReason string             `json:"halt_reason,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`

	mu     sync.Mutex
	closed bool
}

// NewBatchRun は開始時刻を記録したBatchRunを生成する。
func NewBatchRun(id, name string, targets []FetchTarget, startedAt time.Time) *BatchRun {
	ts := make([]FetchTarget, len(targets))
	copy(ts, targets)
	return &BatchRun{
		ID:        id,
		Name:      name,
		Targets:   ts,
		Results:   make([]TargetResult, 0, len(targets)),
		Tally:     make(map[ResultKind]int),
		StartedAt: startedAt,
	}
}

// Append は対象の結果を追加する。Close後の追加は無視してfalseを返す。
func (b *BatchRun) Append(target FetchTarget, result FetchResult) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.Results = append(b.Results, TargetResult{Target: target, Result: result})
	b.Tally[result.Kind]++
	return true
}

// Halt はバッチの中断理由を記録する。
func (b *BatchRun) Halt(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.Halted {
		return
	}
	b.Halted = true
	b.HaltReason = reason
}

// Close は終了時刻を記録し、以降の変更を禁止する。
func (b *BatchRun) Close(finishedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.FinishedAt = finishedAt
	b.closed = true
}

// Closed はバッチが確定済みかを返す。
func (b *BatchRun) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Succeeded は成功件数を返す。
func (b *BatchRun) Succeeded() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Tally[ResultSuccess]
}

// Failed は成功以外（スキップを含む）の件数を返す。
func (b *BatchRun) Failed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for kind, c := range b.Tally {
		if kind != ResultSuccess {
			n += c
		}
	}
	return n
}

// AllSucceeded は全対象が成功した場合のみtrueを返す。
func (b *BatchRun) AllSucceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.Halted && len(b.Results) == len(b.Targets) && b.Tally[ResultSuccess] == len(b.Targets)
}

// Records は成功したレコードを対象順に返す。
func (b *BatchRun) Records() []*HashtagRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	var records []*HashtagRecord
	for _, r := range b.Results {
		if r.Result.OK() && r.Result.Record != nil {
			records = append(records, r.Result.Record)
		}
	}
	return records
}

// Duration は実行時間を返す。未確定の場合は0。
func (b *BatchRun) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		return 0
	}
	return b.FinishedAt.Sub(b.StartedAt)
}
