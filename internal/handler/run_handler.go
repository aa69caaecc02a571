package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/tagscout/internal/middleware"
	"github.com/hitoshi/tagscout/internal/model"
	"github.com/hitoshi/tagscout/internal/worker/batch"
)

// MaxAdHocTargets は手動実行で指定できるハッシュタグの上限。
const MaxAdHocTargets = 50

// BatchExecutor はハッシュタグを指定したバッチを実行する。
type BatchExecutor interface {
	Run(ctx context.Context, name string, targets []model.FetchTarget, opts batch.Options) *model.BatchRun
}

// RunHandler はバッチの手動実行を受け付ける。
// 実行はバックグラウンドで行い、同時に受け付けるのは1件のみ。
type RunHandler struct {
	schedules ScheduleService
	batches   BatchExecutor
	opts      batch.Options
	baseCtx   context.Context
	logger    *slog.Logger
	now       func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup

	mu   sync.Mutex
	last *model.BatchRun
}

// NewRunHandler はRunHandlerを生成する。
// baseCtxはサーバーの寿命を表し、キャンセルされると実行中のバッチも中止される。
func NewRunHandler(baseCtx context.Context, schedules ScheduleService, batches BatchExecutor, opts batch.Options, logger *slog.Logger) *RunHandler {
	return &RunHandler{
		schedules: schedules,
		batches:   batches,
		opts:      opts,
		baseCtx:   baseCtx,
		logger:    logger,
		now:       time.Now,
	}
}

// runRequest は手動実行リクエストのボディ。JobかHashtagsのどちらか一方を指定する。
type runRequest struct {
	Job      string   `json:"job"`
	Name     string   `json:"name"`
	Hashtags []string `json:"hashtags"`
}

type runAcceptedResponse struct {
	Status string `json:"status"`
	Job    string `json:"job,omitempty"`
	Name   string `json:"name,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// StartRun はバッチの手動実行を開始する。
// POST /api/runs
func (h *RunHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w, "リクエストボディの解析に失敗しました。")
		return
	}

	job := strings.TrimSpace(req.Job)
	switch {
	case job != "" && len(req.Hashtags) > 0:
		writeInvalidRequest(w, "jobとhashtagsは同時に指定できません。")
		return
	case job == "" && len(req.Hashtags) == 0:
		writeInvalidRequest(w, "jobまたはhashtagsを指定してください。")
		return
	}

	var start func(ctx context.Context) (*model.BatchRun, error)
	resp := runAcceptedResponse{Status: "accepted"}
	if job != "" {
		if !h.hasJob(job) {
			writeNotFound(w, fmt.Sprintf("ジョブ %s が見つかりません。", job))
			return
		}
		resp.Job = job
		start = func(ctx context.Context) (*model.BatchRun, error) {
			return h.schedules.RunNow(ctx, job)
		}
	} else {
		targets, err := adHocTargets(req.Hashtags)
		if err != nil {
			writeInvalidRequest(w, err.Error())
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			name = "manual"
		}
		name = fmt.Sprintf("%s_%s", name, h.now().Format("20060102_150405"))
		resp.Name = name
		resp.Count = len(targets)
		start = func(ctx context.Context) (*model.BatchRun, error) {
			return h.batches.Run(ctx, name, targets, h.opts), nil
		}
	}

	if !h.running.CompareAndSwap(false, true) {
		middleware.WriteErrorResponse(w, http.StatusConflict, middleware.ErrorResponseBody{
			Code:     "RUN_IN_PROGRESS",
			Message:  "手動実行のバッチが実行中です。",
			Category: "system",
			Action:   "実行中のバッチが終わってから再度お試しください。",
		})
		return
	}

	h.wg.Add(1)
	go h.execute(start, resp)

	writeJSON(w, http.StatusAccepted, resp)
}

func (h *RunHandler) execute(start func(ctx context.Context) (*model.BatchRun, error), req runAcceptedResponse) {
	defer h.wg.Done()
	defer h.running.Store(false)
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("手動実行中にpanicが発生しました", slog.Any("panic", rec))
		}
	}()

	h.logger.Info("手動実行を開始します",
		slog.String("job", req.Job),
		slog.String("name", req.Name),
	)
	run, err := start(h.baseCtx)
	if err != nil {
		h.logger.Error("手動実行に失敗しました",
			slog.String("job", req.Job),
			slog.String("error", err.Error()),
		)
		return
	}
	if run == nil {
		return
	}

	h.mu.Lock()
	h.last = run
	h.mu.Unlock()
}

// Wait は実行中の手動バッチの終了を待つ。
func (h *RunHandler) Wait() {
	h.wg.Wait()
}

type runSummaryResponse struct {
	ID         string                   `json:"id"`
	Name       string                   `json:"name"`
	Targets    int                      `json:"targets"`
	Succeeded  int                      `json:"succeeded"`
	Failed     int                      `json:"failed"`
	Tally      map[model.ResultKind]int `json:"tally"`
	Halted     bool                     `json:"halted"`
	HaltReason string                   `json:"halt_reason,omitempty"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
}

func toRunSummary(run *model.BatchRun) runSummaryResponse {
	return runSummaryResponse{
		ID:         run.ID,
		Name:       run.Name,
		Targets:    len(run.Targets),
		Succeeded:  run.Succeeded(),
		Failed:     run.Failed(),
		Tally:      run.Tally,
		Halted:     run.Halted,
		HaltReason: run.HaltReason,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
}

type runStatusResponse struct {
	Running bool                `json:"running"`
	Last    *runSummaryResponse `json:"last,omitempty"`
}

// GetStatus は手動実行の状態と直近の結果を返す。
// GET /api/runs/latest
func (h *RunHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := runStatusResponse{Running: h.running.Load()}
	h.mu.Lock()
	if h.last != nil {
		s := toRunSummary(h.last)
		resp.Last = &s
	}
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (h *RunHandler) hasJob(name string) bool {
	for _, e := range h.schedules.Entries() {
		if e.Name == name {
			return true
		}
	}
	return false
}

// adHocTargets はハッシュタグを正規化し、空と重複を除く。
func adHocTargets(tags []string) ([]model.FetchTarget, error) {
	seen := make(map[string]bool, len(tags))
	targets := make([]model.FetchTarget, 0, len(tags))
	for _, tag := range tags {
		t := model.NewFetchTarget(tag)
		key := strings.ToLower(t.Hashtag)
		if t.Hashtag == "" || seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, t)
	}
	switch {
	case len(targets) == 0:
		return nil, errors.New("有効なハッシュタグがありません。")
	case len(targets) > MaxAdHocTargets:
		return nil, fmt.Errorf("ハッシュタグは%d件までです。", MaxAdHocTargets)
	}
	return targets, nil
}
