package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/tagscout/internal/middleware"
)

// StatusHandler は稼働状態・スケジュール・セッションの参照APIを提供する。
type StatusHandler struct {
	schedules ScheduleService
	sessions  SessionStatusService
	db        HealthChecker
	logger    *slog.Logger
}

// NewStatusHandler はStatusHandlerを生成する。dbがnilの場合は疎通確認を省略する。
func NewStatusHandler(schedules ScheduleService, sessions SessionStatusService, db HealthChecker, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{schedules: schedules, sessions: sessions, db: db, logger: logger}
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

// Health は稼働確認を返す。
// GET /health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Warn("データベースの疎通確認に失敗しました", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Database: "unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "ok"})
}

type scheduleResponse struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Trigger     string    `json:"trigger"`
	TargetsFile string    `json:"targets_file"`
	NextRun     time.Time `json:"next_run"`
}

// ListSchedules は有効なジョブと次回実行時刻を返す。
// GET /api/schedules
func (h *StatusHandler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	upcoming := h.schedules.Upcoming()
	resp := make([]scheduleResponse, 0, len(upcoming))
	for _, u := range upcoming {
		resp = append(resp, scheduleResponse{
			Name:        u.Entry.Name,
			Description: u.Entry.Description,
			Trigger:     u.Entry.Trigger.String(),
			TargetsFile: u.Entry.TargetsFile,
			NextRun:     u.At,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSession は保存済みセッションの状態を返す。
// GET /api/session
func (h *StatusHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	st, err := h.sessions.Status(r.Context())
	if err != nil {
		h.logger.Error("セッション状態の取得に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
