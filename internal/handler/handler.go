// Package handler はオーケストレーターの状態確認と手動実行のためのHTTP APIを提供する。
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/tagscout/internal/middleware"
	"github.com/hitoshi/tagscout/internal/model"
	"github.com/hitoshi/tagscout/internal/session"
	"github.com/hitoshi/tagscout/internal/worker/schedule"
)

// ScheduleService はスケジュールハンドラーが必要とするスケジューラの操作。
type ScheduleService interface {
	// Upcoming は有効なジョブと次回実行時刻を時刻順に返す。
	Upcoming() []schedule.Upcoming
	// Entries は有効なジョブを設定順に返す。
	Entries() []model.ScheduleEntry
	// RunNow は指定ジョブを1回実行する。
	RunNow(ctx context.Context, name string) (*model.BatchRun, error)
}

// SessionStatusService はブラウザを起動せずにセッション状態を返す。
type SessionStatusService interface {
	Status(ctx context.Context) (session.Status, error)
}

// HealthChecker は依存先の疎通を確認する。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeInvalidRequest(w http.ResponseWriter, message string) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, middleware.ErrorResponseBody{
		Code:     "INVALID_REQUEST",
		Message:  message,
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	})
}

func writeNotFound(w http.ResponseWriter, message string) {
	middleware.WriteErrorResponse(w, http.StatusNotFound, middleware.ErrorResponseBody{
		Code:     "NOT_FOUND",
		Message:  message,
		Category: "target",
		Action:   "指定した名前またはIDを確認してください。",
	})
}
