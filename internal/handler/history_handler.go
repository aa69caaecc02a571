package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/tagscout/internal/middleware"
	"github.com/hitoshi/tagscout/internal/model"
	"github.com/hitoshi/tagscout/internal/repository"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// BatchHistory は保存済みバッチの参照に必要な操作。
// repository.BatchRepositoryの部分集合として定義する。
type BatchHistory interface {
	FindByID(ctx context.Context, id string) (*model.BatchRun, error)
	ListRecent(ctx context.Context, limit int) ([]repository.BatchSummary, error)
}

// RecordHistory は保存済みレコードの参照に必要な操作。
type RecordHistory interface {
	ListByHashtag(ctx context.Context, hashtag string, limit int) ([]*model.HashtagRecord, error)
}

// HistoryHandler はデータベースに保存したバッチとレコードを返す。
type HistoryHandler struct {
	batches BatchHistory
	records RecordHistory
	logger  *slog.Logger
}

// NewHistoryHandler はHistoryHandlerを生成する。
func NewHistoryHandler(batches BatchHistory, records RecordHistory, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{batches: batches, records: records, logger: logger}
}

// ListBatches は新しい順にバッチ概要を返す。
// GET /api/batches?limit=N
func (h *HistoryHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	list, err := h.batches.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("バッチ一覧の取得に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	if list == nil {
		list = []repository.BatchSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetBatch は対象ごとの結果を含むバッチを返す。
// GET /api/batches/{id}
func (h *HistoryHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeInvalidRequest(w, "バッチIDの形式が不正です。")
		return
	}
	run, err := h.batches.FindByID(r.Context(), id)
	if err != nil {
		h.logger.Error("バッチの取得に失敗しました",
			slog.String("batch_id", id),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if run == nil {
		writeNotFound(w, fmt.Sprintf("バッチ %s が見つかりません。", id))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListRecords は指定ハッシュタグのレコードを新しい順に返す。
// GET /api/hashtags/{tag}/records?limit=N
func (h *HistoryHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	tag := model.NormalizeHashtag(chi.URLParam(r, "tag"))
	if tag == "" {
		writeInvalidRequest(w, "ハッシュタグを指定してください。")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	records, err := h.records.ListByHashtag(r.Context(), tag, limit)
	if err != nil {
		h.logger.Error("レコードの取得に失敗しました",
			slog.String("hashtag", tag),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if records == nil {
		records = []*model.HashtagRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		writeInvalidRequest(w, fmt.Sprintf("limitは1から%dの整数で指定してください。", maxListLimit))
		return 0, false
	}
	return n, true
}
