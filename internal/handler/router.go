package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/tagscout/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// 監視
	Status  *StatusHandler
	Metrics http.Handler

	// 手動実行
	Runs        *RunHandler
	APIToken    string
	RateLimiter *middleware.RateLimiter // nilの場合は制限しない

	// 履歴（データベース未設定時はnil）
	History *HistoryHandler
}

// NewRouter はエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → TokenAuth(/api のみ)
//
// /health と /metrics は監視用のため認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.Get("/health", deps.Status.Health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewTokenAuthMiddleware(deps.APIToken))

		r.Get("/schedules", deps.Status.ListSchedules)
		r.Get("/session", deps.Status.GetSession)

		r.Route("/runs", func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.With(deps.RateLimiter.Middleware()).Post("/", deps.Runs.StartRun)
			} else {
				r.Post("/", deps.Runs.StartRun)
			}
			r.Get("/latest", deps.Runs.GetStatus)
		})

		if deps.History != nil {
			r.Get("/batches", deps.History.ListBatches)
			r.Get("/batches/{id}", deps.History.GetBatch)
			r.Get("/hashtags/{tag}/records", deps.History.ListRecords)
		}
	})

	return r
}
