package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/tagscout/internal/handler"
	"github.com/hitoshi/tagscout/internal/metrics"
	"github.com/hitoshi/tagscout/internal/middleware"
)

// cleanupInterval はクリーンアップジョブの実行間隔。
const cleanupInterval = 24 * time.Hour

// Serve はスケジューラ・HTTP API・クリーンアップジョブを起動し、
// コンテキストがキャンセルされるとグレースフルシャットダウンを行う。
func (a *App) Serve(ctx context.Context) error {
	scheduler, err := a.Scheduler()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 1. ルーターの構築
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), a.logger)
	defer limiter.Stop()

	runs := handler.NewRunHandler(ctx, scheduler, a.batches, a.BatchOptions(a.cfg.Headless), a.logger)

	var health handler.HealthChecker
	var history *handler.HistoryHandler
	if a.db != nil {
		health = a.db
		history = handler.NewHistoryHandler(a.batchRepo, a.records, a.logger)
	}

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:      a.logger,
		Status:      handler.NewStatusHandler(scheduler, a.sessions, health, a.logger),
		Metrics:     metrics.Handler(a.registry),
		Runs:        runs,
		APIToken:    a.cfg.APIToken,
		RateLimiter: limiter,
		History:     history,
	})
	if a.cfg.APIToken == "" {
		a.logger.Warn("API_TOKEN is not set; /api is served without authentication")
	}

	// 2. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + a.cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			cancel()
		}
	}()

	// 3. クリーンアップジョブを日次でバックグラウンド実行
	go a.runCleanupLoop(ctx)

	// 4. スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx)

	a.logger.Info("shutting down API server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	runs.Wait()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	default:
	}

	a.logger.Info("stopped gracefully")
	return nil
}

// runCleanupLoop は起動直後に1回、その後cleanupIntervalごとにクリーンアップを実行する。
func (a *App) runCleanupLoop(ctx context.Context) {
	job := a.CleanupJob()
	run := func() {
		if _, err := job.Run(ctx); err != nil {
			a.logger.Error("cleanup job failed", slog.String("error", err.Error()))
		}
	}

	run()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
