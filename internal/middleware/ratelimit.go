package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	Rate            rate.Limit    // 許可するレート（req/sec）
	Burst           int           // バーストサイズ
	IdleTTL         time.Duration // この時間アクセスのないクライアントのリミッターを破棄する
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig は手動実行APIのデフォルト設定を返す。
// バッチは1本ずつしか実行できないため、クライアントあたり 6 req/hour に抑える。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:            rate.Every(10 * time.Minute),
		Burst:           2,
		IdleTTL:         time.Hour,
		CleanupInterval: 5 * time.Minute,
	}
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はクライアントごとのレート制限を管理する。
type RateLimiter struct {
	config RateLimiterConfig
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*clientLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		config:   config,
		logger:   logger,
		limiters: make(map[string]*clientLimiter),
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼び出してもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Middleware はレート制限ミドルウェアを返す。
// 認証ミドルウェアが注入した識別子、なければリモートアドレスでクライアントを区別する。
func (rl *RateLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client, ok := ClientIDFromContext(r.Context())
			if !ok {
				client = clientHost(r.RemoteAddr)
			}

			if !rl.limiter(client).Allow() {
				rl.logger.Warn("rate limit exceeded", slog.String("client", client))
				WriteErrorResponse(w, http.StatusTooManyRequests, ErrorResponseBody{
					Code:              "RATE_LIMIT_EXCEEDED",
					Message:           "リクエスト数が上限を超えました。",
					Category:          "throttle",
					Action:            "しばらく待ってから再度お試しください。",
					RetryAfterSeconds: retryAfterSeconds(rl.config.Rate),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は管理中のクライアント数を返す。
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) limiter(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.limiters[client]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.config.Rate, rl.config.Burst)}
		rl.limiters[client] = cl
	}
	cl.lastAccess = time.Now()
	return cl.limiter
}

func (rl *RateLimiter) cleanupLoop() {
	if rl.config.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup はIdleTTLを超えてアクセスのないエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for client, cl := range rl.limiters {
		if now.Sub(cl.lastAccess) > rl.config.IdleTTL {
			delete(rl.limiters, client)
		}
	}
}

// retryAfterSeconds はトークン1つが回復するまでの秒数を返す。
func retryAfterSeconds(limit rate.Limit) int {
	if limit <= 0 || limit == rate.Inf {
		return 1
	}
	return int(math.Ceil(1 / float64(limit)))
}
