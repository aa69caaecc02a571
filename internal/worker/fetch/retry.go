// Package fetch は1対象のフェッチをリトライ・バックオフ付きで実行する。
// 抽出エラーを結果種別に分類し、再試行の可否を決める。
package fetch

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/hitoshi/tagscout/internal/model"
)

const (
	// defaultMaxAttempts は1対象あたりの既定の最大試行回数。
	defaultMaxAttempts = 3
	// defaultBaseDelay は一時的なエラーの初回待機時間。
	defaultBaseDelay = 5 * time.Second
	// defaultRateLimitBaseDelay はレート制限時の初回待機時間（5分）。
	defaultRateLimitBaseDelay = 5 * time.Minute
	// defaultMaxDelay は待機時間の上限（30分）。
	defaultMaxDelay = 30 * time.Minute
	// defaultJitter は待機時間に加える揺らぎの割合。
	defaultJitter = 0.1
)

// RetryPolicy はリトライの設定。ゼロ値の項目は既定値で補完される。
type RetryPolicy struct {
	MaxAttempts        int
	BaseDelay          time.Duration
	RateLimitBaseDelay time.Duration
	MaxDelay           time.Duration
	Jitter             float64 // 待機時間に対する揺らぎの割合 [0, Jitter)
}

// DefaultRetryPolicy は既定のリトライ設定を返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        defaultMaxAttempts,
		BaseDelay:          defaultBaseDelay,
		RateLimitBaseDelay: defaultRateLimitBaseDelay,
		MaxDelay:           defaultMaxDelay,
		Jitter:             defaultJitter,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.RateLimitBaseDelay <= 0 {
		p.RateLimitBaseDelay = defaultRateLimitBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Classify は抽出エラーを結果種別に分類する。nilは成功。
func Classify(err error) model.ResultKind {
	var drift *model.SelectorDriftError
	var throttled *model.ThrottledError

	switch {
	case err == nil:
		return model.ResultSuccess
	case errors.Is(err, model.ErrSessionExpired):
		return model.ResultSessionExpired
	case errors.Is(err, model.ErrNotFound):
		return model.ResultNotFound
	case errors.As(err, &drift):
		return model.ResultSelectorDrift
	case errors.As(err, &throttled):
		return model.ResultRateLimited
	default:
		return model.ResultTransientError
	}
}

// Retryable は再試行で回復し得る結果種別かを返す。
// ページ構造の変化・存在しないページ・セッション切れは再試行しない。
func Retryable(kind model.ResultKind) bool {
	return kind == model.ResultRateLimited || kind == model.ResultTransientError
}

// Backoff は連続した再試行の待機時間を計算する。
// n回目の待機は max(基準値·2^(n-1), 2·前回値) を上限で切り詰め、[0, Jitter) の揺らぎを加える。
// 上限に達するまで待機時間は単調に増加する。
type Backoff struct {
	policy RetryPolicy
	rand   func() float64
	prev   time.Duration
}

// NewBackoff は新しいBackoffを生成する。randがnilの場合はmath/rand/v2を使う。
func NewBackoff(policy RetryPolicy, rand func() float64) *Backoff {
	if rand == nil {
		rand = defaultRand
	}
	return &Backoff{policy: policy.normalized(), rand: rand}
}

// Next はattempt回目の試行が失敗した後の待機時間を返す。
func (b *Backoff) Next(kind model.ResultKind, attempt int) time.Duration {
	base := b.policy.BaseDelay
	if kind == model.ResultRateLimited {
		base = b.policy.RateLimitBaseDelay
	}

	d := exponential(base, attempt-1, b.policy.MaxDelay)
	if doubled := 2 * b.prev; d < doubled {
		d = doubled
	}
	if d > b.policy.MaxDelay {
		d = b.policy.MaxDelay
	}
	b.prev = d

	jitter := time.Duration(float64(d) * b.policy.Jitter * b.rand())
	return d + jitter
}

// exponential はbase·2^nを返す。ceilingを超える場合はceiling。
func exponential(base time.Duration, n int, ceiling time.Duration) time.Duration {
	d := base
	for range n {
		if d >= ceiling {
			return ceiling
		}
		d *= 2
	}
	return d
}

func defaultRand() float64 {
	return rand.Float64()
}
