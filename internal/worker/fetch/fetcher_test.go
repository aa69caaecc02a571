package fetch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/tagscout/internal/browser"
	"github.com/hitoshi/tagscout/internal/browser/browsertest"
	"github.com/hitoshi/tagscout/internal/metrics"
	"github.com/hitoshi/tagscout/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// mockExtractor はExtractorのモック。呼び出しごとにextractFuncを呼ぶ。
type mockExtractor struct {
	extractFunc func(call int) (*model.HashtagRecord, error)
	calls       int
}

func (m *mockExtractor) Extract(_ context.Context, _ browser.Page, target model.FetchTarget) (*model.HashtagRecord, error) {
	m.calls++
	return m.extractFunc(m.calls)
}

// mockMetrics はMetricsCollectorのモック。
type mockMetrics struct {
	metrics.Nop
	results []model.ResultKind
	retries []model.ResultKind
	drifts  []string
}

func (m *mockMetrics) RecordFetchResult(kind model.ResultKind, _ int) {
	m.results = append(m.results, kind)
}

func (m *mockMetrics) RecordRetry(kind model.ResultKind) {
	m.retries = append(m.retries, kind)
}

func (m *mockMetrics) RecordSelectorDrift(field string) {
	m.drifts = append(m.drifts, field)
}

// recordingSleep は待機時間を記録し、実際には待たない。
type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestCoordinator(ext Extractor, mc metrics.MetricsCollector, buf *bytes.Buffer) (*Coordinator, *recordingSleep) {
	c := NewCoordinator(ext, mc, newTestLogger(buf))
	rs := &recordingSleep{}
	c.SetSleep(rs.sleep)
	c.SetRand(func() float64 { return 0 })
	return c, rs
}

func sampleRecord() *model.HashtagRecord {
	return &model.HashtagRecord{Hashtag: "cats", PostCount: 1234, RelatedTags: []string{"kitten"}, TopPosts: []model.TopPost{}}
}

var target = model.NewFetchTarget("cats")

func TestFetch_SuccessOnFirstAttempt(t *testing.T) {
	var buf bytes.Buffer
	ext := &mockExtractor{extractFunc: func(int) (*model.HashtagRecord, error) { return sampleRecord(), nil }}
	mc := &mockMetrics{}
	c, rs := newTestCoordinator(ext, mc, &buf)

	result := c.Fetch(context.Background(), browsertest.New(), target, DefaultRetryPolicy())

	if result.Kind != model.ResultSuccess || result.Attempts != 1 {
		t.Fatalf("result = %+v", result)
	}
	if result.Record == nil || result.Record.PostCount != 1234 {
		t.Errorf("record = %+v", result.Record)
	}
	if len(rs.delays) != 0 {
		t.Errorf("成功時は待機しない: %v", rs.delays)
	}
	if len(mc.results) != 1 || mc.results[0] != model.ResultSuccess {
		t.Errorf("metrics results = %v", mc.results)
	}
}

func TestFetch_NonRetryableReturnImmediately(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		kind  model.ResultKind
		field string
	}{
		{"構造変化", &model.SelectorDriftError{Field: "related_tags", Selector: "main", Matches: 0}, model.ResultSelectorDrift, "related_tags"},
		{"存在しない", model.ErrNotFound, model.ResultNotFound, ""},
		{"セッション切れ", model.ErrSessionExpired, model.ResultSessionExpired, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			ext := &mockExtractor{extractFunc: func(int) (*model.HashtagRecord, error) { return nil, tt.err }}
			mc := &mockMetrics{}
			c, rs := newTestCoordinator(ext, mc, &buf)

			result := c.Fetch(context.Background(), browsertest.New(), target, RetryPolicy{MaxAttempts: 5})

			if result.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", result.Kind, tt.kind)
			}
			if result.Attempts != 1 || ext.calls != 1 {
				t.Errorf("再試行してはならない: attempts=%d calls=%d", result.Attempts, ext.calls)
			}
			if result.Field != tt.field {
				t.Errorf("Field = %q, want %q", result.Field, tt.field)
			}
			if result.Record != nil {
				t.Error("失敗結果はレコードを持たない")
			}
			if len(rs.delays) != 0 || len(mc.retries) != 0 {
				t.Errorf("待機・リトライが記録された: delays=%v retries=%v", rs.delays, mc.retries)
			}
		})
	}
}

func TestFetch_SelectorDriftRecordsMetric(t *testing.T) {
	var buf bytes.Buffer
	ext := &mockExtractor{extractFunc: func(int) (*model.HashtagRecord, error) {
		return nil, &model.SelectorDriftError{Field: "post_count"}
	}}
	mc := &mockMetrics{}
	c, _ := newTestCoordinator(ext, mc, &buf)

	c.Fetch(context.Background(), browsertest.New(), target, DefaultRetryPolicy())

	if len(mc.drifts) != 1 || mc.drifts[0] != "post_count" {
		t.Errorf("drifts = %v", mc.drifts)
	}
	if !strings.Contains(buf.String(), "ロケータ定義ファイルを更新") {
		t.Errorf("ログに対処方法を含むべき: %s", buf.String())
	}
}

func TestFetch_TransientRetriedUpToBound(t *testing.T) {
	var buf bytes.Buffer
	ext := &mockExtractor{extractFunc: func(int) (*model.HashtagRecord, error) {
		return nil, errors.New("net::ERR_CONNECTION_RESET")
	}}
	mc := &mockMetrics{}
	c, rs := newTestCoordinator(ext, mc, &buf)

	result := c.Fetch(context.Background(), browsertest.New(), target, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Hour})

	if result.Kind != model.ResultTransientError {
		t.Errorf("Kind = %s, want transient_error", result.Kind)
	}
	if result.Attempts != 3 || ext.calls != 3 {
		t.Errorf("attempts=%d calls=%d, want 3", result.Attempts, ext.calls)
	}
	if len(rs.delays) != 2 {
		t.Fatalf("delays = %v, want 2 waits", rs.delays)
	}
	if rs.delays[1] <= rs.delays[0] {
		t.Errorf("待機時間は増加すべき: %v", rs.delays)
	}
	if len(mc.retries) != 2 {
		t.Errorf("retries = %v", mc.retries)
	}
}

func TestFetch_BackoffStrictlyIncreasing(t *testing.T) {
	var buf bytes.Buffer
	ext := &mockExtractor{extractFunc: func(call int) (*model.HashtagRecord, error) {
		if call%2 == 0 {
			return nil, &model.ThrottledError{Signal: "http_429", StatusCode: 429}
		}
		return nil, errors.New("timeout")
	}}
	c, rs := newTestCoordinator(ext, nil, &buf)
	c.SetRand(func() float64 { return 0.999 })

	result := c.Fetch(context.Background(), browsertest.New(), target, RetryPolicy{
		MaxAttempts:        6,
		BaseDelay:          time.Second,
		RateLimitBaseDelay: time.Minute,
		MaxDelay:           24 * time.Hour,
		Jitter:             0.1,
	})

	if result.Attempts != 6 {
		t.Fatalf("attempts = %d, want 6", result.Attempts)
	}
	if len(rs.delays) != 5 {
		t.Fatalf("delays = %v, want 5", rs.delays)
	}
	for i := 1; i < len(rs.delays); i++ {
		if rs.delays[i] <= rs.delays[i-1] {
			t.Errorf("delay[%d]=%v <= delay[%d]=%v", i, rs.delays[i], i-1, rs.delays[i-1])
		}
	}
}

func TestFetch_RateLimitedThenSuccess(t *testing.T) {
	var buf bytes.Buffer
	ext := &mockExtractor{extractFunc: func(call int) (*model.HashtagRecord, error) {
		if call == 1 {
			return nil, &model.ThrottledError{Signal: "rate_limit_text"}
		}
		return sampleRecord(), nil
	}}
	c, rs := newTestCoordinator(ext, nil, &buf)

	result := c.Fetch(context.Background(), browsertest.New(), target, DefaultRetryPolicy())

	if result.Kind != model.ResultSuccess || result.Attempts != 2 {
		t.Fatalf("result = %+v", result)
	}
	if len(rs.delays) != 1 || rs.delays[0] < 5*time.Minute {
		t.Errorf("レート制限後は長めに待機すべき: %v", rs.delays)
	}
}

func TestFetch_RateLimitedExhaustedReturnsLastKind(t *testing.T) {
	var buf bytes.Buffer
	ext := &mockExtractor{extractFunc: func(call int) (*model.HashtagRecord, error) {
		if call < 3 {
			return nil, errors.New("timeout")
		}
		return nil, &model.ThrottledError{Signal: "http_429", StatusCode: 429}
	}}
	c, _ := newTestCoordinator(ext, nil, &buf)

	result := c.Fetch(context.Background(), browsertest.New(), target, DefaultRetryPolicy())

	if result.Kind != model.ResultRateLimited {
		t.Errorf("Kind = %s, want rate_limited", result.Kind)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestFetch_CancelledBeforeFirstAttempt(t *testing.T) {
	var buf bytes.Buffer
	ext := &mockExtractor{extractFunc: func(int) (*model.HashtagRecord, error) { return sampleRecord(), nil }}
	c, _ := newTestCoordinator(ext, nil, &buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := c.Fetch(ctx, browsertest.New(), target, DefaultRetryPolicy())

	if result.Kind != model.ResultCancelled {
		t.Errorf("Kind = %s, want cancelled", result.Kind)
	}
	if result.Attempts != 0 || ext.calls != 0 {
		t.Errorf("attempts=%d calls=%d, want 0", result.Attempts, ext.calls)
	}
}

func TestFetch_CancelledDuringBackoff(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ext := &mockExtractor{extractFunc: func(int) (*model.HashtagRecord, error) {
		return nil, errors.New("timeout")
	}}
	c, _ := newTestCoordinator(ext, nil, &buf)
	c.SetSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})

	result := c.Fetch(ctx, browsertest.New(), target, RetryPolicy{MaxAttempts: 5})

	if result.Kind != model.ResultCancelled {
		t.Errorf("Kind = %s, want cancelled", result.Kind)
	}
	if result.Attempts != 1 || ext.calls != 1 {
		t.Errorf("attempts=%d calls=%d, want 1", result.Attempts, ext.calls)
	}
}

func TestFetch_InFlightAttemptCompletesAfterCancel(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ext := &mockExtractor{extractFunc: func(int) (*model.HashtagRecord, error) {
		cancel()
		return sampleRecord(), nil
	}}
	c, _ := newTestCoordinator(ext, nil, &buf)

	result := c.Fetch(ctx, browsertest.New(), target, DefaultRetryPolicy())
	if result.Kind != model.ResultSuccess {
		t.Errorf("実行中の試行の結果を採用すべき: %+v", result)
	}
}

func TestSleep_ReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("キャンセル時は即座に戻るべき")
	}
}
