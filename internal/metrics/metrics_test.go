package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/hitoshi/tagscout/internal/model"
)

// 指定名・ラベルのメトリクスを探す
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

func TestRecordFetchResult_CountsByKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetchResult(model.ResultSuccess, 1)
	c.RecordFetchResult(model.ResultSuccess, 2)
	c.RecordFetchResult(model.ResultRateLimited, 3)

	m := findMetric(t, reg, "tagscout_fetch_results_total", map[string]string{"kind": "success"})
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("success = %v, want 2", got)
	}
	m = findMetric(t, reg, "tagscout_fetch_results_total", map[string]string{"kind": "rate_limited"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("rate_limited = %v, want 1", got)
	}
	m = findMetric(t, reg, "tagscout_fetch_attempts", nil)
	if got := m.GetHistogram().GetSampleCount(); got != 3 {
		t.Errorf("attempts sample count = %v, want 3", got)
	}
}

func TestRecordSelectorDrift_CountsByField(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSelectorDrift("post_count")

	m := findMetric(t, reg, "tagscout_selector_drift_total", map[string]string{"field": "post_count"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("post_count drift = %v, want 1", got)
	}
}

func TestRecordBatch_UsesHaltReasonLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	run := model.NewBatchRun("b-1", "daily", nil, start)
	run.Halt("session_expired")
	run.Close(start.Add(30 * time.Second))
	c.RecordBatch(run)

	ok := model.NewBatchRun("b-2", "daily", nil, start)
	ok.Close(start.Add(time.Minute))
	c.RecordBatch(ok)

	m := findMetric(t, reg, "tagscout_batches_total", map[string]string{"halt_reason": "session_expired"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("session_expired batches = %v, want 1", got)
	}
	m = findMetric(t, reg, "tagscout_batches_total", map[string]string{"halt_reason": "none"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("completed batches = %v, want 1", got)
	}
	m = findMetric(t, reg, "tagscout_last_batch_finished_timestamp_seconds", nil)
	if got := m.GetGauge().GetValue(); got != float64(start.Add(time.Minute).Unix()) {
		t.Errorf("last batch timestamp = %v", got)
	}
}

func TestRecordScheduledRun_StatusLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordScheduledRun("daily_scraping", true)
	c.RecordScheduledRun("daily_scraping", false)
	c.RecordScheduledRun("daily_scraping", false)

	m := findMetric(t, reg, "tagscout_scheduled_runs_total", map[string]string{"entry": "daily_scraping", "status": "failed"})
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("failed runs = %v, want 2", got)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordRetry(model.ResultTransientError)
	c.RecordFetchLatency(1500 * time.Millisecond)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"tagscout_fetch_retries_total", "tagscout_fetch_latency_seconds"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("response should contain %s", name)
		}
	}
}
