package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hitoshi/tagscout/internal/model"
	"github.com/hitoshi/tagscout/internal/repository"
	"github.com/hitoshi/tagscout/internal/session"
	"github.com/hitoshi/tagscout/internal/worker/batch"
	"github.com/hitoshi/tagscout/internal/worker/schedule"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// mockScheduleService はScheduleServiceのモック。
type mockScheduleService struct {
	upcoming []schedule.Upcoming
	runNowFn func(ctx context.Context, name string) (*model.BatchRun, error)
}

func (m *mockScheduleService) Upcoming() []schedule.Upcoming { return m.upcoming }

func (m *mockScheduleService) Entries() []model.ScheduleEntry {
	entries := make([]model.ScheduleEntry, 0, len(m.upcoming))
	for _, u := range m.upcoming {
		entries = append(entries, u.Entry)
	}
	return entries
}

func (m *mockScheduleService) RunNow(ctx context.Context, name string) (*model.BatchRun, error) {
	return m.runNowFn(ctx, name)
}

// mockSessionStatus はSessionStatusServiceのモック。
type mockSessionStatus struct {
	status session.Status
	err    error
}

func (m *mockSessionStatus) Status(context.Context) (session.Status, error) { return m.status, m.err }

// mockBatches はBatchExecutorのモック。
type mockBatches struct {
	mu      sync.Mutex
	name    string
	targets []model.FetchTarget
	opts    batch.Options
	release chan struct{}
}

func (m *mockBatches) Run(ctx context.Context, name string, targets []model.FetchTarget, opts batch.Options) *model.BatchRun {
	if m.release != nil {
		<-m.release
	}
	m.mu.Lock()
	m.name, m.targets, m.opts = name, targets, opts
	m.mu.Unlock()

	start := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	run := model.NewBatchRun("b-1", name, targets, start)
	for _, t := range targets {
		run.Append(t, model.FetchResult{Kind: model.ResultSuccess, Attempts: 1})
	}
	run.Close(start.Add(time.Minute))
	return run
}

// mockPinger はHealthCheckerのモック。
type mockPinger struct{ err error }

func (m *mockPinger) PingContext(context.Context) error { return m.err }

// mockHistory はBatchHistoryとRecordHistoryのモック。
type mockHistory struct {
	run     *model.BatchRun
	list    []repository.BatchSummary
	records []*model.HashtagRecord
	err     error
	limit   int
	hashtag string
}

func (m *mockHistory) FindByID(_ context.Context, id string) (*model.BatchRun, error) {
	if m.run == nil || m.run.ID != id {
		return nil, m.err
	}
	return m.run, m.err
}

func (m *mockHistory) ListRecent(_ context.Context, limit int) ([]repository.BatchSummary, error) {
	m.limit = limit
	return m.list, m.err
}

func (m *mockHistory) ListByHashtag(_ context.Context, hashtag string, limit int) ([]*model.HashtagRecord, error) {
	m.hashtag, m.limit = hashtag, limit
	return m.records, m.err
}

var nextRun = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

func sampleSchedules() *mockScheduleService {
	return &mockScheduleService{
		upcoming: []schedule.Upcoming{{
			Entry: model.ScheduleEntry{
				Name:        "daily_scraping",
				Description: "毎日のタグ取得",
				Trigger:     model.Trigger{Kind: model.TriggerDaily, Hour: 9},
				TargetsFile: "config/tags.csv",
				Enabled:     true,
			},
			At: nextRun,
		}},
		runNowFn: func(ctx context.Context, name string) (*model.BatchRun, error) {
			run := model.NewBatchRun("b-job", name, nil, nextRun)
			run.Close(nextRun)
			return run, nil
		},
	}
}

type testServer struct {
	router    http.Handler
	schedules *mockScheduleService
	batches   *mockBatches
	runs      *RunHandler
	history   *mockHistory
	logs      *bytes.Buffer
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	ts := &testServer{
		schedules: sampleSchedules(),
		batches:   &mockBatches{},
		history:   &mockHistory{},
		logs:      &buf,
	}
	ts.runs = NewRunHandler(context.Background(), ts.schedules, ts.batches, batch.Options{Headless: true}, logger)
	ts.runs.now = func() time.Time { return time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC) }
	ts.router = NewRouter(&RouterDeps{
		Logger:   logger,
		Status:   NewStatusHandler(ts.schedules, &mockSessionStatus{status: session.Status{State: session.StateValid, HasToken: true}}, nil, logger),
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("# metrics")) }),
		Runs:     ts.runs,
		APIToken: token,
		History:  NewHistoryHandler(ts.history, ts.history, logger),
	})
	return ts
}

func (ts *testServer) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestHealth_WithoutDatabase(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestHealth_DatabaseDown(t *testing.T) {
	h := NewStatusHandler(sampleSchedules(), &mockSessionStatus{}, &mockPinger{err: errors.New("refused")}, newTestLogger(&bytes.Buffer{}))

	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "unreachable") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMetrics_IsMountedOutsideAuth(t *testing.T) {
	ts := newTestServer(t, "s3cr3t")

	w := ts.do(http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || w.Body.String() != "# metrics" {
		t.Errorf("status = %d, body = %q", w.Code, w.Body.String())
	}
}

func TestListSchedules(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(http.MethodGet, "/api/schedules", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got []scheduleResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []scheduleResponse{{
		Name:        "daily_scraping",
		Description: "毎日のタグ取得",
		Trigger:     "daily 09:00",
		TargetsFile: "config/tags.csv",
		NextRun:     nextRun,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("schedules mismatch (-want +got):\n%s", diff)
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	ts := newTestServer(t, "s3cr3t")

	if w := ts.do(http.MethodGet, "/api/schedules", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("without token: status = %d, want 401", w.Code)
	}
	if w := ts.do(http.MethodGet, "/api/schedules", "", "Authorization", "Bearer s3cr3t"); w.Code != http.StatusOK {
		t.Errorf("with token: status = %d, want 200", w.Code)
	}
}

func TestGetSession(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(http.MethodGet, "/api/session", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"state":"valid"`) || !strings.Contains(w.Body.String(), `"has_token":true`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestGetSession_StoreError(t *testing.T) {
	h := NewStatusHandler(sampleSchedules(), &mockSessionStatus{err: errors.New("permission denied")}, nil, newTestLogger(&bytes.Buffer{}))

	w := httptest.NewRecorder()
	h.GetSession(w, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestStartRun_AdHocHashtags(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(http.MethodPost, "/api/runs", `{"name":"check","hashtags":["#Travel"," travel ","food",""]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	var resp runAcceptedResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Name != "check_20261015_120000" || resp.Count != 2 {
		t.Errorf("response = %+v", resp)
	}

	ts.runs.Wait()
	ts.batches.mu.Lock()
	defer ts.batches.mu.Unlock()
	want := []model.FetchTarget{{Hashtag: "Travel"}, {Hashtag: "food"}}
	if diff := cmp.Diff(want, ts.batches.targets); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}
	if !ts.batches.opts.Headless {
		t.Error("既定のバッチ設定が渡されるべき")
	}
}

func TestStartRun_Job(t *testing.T) {
	ts := newTestServer(t, "")
	var ran string
	ts.schedules.runNowFn = func(ctx context.Context, name string) (*model.BatchRun, error) {
		ran = name
		run := model.NewBatchRun("b-job", name, nil, nextRun)
		run.Close(nextRun)
		return run, nil
	}

	w := ts.do(http.MethodPost, "/api/runs", `{"job":"daily_scraping"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	ts.runs.Wait()
	if ran != "daily_scraping" {
		t.Errorf("RunNow called with %q", ran)
	}

	latest := ts.do(http.MethodGet, "/api/runs/latest", "")
	var status runStatusResponse
	if err := json.NewDecoder(latest.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Running || status.Last == nil || status.Last.ID != "b-job" {
		t.Errorf("status = %+v", status)
	}
}

func TestStartRun_Validation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"malformed json", `{`, http.StatusBadRequest},
		{"empty", `{}`, http.StatusBadRequest},
		{"both", `{"job":"daily_scraping","hashtags":["a"]}`, http.StatusBadRequest},
		{"only blanks", `{"hashtags":["#"," "]}`, http.StatusBadRequest},
		{"unknown job", `{"job":"weekly"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, "")
			w := ts.do(http.MethodPost, "/api/runs", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestStartRun_TooManyHashtags(t *testing.T) {
	tags := make([]string, MaxAdHocTargets+1)
	for i := range tags {
		tags[i] = strings.Repeat("a", i+1)
	}
	if _, err := adHocTargets(tags); err == nil {
		t.Error("上限を超えるハッシュタグはエラーになるべき")
	}
}

func TestStartRun_ConflictWhileRunning(t *testing.T) {
	ts := newTestServer(t, "")
	ts.batches.release = make(chan struct{})

	if w := ts.do(http.MethodPost, "/api/runs", `{"hashtags":["travel"]}`); w.Code != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202", w.Code)
	}
	w := ts.do(http.MethodPost, "/api/runs", `{"hashtags":["food"]}`)
	if w.Code != http.StatusConflict {
		t.Errorf("second status = %d, want 409", w.Code)
	}

	running := ts.do(http.MethodGet, "/api/runs/latest", "")
	if !strings.Contains(running.Body.String(), `"running":true`) {
		t.Errorf("latest = %s", running.Body.String())
	}

	close(ts.batches.release)
	ts.runs.Wait()
	if w := ts.do(http.MethodPost, "/api/runs", `{"hashtags":["food"]}`); w.Code != http.StatusAccepted {
		t.Errorf("after finish status = %d, want 202", w.Code)
	}
	ts.runs.Wait()
}

func TestStartRun_JobErrorIsLogged(t *testing.T) {
	ts := newTestServer(t, "")
	ts.schedules.runNowFn = func(context.Context, string) (*model.BatchRun, error) {
		return nil, errors.New("tags file missing")
	}

	ts.do(http.MethodPost, "/api/runs", `{"job":"daily_scraping"}`)
	ts.runs.Wait()

	if !strings.Contains(ts.logs.String(), "tags file missing") {
		t.Errorf("error should be logged: %s", ts.logs.String())
	}
}

func TestListBatches(t *testing.T) {
	ts := newTestServer(t, "")
	ts.history.list = []repository.BatchSummary{{ID: "b-1", Name: "daily", Targets: 3, Succeeded: 3}}

	w := ts.do(http.MethodGet, "/api/batches?limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ts.history.limit != 5 {
		t.Errorf("limit = %d, want 5", ts.history.limit)
	}
	if !strings.Contains(w.Body.String(), `"id":"b-1"`) {
		t.Errorf("body = %s", w.Body.String())
	}

	if w := ts.do(http.MethodGet, "/api/batches?limit=0", ""); w.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", w.Code)
	}
}

func TestListBatches_EmptyIsArray(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(http.MethodGet, "/api/batches", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", w.Body.String())
	}
	if ts.history.limit != defaultListLimit {
		t.Errorf("limit = %d, want %d", ts.history.limit, defaultListLimit)
	}
}

func TestGetBatch(t *testing.T) {
	ts := newTestServer(t, "")
	id := "6f1c2b9e-3d4a-4c5b-8e7f-0a1b2c3d4e5f"
	run := model.NewBatchRun(id, "daily", nil, nextRun)
	run.Close(nextRun)
	ts.history.run = run

	if w := ts.do(http.MethodGet, "/api/batches/"+id, ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w := ts.do(http.MethodGet, "/api/batches/not-a-uuid", ""); w.Code != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want 400", w.Code)
	}
	if w := ts.do(http.MethodGet, "/api/batches/00000000-0000-4000-8000-000000000000", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", w.Code)
	}
}

func TestListRecords_NormalizesHashtag(t *testing.T) {
	ts := newTestServer(t, "")
	ts.history.records = []*model.HashtagRecord{{Hashtag: "travel", PostCount: 10}}

	w := ts.do(http.MethodGet, "/api/hashtags/%23travel/records", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ts.history.hashtag != "travel" {
		t.Errorf("hashtag = %q, want travel", ts.history.hashtag)
	}
}

func TestHistory_NotMountedWithoutDatabase(t *testing.T) {
	logger := newTestLogger(&bytes.Buffer{})
	schedules := sampleSchedules()
	router := NewRouter(&RouterDeps{
		Logger: logger,
		Status: NewStatusHandler(schedules, &mockSessionStatus{}, nil, logger),
		Runs:   NewRunHandler(context.Background(), schedules, &mockBatches{}, batch.Options{}, logger),
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/batches", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
