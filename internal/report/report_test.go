package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/tagscout/internal/model"
	"github.com/hitoshi/tagscout/internal/worker/schedule"
)

func sampleRun() *model.BatchRun {
	start := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	targets := []model.FetchTarget{{Hashtag: "travel"}, {Hashtag: "food"}, {Hashtag: "cat"}}
	run := model.NewBatchRun("b-1", "daily", targets, start)
	run.Append(targets[0], model.FetchResult{
		Kind:     model.ResultSuccess,
		Attempts: 1,
		Record: &model.HashtagRecord{
			Hashtag:     "travel",
			PostCount:   1234567,
			RelatedTags: []string{"trip"},
		},
	})
	run.Append(targets[1], model.FetchResult{Kind: model.ResultSelectorDrift, Field: "post_count", Attempts: 1})
	run.Append(targets[2], model.FetchResult{Kind: model.ResultRateLimited, Err: "HTTP 429", Attempts: 3})
	run.Close(start.Add(90 * time.Second))
	return run
}

func TestBatch_RendersResultsAndTally(t *testing.T) {
	var buf bytes.Buffer
	Batch(&buf, sampleRun())
	out := buf.String()

	for _, want := range []string{
		"travel", "1,234,567", "field=post_count", "HTTP 429",
		"selector_drift", "rate_limited",
		"成功: 1件, 失敗: 2件, 所要時間: 1m30s",
		"ロケータ定義ファイルを更新してください。",
		"推奨待機: 5m0s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output should contain %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "中断理由") {
		t.Error("中断していないバッチに中断理由を表示すべきではない")
	}
}

func TestTally_ShowsHaltReasonAndAuthGuidance(t *testing.T) {
	start := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	targets := []model.FetchTarget{{Hashtag: "travel"}}
	run := model.NewBatchRun("b-2", "daily", targets, start)
	run.Append(targets[0], model.FetchResult{Kind: model.ResultSkipped})
	run.Halt("auth_required")
	run.Close(start)

	var buf bytes.Buffer
	Tally(&buf, run)
	out := buf.String()

	if !strings.Contains(out, "中断理由: auth_required") {
		t.Errorf("halt reason missing:\n%s", out)
	}
	if !strings.Contains(out, "tagscout login") {
		t.Errorf("auth guidance missing:\n%s", out)
	}
}

func TestRecord_ListsTopPosts(t *testing.T) {
	var buf bytes.Buffer
	Record(&buf, &model.HashtagRecord{
		Hashtag:     "travel",
		URL:         "https://www.instagram.com/explore/tags/travel/",
		PostCount:   500000,
		RelatedTags: []string{"trip", "japan"},
		TopPosts:    []model.TopPost{{URL: "https://www.instagram.com/p/abc/", MediaType: model.MediaCarousel}},
		CapturedAt:  time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC),
	})
	out := buf.String()

	for _, want := range []string{"#travel", "500,000", "trip, japan", "carousel", "https://www.instagram.com/p/abc/"} {
		if !strings.Contains(out, want) {
			t.Errorf("output should contain %q:\n%s", want, out)
		}
	}
}

func TestSchedules_RendersNextRun(t *testing.T) {
	var buf bytes.Buffer
	Schedules(&buf, []schedule.Upcoming{{
		Entry: model.ScheduleEntry{
			Name:        "daily_scraping",
			Trigger:     model.Trigger{Kind: model.TriggerDaily, Hour: 9},
			TargetsFile: "config/tags.csv",
		},
		At: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
	}})
	out := buf.String()

	for _, want := range []string{"daily_scraping", "daily 09:00", "2026-10-16 09:00:00", "config/tags.csv"} {
		if !strings.Contains(out, want) {
			t.Errorf("output should contain %q:\n%s", want, out)
		}
	}
}

func TestFormatCount(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-4500, "-4,500"},
	}
	for _, tt := range tests {
		if got := FormatCount(tt.in); got != tt.want {
			t.Errorf("FormatCount(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
