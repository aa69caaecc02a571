package schedule

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hitoshi/tagscout/internal/model"
)

const sampleSchedule = `{
  // 通知設定
  settings: {
    error_notification: true,
    success_notification: false,
  },
  defaults: {
    headless: true,
    delay: 3,
    delay_max: 8,
    max_attempts: 3,
  },
  jobs: [
    {
      name: "daily_scraping",
      description: "毎日の定期スクレイピング",
      schedule: "daily",
      time: "08:00",
      tags_file: "config/tags.csv",
      enabled: true,
    },
    {
      name: "weekly_full_scraping",
      schedule: "weekly",
      day: "Sunday",
      time: "02:00",
      tags_file: "config/weekly_tags.csv",
      enabled: false,
      delay: 5,
      headless: false,
    },
    {
      name: "hourly_watch",
      schedule: "hourly",
      minute: 30,
      tags_file: "config/watch.csv",
      enabled: true,
      max_attempts: 1,
    },
    {
      name: "every_two_hours",
      schedule: "interval",
      interval_minutes: 120,
      tags_file: "config/watch.csv",
      enabled: true,
    },
  ],
}`

func boolPtr(b bool) *bool { return &b }

func TestParse_BuildsEntriesInOrder(t *testing.T) {
	def, err := Parse([]byte(sampleSchedule))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	want := []model.ScheduleEntry{
		{
			Name:        "daily_scraping",
			Description: "毎日の定期スクレイピング",
			Trigger:     model.Trigger{Kind: model.TriggerDaily, Hour: 8},
			TargetsFile: "config/tags.csv",
			Enabled:     true,
			Options:     model.EntryOptions{Headless: boolPtr(true), DelayMin: 3 * time.Second, DelayMax: 8 * time.Second, MaxAttempts: 3},
		},
		{
			Name:        "weekly_full_scraping",
			Trigger:     model.Trigger{Kind: model.TriggerWeekly, Weekday: time.Sunday, Hour: 2},
			TargetsFile: "config/weekly_tags.csv",
			Options:     model.EntryOptions{Headless: boolPtr(false), DelayMin: 5 * time.Second, DelayMax: 5 * time.Second, MaxAttempts: 3},
		},
		{
			Name:        "hourly_watch",
			Trigger:     model.Trigger{Kind: model.TriggerHourly, Minute: 30},
			TargetsFile: "config/watch.csv",
			Enabled:     true,
			Options:     model.EntryOptions{Headless: boolPtr(true), DelayMin: 3 * time.Second, DelayMax: 8 * time.Second, MaxAttempts: 1},
		},
		{
			Name:        "every_two_hours",
			Trigger:     model.Trigger{Kind: model.TriggerInterval, Every: 2 * time.Hour},
			TargetsFile: "config/watch.csv",
			Enabled:     true,
			Options:     model.EntryOptions{Headless: boolPtr(true), DelayMin: 3 * time.Second, DelayMax: 8 * time.Second, MaxAttempts: 3},
		},
	}
	if diff := cmp.Diff(want, def.Entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	if !def.Settings.ErrorNotification || def.Settings.SuccessNotification {
		t.Errorf("settings = %+v", def.Settings)
	}
	if got := len(def.Enabled()); got != 3 {
		t.Errorf("enabled = %d, want 3", got)
	}
}

func TestParse_DefaultSettings(t *testing.T) {
	def, err := Parse([]byte(`{jobs: []}`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !def.Settings.ErrorNotification {
		t.Error("エラー通知はデフォルトで有効")
	}
	if def.Settings.SuccessNotification {
		t.Error("成功通知はデフォルトで無効")
	}
}

func TestParse_EnabledDefaultsToFalse(t *testing.T) {
	def, err := Parse([]byte(`{jobs: [{name: "a", schedule: "daily", time: "09:00", tags_file: "t.csv"}]}`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if def.Entries[0].Enabled {
		t.Error("enabledを省略したジョブは無効")
	}
}

func TestParse_WeeklyDefaultsToMonday(t *testing.T) {
	def, err := Parse([]byte(`{jobs: [{name: "a", schedule: "weekly", time: "09:00", tags_file: "t.csv"}]}`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if got := def.Entries[0].Trigger.Weekday; got != time.Monday {
		t.Errorf("Weekday = %s, want Monday", got)
	}
}

func TestParse_RejectsInvalidJobs(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"名前なし", `{jobs: [{schedule: "daily", time: "09:00", tags_file: "t.csv"}]}`, "name is required"},
		{"タグファイルなし", `{jobs: [{name: "a", schedule: "daily", time: "09:00"}]}`, "tags_file is required"},
		{"時刻の書式", `{jobs: [{name: "a", schedule: "daily", time: "9am", tags_file: "t.csv"}]}`, "HH:MM"},
		{"曜日", `{jobs: [{name: "a", schedule: "weekly", day: "someday", time: "09:00", tags_file: "t.csv"}]}`, "someday"},
		{"種別", `{jobs: [{name: "a", schedule: "monthly", tags_file: "t.csv"}]}`, "monthly"},
		{"名前の重複", `{jobs: [
			{name: "a", schedule: "daily", time: "09:00", tags_file: "t.csv"},
			{name: "a", schedule: "daily", time: "10:00", tags_file: "t.csv"},
		]}`, "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err, tt.want)
			}
		})
	}
}

func TestParse_InvalidTriggerIsTyped(t *testing.T) {
	_, err := Parse([]byte(`{jobs: [{name: "a", schedule: "hourly", minute: 75, tags_file: "t.csv"}]}`))
	if !errors.Is(err, ErrInvalidTrigger) {
		t.Errorf("expected ErrInvalidTrigger, got %v", err)
	}
}

func TestLoadFile_MergesLocalOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.json5")
	if err := os.WriteFile(path, []byte(sampleSchedule), 0o644); err != nil {
		t.Fatalf("failed to write schedule: %v", err)
	}
	local := `{settings: {success_notification: true}}`
	if err := os.WriteFile(filepath.Join(dir, "schedule.local.json5"), []byte(local), 0o644); err != nil {
		t.Fatalf("failed to write local schedule: %v", err)
	}

	def, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}
	if !def.Settings.SuccessNotification {
		t.Error("ローカル設定で成功通知を有効にできるべき")
	}
	if !def.Settings.ErrorNotification {
		t.Error("ローカル設定にない項目は元の値を保つべき")
	}
	if len(def.Entries) != 4 {
		t.Errorf("entries = %d, want 4", len(def.Entries))
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "none.json5")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
