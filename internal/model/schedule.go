package model

import (
	"fmt"
	"time"
)

// TriggerKind はスケジュールの繰り返しパターン。
type TriggerKind string

const (
	TriggerDaily    TriggerKind = "daily"
	TriggerWeekly   TriggerKind = "weekly"
	TriggerHourly   TriggerKind = "hourly"
	TriggerInterval TriggerKind = "interval"
)

// Trigger はスケジュールの起動条件。
//   - daily: 毎日 Hour:Minute
//   - weekly: 毎週 Weekday の Hour:Minute
//   - hourly: 毎時 Minute 分
//   - interval: 0時起点で Every ごと
type Trigger struct {
	Kind    TriggerKind
	Hour    int
	Minute  int
	Weekday time.Weekday
	Every   time.Duration
}

// String はログ用の表記を返す。
func (t Trigger) String() string {
	switch t.Kind {
	case TriggerDaily:
		return fmt.Sprintf("daily %02d:%02d", t.Hour, t.Minute)
	case TriggerWeekly:
		return fmt.Sprintf("weekly %s %02d:%02d", t.Weekday, t.Hour, t.Minute)
	case TriggerHourly:
		return fmt.Sprintf("hourly :%02d", t.Minute)
	case TriggerInterval:
		return fmt.Sprintf("every %s", t.Every)
	default:
		return string(t.Kind)
	}
}

// EntryOptions はジョブごとのバッチ設定。ゼロ値の項目は既定値で補完される。
type EntryOptions struct {
	Headless    *bool         `json:"headless,omitempty"`
	DelayMin    time.Duration `json:"delay_min,omitempty"`
	DelayMax    time.Duration `json:"delay_max,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
}

// ScheduleEntry は1件の定期ジョブ。実行中は読み取り専用。
type ScheduleEntry struct {
	Name        string
	Description string
	Trigger     Trigger
	TargetsFile string
	Enabled     bool
	Options     EntryOptions
}
