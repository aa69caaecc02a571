package schedule

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/titanous/json5"

	"github.com/hitoshi/tagscout/internal/model"
)

// Settings はスケジューラ全体の通知設定。
type Settings struct {
	ErrorNotification   bool `json:"error_notification"`
	SuccessNotification bool `json:"success_notification"`
}

// Definition はスケジュール定義ファイルを検証済みの形にしたもの。
// Entriesはファイルの記述順（同時刻に実行する順序）を保つ。
type Definition struct {
	Settings Settings
	Entries  []model.ScheduleEntry
}

// Enabled は有効なジョブのみを返す。
func (d *Definition) Enabled() []model.ScheduleEntry {
	var out []model.ScheduleEntry
	for _, e := range d.Entries {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out
}

type fileSettings struct {
	ErrorNotification   *bool `json:"error_notification"`
	SuccessNotification *bool `json:"success_notification"`
}

type fileOptions struct {
	Headless    *bool   `json:"headless"`
	Delay       float64 `json:"delay"`     // 対象間の最小待機秒数
	DelayMax    float64 `json:"delay_max"` // 省略時はdelayと同じ
	MaxAttempts int     `json:"max_attempts"`
}

type fileJob struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	Schedule        string `json:"schedule"`
	Time            string `json:"time"`
	Day             string `json:"day"`
	Minute          int    `json:"minute"`
	IntervalMinutes int    `json:"interval_minutes"`
	TagsFile        string `json:"tags_file"`
	Enabled         *bool  `json:"enabled"`

	Headless    *bool   `json:"headless"`
	Delay       float64 `json:"delay"`
	DelayMax    float64 `json:"delay_max"`
	MaxAttempts int     `json:"max_attempts"`
}

type file struct {
	Settings fileSettings `json:"settings"`
	Defaults fileOptions  `json:"defaults"`
	Jobs     []fileJob    `json:"jobs"`
}

// LoadFile はJSON5のスケジュール定義を読み込む。
// 同じディレクトリに <name>.local.json5 があれば、その内容で上書きする。
func LoadFile(path string) (*Definition, error) {
	f, err := readFile(path)
	if err != nil {
		return nil, err
	}

	local := localPath(path)
	if _, statErr := os.Stat(local); statErr == nil {
		override, err := readFile(local)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(f, *override, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", local, err)
		}
	}

	return f.definition()
}

// Parse はJSON5のスケジュール定義を解析する。
func Parse(data []byte) (*Definition, error) {
	var f file
	if err := json5.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse schedule: %w", err)
	}
	return f.definition()
}

func readFile(path string) (*file, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule file: %w", err)
	}
	var f file
	if err := json5.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse schedule file %s: %w", path, err)
	}
	return &f, nil
}

func localPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

func (f *file) definition() (*Definition, error) {
	def := &Definition{
		Settings: Settings{
			ErrorNotification:   boolOr(f.Settings.ErrorNotification, true),
			SuccessNotification: boolOr(f.Settings.SuccessNotification, false),
		},
	}

	defaults := f.Defaults.entryOptions()
	seen := make(map[string]bool)
	var errs []error

	for i, job := range f.Jobs {
		entry, err := job.entry()
		if err == nil && seen[entry.Name] {
			err = fmt.Errorf("duplicate job name %q", entry.Name)
		}
		if err == nil {
			err = mergo.Merge(&entry.Options, defaults, mergo.WithoutDereference)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d]: %w", i, err))
			continue
		}
		seen[entry.Name] = true
		def.Entries = append(def.Entries, entry)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return def, nil
}

func (j fileJob) entry() (model.ScheduleEntry, error) {
	if strings.TrimSpace(j.Name) == "" {
		return model.ScheduleEntry{}, errors.New("name is required")
	}
	if strings.TrimSpace(j.TagsFile) == "" {
		return model.ScheduleEntry{}, fmt.Errorf("%s: tags_file is required", j.Name)
	}
	trigger, err := j.trigger()
	if err != nil {
		return model.ScheduleEntry{}, fmt.Errorf("%s: %w", j.Name, err)
	}
	return model.ScheduleEntry{
		Name:        j.Name,
		Description: j.Description,
		Trigger:     trigger,
		TargetsFile: j.TagsFile,
		Enabled:     boolOr(j.Enabled, false),
		Options:     j.options().entryOptions(),
	}, nil
}

func (j fileJob) trigger() (model.Trigger, error) {
	t := model.Trigger{Kind: model.TriggerKind(strings.ToLower(j.Schedule))}

	switch t.Kind {
	case model.TriggerDaily, model.TriggerWeekly:
		hour, minute, err := parseClock(j.Time)
		if err != nil {
			return t, err
		}
		t.Hour, t.Minute = hour, minute
		if t.Kind == model.TriggerWeekly {
			day := j.Day
			if day == "" {
				day = "monday"
			}
			wd, err := parseWeekday(day)
			if err != nil {
				return t, err
			}
			t.Weekday = wd
		}
	case model.TriggerHourly:
		t.Minute = j.Minute
	case model.TriggerInterval:
		minutes := j.IntervalMinutes
		if minutes == 0 {
			minutes = 60
		}
		t.Every = time.Duration(minutes) * time.Minute
	}

	if err := ValidateTrigger(t); err != nil {
		return t, err
	}
	return t, nil
}

func (j fileJob) options() fileOptions {
	return fileOptions{
		Headless:    j.Headless,
		Delay:       j.Delay,
		DelayMax:    j.DelayMax,
		MaxAttempts: j.MaxAttempts,
	}
}

func (o fileOptions) entryOptions() model.EntryOptions {
	opts := model.EntryOptions{
		Headless:    o.Headless,
		MaxAttempts: o.MaxAttempts,
	}
	if o.Delay > 0 {
		opts.DelayMin = seconds(o.Delay)
		opts.DelayMax = opts.DelayMin
	}
	if o.DelayMax > o.Delay {
		opts.DelayMax = seconds(o.DelayMax)
	}
	return opts
}

func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidTrigger, s)
	}
	return t.Hour(), t.Minute(), nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w: day %q", ErrInvalidTrigger, s)
	}
	return wd, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
