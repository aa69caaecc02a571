package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/tagscout/internal/model"
)

// ErrInvalidTrigger はトリガー定義が不正であることを示す。
var ErrInvalidTrigger = errors.New("invalid trigger")

// ValidateTrigger はトリガーの値域を検証する。
func ValidateTrigger(t model.Trigger) error {
	switch t.Kind {
	case model.TriggerDaily, model.TriggerWeekly:
		if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
			return fmt.Errorf("%w: time %02d:%02d", ErrInvalidTrigger, t.Hour, t.Minute)
		}
		if t.Kind == model.TriggerWeekly && (t.Weekday < time.Sunday || t.Weekday > time.Saturday) {
			return fmt.Errorf("%w: weekday %d", ErrInvalidTrigger, t.Weekday)
		}
	case model.TriggerHourly:
		if t.Minute < 0 || t.Minute > 59 {
			return fmt.Errorf("%w: minute %d", ErrInvalidTrigger, t.Minute)
		}
	case model.TriggerInterval:
		if t.Every < time.Minute {
			return fmt.Errorf("%w: interval %s is shorter than 1m", ErrInvalidTrigger, t.Every)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, t.Kind)
	}
	return nil
}

// NextTrigger はnowより厳密に後の最初の起動時刻を返す。
// 過去の起動時刻を遡って返すことはない。nowのタイムゾーンで計算する。
func NextTrigger(now time.Time, t model.Trigger) (time.Time, error) {
	if err := ValidateTrigger(t); err != nil {
		return time.Time{}, err
	}

	y, m, d := now.Date()
	loc := now.Location()

	switch t.Kind {
	case model.TriggerDaily:
		next := time.Date(y, m, d, t.Hour, t.Minute, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(y, m, d+1, t.Hour, t.Minute, 0, 0, loc)
		}
		return next, nil

	case model.TriggerWeekly:
		days := (int(t.Weekday) - int(now.Weekday()) + 7) % 7
		next := time.Date(y, m, d+days, t.Hour, t.Minute, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(y, m, d+days+7, t.Hour, t.Minute, 0, 0, loc)
		}
		return next, nil

	case model.TriggerHourly:
		next := time.Date(y, m, d, now.Hour(), t.Minute, 0, 0, loc)
		if !next.After(now) {
			next = next.Add(time.Hour)
		}
		return next, nil

	default: // TriggerInterval
		// 0時を起点に等間隔に並べる。プロセスの起動時刻には依存しない。
		start := time.Date(y, m, d, 0, 0, 0, 0, loc)
		n := now.Sub(start)/t.Every + 1
		return start.Add(n * t.Every), nil
	}
}
