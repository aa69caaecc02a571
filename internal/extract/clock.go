package extract

import (
	"sync"
	"time"
)

// Clock はプロセス内で単調増加する取得時刻を返す。
// 壁時計が同じ値や過去の値を返した場合は直前の値から1マイクロ秒進める。
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewClock は新しいClockを生成する。nowがnilの場合はtime.Nowを使う。
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now は直前の戻り値より必ず後の時刻を返す。
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().Round(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
