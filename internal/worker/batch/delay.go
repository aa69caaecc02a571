package batch

import (
	"math/rand/v2"
	"time"
)

// DelayPolicy は対象間の待機時間を決める。
// indexは次に取得する対象の位置（1以上）。
type DelayPolicy interface {
	Next(index int) time.Duration
}

// UniformDelay は[Min, Max]の一様分布から待機時間を選ぶ。
type UniformDelay struct {
	Min  time.Duration
	Max  time.Duration
	rand func() float64
}

// NewUniformDelay は新しいUniformDelayを生成する。maxがminより小さい場合はminに揃える。
func NewUniformDelay(min, max time.Duration) *UniformDelay {
	if max < min {
		max = min
	}
	return &UniformDelay{Min: min, Max: max, rand: rand.Float64}
}

// Next は待機時間を返す。
func (d *UniformDelay) Next(int) time.Duration {
	if d.Max <= d.Min {
		return d.Min
	}
	r := d.rand
	if r == nil {
		r = rand.Float64
	}
	return d.Min + time.Duration(r()*float64(d.Max-d.Min))
}

// FixedDelay は常に同じ時間だけ待機する。0を指定すると待機しない。
type FixedDelay time.Duration

// Next は待機時間を返す。
func (d FixedDelay) Next(int) time.Duration {
	return time.Duration(d)
}
