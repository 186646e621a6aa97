// ============================================================================
// oss-sim 模擬時鐘 - Logical Clock
// ============================================================================
//
// Package: internal/simclock
// 文件: clock.go
// 功能: 秒 + 奈秒的模擬時鐘，只由 Controller 推進，所有 Worker 讀取
//
// 不變量:
//   0 <= Nanoseconds < NanosPerSecond，溢位進位到 Seconds
//   所有運算皆為整數運算（不經過浮點數），保證 Advance k 次等價於
//   AddOffset(initial, increment*k)
//
// ============================================================================

package simclock

import (
	"errors"
	"fmt"
)

const (
	// NanosPerSecond 一秒的奈秒數
	NanosPerSecond int64 = 1_000_000_000
	// DefaultIncrement Controller 每次迴圈推進的預設奈秒數
	DefaultIncrement int64 = 10_000
)

// ErrInvalidIncrement 推進量必須落在 (0, 1e9)
var ErrInvalidIncrement = errors.New("simclock: increment must be in (0, 1e9)")

// Ordering 是 Compare 的結果
type Ordering int

const (
	Less    Ordering = -1
	Equal   Ordering = 0
	Greater Ordering = 1
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	}
	return fmt.Sprintf("Ordering(%d)", int(o))
}

// Clock 模擬時鐘的值
type Clock struct {
	Seconds     int64 `json:"seconds"`
	Nanoseconds int64 `json:"nanoseconds"`
}

// Reset 將兩個欄位歸零
func (c *Clock) Reset() {
	c.Seconds = 0
	c.Nanoseconds = 0
}

// Advance 推進 increment 奈秒，達到或超過一秒時進位
func (c *Clock) Advance(increment int64) {
	sum := c.Nanoseconds + increment
	if sum >= NanosPerSecond {
		c.Seconds += sum / NanosPerSecond
		c.Nanoseconds = sum % NanosPerSecond
		return
	}
	c.Nanoseconds = sum
}

// Compare 先比秒，再比奈秒
func Compare(a, b Clock) Ordering {
	switch {
	case a.Seconds < b.Seconds:
		return Less
	case a.Seconds > b.Seconds:
		return Greater
	case a.Nanoseconds < b.Nanoseconds:
		return Less
	case a.Nanoseconds > b.Nanoseconds:
		return Greater
	}
	return Equal
}

// AddOffset 回傳 base + offsetNanos，offsetNanos 不限於一秒以內
func AddOffset(base Clock, offsetNanos int64) Clock {
	if offsetNanos%NanosPerSecond == 0 {
		return Clock{
			Seconds:     base.Seconds + offsetNanos/NanosPerSecond,
			Nanoseconds: base.Nanoseconds,
		}
	}
	out := Clock{
		Seconds:     base.Seconds + offsetNanos/NanosPerSecond,
		Nanoseconds: base.Nanoseconds + offsetNanos%NanosPerSecond,
	}
	return normalize(out)
}

// Copy 值複製
func Copy(src Clock) Clock {
	return Clock{Seconds: src.Seconds, Nanoseconds: src.Nanoseconds}
}

// FromNanos 由總奈秒數建立 Clock
func FromNanos(total uint64) Clock {
	return Clock{
		Seconds:     int64(total / uint64(NanosPerSecond)),
		Nanoseconds: int64(total % uint64(NanosPerSecond)),
	}
}

// FromSeconds 建立整秒的 Clock（用於時間預算）
func FromSeconds(seconds int64) Clock {
	return Clock{Seconds: seconds}
}

// TotalNanos 回傳總奈秒數
func (c Clock) TotalNanos() uint64 {
	return uint64(c.Seconds)*uint64(NanosPerSecond) + uint64(c.Nanoseconds)
}

// Float64 以秒為單位回傳（僅供 metrics 使用，比較一律用 Compare）
func (c Clock) Float64() float64 {
	return float64(c.Seconds) + float64(c.Nanoseconds)/float64(NanosPerSecond)
}

// String 格式為 S.NNNNNNNNN
func (c Clock) String() string {
	return fmt.Sprintf("%d.%09d", c.Seconds, c.Nanoseconds)
}

// normalize 保證 0 <= Nanoseconds < NanosPerSecond
func normalize(c Clock) Clock {
	if c.Nanoseconds >= NanosPerSecond {
		c.Seconds += c.Nanoseconds / NanosPerSecond
		c.Nanoseconds %= NanosPerSecond
	}
	if c.Nanoseconds < 0 {
		borrow := (-c.Nanoseconds + NanosPerSecond - 1) / NanosPerSecond
		c.Seconds -= borrow
		c.Nanoseconds += borrow * NanosPerSecond
	}
	return c
}
