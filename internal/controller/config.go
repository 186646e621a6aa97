package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/oss-sim/internal/interrupt"
	"github.com/ChuLiYu/oss-sim/internal/simclock"
	"github.com/ChuLiYu/oss-sim/internal/storage/reaplog"
	"github.com/ChuLiYu/oss-sim/internal/worker"
)

// ============================================================================
// 預設值與限制
// ============================================================================

const (
	// MaxConcurrency 同時存在的 Worker 上限（不可調整）
	MaxConcurrency = 19

	DefaultConcurrency = 5
	DefaultMaxSpawns   = 100
	DefaultTimeLimit   = 20 // 模擬秒
	DefaultReapTimeout = 5 * time.Second
)

// 結束碼
const (
	ExitOK          = 0
	ExitConfig      = 2
	ExitSemaphore   = 3
	ExitMailbox     = 4
	ExitClock       = 5
	ExitLogFile     = 6
	ExitInterrupted = interrupt.ExitInterrupted
	ExitTimedOut    = interrupt.ExitTimedOut
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidConfig 所有設定錯誤的共同根源（結束碼 2）
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrConcurrencyCap 並行數超過 MaxConcurrency
	ErrConcurrencyCap = fmt.Errorf("%w: concurrency cannot exceed %d", ErrInvalidConfig, MaxConcurrency)
	// ErrAlreadyRun Run 只能呼叫一次
	ErrAlreadyRun = errors.New("controller already started")
	// ErrStopped Run 之前已經 Teardown
	ErrStopped = errors.New("controller already torn down")
)

// StartupError 共享資源建立失敗（啟動期間致命錯誤）
type StartupError struct {
	Resource string // semaphore / mailbox / clock / log file
	Code     int    // 對應的結束碼
	Err      error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("failed to init %s: %v", e.Resource, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// ExitCode 將結束原因轉為行程結束碼
//
//	nil                      → 0（模擬時間或行程數預算用盡）
//	ErrInvalidConfig         → 2
//	*StartupError            → 各資源的結束碼
//	interrupt.ErrInterrupted → 130
//	interrupt.ErrTimedOut    → 142
func ExitCode(cause error) int {
	if cause == nil {
		return ExitOK
	}
	if errors.Is(cause, ErrInvalidConfig) {
		return ExitConfig
	}
	var se *StartupError
	if errors.As(cause, &se) {
		return se.Code
	}
	return interrupt.ExitCode(cause)
}

// ============================================================================
// Config
// ============================================================================

// Config Controller 配置
type Config struct {
	Concurrency  int           // pool slot 數量（-s）
	MaxSpawns    int           // 行程總數上限（-c）
	TimeLimit    int64         // 模擬時間預算，秒（-t）
	Alarm        time.Duration // 實際時間安全警報；0 表示停用
	Increment    int64         // 每次迴圈推進的奈秒數
	MaxLifetime  int64         // Worker 截止時間偏移上限（不含），奈秒
	GuardedDrain bool          // Controller 取出報告時是否持有 semaphore
	LogPath      string        // 回收紀錄檔（-l）
	SummaryPath  string        // 執行摘要；空字串表示不寫
	ReapTimeout  time.Duration // teardown 時每次回收的等待上限
}

// DefaultConfig 回傳與命令列預設值一致的設定
func DefaultConfig() Config {
	return Config{
		Concurrency:  DefaultConcurrency,
		MaxSpawns:    DefaultMaxSpawns,
		TimeLimit:    DefaultTimeLimit,
		Alarm:        DefaultTimeLimit * time.Second,
		Increment:    simclock.DefaultIncrement,
		MaxLifetime:  worker.DefaultMaxLifetime,
		GuardedDrain: true,
		LogPath:      reaplog.DefaultPath,
		ReapTimeout:  DefaultReapTimeout,
	}
}

// Validate 在建立任何資源之前檢查設定
func (c Config) Validate() error {
	switch {
	case c.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalidConfig, c.Concurrency)
	case c.Concurrency > MaxConcurrency:
		return fmt.Errorf("%w, got %d", ErrConcurrencyCap, c.Concurrency)
	case c.MaxSpawns < 1:
		return fmt.Errorf("%w: max spawns must be at least 1, got %d", ErrInvalidConfig, c.MaxSpawns)
	case c.TimeLimit < 1:
		return fmt.Errorf("%w: time limit must be at least 1s, got %d", ErrInvalidConfig, c.TimeLimit)
	case c.Alarm < 0:
		return fmt.Errorf("%w: alarm must not be negative, got %s", ErrInvalidConfig, c.Alarm)
	case c.Increment <= 0 || c.Increment >= simclock.NanosPerSecond:
		return fmt.Errorf("%w: %v, got %d", ErrInvalidConfig, simclock.ErrInvalidIncrement, c.Increment)
	case c.MaxLifetime < 1:
		return fmt.Errorf("%w: %v, got %d", ErrInvalidConfig, worker.ErrInvalidLifetime, c.MaxLifetime)
	case c.LogPath == "":
		return fmt.Errorf("%w: log path is empty", ErrInvalidConfig)
	}
	return nil
}
