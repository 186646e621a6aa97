// ============================================================================
// oss-sim Interruption Handling - 中斷與逾時訊號
// ============================================================================
//
// Package: internal/interrupt
// 文件: interrupt.go
// 功能: 將外部中斷（SIGINT）與逾時（SIGALRM / 實際時間警報）轉換為
//       context 取消原因，讓 Controller 與 Worker 以同一條 teardown 路徑結束
//
// 模型:
//   - 取消令牌：context.WithCancelCause，原因為 ErrInterrupted 或 ErrTimedOut
//   - 主迴圈以 ctx.Done() 協作式觀察取消，不在訊號處理器中做任何複雜邏輯
//   - 結束碼沿用慣例：128 + 訊號編號
//
// ============================================================================

package interrupt

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"time"
)

var (
	// ErrInterrupted 外部中斷（SIGINT / SIGTERM）
	ErrInterrupted = errors.New("interrupted")
	// ErrTimedOut 逾時（SIGALRM 或實際時間安全警報）
	ErrTimedOut = errors.New("timed out")
)

const (
	// ExitInterrupted 128 + SIGINT(2)
	ExitInterrupted = 130
	// ExitTimedOut 128 + SIGALRM(14)
	ExitTimedOut = 142
	// ExitAbandoned Worker 因共享資源被銷毀而結束
	ExitAbandoned = 1
)

// ExitCode 將取消原因轉為結束碼；nil 代表正常結束
func ExitCode(cause error) int {
	switch {
	case cause == nil:
		return 0
	case errors.Is(cause, ErrInterrupted):
		return ExitInterrupted
	case errors.Is(cause, ErrTimedOut):
		return ExitTimedOut
	}
	return ExitAbandoned
}

// SignalName 用於日誌
func SignalName(cause error) string {
	switch {
	case errors.Is(cause, ErrInterrupted):
		return "SIGINT"
	case errors.Is(cause, ErrTimedOut):
		return "SIGALRM"
	}
	return "SIGKILL"
}

// WithSignals 回傳一個在收到 OS 訊號時以對應原因取消的 context。
// stop 會解除訊號註冊並釋放 context。
func WithSignals(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, watched...)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			cancel(causeOf(sig))
		case <-ctx.Done():
		case <-done:
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
			cancel(context.Canceled)
		})
	}
	return ctx, stop
}

// WithAlarm 實際時間安全警報；d <= 0 時不設定
func WithAlarm(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeoutCause(parent, d, ErrTimedOut)
}

// Cause 回傳 ctx 的取消原因；ctx 未取消時回傳 nil
func Cause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}
