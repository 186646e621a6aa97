// ============================================================================
// oss-sim Semaphore - Worker 之間的二元互斥訊號
// ============================================================================
//
// Package: internal/semaphore
// 文件: semaphore.go
// 功能: 保護 Worker 對 mailbox 的「檢查 → 寫入」序列
//
// 實作:
//   permit 計數交給 golang.org/x/sync/semaphore.Weighted，外層補上：
//   - held 計數：Release 沒有對應的 Acquire 時回傳 ErrNotHeld
//     （Weighted 在此情況會 panic）
//   - Destroy: 取消內部 context，等待中與之後的 Acquire 立即失敗
//   公平性依 Weighted 的 FIFO 等待佇列
//
// 已知限制:
//   持有 permit 的 Worker 若在臨界區內被取消而未 Release，permit 將遺失，
//   其他 Worker 只能等到 Destroy 才會解除阻塞
//
// ============================================================================

package semaphore

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrInvalidPermits 初始 permit 數量必須 >= 1
	ErrInvalidPermits = errors.New("semaphore: permits must be at least 1")
	// ErrNotHeld Release 時沒有人持有 permit
	ErrNotHeld = errors.New("semaphore: release without matching acquire")
	// ErrDestroyed semaphore 已銷毀
	ErrDestroyed = errors.New("semaphore: destroyed")
)

// Semaphore 計數 semaphore；本系統只以 1 個 permit 使用
type Semaphore struct {
	weighted *semaphore.Weighted

	mu   sync.Mutex
	held int

	destroyed context.Context
	destroy   context.CancelCauseFunc
}

// New 建立擁有 permits 個 permit 的 semaphore（初始全部可用）
func New(permits int) (*Semaphore, error) {
	if permits < 1 {
		return nil, ErrInvalidPermits
	}
	destroyed, destroy := context.WithCancelCause(context.Background())
	return &Semaphore{
		weighted:  semaphore.NewWeighted(int64(permits)),
		destroyed: destroyed,
		destroy:   destroy,
	}, nil
}

// Acquire 阻塞直到取得 permit、ctx 取消或 semaphore 銷毀
func (s *Semaphore) Acquire(ctx context.Context) error {
	if s.Destroyed() {
		return ErrDestroyed
	}

	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(s.destroyed, func() { cancel(ErrDestroyed) })
	defer stop()

	if err := s.weighted.Acquire(waitCtx, 1); err != nil {
		return context.Cause(waitCtx)
	}
	if s.Destroyed() {
		s.weighted.Release(1)
		return ErrDestroyed
	}

	s.mu.Lock()
	s.held++
	s.mu.Unlock()
	return nil
}

// TryAcquire 非阻塞嘗試
func (s *Semaphore) TryAcquire() bool {
	if s.Destroyed() || !s.weighted.TryAcquire(1) {
		return false
	}
	s.mu.Lock()
	s.held++
	s.mu.Unlock()
	return true
}

// Release 歸還 permit
func (s *Semaphore) Release() error {
	if s.Destroyed() {
		return ErrDestroyed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == 0 {
		return ErrNotHeld
	}
	s.held--
	s.weighted.Release(1)
	return nil
}

// Destroy 銷毀 semaphore，喚醒所有等待者；可重複呼叫
func (s *Semaphore) Destroy() {
	s.destroy(ErrDestroyed)
}

// Destroyed 回報是否已銷毀
func (s *Semaphore) Destroyed() bool {
	return s.destroyed.Err() != nil
}
