// ============================================================================
// oss-sim Worker Pool - 模擬行程啟動與回收
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 取代 fork/exec + kill + waitpid 的行程管理介面
//
// 對應關係:
//   fork + exec(child -s -m -c)  →  Spawn(slot)：以 goroutine 執行 Worker，
//                                    附掛 Env（clock / mailbox / semaphore）
//   kill(pid, sig)               →  Signal(pid, cause)：以原因取消該 Worker 的 context
//   waitpid(-1)                  →  Wait(ctx)：回收任一已結束的 Worker
//
// 架構組件:
//   ┌─────────────┐   Spawn / Signal    ┌────────────────────┐
//   │ Controller  │ ──────────────────→ │ Pool               │
//   └─────────────┘                     │  ┌──────────────┐  │
//         ↑                             │  │ Worker pid=1 │──┼──→ exitCh
//       Wait()                          │  │ Worker pid=2 │──┼──→ exitCh
//         └──────────── exitCh ─────────│  │ Worker pid=3 │──┼──→ exitCh
//                                       │  └──────────────┘  │
//                                       └────────────────────┘
//
// 並發控制:
//   - 每個 Worker 擁有獨立 context（不是 Controller context 的子 context），
//     只有 Controller 明確 Signal 時才會結束，與真實行程語意一致
//   - exitCh 容量 = capacity，尚未回收的 Worker 數量永遠不超過 capacity，
//     因此 Worker 送出結束狀態時不會阻塞
//   - Mutex 保護 procs / live / closed
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ChuLiYu/oss-sim/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示 Pool 已關閉，無法再啟動 Worker
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolFull 尚未回收的 Worker 已達容量上限
	ErrPoolFull = errors.New("worker pool is at capacity")
	// ErrNoSuchProcess 目標行程不存在或已結束
	ErrNoSuchProcess = errors.New("no such process")
	// ErrDetached Pool 關閉時仍在執行的 Worker 以此原因結束
	ErrDetached = errors.New("worker detached by pool shutdown")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// proc 一個執行中的 Worker
type proc struct {
	worker *Worker
	cancel context.CancelCauseFunc
}

// Pool 管理模擬行程的生命週期
type Pool struct {
	env      Env
	cfg      Config
	capacity int
	log      *slog.Logger

	mu      sync.Mutex
	nextPID types.ProcessID
	procs   map[types.ProcessID]*proc // 執行中（尚未結束）的 Worker
	live    int                       // 已啟動但尚未被 Wait 回收的數量
	spawned int                       // 累計啟動數量
	closed  bool

	exitCh chan Exit
	wg     sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立 Pool
//
// 參數：
//   - env: Worker 附掛的共享資源
//   - cfg: Worker 參數
//   - capacity: 同時存在（含已結束未回收）的 Worker 上限
func NewPool(env Env, cfg Config, capacity int, logger *slog.Logger) (*Pool, error) {
	if cfg.MaxLifetime < 1 {
		return nil, ErrInvalidLifetime
	}
	if capacity < 1 {
		return nil, fmt.Errorf("invalid pool capacity %d", capacity)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		env:      env,
		cfg:      cfg,
		capacity: capacity,
		log:      logger,
		nextPID:  types.ProcessID(os.Getpid() + 1),
		procs:    make(map[types.ProcessID]*proc),
		exitCh:   make(chan Exit, capacity),
	}, nil
}

// Spawn 在 slot 上啟動新的 Worker，回傳其行程識別碼
func (p *Pool) Spawn(slot types.Slot) (types.ProcessID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return types.NoProcess, ErrPoolClosed
	}
	if p.live >= p.capacity {
		return types.NoProcess, ErrPoolFull
	}

	pid := p.nextPID
	p.nextPID++

	ctx, cancel := context.WithCancelCause(context.Background())
	w := newWorker(pid, slot, p.env, p.cfg, p.log)
	p.procs[pid] = &proc{worker: w, cancel: cancel}
	p.live++
	p.spawned++

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		exit := w.Run(ctx)
		cancel(nil)

		p.mu.Lock()
		delete(p.procs, pid)
		p.mu.Unlock()

		p.exitCh <- exit
	}()

	return pid, nil
}

// Signal 以 cause 終止 pid（對應 kill）
func (p *Pool) Signal(pid types.ProcessID, cause error) error {
	p.mu.Lock()
	pr, ok := p.procs[pid]
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("signal %d: %w", pid, ErrNoSuchProcess)
	}
	pr.cancel(cause)
	return nil
}

// Wait 阻塞直到任一 Worker 結束並回收它（對應 waitpid(-1)）
func (p *Pool) Wait(ctx context.Context) (Exit, error) {
	select {
	case exit := <-p.exitCh:
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		return exit, nil
	case <-ctx.Done():
		return Exit{}, context.Cause(ctx)
	}
}

// TryWait 非阻塞回收（對應 waitpid(-1, WNOHANG)）
func (p *Pool) TryWait() (Exit, bool) {
	select {
	case exit := <-p.exitCh:
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		return exit, true
	default:
		return Exit{}, false
	}
}

// Running 回傳尚未回收的 Worker 數量
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Spawned 回傳累計啟動數量
func (p *Pool) Spawned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawned
}

// State 回傳 pid 目前的狀態；已結束或不存在時 ok 為 false
func (p *Pool) State(pid types.ProcessID) (types.WorkerState, bool) {
	p.mu.Lock()
	pr, ok := p.procs[pid]
	p.mu.Unlock()
	if !ok {
		return types.WorkerTerminated, false
	}
	return pr.worker.State(), true
}

// Close 停止接受新的 Worker，終止仍在執行者並等待全部 goroutine 結束。
// 結束狀態仍留在 exitCh 中，可繼續以 Wait 回收。可重複呼叫。
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, pr := range p.procs {
		pr.cancel(ErrDetached)
	}
	p.mu.Unlock()

	p.wg.Wait()
}
