// ============================================================================
// oss-sim 控制器 - 模擬排程核心
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 擁有時鐘 / mailbox / semaphore，維持固定大小的 Worker pool，
//       推進模擬時鐘、回收回報的 Worker 並補位，直到預算用盡
//
// 狀態機:
//   Initializing → Running → Draining → Terminated
//
// 主迴圈 (Running):
//   1. Advance 模擬時鐘
//   2. 時鐘 >= 時間預算 → Draining
//   3. mailbox 為空 → 讓出處理器，繼續
//   4. 有報告 → 回收任一結束的 Worker，找出 slot，寫入紀錄，
//      預算允許時在同一 slot 補位，最後清空 mailbox
//
// Teardown (Draining → Terminated):
//   對每個仍佔用的 slot 送出訊號並回收 → 銷毀 semaphore → 清空 mailbox
//   → 關閉紀錄檔 → 寫入摘要 → 輸出總行程數
//   以 sync.Once 保證只執行一次；第二次呼叫（例如中斷處理期間又逾時）
//   直接回傳第一次的結果
//
// 取消:
//   - 外部中斷 / 逾時：ctx 的取消原因（interrupt.ErrInterrupted / ErrTimedOut）
//   - Teardown 從其他 goroutine 呼叫時，透過 stopCtx 讓主迴圈退出後再清理
//
// 並發安全:
//   - 主迴圈是唯一推進時鐘、呼叫 Spawn / Wait 的 goroutine
//   - mu 保護狀態與計數器，供 State / Stats 讀取
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/ChuLiYu/oss-sim/internal/interrupt"
	"github.com/ChuLiYu/oss-sim/internal/mailbox"
	"github.com/ChuLiYu/oss-sim/internal/metrics"
	"github.com/ChuLiYu/oss-sim/internal/semaphore"
	"github.com/ChuLiYu/oss-sim/internal/simclock"
	"github.com/ChuLiYu/oss-sim/internal/slots"
	"github.com/ChuLiYu/oss-sim/internal/snapshot"
	"github.com/ChuLiYu/oss-sim/internal/storage/reaplog"
	"github.com/ChuLiYu/oss-sim/internal/tracing"
	"github.com/ChuLiYu/oss-sim/internal/worker"
	"github.com/ChuLiYu/oss-sim/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Result 一次執行的結果
type Result struct {
	RunID      string
	Spawned    int            // 建立的 Worker 總數
	Reaped     int            // 回報後被回收並記錄的 Worker 數
	Signalled  int            // teardown 時被訊號終止的 Worker 數
	FinalClock simclock.Clock // teardown 時的模擬時鐘
	Cause      error          // nil 表示預算用盡的正常結束
	ExitCode   int
}

// factories 建立共享資源；測試可替換以模擬啟動失敗
type factories struct {
	semaphore func() (*semaphore.Semaphore, error)
	mailbox   func() (*mailbox.Mailbox, error)
	clock     func(increment int64) (*simclock.Shared, error)
	reapLog   func(path string) (*reaplog.Log, error)
}

func defaultFactories() factories {
	return factories{
		semaphore: func() (*semaphore.Semaphore, error) { return semaphore.New(1) },
		mailbox:   func() (*mailbox.Mailbox, error) { return mailbox.New(), nil },
		clock:     simclock.NewShared,
		reapLog: func(path string) (*reaplog.Log, error) {
			return reaplog.Open(path)
		},
	}
}

// Controller 模擬排程控制器
type Controller struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Collector
	seed    int64
	runID   string
	factory factories

	// 共享資源，Run 建立，teardown 釋放
	clock   *simclock.Shared
	mbox    *mailbox.Mailbox
	sem     *semaphore.Semaphore
	table   *slots.Table
	pool    *worker.Pool
	reapLog *reaplog.Log
	summary *snapshot.Manager

	mu        sync.Mutex
	state     types.ControllerState
	started   bool
	stopping  bool
	spawned   int
	reaped    int
	signalled int
	startedAt time.Time

	stopCtx      context.Context
	stop         context.CancelCauseFunc
	loopDone     chan struct{}
	teardownOnce sync.Once
	result       Result
	span         *tracing.Span
}

// Option 調整 Controller
type Option func(*Controller)

// WithLogger 指定 logger；預設為 slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithMetrics 啟用 Prometheus 指標
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithSeed 固定 Worker 亂數種子（測試用）
func WithSeed(seed int64) Option {
	return func(c *Controller) {
		c.seed = seed
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 驗證設定並建立 Controller；不建立任何共享資源
//
// 返回值：
//   - error: 設定錯誤（errors.Is(err, ErrInvalidConfig)）
func New(cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReapTimeout <= 0 {
		cfg.ReapTimeout = DefaultReapTimeout
	}

	stopCtx, stop := context.WithCancelCause(context.Background())
	c := &Controller{
		cfg:      cfg,
		log:      slog.Default(),
		runID:    uuid.NewString(),
		factory:  defaultFactories(),
		state:    types.ControllerInitializing,
		stopCtx:  stopCtx,
		stop:     stop,
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("run", c.runID)
	if cfg.SummaryPath != "" {
		c.summary = snapshot.NewManager(cfg.SummaryPath)
	}
	return c, nil
}

// RunID 回傳本次執行的識別碼
func (c *Controller) RunID() string {
	return c.runID
}

// State 回傳目前狀態
func (c *Controller) State() types.ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run 執行模擬直到預算用盡、ctx 取消或 Teardown 被呼叫，並完成 teardown
//
// 返回值：
//   - Result: 執行統計與結束碼
//   - error: 啟動失敗（*StartupError）；中斷與逾時不視為錯誤，見 Result.Cause
func (c *Controller) Run(ctx context.Context) (Result, error) {
	c.mu.Lock()
	switch {
	case c.started:
		c.mu.Unlock()
		return Result{}, ErrAlreadyRun
	case c.stopping:
		c.mu.Unlock()
		return c.Teardown(ErrStopped), ErrStopped
	}
	c.started = true
	c.startedAt = time.Now()
	c.mu.Unlock()

	ctx, c.span = tracing.StartSpan(ctx, "oss.run")
	c.span.WithAttributes(map[string]string{"run.id": c.runID}).
		WithInt("concurrency", c.cfg.Concurrency).
		WithInt("max_spawns", c.cfg.MaxSpawns)

	// 實際時間安全警報
	ctx, cancelAlarm := interrupt.WithAlarm(ctx, c.cfg.Alarm)
	defer cancelAlarm()

	// Teardown 從其他 goroutine 呼叫時中止主迴圈
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopAfter := context.AfterFunc(c.stopCtx, func() {
		cancel(context.Cause(c.stopCtx))
	})
	defer stopAfter()

	cause, err := c.run(ctx)
	close(c.loopDone)

	if err != nil {
		return c.Teardown(err), err
	}
	return c.Teardown(cause), nil
}

// run Initializing + Running；回傳結束原因（nil 表示預算用盡）或啟動錯誤
func (c *Controller) run(ctx context.Context) (cause error, err error) {
	if err := c.initResources(); err != nil {
		c.log.Error("Startup failed", "error", err)
		return nil, err
	}

	c.log.Info("Controller started",
		"concurrency", c.cfg.Concurrency,
		"max_spawns", c.cfg.MaxSpawns,
		"time_limit", c.cfg.TimeLimit,
		"increment", c.clock.Increment(),
		"guarded_drain", c.cfg.GuardedDrain,
		"log", c.reapLog.Path())

	// 初始 pool：每個空 slot 一個 Worker，但不超過行程總數上限
	for i := 0; i < c.cfg.Concurrency && c.spawnCount() < c.cfg.MaxSpawns; i++ {
		slot, ok := c.table.FirstFree()
		if !ok {
			break
		}
		c.spawn(ctx, slot)
	}

	c.setState(types.ControllerRunning)
	limit := simclock.FromSeconds(c.cfg.TimeLimit)

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx), nil
		default:
		}

		now := c.clock.Advance()
		if simclock.Compare(now, limit) != simclock.Less {
			c.log.Info("Out of simulated time", "clock", now.String())
			return nil, nil
		}

		if c.mbox.IsEmpty() {
			runtime.Gosched()
			continue
		}

		if err := c.handleReport(ctx); err != nil {
			return err, nil
		}
	}
}

// initResources 依序建立 semaphore / mailbox / clock / 紀錄檔
func (c *Controller) initResources() error {
	var err error

	if c.sem, err = c.factory.semaphore(); err != nil {
		return &StartupError{Resource: "semaphore", Code: ExitSemaphore, Err: err}
	}
	if c.mbox, err = c.factory.mailbox(); err != nil {
		return &StartupError{Resource: "mailbox", Code: ExitMailbox, Err: err}
	}
	if c.clock, err = c.factory.clock(c.cfg.Increment); err != nil {
		return &StartupError{Resource: "clock", Code: ExitClock, Err: err}
	}
	if c.reapLog, err = c.factory.reapLog(c.cfg.LogPath); err != nil {
		return &StartupError{Resource: "log file", Code: ExitLogFile, Err: err}
	}

	c.mbox.Reset()
	c.clock.Reset()

	if c.table, err = slots.New(c.cfg.Concurrency); err != nil {
		return fmt.Errorf("failed to create slot table: %w", err)
	}

	env := worker.Env{Clock: c.clock, Mailbox: c.mbox, Semaphore: c.sem}
	wcfg := worker.Config{MaxLifetime: c.cfg.MaxLifetime, Seed: c.seed}
	if c.pool, err = worker.NewPool(env, wcfg, c.cfg.Concurrency, c.log); err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	return nil
}

// handleReport 回收回報的 Worker、寫入紀錄並補位，最後清空 mailbox
//
// GuardedDrain 時整段持有 semaphore，其他 Worker 在回收完成前無法寫入；
// 否則沿用不持鎖的取出方式（欄位存取仍由 mailbox 內部鎖保護）
func (c *Controller) handleReport(ctx context.Context) error {
	if c.cfg.GuardedDrain {
		if err := c.sem.Acquire(ctx); err != nil {
			if errors.Is(err, semaphore.ErrDestroyed) {
				return err
			}
			return context.Cause(ctx)
		}
		defer func() { _ = c.sem.Release() }()
	}

	report, ok := c.mbox.Peek()
	if !ok {
		return nil
	}
	c.metrics.RecordReport()

	_, span := tracing.StartSpan(ctx, "oss.reap")
	exit, err := c.pool.Wait(ctx)
	if err != nil {
		tracing.EndSpan(span, err)
		return err
	}
	at := c.clock.Now()

	slot, err := c.table.Resolve(exit.PID)
	if err != nil {
		c.log.Error("Reaped process not in slot table", "pid", exit.PID, "error", err)
		c.mbox.Reset()
		tracing.EndSpan(span, err)
		return nil
	}
	if _, err := c.table.Release(slot); err != nil {
		c.log.Error("Failed to release slot", "slot", slot, "error", err)
	}
	c.metrics.SetActive(c.table.Occupied())

	entry := reaplog.Entry{
		Slot:            slot,
		PID:             exit.PID,
		ControllerClock: at,
		Reported:        report.CompletionTime,
	}
	c.log.Info("Worker terminated",
		"slot", slot,
		"pid", exit.PID,
		"clock", at.String(),
		"reported", report.CompletionTime.String())
	if err := c.reapLog.Append(entry); err != nil {
		c.log.Error("Failed to append reap log", "path", c.reapLog.Path(), "error", err)
	}

	c.mu.Lock()
	c.reaped++
	c.mu.Unlock()
	lifetime := float64(exit.ReportedAt.TotalNanos()-exit.SpawnedAt.TotalNanos()) / float64(simclock.NanosPerSecond)
	c.metrics.RecordReap(lifetime)
	c.metrics.SetClock(at.Float64())

	span.WithInt("slot", int(slot)).WithInt("pid", int(exit.PID))
	tracing.EndSpan(span, nil)

	if c.spawnCount() < c.cfg.MaxSpawns {
		c.spawn(ctx, slot)
	}

	c.mbox.Reset()
	return nil
}

// spawn 在 slot 啟動新的 Worker；失敗只記錄，slot 保持空閒
func (c *Controller) spawn(ctx context.Context, slot types.Slot) {
	_, span := tracing.StartSpan(ctx, "oss.spawn")

	pid, err := c.pool.Spawn(slot)
	if err != nil {
		c.log.Error("Failed to spawn worker", "slot", slot, "error", err)
		tracing.EndSpan(span, err)
		return
	}
	if err := c.table.Assign(slot, pid); err != nil {
		c.log.Error("Failed to record worker", "slot", slot, "pid", pid, "error", err)
	}

	c.mu.Lock()
	c.spawned++
	c.mu.Unlock()

	c.metrics.RecordSpawn()
	c.metrics.SetActive(c.table.Occupied())
	c.log.Debug("Worker spawned", "slot", slot, "pid", pid)

	span.WithInt("slot", int(slot)).WithInt("pid", int(pid))
	tracing.EndSpan(span, nil)
}

// Teardown 停止模擬並釋放所有資源，回傳執行結果
//
// 只有第一次呼叫會執行清理，之後的呼叫（不論原因）直接回傳第一次的結果。
// 若 Run 正在執行，會先讓主迴圈退出並等待它結束
func (c *Controller) Teardown(cause error) Result {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		c.stopping = true
		started := c.started
		c.mu.Unlock()

		stopCause := cause
		if stopCause == nil {
			stopCause = ErrStopped
		}
		c.stop(stopCause)
		if started {
			<-c.loopDone
		}
		c.result = c.teardown(cause)
		c.stop(context.Canceled)
	})
	return c.result
}

// teardown Draining → Terminated；每一步盡力而為，失敗不中斷後續步驟
func (c *Controller) teardown(cause error) Result {
	c.setState(types.ControllerDraining)
	_, span := tracing.StartSpan(tracing.WithSpan(context.Background(), c.span), "oss.teardown")

	// 預算用盡沿用逾時訊號結束剩餘 Worker
	sig := cause
	var se *StartupError
	if sig == nil || errors.As(sig, &se) || errors.Is(sig, ErrStopped) {
		sig = interrupt.ErrTimedOut
	}

	c.signalAll(sig)
	c.reapAll()

	if c.pool != nil {
		c.pool.Close()
	}
	if c.sem != nil {
		c.sem.Destroy()
	}
	var posts uint64
	if c.mbox != nil {
		if r, ok := c.mbox.Take(); ok {
			c.log.Warn("Discarding unprocessed report", "pid", r.From, "reported", r.CompletionTime.String())
		}
		posts = c.mbox.Posts()
	}
	if c.reapLog != nil {
		if err := c.reapLog.Close(); err != nil {
			c.log.Error("Failed to close reap log", "error", err)
		}
	}

	var final simclock.Clock
	if c.clock != nil {
		final = c.clock.Now()
	}

	c.mu.Lock()
	res := Result{
		RunID:      c.runID,
		Spawned:    c.spawned,
		Reaped:     c.reaped,
		Signalled:  c.signalled,
		FinalClock: final,
		Cause:      cause,
		ExitCode:   ExitCode(cause),
	}
	startedAt := c.startedAt
	c.mu.Unlock()

	c.writeSummary(res, startedAt)
	c.metrics.SetActive(0)
	c.metrics.SetClock(final.Float64())

	c.log.Info("Total children created",
		"count", res.Spawned,
		"reaped", res.Reaped,
		"reports", posts,
		"exit_code", res.ExitCode)

	span.WithInt("signalled", res.Signalled)
	tracing.EndSpan(span, nil)
	c.span.WithInt("spawned", res.Spawned).WithInt("reaped", res.Reaped)
	tracing.EndSpan(c.span, cause)

	c.setState(types.ControllerTerminated)
	return res
}

// signalAll 對每個仍佔用的 slot 送出訊號
func (c *Controller) signalAll(sig error) {
	if c.table == nil || c.pool == nil {
		return
	}
	name := interrupt.SignalName(sig)
	for _, rec := range c.table.Active() {
		state, _ := c.pool.State(rec.PID)
		c.log.Info("Signalling worker", "slot", rec.Slot, "pid", rec.PID, "state", state, "signal", name)
		if err := c.pool.Signal(rec.PID, sig); err != nil {
			// 已自行結束的 Worker 仍需回收
			c.log.Warn("Failed to signal worker", "pid", rec.PID, "error", err)
			continue
		}
		c.mu.Lock()
		c.signalled++
		c.mu.Unlock()
		c.metrics.RecordSignal(name)
	}
}

// reapAll 回收所有尚未回收的 Worker
func (c *Controller) reapAll() {
	if c.pool == nil {
		return
	}
	for c.pool.Running() > 0 {
		exit, ok := c.pool.TryWait()
		if !ok {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReapTimeout)
			var err error
			exit, err = c.pool.Wait(ctx)
			cancel()
			if err != nil {
				c.log.Error("Failed to reap worker", "remaining", c.pool.Running(), "error", err)
				return
			}
		}
		if _, err := c.table.Release(exit.Slot); err != nil {
			c.log.Warn("Failed to release slot", "slot", exit.Slot, "error", err)
		}
		c.log.Debug("Worker reaped", "slot", exit.Slot, "pid", exit.PID, "code", exit.Code)
	}
}

// writeSummary 寫入執行摘要（設定了 SummaryPath 時）
func (c *Controller) writeSummary(res Result, startedAt time.Time) {
	if c.summary == nil {
		return
	}
	causeText := "drained"
	if res.Cause != nil {
		causeText = res.Cause.Error()
	}
	summary := types.RunSummary{
		RunID:       res.RunID,
		Concurrency: c.cfg.Concurrency,
		MaxSpawns:   c.cfg.MaxSpawns,
		Spawned:     res.Spawned,
		Reaped:      res.Reaped,
		Signalled:   res.Signalled,
		FinalClock:  res.FinalClock.String(),
		Cause:       causeText,
		ExitCode:    res.ExitCode,
		StartedAt:   startedAt.UnixMilli(),
		CompletedAt: time.Now().UnixMilli(),
	}
	if err := c.summary.Write(summary); err != nil {
		c.log.Error("Failed to write run summary", "path", c.summary.GetPath(), "error", err)
	}
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (c *Controller) setState(s types.ControllerState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) spawnCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spawned
}

// Stats 回傳目前的計數（供 CLI 與測試觀察）
func (c *Controller) Stats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := map[string]int{
		"spawned":   c.spawned,
		"reaped":    c.reaped,
		"signalled": c.signalled,
	}
	if c.table != nil {
		stats["active"] = c.table.Occupied()
	}
	return stats
}
