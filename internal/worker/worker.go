// ============================================================================
// oss-sim Worker - 模擬行程
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: A simulated process that lives until a random simulated deadline,
//           then reports its completion through the shared mailbox and exits
//
// State Machine:
//   Spawned → ComputingDeadline → Polling → Reporting → Terminated
//                                    └──────(signal)──────→ Terminated
//
// Polling Loop:
//   1. Acquire the semaphore (blocking, cancellable)
//   2. If clock >= deadline AND mailbox is empty: post, release, exit 0
//   3. Otherwise release and repeat immediately
//   The loop never sleeps. runtime.Gosched() only yields the processor so
//   the controller goroutine keeps advancing the clock under contention.
//
// Signals:
//   Cancellation of the worker's context at any point skips the remaining
//   iterations and exits with the signal's code. No report is posted on
//   that path.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/ChuLiYu/oss-sim/internal/interrupt"
	"github.com/ChuLiYu/oss-sim/internal/semaphore"
	"github.com/ChuLiYu/oss-sim/internal/simclock"
	"github.com/ChuLiYu/oss-sim/pkg/types"
)

// Worker represents one simulated process
type Worker struct {
	pid  types.ProcessID
	slot types.Slot
	env  Env
	cfg  Config
	log  *slog.Logger

	mu    sync.Mutex
	state types.WorkerState
}

// newWorker creates a Worker bound to its shared resources
func newWorker(pid types.ProcessID, slot types.Slot, env Env, cfg Config, logger *slog.Logger) *Worker {
	return &Worker{
		pid:   pid,
		slot:  slot,
		env:   env,
		cfg:   cfg,
		log:   logger,
		state: types.WorkerSpawned,
	}
}

// State returns the current state (for logging and tests)
func (w *Worker) State() types.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s types.WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run executes the worker state machine until it reports or is signalled
func (w *Worker) Run(ctx context.Context) Exit {
	exit := Exit{PID: w.pid, Slot: w.slot}
	defer w.setState(types.WorkerTerminated)

	if cause := interrupt.Cause(ctx); cause != nil {
		return w.abort(exit, cause)
	}

	// Seed from wall time plus own identity so siblings spawned in the same
	// instant draw different deadlines
	w.setState(types.WorkerComputingDeadline)
	seed := time.Now().UnixNano()
	if w.cfg.Seed != 0 {
		seed = w.cfg.Seed
	}
	rng := rand.New(rand.NewSource(seed + int64(w.pid)))

	exit.SpawnedAt = w.env.Clock.Now()
	exit.Deadline = simclock.AddOffset(exit.SpawnedAt, rng.Int63n(w.cfg.MaxLifetime))

	w.setState(types.WorkerPolling)
	for {
		if err := w.env.Semaphore.Acquire(ctx); err != nil {
			if errors.Is(err, semaphore.ErrDestroyed) {
				return w.abort(exit, err)
			}
			return w.abort(exit, context.Cause(ctx))
		}

		if cause := interrupt.Cause(ctx); cause != nil {
			w.release()
			return w.abort(exit, cause)
		}

		now := w.env.Clock.Now()
		if simclock.Compare(now, exit.Deadline) != simclock.Less && w.env.Mailbox.IsEmpty() {
			w.setState(types.WorkerReporting)
			w.env.Mailbox.Post(now, w.pid)
			w.release()

			exit.Reported = true
			exit.ReportedAt = now
			return exit
		}

		w.release()
		runtime.Gosched()
	}
}

// release returns the permit. A release without a held permit breaks the
// report protocol; one after Destroy is expected during teardown.
func (w *Worker) release() {
	err := w.env.Semaphore.Release()
	switch {
	case err == nil:
	case errors.Is(err, semaphore.ErrDestroyed):
		w.log.Debug("Semaphore destroyed before release", "pid", w.pid, "slot", w.slot)
	default:
		w.log.Warn("Failed to release semaphore", "pid", w.pid, "slot", w.slot, "error", err)
	}
}

// abort is the teardown path: detach and exit with the signal's code
func (w *Worker) abort(exit Exit, cause error) Exit {
	exit.Cause = cause
	exit.Code = interrupt.ExitCode(cause)
	w.log.Debug("Worker detached",
		"pid", w.pid,
		"slot", w.slot,
		"signal", interrupt.SignalName(cause))
	return exit
}
