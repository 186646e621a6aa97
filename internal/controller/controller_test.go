package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/oss-sim/internal/interrupt"
	"github.com/ChuLiYu/oss-sim/internal/mailbox"
	"github.com/ChuLiYu/oss-sim/internal/metrics"
	"github.com/ChuLiYu/oss-sim/internal/semaphore"
	"github.com/ChuLiYu/oss-sim/internal/simclock"
	"github.com/ChuLiYu/oss-sim/internal/snapshot"
	"github.com/ChuLiYu/oss-sim/internal/storage/reaplog"
	"github.com/ChuLiYu/oss-sim/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// neverReports a lifetime far beyond any time budget used in these tests
const neverReports = 1_000_000 * simclock.NanosPerSecond

// testConfig returns a config writing into a temp dir
func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LogPath = filepath.Join(t.TempDir(), "logfile.txt")
	cfg.Alarm = 30 * time.Second
	return cfg
}

func newController(t *testing.T, cfg Config, opts ...Option) *Controller {
	t.Helper()
	c, err := New(cfg, append([]Option{WithLogger(quiet)}, opts...)...)
	require.NoError(t, err)
	return c
}

type runOutcome struct {
	res Result
	err error
}

// runAsync runs the controller in the background
func runAsync(ctx context.Context, c *Controller) <-chan runOutcome {
	done := make(chan runOutcome, 1)
	go func() {
		res, err := c.Run(ctx)
		done <- runOutcome{res, err}
	}()
	return done
}

func awaitRun(t *testing.T, done <-chan runOutcome) runOutcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(10 * time.Second):
		t.Fatal("controller did not finish in time")
		return runOutcome{}
	}
}

func waitRunning(t *testing.T, c *Controller) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == types.ControllerRunning
	}, 5*time.Second, time.Millisecond)
}

func readEntries(t *testing.T, path string) []reaplog.Entry {
	t.Helper()
	var entries []reaplog.Entry
	require.NoError(t, reaplog.Replay(path, func(e reaplog.Entry) error {
		entries = append(entries, e)
		return nil
	}))
	return entries
}

// assertReleased every shared resource is destroyed or emptied
func assertReleased(t *testing.T, c *Controller) {
	t.Helper()
	assert.True(t, c.sem.Destroyed(), "semaphore must be destroyed")
	assert.True(t, c.mbox.IsEmpty(), "mailbox must be empty")
	assert.Equal(t, 0, c.pool.Running(), "every worker must be reaped")
	assert.Equal(t, 0, c.table.Occupied(), "every slot must be released")
	assert.ErrorIs(t, c.reapLog.Append(reaplog.Entry{}), reaplog.ErrLogClosed)
	assert.Equal(t, types.ControllerTerminated, c.State())
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range f.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

// ============================================================================
// Configuration Tests
// ============================================================================

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"concurrency above cap", func(c *Config) { c.Concurrency = MaxConcurrency + 1 }},
		{"zero max spawns", func(c *Config) { c.MaxSpawns = 0 }},
		{"zero time limit", func(c *Config) { c.TimeLimit = 0 }},
		{"negative alarm", func(c *Config) { c.Alarm = -time.Second }},
		{"zero increment", func(c *Config) { c.Increment = 0 }},
		{"increment of one second", func(c *Config) { c.Increment = simclock.NanosPerSecond }},
		{"zero lifetime", func(c *Config) { c.MaxLifetime = 0 }},
		{"empty log path", func(c *Config) { c.LogPath = "" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Equal(t, ExitConfig, ExitCode(err))
		})
	}

	cfg := DefaultConfig()
	cfg.Concurrency = MaxConcurrency
	assert.NoError(t, cfg.Validate())
}

// TestScenarioC_ConcurrencyCap -s 20 is rejected before any resource exists
func TestScenarioC_ConcurrencyCap(t *testing.T) {
	cfg := testConfig(t)
	cfg.Concurrency = 20

	c, err := New(cfg, WithLogger(quiet))
	require.Error(t, err)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrConcurrencyCap)
	assert.Equal(t, ExitConfig, ExitCode(err))

	_, statErr := os.Stat(cfg.LogPath)
	assert.True(t, os.IsNotExist(statErr), "log file must not be created")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitInterrupted, ExitCode(interrupt.ErrInterrupted))
	assert.Equal(t, ExitTimedOut, ExitCode(interrupt.ErrTimedOut))
	assert.Equal(t, ExitLogFile, ExitCode(&StartupError{Resource: "log file", Code: ExitLogFile, Err: errors.New("x")}))
}

// ============================================================================
// End-to-End Scenarios
// ============================================================================

// TestScenarioA_BudgetDrain no worker reaches its deadline before the budget
func TestScenarioA_BudgetDrain(t *testing.T) {
	cfg := testConfig(t)
	cfg.Concurrency = 3
	cfg.MaxSpawns = 3
	cfg.TimeLimit = 1
	cfg.MaxLifetime = neverReports
	cfg.SummaryPath = filepath.Join(t.TempDir(), "summary.json")

	c := newController(t, cfg)
	res, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Spawned)
	assert.Equal(t, 0, res.Reaped)
	assert.Equal(t, 3, res.Signalled, "all workers terminated by the timeout signal")
	assert.NoError(t, res.Cause)
	assert.Equal(t, ExitOK, res.ExitCode)
	assert.NotEqual(t, simclock.Less, simclock.Compare(res.FinalClock, simclock.FromSeconds(1)))

	n, err := reaplog.Count(cfg.LogPath)
	require.NoError(t, err)
	assert.Zero(t, n)

	assertReleased(t, c)

	summary, err := snapshot.NewManager(cfg.SummaryPath).Load()
	require.NoError(t, err)
	assert.Equal(t, c.RunID(), summary.RunID)
	assert.Equal(t, 3, summary.Spawned)
	assert.Equal(t, 3, summary.Signalled)
	assert.Equal(t, "drained", summary.Cause)
}

// TestScenarioB_SpawnBudget tiny deadlines: the spawn counter caps at five.
// Every reap is logged, including the fifth worker's reap after the spawn
// limit is reached, so the log holds five lines rather than four.
func TestScenarioB_SpawnBudget(t *testing.T) {
	for _, guarded := range []bool{true, false} {
		name := "guarded"
		if !guarded {
			name = "unguarded"
		}
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Concurrency = 1
			cfg.MaxSpawns = 5
			cfg.TimeLimit = 2
			cfg.MaxLifetime = 1
			cfg.GuardedDrain = guarded

			reg := prometheus.NewRegistry()
			collector, err := metrics.NewCollector(reg)
			require.NoError(t, err)

			c := newController(t, cfg, WithMetrics(collector))
			res, err := c.Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 5, res.Spawned, "no sixth spawn")
			assert.Equal(t, 4, res.Spawned-cfg.Concurrency, "four respawns")
			assert.Equal(t, 5, res.Reaped, "the fifth worker also reports and is reaped")
			assert.Equal(t, 0, res.Signalled)
			assert.Equal(t, ExitOK, res.ExitCode)

			entries := readEntries(t, cfg.LogPath)
			require.Len(t, entries, res.Reaped, "one log line per reap")

			seen := make(map[types.ProcessID]bool)
			for _, e := range entries {
				assert.Equal(t, types.Slot(0), e.Slot)
				assert.False(t, seen[e.PID], "pid %d logged twice", e.PID)
				seen[e.PID] = true
				assert.NotEqual(t, simclock.Greater, simclock.Compare(e.Reported, e.ControllerClock),
					"a report cannot be later than the reap")
			}

			assert.Equal(t, 5.0, counterValue(t, reg, "oss_workers_spawned_total"))
			assert.Equal(t, 5.0, counterValue(t, reg, "oss_workers_reaped_total"))
			assertReleased(t, c)
		})
	}
}

// TestInterruptScenario an interrupt mid-run tears everything down once
func TestInterruptScenario(t *testing.T) {
	cfg := testConfig(t)
	cfg.Concurrency = 4
	cfg.TimeLimit = 1_000_000
	cfg.MaxLifetime = neverReports

	c := newController(t, cfg)
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	done := runAsync(ctx, c)
	waitRunning(t, c)
	cancel(interrupt.ErrInterrupted)

	out := awaitRun(t, done)
	require.NoError(t, out.err)
	assert.ErrorIs(t, out.res.Cause, interrupt.ErrInterrupted)
	assert.Equal(t, ExitInterrupted, out.res.ExitCode)
	assert.Equal(t, 4, out.res.Spawned)
	assert.Equal(t, 4, out.res.Signalled)
	assertReleased(t, c)

	// A timeout arriving during interrupt handling is a no-op
	second := make(chan Result, 1)
	go func() { second <- c.Teardown(interrupt.ErrTimedOut) }()
	select {
	case res := <-second:
		assert.Equal(t, out.res, res)
	case <-time.After(2 * time.Second):
		t.Fatal("second teardown hung")
	}
}

// TestTeardownDuringRun Teardown from another goroutine stops the loop first
func TestTeardownDuringRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Concurrency = 2
	cfg.TimeLimit = 1_000_000
	cfg.MaxLifetime = neverReports

	c := newController(t, cfg)
	done := runAsync(context.Background(), c)
	waitRunning(t, c)

	res := c.Teardown(interrupt.ErrTimedOut)
	assert.ErrorIs(t, res.Cause, interrupt.ErrTimedOut)
	assert.Equal(t, ExitTimedOut, res.ExitCode)
	assert.Equal(t, 2, res.Signalled)

	out := awaitRun(t, done)
	require.NoError(t, out.err)
	assert.Equal(t, res, out.res)
	assertReleased(t, c)
}

// TestRealTimeAlarm the wall-clock safety alarm ends a run that never drains
func TestRealTimeAlarm(t *testing.T) {
	cfg := testConfig(t)
	cfg.Concurrency = 2
	cfg.TimeLimit = 1_000_000
	cfg.MaxLifetime = neverReports
	cfg.Alarm = 50 * time.Millisecond

	c := newController(t, cfg)
	out := awaitRun(t, runAsync(context.Background(), c))
	require.NoError(t, out.err)
	assert.ErrorIs(t, out.res.Cause, interrupt.ErrTimedOut)
	assert.Equal(t, ExitTimedOut, out.res.ExitCode)
	assert.Equal(t, 2, out.res.Signalled)
	assertReleased(t, c)
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestTeardownBeforeRun(t *testing.T) {
	c := newController(t, testConfig(t))

	res := c.Teardown(nil)
	assert.Equal(t, 0, res.Spawned)
	assert.Equal(t, ExitOK, res.ExitCode)
	assert.Equal(t, types.ControllerTerminated, c.State())

	_, err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRunTwice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Concurrency = 1
	cfg.MaxSpawns = 1
	cfg.TimeLimit = 1

	c := newController(t, cfg)
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	res, err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun, "a finished controller is not torn down again")
	assert.Equal(t, Result{}, res)
	assert.Equal(t, types.ControllerTerminated, c.State())
}

func TestRunWhileRunning(t *testing.T) {
	cfg := testConfig(t)
	cfg.Concurrency = 1
	cfg.TimeLimit = 1_000_000
	cfg.MaxLifetime = neverReports

	c := newController(t, cfg)
	done := runAsync(context.Background(), c)
	waitRunning(t, c)

	_, err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)

	c.Teardown(interrupt.ErrInterrupted)
	out := awaitRun(t, done)
	assert.Equal(t, ExitInterrupted, out.res.ExitCode)
}

func TestInitialPoolRespectsSpawnBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Concurrency = 5
	cfg.MaxSpawns = 2
	cfg.TimeLimit = 1
	cfg.MaxLifetime = neverReports

	c := newController(t, cfg)
	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Spawned)
	assert.Equal(t, 2, res.Signalled)
}

// TestStartupFailures each shared resource failure maps to its own exit code
// and releases whatever was created before it
func TestStartupFailures(t *testing.T) {
	boom := errors.New("boom")

	testCases := []struct {
		name string
		fail func(*factories)
		code int
	}{
		{"semaphore", func(f *factories) {
			f.semaphore = func() (*semaphore.Semaphore, error) { return nil, boom }
		}, ExitSemaphore},
		{"mailbox", func(f *factories) {
			f.mailbox = func() (*mailbox.Mailbox, error) { return nil, boom }
		}, ExitMailbox},
		{"clock", func(f *factories) {
			f.clock = func(int64) (*simclock.Shared, error) { return nil, boom }
		}, ExitClock},
		{"log file", func(f *factories) {
			f.reapLog = func(string) (*reaplog.Log, error) { return nil, boom }
		}, ExitLogFile},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := newController(t, testConfig(t))
			tc.fail(&c.factory)

			res, err := c.Run(context.Background())
			var se *StartupError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.name, se.Resource)
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, tc.code, res.ExitCode)
			assert.Equal(t, 0, res.Spawned)

			if c.sem != nil {
				assert.True(t, c.sem.Destroyed())
			}
			assert.Equal(t, types.ControllerTerminated, c.State())
		})
	}
}

func TestStartupFailure_LogDirectoryMissing(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogPath = filepath.Join(t.TempDir(), "missing", "logfile.txt")

	c := newController(t, cfg)
	res, err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitLogFile, res.ExitCode)
	assert.True(t, c.sem.Destroyed())
}
