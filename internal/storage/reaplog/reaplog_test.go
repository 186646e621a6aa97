package reaplog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/oss-sim/internal/simclock"
	"github.com/ChuLiYu/oss-sim/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockFile 模擬檔案，用於注入 Sync / Close 失敗
type mockFile struct {
	data     strings.Builder
	syncErr  error
	closeErr error
	syncs    int
	closes   int
}

func (m *mockFile) Write(p []byte) (int, error) { return m.data.Write(p) }
func (m *mockFile) Sync() error { m.syncs++; return m.syncErr }
func (m *mockFile) Close() error { m.closes++; return m.closeErr }

func sampleEntry(i int) Entry {
	return Entry{
		Slot:            types.Slot(i % 3),
		PID:             types.ProcessID(1000 + i),
		ControllerClock: simclock.Clock{Seconds: 1, Nanoseconds: int64(i) * 10_000},
		Reported:        simclock.Clock{Seconds: 0, Nanoseconds: 990_000_000},
	}
}

func TestEntryString(t *testing.T) {
	e := Entry{
		Slot:            2,
		PID:             4242,
		ControllerClock: simclock.Clock{Seconds: 1, Nanoseconds: 20_000},
		Reported:        simclock.Clock{Seconds: 1, Nanoseconds: 10_000},
	}
	assert.Equal(t, "slot 2 pid 4242 terminated at 1.000020000 reported 1.000010000", e.String())
}

func TestParseLine(t *testing.T) {
	want := sampleEntry(7)
	got, err := ParseLine(want.String())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	testCases := []string{
		"",
		"MASTER: something else",
		"slot 1 pid 2 terminated at 1.5",
		"slot 1 pid 2 terminated at 1.1000000000 reported 0.0",
	}
	for _, line := range testCases {
		_, err := ParseLine(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestOpenTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logfile.txt")
	require.NoError(t, os.WriteFile(path, []byte("stale content\n"), 0644))

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open("")
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func TestOpen_BadDirectory(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "logfile.txt"))
	assert.Error(t, err)
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logfile.txt")
	l, err := Open(path)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(sampleEntry(i)))
	}
	assert.Equal(t, uint64(5), l.Count())
	require.NoError(t, l.Close())

	var got []Entry
	require.NoError(t, Replay(path, func(e Entry) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, sampleEntry(i), e)
	}

	n, err := Count(path)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestBufferedUntilFlush(t *testing.T) {
	f := &mockFile{}
	l := newLog(f, "mock", WithBufferSize(10), WithFlushInterval(time.Hour))

	require.NoError(t, l.Append(sampleEntry(0)))
	assert.Empty(t, f.data.String(), "entry should stay buffered")

	require.NoError(t, l.Flush())
	assert.Equal(t, sampleEntry(0).String()+"\n", f.data.String())
	assert.Equal(t, 1, f.syncs)
}

func TestBufferSizeOneWritesImmediately(t *testing.T) {
	f := &mockFile{}
	l := newLog(f, "mock", WithBufferSize(1))

	require.NoError(t, l.Append(sampleEntry(1)))
	assert.Equal(t, sampleEntry(1).String()+"\n", f.data.String())
}

func TestCloseIsIdempotent(t *testing.T) {
	f := &mockFile{}
	l := newLog(f, "mock")

	require.NoError(t, l.Append(sampleEntry(0)))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.Equal(t, 1, f.closes)
	assert.Equal(t, sampleEntry(0).String()+"\n", f.data.String())

	assert.ErrorIs(t, l.Append(sampleEntry(1)), ErrLogClosed)
	assert.ErrorIs(t, l.Flush(), ErrLogClosed)
}

func TestSyncFailure(t *testing.T) {
	f := &mockFile{syncErr: errors.New("disk gone")}
	l := newLog(f, "mock")

	require.NoError(t, l.Append(sampleEntry(0)))
	err := l.Flush()
	assert.ErrorIs(t, err, ErrSyncFailed)
}

func TestReplayCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logfile.txt")
	content := sampleEntry(0).String() + "\n" + "garbage\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Count(path)
	var corrupt *CorruptionError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, 2, corrupt.Line)
}

func TestNilLogCount(t *testing.T) {
	var l *Log
	assert.Zero(t, l.Count())
}
