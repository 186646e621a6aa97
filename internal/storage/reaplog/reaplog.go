package reaplog

// ============================================================================
// Reap Log 核心實作
// 職責：
// 1. 每回收一個 Worker 追加一行紀錄（append-only）
// 2. 批次緩衝寫入，Close 時保證全部落盤
// 3. 提供 Replay / Count 供測試與事後檢查
// ============================================================================

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/oss-sim/internal/simclock"
	"github.com/ChuLiYu/oss-sim/pkg/types"
)

const (
	// DefaultPath 預設紀錄檔名稱
	DefaultPath = "logfile.txt"

	defaultBufferSize    = 64
	defaultFlushInterval = time.Second

	lineFormat = "slot %d pid %d terminated at %s reported %s\n"
	scanFormat = "slot %d pid %d terminated at %d.%d reported %d.%d"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Entry 一筆回收紀錄
type Entry struct {
	Slot            types.Slot
	PID             types.ProcessID
	ControllerClock simclock.Clock // 回收當下的控制器時鐘
	Reported        simclock.Clock // Worker 回報的完成時間
}

// String 回傳寫入檔案的單行格式（不含換行）
func (e Entry) String() string {
	return strings.TrimSuffix(fmt.Sprintf(lineFormat, e.Slot, e.PID, e.ControllerClock, e.Reported), "\n")
}

// Log 表示一個回收紀錄檔
type Log struct {
	mu     sync.Mutex
	file   FileInterface
	writer *bufio.Writer
	path   string
	count  uint64
	closed bool

	buffer        []Entry
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// Option 調整 Log 行為
type Option func(*Log)

// WithBufferSize 累積多少筆後自動 flush；1 表示每筆都立即寫入
func WithBufferSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.bufferSize = n
		}
	}
}

// WithFlushInterval 距離上次 flush 超過此時間時，下一次 Append 會 flush
func WithFlushInterval(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立回收紀錄檔

行為：
- 檔案已存在時清空（每次執行都是新的紀錄）
- 以 O_TRUNC | O_CREATE | O_WRONLY 開啟

參數：

	path - 紀錄檔路徑

回傳：

	*Log 實例，錯誤（如果有）
*/
func Open(path string, opts ...Option) (*Log, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("reaplog: open %s: %w", path, err)
	}
	return newLog(file, path, opts...), nil
}

// newLog 以既有的檔案建立 Log（測試可注入假的 FileInterface）
func newLog(file FileInterface, path string, opts ...Option) *Log {
	l := &Log{
		file:          file,
		writer:        bufio.NewWriter(file),
		path:          path,
		bufferSize:    defaultBufferSize,
		flushInterval: defaultFlushInterval,
		lastFlushTime: time.Now(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.buffer = make([]Entry, 0, l.bufferSize)
	return l
}

// Append 追加一筆回收紀錄
//
// 行為：
// - 先加入 buffer
// - buffer 滿了或距離上次 flush 過久時寫入並同步
func (l *Log) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	l.buffer = append(l.buffer, entry)
	l.count++

	if len(l.buffer) >= l.bufferSize || time.Since(l.lastFlushTime) > l.flushInterval {
		return l.flushLocked()
	}
	return nil
}

// Flush 立即寫入所有緩衝中的紀錄
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	return l.flushLocked()
}

// Close 寫入剩餘紀錄並關閉檔案；可重複呼叫，之後的呼叫回傳 nil
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	flushErr := l.flushLocked()
	if err := l.file.Close(); err != nil && flushErr == nil {
		return fmt.Errorf("reaplog: close %s: %w", l.path, err)
	}
	return flushErr
}

// Count 回傳已追加的紀錄數（含尚未 flush 的部分）
func (l *Log) Count() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Path 回傳紀錄檔路徑
func (l *Log) Path() string {
	return l.path
}

// ============================================================================
// 讀取輔助
// ============================================================================

// EntryHandler 處理 Replay 讀出的每筆紀錄
type EntryHandler func(Entry) error

// Replay 從頭讀取紀錄檔，依序呼叫 handler；遇到錯誤立即停止
func Replay(path string, handler EntryHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, err := ParseLine(line)
		if err != nil {
			return &CorruptionError{Line: lineNo, Cause: err}
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Count 計算紀錄檔中的行數
func Count(path string) (int, error) {
	n := 0
	err := Replay(path, func(Entry) error {
		n++
		return nil
	})
	return n, err
}

// ParseLine 解析單行紀錄
func ParseLine(line string) (Entry, error) {
	var (
		entry  Entry
		slot   int
		pid    int
		cs, cn int64
		rs, rn int64
	)
	n, err := fmt.Sscanf(line, scanFormat, &slot, &pid, &cs, &cn, &rs, &rn)
	if err != nil {
		return Entry{}, err
	}
	if n != 6 {
		return Entry{}, ErrMalformedLine
	}
	if cn < 0 || cn >= simclock.NanosPerSecond || rn < 0 || rn >= simclock.NanosPerSecond {
		return Entry{}, ErrMalformedLine
	}
	entry.Slot = types.Slot(slot)
	entry.PID = types.ProcessID(pid)
	entry.ControllerClock = simclock.Clock{Seconds: cs, Nanoseconds: cn}
	entry.Reported = simclock.Clock{Seconds: rs, Nanoseconds: rn}
	return entry, nil
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設調用者已經持有 l.mu 鎖
// 將緩衝的紀錄批次寫入並同步到磁碟
func (l *Log) flushLocked() error {
	for _, entry := range l.buffer {
		if _, err := fmt.Fprintf(l.writer, lineFormat,
			entry.Slot, entry.PID, entry.ControllerClock, entry.Reported); err != nil {
			return fmt.Errorf("reaplog: write: %w", err)
		}
	}
	l.buffer = l.buffer[:0]
	l.lastFlushTime = time.Now()

	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("reaplog: write: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}
