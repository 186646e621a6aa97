// ============================================================================
// oss-sim Mailbox - 單槽報告信箱
// ============================================================================
//
// Package: internal/mailbox
// 文件: mailbox.go
// 功能: Worker 向 Controller 回報結束的單槽共享狀態
//
// 設計:
//   - 以明確的 optional（full 旗標）表示「無報告」，不使用 {-1,-1} 哨兵值
//   - 內部鎖只保證欄位存取的記憶體安全；Worker 之間「檢查後寫入」的
//     互斥由 semaphore 負責
//   - 任一時刻最多只有一份未消費的報告
//
// ============================================================================

package mailbox

import (
	"sync"

	"github.com/ChuLiYu/oss-sim/internal/simclock"
	"github.com/ChuLiYu/oss-sim/pkg/types"
)

// Report Worker 結束時寫入的報告
type Report struct {
	CompletionTime simclock.Clock  // Worker 觀察到的結束時鐘
	From           types.ProcessID // 寫入者
}

// Mailbox 單槽信箱
type Mailbox struct {
	mu     sync.Mutex
	full   bool
	report Report
	posts  uint64 // 累計寫入次數（除錯用）
}

// New 建立空信箱
func New() *Mailbox {
	return &Mailbox{}
}

// Reset 清空信箱
func (m *Mailbox) Reset() {
	m.mu.Lock()
	m.full = false
	m.report = Report{}
	m.mu.Unlock()
}

// IsEmpty 沒有待處理報告時回傳 true
func (m *Mailbox) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.full
}

// Post overwrites the slot. The caller must hold the worker semaphore and
// must have seen IsEmpty() == true under it.
func (m *Mailbox) Post(snapshot simclock.Clock, from types.ProcessID) {
	m.mu.Lock()
	m.full = true
	m.report = Report{CompletionTime: simclock.Copy(snapshot), From: from}
	m.posts++
	m.mu.Unlock()
}

// Peek 讀取但不清空
func (m *Mailbox) Peek() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.report, m.full
}

// Take 讀取並清空，兩步驟在同一臨界區內完成
func (m *Mailbox) Take() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.report, m.full
	m.full = false
	m.report = Report{}
	return r, ok
}

// Posts 回傳累計寫入次數
func (m *Mailbox) Posts() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posts
}
