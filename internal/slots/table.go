// ============================================================================
// oss-sim Slot Table - 固定大小的 Worker 紀錄表
// ============================================================================
//
// Package: internal/slots
// 文件: table.go
// 功能: 記錄每個並行位置 (slot) 目前由哪個行程佔用
//
// 設計理念:
//   1. records []Record - 固定長度，索引即 slot 編號，作為單一真實來源
//   2. byPID map - pid → slot 反向索引，回收時 O(1) 找到 slot
//   3. 兩者在同一把鎖下同步更新
//
// Slot 狀態轉換:
//   Free
//      ↓ Assign(slot, pid)
//   Occupied
//      ↓ Release(slot)（回收後）
//   Free
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有資料結構
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// ============================================================================

package slots

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/oss-sim/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// slot 已被佔用
	ErrSlotOccupied = errors.New("slot already occupied")
	// slot 編號超出範圍
	ErrSlotOutOfRange = errors.New("slot out of range")
	// pid 不屬於任何 slot
	ErrUnknownProcess = errors.New("process not tracked by any slot")
	// pid 已經在其他 slot 中
	ErrDuplicateProcess = errors.New("process already tracked")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Record 一個 slot 的內容
type Record struct {
	Slot     types.Slot
	PID      types.ProcessID
	Occupied bool
}

// Table 固定大小的 slot 紀錄表
type Table struct {
	mu      sync.RWMutex
	records []Record
	byPID   map[types.ProcessID]types.Slot
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 size 個空 slot 的紀錄表
//
// 使用範例：
//
//	table, _ := slots.New(3)
//	_ = table.Assign(0, pid)
//	slot, _ := table.Resolve(pid)
func New(size int) (*Table, error) {
	if size < 1 {
		return nil, fmt.Errorf("invalid slot table size %d", size)
	}
	records := make([]Record, size)
	for i := range records {
		records[i] = Record{Slot: types.Slot(i), PID: types.NoProcess}
	}
	return &Table{
		records: records,
		byPID:   make(map[types.ProcessID]types.Slot, size),
	}, nil
}

// Size 回傳 slot 總數
func (t *Table) Size() int {
	return len(t.records)
}

// Assign 將 pid 放入空的 slot
//
// 錯誤處理：
//   - ErrSlotOutOfRange: slot 不存在
//   - ErrSlotOccupied: slot 已有行程
//   - ErrDuplicateProcess: pid 已在其他 slot
func (t *Table) Assign(slot types.Slot, pid types.ProcessID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.inRange(slot) {
		return fmt.Errorf("assign slot %d: %w", slot, ErrSlotOutOfRange)
	}
	if t.records[slot].Occupied {
		return fmt.Errorf("assign slot %d: %w", slot, ErrSlotOccupied)
	}
	if _, exists := t.byPID[pid]; exists {
		return fmt.Errorf("assign pid %d: %w", pid, ErrDuplicateProcess)
	}

	t.records[slot] = Record{Slot: slot, PID: pid, Occupied: true}
	t.byPID[pid] = slot
	return nil
}

// Resolve 找出 pid 所在的 slot
func (t *Table) Resolve(pid types.ProcessID) (types.Slot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	slot, ok := t.byPID[pid]
	if !ok {
		return 0, fmt.Errorf("resolve pid %d: %w", pid, ErrUnknownProcess)
	}
	return slot, nil
}

// Release 清空 slot，回傳原本的行程；空 slot 回傳 NoProcess
func (t *Table) Release(slot types.Slot) (types.ProcessID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.inRange(slot) {
		return types.NoProcess, fmt.Errorf("release slot %d: %w", slot, ErrSlotOutOfRange)
	}
	rec := t.records[slot]
	if !rec.Occupied {
		return types.NoProcess, nil
	}
	delete(t.byPID, rec.PID)
	t.records[slot] = Record{Slot: slot, PID: types.NoProcess}
	return rec.PID, nil
}

// Active 回傳所有被佔用的 slot（依 slot 編號排序）
func (t *Table) Active() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	active := make([]Record, 0, len(t.byPID))
	for _, rec := range t.records {
		if rec.Occupied {
			active = append(active, rec)
		}
	}
	return active
}

// Occupied 回傳被佔用的 slot 數量
func (t *Table) Occupied() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byPID)
}

// FirstFree 回傳編號最小的空 slot
func (t *Table) FirstFree() (types.Slot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, rec := range t.records {
		if !rec.Occupied {
			return rec.Slot, true
		}
	}
	return 0, false
}

func (t *Table) inRange(slot types.Slot) bool {
	return slot >= 0 && int(slot) < len(t.records)
}
