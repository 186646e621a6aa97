package worker

import (
	"errors"

	"github.com/ChuLiYu/oss-sim/internal/mailbox"
	"github.com/ChuLiYu/oss-sim/internal/semaphore"
	"github.com/ChuLiYu/oss-sim/internal/simclock"
	"github.com/ChuLiYu/oss-sim/pkg/types"
)

// DefaultMaxLifetime 亂數存活時間上限（不含），單位奈秒
const DefaultMaxLifetime int64 = 1_000_000

// ErrInvalidLifetime MaxLifetime 必須 >= 1
var ErrInvalidLifetime = errors.New("worker: max lifetime must be at least 1ns")

// Env 是 Worker 啟動時附掛的共享資源（對應行程啟動時傳入的三個 handle）
type Env struct {
	Clock     simclock.ReadOnly    // 唯讀時鐘
	Mailbox   *mailbox.Mailbox     // 讀寫
	Semaphore *semaphore.Semaphore // 讀寫
}

// Config Worker 參數
type Config struct {
	MaxLifetime int64 // 亂數偏移上限（不含）
	Seed        int64 // 非 0 時取代牆鐘時間作為亂數種子（測試用）
}

// Exit 代表一個 Worker 的結束狀態（對應 waitpid 的結果）
type Exit struct {
	PID        types.ProcessID // 行程識別碼
	Slot       types.Slot      // 所屬 pool slot
	Code       int             // 結束碼
	Cause      error           // 被訊號終止時的原因，正常結束為 nil
	Reported   bool            // 是否已寫入 mailbox
	SpawnedAt  simclock.Clock  // 附掛時的時鐘
	Deadline   simclock.Clock  // 私有截止時間
	ReportedAt simclock.Clock  // 寫入報告時的時鐘
}
