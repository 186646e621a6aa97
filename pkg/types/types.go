// Package types 定義了 oss-sim 系統中共用的核心領域模型
package types

import "fmt"

// ProcessID 模擬行程識別碼（由 worker.Pool 單調遞增配發）
type ProcessID int

// NoProcess 表示 slot 中沒有任何行程
const NoProcess ProcessID = -1

func (p ProcessID) String() string {
	return fmt.Sprintf("%d", int(p))
}

// Slot pool slot 編號，範圍 [0, concurrency)
type Slot int

// WorkerState Worker 狀態機狀態
type WorkerState string

// 定義 Worker 狀態常數
const (
	WorkerSpawned           WorkerState = "spawned"            // 已啟動，尚未讀取時鐘
	WorkerComputingDeadline WorkerState = "computing_deadline" // 計算私有截止時間
	WorkerPolling           WorkerState = "polling"            // 忙碌輪詢 mailbox
	WorkerReporting         WorkerState = "reporting"          // 持有 semaphore，正在寫入報告
	WorkerTerminated        WorkerState = "terminated"         // 已結束
)

// ControllerState Controller 狀態機狀態
type ControllerState string

const (
	ControllerInitializing ControllerState = "initializing"
	ControllerRunning      ControllerState = "running"
	ControllerDraining     ControllerState = "draining"
	ControllerTerminated   ControllerState = "terminated"
)

// RunSummary 一次模擬執行的最終統計，teardown 時寫入摘要檔
type RunSummary struct {
	RunID       string `json:"run_id"`       // 執行識別碼（uuid）
	SchemaVer   int    `json:"schema_ver"`   // 資料結構版本號
	Concurrency int    `json:"concurrency"`  // pool slot 數量
	MaxSpawns   int    `json:"max_spawns"`   // 行程總數上限
	Spawned     int    `json:"spawned"`      // 實際建立的行程數
	Reaped      int    `json:"reaped"`       // 回收並記錄的報告數
	Signalled   int    `json:"signalled"`    // teardown 時被訊號終止的行程數
	FinalClock  string `json:"final_clock"`  // 結束時的模擬時鐘（S.NNNNNNNNN）
	Cause       string `json:"cause"`        // 結束原因：drained / interrupted / timed out
	ExitCode    int    `json:"exit_code"`    // Controller 結束碼
	StartedAt   int64  `json:"started_at"`   // Unix 毫秒
	CompletedAt int64  `json:"completed_at"` // Unix 毫秒
}
