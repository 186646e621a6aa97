package snapshot

// ============================================================================
// 職責說明：
// 1. 將一次執行的最終統計序列化為 JSON 摘要檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性（僅供檢查與測試，啟動時不會讀回）
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/oss-sim/pkg/types"
)

// SchemaVersion 目前的摘要格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("summary file is corrupted")
	ErrIncompatibleVersion = errors.New("summary schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("summary file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 摘要檔管理器
type Manager struct {
	path string     // 摘要檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立摘要檔管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入摘要
//
// 使用原子性寫入流程：
// 1. 寫入同目錄下的臨時檔案
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 參數：
//   - summary: 執行摘要（SchemaVer 會被覆寫為目前版本）
func (m *Manager) Write(summary types.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary.SchemaVer = SchemaVersion

	// 帶縮排，方便人工閱讀
	jsonBytes, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp summary: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(jsonBytes); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp summary: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp summary: %w", err)
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename summary: %w", err)
	}

	return nil
}

// Load 載入摘要
//
// 錯誤處理：
//   - ErrSnapshotNotFound: 檔案不存在
//   - ErrCorruptedSnapshot: JSON 無法解析
//   - ErrIncompatibleVersion: 版本不符
func (m *Manager) Load() (types.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var summary types.RunSummary

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return summary, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return summary, fmt.Errorf("failed to read summary: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &summary); err != nil {
		return summary, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if summary.SchemaVer != SchemaVersion {
		return summary, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, summary.SchemaVer, SchemaVersion)
	}

	return summary, nil
}

// Exists 檢查摘要檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得摘要檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}
