package snapshot

// ============================================================================
// 職責說明：
// 1. 將一次 run 的完整結果序列化為 JSON 結果檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 提供「載入上次結果」與「只重試上次失敗」兩種續跑模式的資料來源
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sseaky/seakylib/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("result file is corrupted")
	ErrIncompatibleVersion = errors.New("result file schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("result file not found")
)

// SchemaVersion 目前的結果檔版本
const SchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 結果檔管理器
type Manager struct {
	path string     // 結果檔路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立結果檔管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// DefaultPath 回傳 <dir>/<name>_mrun_result.json
func DefaultPath(dir, name string) string {
	return filepath.Join(dir, name+"_mrun_result.json")
}

// Write 原子性寫入結果檔
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 參數：
//   - data: 結果檔資料
//
// 返回值：
//   - error: 寫入失敗時的錯誤
func (m *Manager) Write(data types.ResultFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(data)
}

func (m *Manager) write(data types.ResultFile) error {
	data.SchemaVer = SchemaVersion
	if data.SavedAt == 0 {
		data.SavedAt = time.Now().UnixMilli()
	}

	// 序列化為 JSON（帶縮排，方便人工閱讀與除錯）
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result file: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create result dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"

	// 1. 寫入臨時檔案
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp result file: %w", err)
	}

	// 2. 原子性重新命名
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename result file: %w", err)
	}

	return nil
}

// Load 載入結果檔
//
// 行為：
//   - 檔案不存在時回傳 ErrSnapshotNotFound（呼叫端決定是否改為正常執行）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的結果檔
//
// 返回值：
//   - types.ResultFile: 結果檔資料
//   - error: 載入失敗或版本不相容時的錯誤
func (m *Manager) Load() (types.ResultFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.ResultFile

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return data, fmt.Errorf("failed to read result file: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	if data.Outcomes == nil {
		data.Outcomes = make([]types.Outcome, 0)
	}

	return data, nil
}

// Exists 檢查結果檔是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得結果檔路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

// ============================================================================
// 進階功能
// ============================================================================

// WriteWithBackup 寫入結果檔並保留舊版本備份
//
// 舊檔改名為 <path>.<timestamp>；只保留最近 keepBackups 個備份
func (m *Manager) WriteWithBackup(data types.ResultFile, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old result file: %w", err)
		}
		if err := m.pruneBackups(keepBackups); err != nil {
			return err
		}
	}

	return m.write(data)
}

// pruneBackups 刪除超出數量的舊備份（檔名的時間戳可直接字典序排序）
func (m *Manager) pruneBackups(keep int) error {
	if keep < 0 {
		return nil
	}
	backups, err := filepath.Glob(m.path + ".2*")
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	// Glob 的結果已排序，最舊的在前
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to remove backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
