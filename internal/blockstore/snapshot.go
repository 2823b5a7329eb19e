package blockstore

// ============================================================================
// 職責說明：
// 1. 將記憶體儲存的土地與區塊序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/block-farming/pkg/types"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// SnapshotData 快照內容
type SnapshotData struct {
	SchemaVer int                      `json:"schema_version"`
	TakenAt   time.Time                `json:"taken_at"`
	Lands     []types.Land             `json:"lands"`
	Blocks    map[string][]types.Block `json:"blocks"` // 土地 ID -> 依序號排列的區塊
}

func snapshotErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptedSnapshot, fmt.Sprintf(format, args...))
}

// SnapshotManager 快照檔案管理
type SnapshotManager struct {
	path string
	mu   sync.Mutex
}

// NewSnapshotManager 建立快照管理器
func NewSnapshotManager(path string) *SnapshotManager {
	return &SnapshotManager{path: path}
}

// Path 快照檔案路徑
func (m *SnapshotManager) Path() string {
	return m.path
}

// Write 原子性寫入快照
//
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *SnapshotManager) Write(data SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.TakenAt.IsZero() {
		data.TakenAt = time.Now()
	}

	// 帶縮排，方便人工閱讀與除錯
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入快照；檔案不存在時回傳空快照（首次啟動）
func (m *SnapshotManager) Load() (SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data SnapshotData

	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return SnapshotData{
				SchemaVer: SchemaVersion,
				Blocks:    make(map[string][]types.Block),
			}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Blocks == nil {
		data.Blocks = make(map[string][]types.Block)
	}
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *SnapshotManager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// SaveStore 將記憶體儲存寫入快照
func (m *SnapshotManager) SaveStore(s *MemoryStore) error {
	return m.Write(s.Snapshot())
}

// LoadStore 從快照還原記憶體儲存
func (m *SnapshotManager) LoadStore(s *MemoryStore) error {
	data, err := m.Load()
	if err != nil {
		return err
	}
	return s.Restore(data)
}
