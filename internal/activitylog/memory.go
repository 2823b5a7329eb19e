package activitylog

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/block-farming/pkg/types"
)

type entryKey struct {
	land  uuid.UUID
	nanos int64
	block int16
}

func keyOf(e types.LandLog) entryKey {
	return entryKey{land: e.LandID, nanos: e.Time.UnixNano(), block: e.BlockID}
}

// MemoryLog 記憶體活動日誌，也作為 Journal 的查詢索引
type MemoryLog struct {
	mu      sync.RWMutex
	entries map[uuid.UUID][]types.LandLog
	keys    map[entryKey]struct{}
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		entries: make(map[uuid.UUID][]types.LandLog),
		keys:    make(map[entryKey]struct{}),
	}
}

var _ Log = (*MemoryLog)(nil)

func (m *MemoryLog) Append(_ context.Context, entry types.LandLog) error {
	if err := validate(entry); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := keyOf(entry)
	if _, ok := m.keys[k]; ok {
		return ErrDuplicateLog
	}
	m.keys[k] = struct{}{}
	m.entries[entry.LandID] = append(m.entries[entry.LandID], entry)
	return nil
}

func (m *MemoryLog) List(_ context.Context, landID uuid.UUID, q Query) ([]types.LandLog, error) {
	q = q.normalized()

	m.mu.RLock()
	matched := make([]types.LandLog, 0)
	for _, e := range m.entries[landID] {
		if q.contains(e.Time) {
			matched = append(matched, e)
		}
	}
	m.mu.RUnlock()

	sortEntries(matched)
	if q.Offset >= len(matched) {
		return []types.LandLog{}, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (m *MemoryLog) Purge(_ context.Context, landID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.entries[landID]
	for _, e := range entries {
		delete(m.keys, keyOf(e))
	}
	delete(m.entries, landID)
	return len(entries), nil
}

// has 鍵是否已存在
func (m *MemoryLog) has(e types.LandLog) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[keyOf(e)]
	return ok
}

func (m *MemoryLog) Close() error {
	return nil
}
