// ============================================================================
// block-farming 區塊儲存 - 記憶體實作
// ============================================================================
//
// Package: internal/blockstore
// 文件: memory.go
// 功能: 以 map + 互斥鎖實作 Store，可透過快照持久化
//
// 數據結構設計:
//   lands  map[uuid]*Land      - 土地主存儲
//   blocks map[uuid][]*Block   - 每塊土地的區塊，slice index 即序號
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - ConditionalUpdate 在同一把寫鎖內完成比對與寫入
//   - 對外回傳的區塊皆為深拷貝，讀者不會看到寫到一半的區塊
//
// ============================================================================

package blockstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/block-farming/pkg/types"
)

// MemoryStore 記憶體儲存
type MemoryStore struct {
	mu     sync.RWMutex
	lands  map[uuid.UUID]*types.Land
	blocks map[uuid.UUID][]*types.Block
}

// NewMemoryStore 建立空的記憶體儲存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lands:  make(map[uuid.UUID]*types.Land),
		blocks: make(map[uuid.UUID][]*types.Block),
	}
}

var _ Store = (*MemoryStore)(nil)

// ============================================================================
// LandStore
// ============================================================================

func (m *MemoryStore) CreateLand(_ context.Context, land types.Land) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range m.lands {
		if l.Name == land.Name {
			return ErrDuplicateLand
		}
	}

	l := land
	m.lands[land.ID] = &l

	blocks := newBlocks(land)
	ptrs := make([]*types.Block, len(blocks))
	for i := range blocks {
		ptrs[i] = &blocks[i]
	}
	m.blocks[land.ID] = ptrs
	return nil
}

func (m *MemoryStore) GetLand(_ context.Context, id uuid.UUID) (types.Land, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.lands[id]
	if !ok {
		return types.Land{}, ErrLandNotFound
	}
	return *l, nil
}

func (m *MemoryStore) ListLands(_ context.Context, offset, limit int) ([]types.Land, error) {
	m.mu.RLock()
	out := make([]types.Land, 0, len(m.lands))
	for _, l := range m.lands {
		out = append(out, *l)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return window(out, offset, limit), nil
}

func (m *MemoryStore) RenameLand(_ context.Context, id uuid.UUID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lands[id]
	if !ok {
		return ErrLandNotFound
	}
	for otherID, other := range m.lands {
		if otherID != id && other.Name == name {
			return ErrDuplicateLand
		}
	}
	l.Name = name
	return nil
}

func (m *MemoryStore) PurgeLand(_ context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lands[id]; !ok {
		return 0, ErrLandNotFound
	}
	n := len(m.blocks[id])
	delete(m.lands, id)
	delete(m.blocks, id)
	return n, nil
}

// ============================================================================
// BlockStore
// ============================================================================

func (m *MemoryStore) Get(_ context.Context, id types.BlockID) (types.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b := m.lookup(id)
	if b == nil {
		return types.Block{}, ErrBlockNotFound
	}
	return b.Clone(), nil
}

// ConditionalUpdate 在寫鎖內比對狀態與 updateTime，符合才整筆替換
func (m *MemoryStore) ConditionalUpdate(_ context.Context, next types.Block, expect Expect) (int64, error) {
	if err := validateUpdate(next, expect); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.lookup(next.ID())
	if cur == nil || !expect.Matches(*cur) {
		return 0, nil
	}

	updated := next.Clone()
	updated.UpdateTime = laterOf(cur.UpdateTime, next.UpdateTime)
	*cur = updated
	return 1, nil
}

func (m *MemoryStore) FindAvailable(_ context.Context, landID uuid.UUID, afterOrdinal int16, limit int) ([]types.Block, error) {
	return m.findByStatus(landID, types.StatusAvailable, afterOrdinal, limit), nil
}

func (m *MemoryStore) FindOccupied(_ context.Context, landID uuid.UUID, afterOrdinal int16, limit int) ([]types.Block, error) {
	return m.findByStatus(landID, types.StatusOccupied, afterOrdinal, limit), nil
}

func (m *MemoryStore) CountByStatus(_ context.Context, landID uuid.UUID, status types.Status, limit int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, b := range m.blocks[landID] {
		if limit > 0 && n >= limit {
			break
		}
		if b.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) FindMaturedBefore(_ context.Context, t time.Time, page Page) (Slice, error) {
	matureTime := func(b types.Block) time.Time { return *b.MatureTime }
	blocks := m.scan(page, matureTime, func(b *types.Block) bool {
		return b.Status == types.StatusOccupied && b.MatureTime != nil && !b.MatureTime.After(t)
	})
	return sliceOf(blocks, page.Size, matureTime), nil
}

func (m *MemoryStore) FindScheduledUpdatedBefore(_ context.Context, t time.Time, page Page) (Slice, error) {
	updateTime := func(b types.Block) time.Time { return b.UpdateTime }
	blocks := m.scan(page, updateTime, func(b *types.Block) bool {
		return b.Status.IsScheduled() && !b.UpdateTime.After(t)
	})
	return sliceOf(blocks, page.Size, updateTime), nil
}

func (m *MemoryStore) ListByLand(_ context.Context, landID uuid.UUID) ([]types.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Block, 0, len(m.blocks[landID]))
	for _, b := range m.blocks[landID] {
		out = append(out, b.Clone())
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// ============================================================================
// 快照支援
// ============================================================================

// Snapshot 序列化目前所有土地與區塊
func (m *MemoryStore) Snapshot() SnapshotData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data := SnapshotData{
		Lands:  make([]types.Land, 0, len(m.lands)),
		Blocks: make(map[string][]types.Block, len(m.blocks)),
	}
	for id, l := range m.lands {
		data.Lands = append(data.Lands, *l)
		blocks := make([]types.Block, len(m.blocks[id]))
		for i, b := range m.blocks[id] {
			blocks[i] = b.Clone()
		}
		data.Blocks[id.String()] = blocks
	}
	sort.Slice(data.Lands, func(i, j int) bool { return data.Lands[i].Name < data.Lands[j].Name })
	return data
}

// Restore 以快照內容取代目前狀態
func (m *MemoryStore) Restore(data SnapshotData) error {
	lands := make(map[uuid.UUID]*types.Land, len(data.Lands))
	blocks := make(map[uuid.UUID][]*types.Block, len(data.Lands))

	for _, land := range data.Lands {
		l := land
		lands[l.ID] = &l

		saved := data.Blocks[l.ID.String()]
		if len(saved) != int(l.Size) {
			return snapshotErrorf("land %s has %d blocks, want %d", l.ID, len(saved), l.Size)
		}
		ptrs := make([]*types.Block, len(saved))
		for i := range saved {
			b := saved[i].Clone()
			if int(b.Ordinal) != i || b.LandID != l.ID {
				return snapshotErrorf("block %s stored at position %d", b.ID(), i)
			}
			if err := CheckPayload(b); err != nil {
				return snapshotErrorf("%v", err)
			}
			ptrs[i] = &b
		}
		blocks[l.ID] = ptrs
	}

	m.mu.Lock()
	m.lands = lands
	m.blocks = blocks
	m.mu.Unlock()
	return nil
}

// ============================================================================
// 內部輔助
// ============================================================================

// lookup 需在持有鎖時呼叫
func (m *MemoryStore) lookup(id types.BlockID) *types.Block {
	blocks := m.blocks[id.LandID]
	if id.Ordinal < 0 || int(id.Ordinal) >= len(blocks) {
		return nil
	}
	return blocks[id.Ordinal]
}

func (m *MemoryStore) findByStatus(landID uuid.UUID, status types.Status, afterOrdinal int16, limit int) []types.Block {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.Block
	for _, b := range m.blocks[landID] {
		if limit > 0 && len(out) >= limit {
			break
		}
		if b.Ordinal > afterOrdinal && b.Status == status {
			out = append(out, b.Clone())
		}
	}
	return out
}

// scan 全域掃描符合條件且位於 cursor 之後的區塊，依 (key, land, ordinal) 排序後取一頁
func (m *MemoryStore) scan(page Page, key func(types.Block) time.Time, match func(*types.Block) bool) []types.Block {
	m.mu.RLock()
	var hits []types.Block
	for _, blocks := range m.blocks {
		for _, b := range blocks {
			if match(b) && page.After.admits(key(*b), b.LandID, b.Ordinal) {
				hits = append(hits, b.Clone())
			}
		}
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		ka, kb := key(a), key(b)
		if !ka.Equal(kb) {
			return ka.Before(kb)
		}
		if c := bytes.Compare(a.LandID[:], b.LandID[:]); c != 0 {
			return c < 0
		}
		return a.Ordinal < b.Ordinal
	})
	if page.Size > 0 && len(hits) > page.Size {
		hits = hits[:page.Size]
	}
	return hits
}

func window[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
