package reconciler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/block-farming/internal/blockstore"
	"github.com/ChuLiYu/block-farming/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type fakeQueue struct {
	mu     sync.Mutex
	items  []types.WorkItem
	failOn map[int16]bool
}

func (q *fakeQueue) Publish(_ context.Context, item types.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failOn[item.Block.Ordinal] {
		return errors.New("partition full")
	}
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) published() []types.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]types.WorkItem(nil), q.items...)
}

func stores(t *testing.T) map[string]blockstore.Store {
	t.Helper()
	sqlite, err := blockstore.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "farm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]blockstore.Store{
		"memory": blockstore.NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func createLand(t *testing.T, s blockstore.Store, size int16) types.Land {
	t.Helper()
	land := types.Land{
		ID:           uuid.New(),
		Name:         uuid.NewString(),
		Climate:      types.Mild,
		Size:         size,
		CreationTime: now.Add(-24 * time.Hour),
	}
	require.NoError(t, s.CreateLand(context.Background(), land))
	return land
}

func update(t *testing.T, s blockstore.Store, b types.Block, from types.Status) types.Block {
	t.Helper()
	n, err := s.ConditionalUpdate(context.Background(), b, blockstore.ExpectStatus(from))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	stored, err := s.Get(context.Background(), b.ID())
	require.NoError(t, err)
	return stored
}

// scheduleSow Available -> ScheduledSow，updateTime 為 at
func scheduleSow(t *testing.T, s blockstore.Store, land uuid.UUID, ordinal int16, at time.Time) types.Block {
	t.Helper()
	b, err := s.Get(context.Background(), types.BlockID{LandID: land, Ordinal: ordinal})
	require.NoError(t, err)
	b.Status = types.StatusScheduledSow
	b.Crop = types.Yams
	b.UpdateTime = at
	return update(t, s, b, types.StatusAvailable)
}

// occupy 轉為 Occupied，成熟時間為 mature
func occupy(t *testing.T, s blockstore.Store, land uuid.UUID, ordinal int16, mature time.Time) types.Block {
	t.Helper()
	b := scheduleSow(t, s, land, ordinal, mature.Add(-2*time.Hour))
	sow, amount := mature.Add(-time.Hour), int16(5)
	b.Status = types.StatusOccupied
	b.SowTime, b.MatureTime, b.HarvestAmount = &sow, &mature, &amount
	b.UpdateTime = sow
	return update(t, s, b, types.StatusScheduledSow)
}

// ============================================================================
// 成熟 sweep
// ============================================================================

// TestMaturitySweepPagination tests 50 matured blocks across pages of 30
func TestMaturitySweepPagination(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			land := createLand(t, s, 60)
			for o := int16(0); o < 50; o++ {
				// 部分區塊同一時間成熟，驗證 cursor 的次序鍵
				occupy(t, s, land.ID, o, now.Add(-time.Duration(o%7)*time.Minute))
			}
			for o := int16(50); o < 55; o++ {
				occupy(t, s, land.ID, o, now.Add(time.Hour))
			}

			q := &fakeQueue{}
			r := New(s, q, Options{PageSize: 30, Now: clock})

			count, err := r.ProcessMaturedBlocks(ctx)
			require.NoError(t, err)
			assert.Equal(t, 50, count)

			items := q.published()
			require.Len(t, items, 50)
			seen := map[int16]int{}
			for _, it := range items {
				assert.Equal(t, types.KindHarvest, it.Kind)
				assert.Equal(t, types.StatusScheduledHarvest, it.Block.Status)
				seen[it.Block.Ordinal]++
			}
			assert.Len(t, seen, 50)
			for o, n := range seen {
				assert.Equal(t, 1, n, "block %d promoted more than once", o)
			}

			blocks, err := s.ListByLand(ctx, land.ID)
			require.NoError(t, err)
			for _, b := range blocks {
				switch {
				case b.Ordinal < 50:
					assert.Equal(t, types.StatusScheduledHarvest, b.Status)
					assert.True(t, b.UpdateTime.Equal(now))
					require.NoError(t, blockstore.CheckPayload(b))
				case b.Ordinal < 55:
					assert.Equal(t, types.StatusOccupied, b.Status, "immature block must not be touched")
				default:
					assert.Equal(t, types.StatusAvailable, b.Status)
				}
			}

			// 第二次 sweep 沒有可處理的區塊
			count, err = r.ProcessMaturedBlocks(ctx)
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

// TestMaturitySweepPublishFailure tests that a failed publish is skipped and later recovered
func TestMaturitySweepPublishFailure(t *testing.T) {
	ctx := context.Background()
	s := blockstore.NewMemoryStore()
	land := createLand(t, s, 4)
	for o := int16(0); o < 4; o++ {
		occupy(t, s, land.ID, o, now.Add(-time.Hour))
	}

	q := &fakeQueue{failOn: map[int16]bool{2: true}}
	r := New(s, q, Options{PageSize: 2, Now: clock, StaleThreshold: time.Minute})

	count, err := r.ProcessMaturedBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	b, err := s.Get(ctx, types.BlockID{LandID: land.ID, Ordinal: 2})
	require.NoError(t, err)
	assert.Equal(t, types.StatusScheduledHarvest, b.Status)

	// 逾時後由逾時 sweep 重新發布
	later := now.Add(2 * time.Minute)
	delete(q.failOn, 2)
	r.now = func() time.Time { return later }
	count, err = r.ProcessTooLongScheduledBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

// changingStore 第一次讀取成熟區塊後，讓另一個參與者搶先轉換第一個區塊
type changingStore struct {
	blockstore.Store
	once sync.Once
}

func (c *changingStore) FindMaturedBefore(ctx context.Context, t time.Time, page blockstore.Page) (blockstore.Slice, error) {
	slice, err := c.Store.FindMaturedBefore(ctx, t, page)
	c.once.Do(func() {
		b := slice.Blocks[0].Clone()
		b.Status = types.StatusScheduledClean
		b.UpdateTime = now
		_, err = c.Store.ConditionalUpdate(ctx, b, blockstore.ExpectStatus(types.StatusOccupied))
	})
	return slice, err
}

// TestMaturitySweepSkipsChangedBlock tests that the updateTime revalidation rejects a stale read
func TestMaturitySweepSkipsChangedBlock(t *testing.T) {
	ctx := context.Background()
	s := blockstore.NewMemoryStore()
	land := createLand(t, s, 3)
	for o := int16(0); o < 3; o++ {
		occupy(t, s, land.ID, o, now.Add(-time.Duration(3-o)*time.Minute))
	}

	q := &fakeQueue{}
	r := New(&changingStore{Store: s}, q, Options{Now: clock})

	count, err := r.ProcessMaturedBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	b, err := s.Get(ctx, types.BlockID{LandID: land.ID, Ordinal: 0})
	require.NoError(t, err)
	assert.Equal(t, types.StatusScheduledClean, b.Status)
}

// ============================================================================
// 逾時 sweep
// ============================================================================

// TestStuckSweepRepublishes tests the threshold boundary and that no status changes
func TestStuckSweepRepublishes(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			land := createLand(t, s, 5)

			stale := scheduleSow(t, s, land.ID, 0, now.Add(-2*time.Minute))
			fresh := scheduleSow(t, s, land.ID, 1, now.Add(-30*time.Second))
			occupy(t, s, land.ID, 2, now.Add(-time.Hour))
			harvest := occupy(t, s, land.ID, 3, now.Add(-time.Hour))
			harvest.Status = types.StatusScheduledHarvest
			harvest.UpdateTime = now.Add(-10 * time.Minute)
			update(t, s, harvest, types.StatusOccupied)

			q := &fakeQueue{}
			r := New(s, q, Options{Now: clock, StaleThreshold: time.Minute})

			count, err := r.ProcessTooLongScheduledBlocks(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, count)

			items := q.published()
			require.Len(t, items, 2)
			// 依 updateTime 由舊到新
			assert.Equal(t, types.KindHarvest, items[0].Kind)
			assert.EqualValues(t, 3, items[0].Block.Ordinal)
			assert.Equal(t, types.KindSow, items[1].Kind)
			assert.EqualValues(t, 0, items[1].Block.Ordinal)

			after, err := s.Get(ctx, stale.ID())
			require.NoError(t, err)
			assert.Equal(t, types.StatusScheduledSow, after.Status)
			assert.True(t, after.UpdateTime.Equal(stale.UpdateTime), "republish must not touch the block")

			untouched, err := s.Get(ctx, fresh.ID())
			require.NoError(t, err)
			assert.True(t, untouched.UpdateTime.Equal(fresh.UpdateTime))
		})
	}
}

// TestStuckSweepThresholdReload tests that a new threshold applies to the next sweep
func TestStuckSweepThresholdReload(t *testing.T) {
	s := blockstore.NewMemoryStore()
	land := createLand(t, s, 1)
	scheduleSow(t, s, land.ID, 0, now.Add(-30*time.Second))

	q := &fakeQueue{}
	r := New(s, q, Options{Now: clock})
	assert.Equal(t, DefaultStaleThreshold, r.StaleThreshold())

	count, err := r.ProcessTooLongScheduledBlocks(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	r.SetStaleThreshold(10 * time.Second)
	r.SetStaleThreshold(0)
	assert.Equal(t, 10*time.Second, r.StaleThreshold())

	count, err = r.ProcessTooLongScheduledBlocks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// corruptStore 回傳一個不在 Scheduled* 狀態的區塊
type corruptStore struct {
	blockstore.Store
	bad types.Block
}

func (c *corruptStore) FindScheduledUpdatedBefore(ctx context.Context, t time.Time, page blockstore.Page) (blockstore.Slice, error) {
	slice, err := c.Store.FindScheduledUpdatedBefore(ctx, t, page)
	if err != nil {
		return slice, err
	}
	slice.Blocks = append([]types.Block{c.bad}, slice.Blocks...)
	return slice, nil
}

// TestStuckSweepImpossibleState tests that a non-scheduled block fails loudly without halting the sweep
func TestStuckSweepImpossibleState(t *testing.T) {
	s := blockstore.NewMemoryStore()
	land := createLand(t, s, 3)
	scheduleSow(t, s, land.ID, 1, now.Add(-time.Hour))
	bad, err := s.Get(context.Background(), types.BlockID{LandID: land.ID, Ordinal: 2})
	require.NoError(t, err)

	q := &fakeQueue{}
	r := New(&corruptStore{Store: s, bad: bad}, q, Options{Now: clock})

	count, err := r.ProcessTooLongScheduledBlocks(context.Background())
	assert.Equal(t, 1, count)
	var impossible *ImpossibleStateError
	require.ErrorAs(t, err, &impossible)
	assert.Equal(t, bad.ID(), impossible.Block)
	assert.Equal(t, types.StatusAvailable, impossible.Status)
	assert.Len(t, q.published(), 1)
}

// TestSweepStopsOnCancel tests that a cancelled context ends the sweep
func TestSweepStopsOnCancel(t *testing.T) {
	s := blockstore.NewMemoryStore()
	land := createLand(t, s, 2)
	occupy(t, s, land.ID, 0, now.Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := &fakeQueue{}
	count, err := New(s, q, Options{Now: clock}).ProcessMaturedBlocks(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, count)
	assert.Empty(t, q.published())
}
