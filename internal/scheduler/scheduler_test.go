package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/block-farming/internal/activitylog"
	"github.com/ChuLiYu/block-farming/internal/blockstore"
	"github.com/ChuLiYu/block-farming/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

var now = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

// fakeQueue 記錄發布的項目，可指定失敗的序號
type fakeQueue struct {
	mu     sync.Mutex
	items  []types.WorkItem
	failOn map[int16]bool
}

func (q *fakeQueue) Publish(_ context.Context, item types.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failOn[item.Block.Ordinal] {
		return errors.New("broker unavailable")
	}
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) published() []types.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]types.WorkItem(nil), q.items...)
}

type fixture struct {
	store *blockstore.MemoryStore
	logs  *activitylog.MemoryLog
	queue *fakeQueue
	sched *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: blockstore.NewMemoryStore(),
		logs:  activitylog.NewMemoryLog(),
		queue: &fakeQueue{failOn: map[int16]bool{}},
	}
	f.sched = New(f.store, f.logs, f.queue, Options{PageSize: 4, Now: clock})
	return f
}

func (f *fixture) land(t *testing.T, climate types.Climate, size int) types.Land {
	t.Helper()
	land, err := f.sched.CreateLand(context.Background(), uuid.NewString(), climate, size)
	require.NoError(t, err)
	return land
}

// occupy 將區塊推進到 Occupied
func (f *fixture) occupy(t *testing.T, land uuid.UUID, ordinal int16) {
	t.Helper()
	ctx := context.Background()
	b, err := f.store.Get(ctx, types.BlockID{LandID: land, Ordinal: ordinal})
	require.NoError(t, err)

	b.Status = types.StatusScheduledSow
	b.Crop = types.Kale
	n, err := f.store.ConditionalUpdate(ctx, b, blockstore.ExpectStatus(types.StatusAvailable))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	sow, mature, amount := now.Add(-time.Hour), now.Add(time.Hour), int16(4)
	b.Status = types.StatusOccupied
	b.SowTime, b.MatureTime, b.HarvestAmount = &sow, &mature, &amount
	n, err = f.store.ConditionalUpdate(ctx, b, blockstore.ExpectStatus(types.StatusScheduledSow))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func (f *fixture) statuses(t *testing.T, land uuid.UUID) map[types.Status]int {
	t.Helper()
	blocks, err := f.store.ListByLand(context.Background(), land)
	require.NoError(t, err)
	out := map[types.Status]int{}
	for _, b := range blocks {
		out[b.Status]++
	}
	return out
}

func ordinals(blocks []types.Block) []int16 {
	out := make([]int16, len(blocks))
	for i, b := range blocks {
		out[i] = b.Ordinal
	}
	return out
}

func ptr[T any](v T) *T { return &v }

// ============================================================================
// 播種
// ============================================================================

// TestSowSelectsAvailableBlocks tests sow on a land with 7 of 10 blocks available
func TestSowSelectsAvailableBlocks(t *testing.T) {
	f := newFixture(t)
	land := f.land(t, types.Mild, 10)
	for _, o := range []int16{2, 5, 8} {
		f.occupy(t, land.ID, o)
	}

	blocks, err := f.sched.Sow(context.Background(), land.ID, types.Tomato, 10, ptr("north field"))
	require.NoError(t, err)

	assert.Equal(t, []int16{0, 1, 3, 4, 6, 7, 9}, ordinals(blocks))
	for _, b := range blocks {
		assert.Equal(t, types.StatusScheduledSow, b.Status)
		assert.Equal(t, types.Tomato, b.Crop)
		assert.Equal(t, "north field", *b.Comment)
		assert.True(t, b.UpdateTime.Equal(now))
		require.NoError(t, blockstore.CheckPayload(b))
	}

	items := f.queue.published()
	require.Len(t, items, 7)
	for _, it := range items {
		assert.Equal(t, types.KindSow, it.Kind)
		assert.Equal(t, types.StatusScheduledSow, it.Block.Status)
	}
	assert.Equal(t, map[types.Status]int{types.StatusScheduledSow: 7, types.StatusOccupied: 3}, f.statuses(t, land.ID))
}

// TestSowUnsuitableCrop tests the eligibility check happens before any mutation
func TestSowUnsuitableCrop(t *testing.T) {
	f := newFixture(t)
	land := f.land(t, types.Polar, 5)

	_, err := f.sched.Sow(context.Background(), land.ID, types.Rice, 5, nil)
	var unsuitable *UnsuitableCropError
	require.ErrorAs(t, err, &unsuitable)
	assert.Equal(t, types.Polar, unsuitable.Climate)
	assert.Equal(t, types.Rice, unsuitable.Crop)
	assert.Equal(t, land.ID, unsuitable.Land)

	assert.Empty(t, f.queue.published())
	assert.Equal(t, map[types.Status]int{types.StatusAvailable: 5}, f.statuses(t, land.ID))
}

// TestSowPublishFailureIsIsolated tests that one failed publish drops only that block
func TestSowPublishFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	land := f.land(t, types.Tropical, 4)
	f.queue.failOn[1] = true

	blocks, err := f.sched.Sow(context.Background(), land.ID, types.Manioc, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 2, 3}, ordinals(blocks))

	// 發布失敗的區塊留在 ScheduledSow 等待逾時 sweep
	b, err := f.store.Get(context.Background(), types.BlockID{LandID: land.ID, Ordinal: 1})
	require.NoError(t, err)
	assert.Equal(t, types.StatusScheduledSow, b.Status)
}

// racingStore 在指定區塊的條件式更新之前先讓另一個參與者搶先轉換
type racingStore struct {
	blockstore.Store
	target int16
}

func (r *racingStore) ConditionalUpdate(ctx context.Context, next types.Block, expect blockstore.Expect) (int64, error) {
	if next.Ordinal == r.target {
		rival := next.Clone()
		rival.Crop = types.Kale
		if _, err := r.Store.ConditionalUpdate(ctx, rival, expect); err != nil {
			return 0, err
		}
	}
	return r.Store.ConditionalUpdate(ctx, next, expect)
}

// TestSowLostRaceIsSkipped tests that a block reserved by someone else is dropped without replacement
func TestSowLostRaceIsSkipped(t *testing.T) {
	f := newFixture(t)
	land := f.land(t, types.Mild, 5)
	sched := New(&racingStore{Store: f.store, target: 2}, f.logs, f.queue, Options{Now: clock})

	blocks, err := sched.Sow(context.Background(), land.ID, types.Grape, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 1}, ordinals(blocks))
	assert.Len(t, f.queue.published(), 2)

	b, err := f.store.Get(context.Background(), types.BlockID{LandID: land.ID, Ordinal: 2})
	require.NoError(t, err)
	assert.Equal(t, types.Kale, b.Crop, "rival reservation must be kept")
}

// TestRequestActivityIsLazy tests that unconsumed candidates stay untouched
func TestRequestActivityIsLazy(t *testing.T) {
	f := newFixture(t)
	land := f.land(t, types.Mild, 20)

	seq, err := f.sched.RequestActivity(context.Background(), Request{
		LandID: land.ID, Kind: types.KindSow, Crop: types.Lettuce, Count: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, map[types.Status]int{types.StatusAvailable: 20}, f.statuses(t, land.ID))

	taken := 0
	for b, err := range seq {
		require.NoError(t, err)
		assert.Equal(t, int16(taken), b.Ordinal)
		taken++
		if taken == 6 {
			break
		}
	}
	assert.Equal(t, map[types.Status]int{types.StatusScheduledSow: 6, types.StatusAvailable: 14}, f.statuses(t, land.ID))
}

// ============================================================================
// 清理
// ============================================================================

// TestCleanShortfall tests that only the missing number of blocks is cleaned
func TestCleanShortfall(t *testing.T) {
	f := newFixture(t)
	land := f.land(t, types.Continental, 30)
	for o := int16(0); o < 10; o++ {
		f.occupy(t, land.ID, o*3)
	}

	res, err := f.sched.Clean(context.Background(), land.ID, 30, ptr("make room"))
	require.NoError(t, err)
	require.Len(t, res.Scheduled, 10)
	assert.Equal(t, 20, res.Available)
	for _, b := range res.Scheduled {
		assert.Equal(t, types.StatusScheduledClean, b.Status)
		assert.Equal(t, types.Kale, b.Crop, "crop is kept until the block is cleaned")
		assert.Equal(t, "make room", *b.Comment)
	}
	for _, it := range f.queue.published() {
		assert.Equal(t, types.KindClean, it.Kind)
	}
	assert.Equal(t, map[types.Status]int{types.StatusScheduledClean: 10, types.StatusAvailable: 20}, f.statuses(t, land.ID))
}

// TestCleanNothingNeeded tests that a fully available land schedules nothing
func TestCleanNothingNeeded(t *testing.T) {
	f := newFixture(t)
	land := f.land(t, types.Dry, 30)

	res, err := f.sched.Clean(context.Background(), land.ID, 30, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Scheduled)
	assert.Equal(t, 30, res.Available)
	assert.Empty(t, f.queue.published())
}

// TestCleanPartialRequest tests that fewer available blocks than requested only cleans the gap
func TestCleanPartialRequest(t *testing.T) {
	f := newFixture(t)
	land := f.land(t, types.Mild, 6)
	for o := int16(0); o < 5; o++ {
		f.occupy(t, land.ID, o)
	}

	res, err := f.sched.Clean(context.Background(), land.ID, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 1}, ordinals(res.Scheduled))
	assert.Equal(t, 1, res.Available)
}

// ============================================================================
// 請求驗證
// ============================================================================

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)
	land := f.land(t, types.Mild, 3)
	ctx := context.Background()

	testCases := []struct {
		name string
		req  Request
		want error
	}{
		{"negative count", Request{LandID: land.ID, Kind: types.KindSow, Crop: types.Rice, Count: -1}, ErrInvalidRequest},
		{"sow without crop", Request{LandID: land.ID, Kind: types.KindSow, Count: 1}, ErrInvalidRequest},
		{"harvest is sweep only", Request{LandID: land.ID, Kind: types.KindHarvest, Count: 1}, ErrInvalidRequest},
		{"unknown land", Request{LandID: uuid.New(), Kind: types.KindClean, Count: 1}, blockstore.ErrLandNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.sched.RequestActivity(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, f.queue.published())
}
