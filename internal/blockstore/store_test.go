package blockstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/block-farming/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

var epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			t.Helper()
			s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "farm.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func createLand(t *testing.T, s Store, name string, size int16) types.Land {
	t.Helper()
	land := types.Land{
		ID:           uuid.New(),
		Name:         name,
		Climate:      types.Mild,
		Size:         size,
		CreationTime: epoch,
	}
	require.NoError(t, s.CreateLand(context.Background(), land))
	return land
}

func ptr[T any](v T) *T { return &v }

// occupy 將可用區塊經 ScheduledSow 轉為 Occupied
func occupy(t *testing.T, s Store, land uuid.UUID, ordinal int16, mature time.Time) types.Block {
	t.Helper()
	ctx := context.Background()

	b, err := s.Get(ctx, types.BlockID{LandID: land, Ordinal: ordinal})
	require.NoError(t, err)

	b.Status = types.StatusScheduledSow
	b.Crop = types.Rice
	b.UpdateTime = mature.Add(-2 * time.Hour)
	n, err := s.ConditionalUpdate(ctx, b, ExpectStatus(types.StatusAvailable))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	b.Status = types.StatusOccupied
	b.SowTime = ptr(mature.Add(-time.Hour))
	b.MatureTime = ptr(mature)
	b.HarvestAmount = ptr(int16(12))
	b.UpdateTime = mature.Add(-time.Hour)
	n, err = s.ConditionalUpdate(ctx, b, ExpectStatus(types.StatusScheduledSow))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	stored, err := s.Get(ctx, b.ID())
	require.NoError(t, err)
	return stored
}

// ============================================================================
// 合約測試（記憶體與 SQLite 共用）
// ============================================================================

// TestStoreCreateLand tests that a new land gets all of its blocks as Available
func TestStoreCreateLand(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			land := createLand(t, s, "north", 300)

			got, err := s.GetLand(ctx, land.ID)
			require.NoError(t, err)
			assert.Equal(t, land.Name, got.Name)
			assert.Equal(t, land.Size, got.Size)
			assert.True(t, land.CreationTime.Equal(got.CreationTime))

			blocks, err := s.ListByLand(ctx, land.ID)
			require.NoError(t, err)
			require.Len(t, blocks, 300)
			for i, b := range blocks {
				assert.EqualValues(t, i, b.Ordinal)
				assert.Equal(t, types.StatusAvailable, b.Status)
				assert.NoError(t, CheckPayload(b))
			}

			err = s.CreateLand(ctx, types.Land{ID: uuid.New(), Name: "north", Climate: types.Dry, Size: 1, CreationTime: epoch})
			assert.ErrorIs(t, err, ErrDuplicateLand)

			_, err = s.GetLand(ctx, uuid.New())
			assert.ErrorIs(t, err, ErrLandNotFound)
		})
	}
}

// TestStoreLandOperations tests listing, renaming and purging lands
func TestStoreLandOperations(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			b := createLand(t, s, "bravo", 3)
			a := createLand(t, s, "alpha", 2)
			createLand(t, s, "charlie", 1)

			lands, err := s.ListLands(ctx, 0, 2)
			require.NoError(t, err)
			require.Len(t, lands, 2)
			assert.Equal(t, []string{"alpha", "bravo"}, []string{lands[0].Name, lands[1].Name})

			lands, err = s.ListLands(ctx, 2, 10)
			require.NoError(t, err)
			require.Len(t, lands, 1)
			assert.Equal(t, "charlie", lands[0].Name)

			assert.ErrorIs(t, s.RenameLand(ctx, a.ID, "bravo"), ErrDuplicateLand)
			require.NoError(t, s.RenameLand(ctx, a.ID, "delta"))
			got, err := s.GetLand(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, "delta", got.Name)
			assert.ErrorIs(t, s.RenameLand(ctx, uuid.New(), "x"), ErrLandNotFound)

			n, err := s.PurgeLand(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, 3, n)
			_, err = s.GetLand(ctx, b.ID)
			assert.ErrorIs(t, err, ErrLandNotFound)
			blocks, err := s.ListByLand(ctx, b.ID)
			require.NoError(t, err)
			assert.Empty(t, blocks)

			_, err = s.PurgeLand(ctx, b.ID)
			assert.ErrorIs(t, err, ErrLandNotFound)
		})
	}
}

// TestStoreConditionalUpdate tests the compare-and-set semantics
func TestStoreConditionalUpdate(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			land := createLand(t, s, "cas", 2)
			id := types.BlockID{LandID: land.ID, Ordinal: 0}

			b, err := s.Get(ctx, id)
			require.NoError(t, err)

			// 狀態不符：不影響任何資料
			sow := b
			sow.Status = types.StatusScheduledSow
			sow.Crop = types.Kale
			sow.Comment = ptr("first")
			sow.UpdateTime = epoch.Add(time.Minute)
			n, err := s.ConditionalUpdate(ctx, sow, ExpectStatus(types.StatusOccupied))
			assert.ErrorIs(t, err, ErrIllegalTransition)
			assert.Zero(t, n)

			n, err = s.ConditionalUpdate(ctx, sow, ExpectStatus(types.StatusAvailable))
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)

			// 重複轉換：已不是 Available
			n, err = s.ConditionalUpdate(ctx, sow, ExpectStatus(types.StatusAvailable))
			require.NoError(t, err)
			assert.Zero(t, n)

			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, types.StatusScheduledSow, got.Status)
			assert.Equal(t, types.Kale, got.Crop)
			require.NotNil(t, got.Comment)
			assert.Equal(t, "first", *got.Comment)
			assert.True(t, got.UpdateTime.Equal(sow.UpdateTime))

			// 區塊不存在回傳 0
			ghost := sow
			ghost.Ordinal = 99
			n, err = s.ConditionalUpdate(ctx, ghost, ExpectStatus(types.StatusAvailable))
			require.NoError(t, err)
			assert.Zero(t, n)

			_, err = s.Get(ctx, types.BlockID{LandID: land.ID, Ordinal: 99})
			assert.ErrorIs(t, err, ErrBlockNotFound)
		})
	}
}

// TestStoreRejectsInvalidPayload tests that a payload violating the status table is refused
func TestStoreRejectsInvalidPayload(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			land := createLand(t, s, "bad", 1)

			b, err := s.Get(ctx, types.BlockID{LandID: land.ID})
			require.NoError(t, err)

			b.Status = types.StatusScheduledSow
			_, err = s.ConditionalUpdate(ctx, b, ExpectStatus(types.StatusAvailable))
			assert.ErrorIs(t, err, ErrInvalidPayload, "crop missing")

			b.Crop = types.Rice
			b.SowTime = ptr(epoch)
			_, err = s.ConditionalUpdate(ctx, b, ExpectStatus(types.StatusAvailable))
			assert.ErrorIs(t, err, ErrInvalidPayload, "sow time too early")

			got, err := s.Get(ctx, b.ID())
			require.NoError(t, err)
			assert.Equal(t, types.StatusAvailable, got.Status)
		})
	}
}

// TestStoreUpdateTimeNeverDecreases tests that an older update time does not move the block backwards
func TestStoreUpdateTimeNeverDecreases(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			land := createLand(t, s, "mono", 1)

			b, err := s.Get(ctx, types.BlockID{LandID: land.ID})
			require.NoError(t, err)
			b.Status = types.StatusScheduledSow
			b.Crop = types.Yams
			b.UpdateTime = epoch.Add(-time.Hour)

			n, err := s.ConditionalUpdate(ctx, b, ExpectStatus(types.StatusAvailable))
			require.NoError(t, err)
			require.EqualValues(t, 1, n)

			got, err := s.Get(ctx, b.ID())
			require.NoError(t, err)
			assert.True(t, got.UpdateTime.Equal(epoch))
		})
	}
}

// TestStoreUpdateTimeRevalidation tests that a stale update time makes the update lose
func TestStoreUpdateTimeRevalidation(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			land := createLand(t, s, "reval", 1)
			b := occupy(t, s, land.ID, 0, epoch.Add(time.Hour))

			next := b
			next.Status = types.StatusScheduledHarvest
			next.UpdateTime = epoch.Add(2 * time.Hour)

			stale := b.UpdateTime.Add(-time.Second)
			n, err := s.ConditionalUpdate(ctx, next, ExpectStatus(types.StatusOccupied).WithUpdateTime(stale))
			require.NoError(t, err)
			assert.Zero(t, n)

			n, err = s.ConditionalUpdate(ctx, next, ExpectStatus(types.StatusOccupied).WithUpdateTime(b.UpdateTime))
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)
		})
	}
}

// TestStoreConcurrentConditionalUpdate tests that exactly one of many racing updates wins
func TestStoreConcurrentConditionalUpdate(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			land := createLand(t, s, "race", 1)
			b := occupy(t, s, land.ID, 0, epoch.Add(time.Hour))

			const racers = 16
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners []types.Status
			)
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					next := b
					next.Status = types.StatusScheduledHarvest
					if i%2 == 1 {
						next.Status = types.StatusScheduledClean
					}
					next.UpdateTime = epoch.Add(3 * time.Hour)
					n, err := s.ConditionalUpdate(ctx, next, ExpectStatus(types.StatusOccupied))
					assert.NoError(t, err)
					if n == 1 {
						mu.Lock()
						winners = append(winners, next.Status)
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			require.Len(t, winners, 1)
			got, err := s.Get(ctx, b.ID())
			require.NoError(t, err)
			assert.Equal(t, winners[0], got.Status)
		})
	}
}

// TestStoreFindByStatus tests ordinal ordering, the ordinal cursor and counting
func TestStoreFindByStatus(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			land := createLand(t, s, "find", 10)
			for _, o := range []int16{1, 4, 7} {
				occupy(t, s, land.ID, o, epoch.Add(time.Hour))
			}

			avail, err := s.FindAvailable(ctx, land.ID, -1, 3)
			require.NoError(t, err)
			assert.Equal(t, []int16{0, 2, 3}, ordinals(avail))

			avail, err = s.FindAvailable(ctx, land.ID, 3, 100)
			require.NoError(t, err)
			assert.Equal(t, []int16{5, 6, 8, 9}, ordinals(avail))

			occ, err := s.FindOccupied(ctx, land.ID, -1, 2)
			require.NoError(t, err)
			assert.Equal(t, []int16{1, 4}, ordinals(occ))

			n, err := s.CountByStatus(ctx, land.ID, types.StatusAvailable, 100)
			require.NoError(t, err)
			assert.Equal(t, 7, n)
			n, err = s.CountByStatus(ctx, land.ID, types.StatusAvailable, 5)
			require.NoError(t, err)
			assert.Equal(t, 5, n)
			n, err = s.CountByStatus(ctx, land.ID, types.StatusScheduledClean, 5)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

// TestStoreMaturedPagingSurvivesPromotion tests that promoting rows while paging skips nothing
func TestStoreMaturedPagingSurvivesPromotion(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			land := createLand(t, s, "paging", 60)
			for o := int16(0); o < 50; o++ {
				// 每兩個區塊同一成熟時間，測試排序鍵的同值情形
				occupy(t, s, land.ID, o, epoch.Add(time.Duration(o/2)*time.Minute))
			}
			occupy(t, s, land.ID, 55, epoch.Add(48*time.Hour)) // 尚未成熟

			now := epoch.Add(24 * time.Hour)
			seen := map[int16]int{}
			page := Page{Size: 30}
			pages := 0
			for {
				slice, err := s.FindMaturedBefore(ctx, now, page)
				require.NoError(t, err)
				pages++
				for _, b := range slice.Blocks {
					seen[b.Ordinal]++
					next := b
					next.Status = types.StatusScheduledHarvest
					n, err := s.ConditionalUpdate(ctx, next, ExpectStatus(types.StatusOccupied))
					require.NoError(t, err)
					require.EqualValues(t, 1, n)
				}
				if !slice.HasNext() {
					break
				}
				page.After = slice.Next
			}

			assert.Equal(t, 2, pages)
			assert.Len(t, seen, 50)
			for o, c := range seen {
				assert.Equal(t, 1, c, "block %d", o)
			}
		})
	}
}

// TestStoreFindScheduledUpdatedBefore tests the stale scheduled query and its ordering
func TestStoreFindScheduledUpdatedBefore(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			land := createLand(t, s, "stale", 4)

			schedule := func(o int16, at time.Time) {
				b, err := s.Get(ctx, types.BlockID{LandID: land.ID, Ordinal: o})
				require.NoError(t, err)
				b.Status = types.StatusScheduledSow
				b.Crop = types.Tomato
				b.UpdateTime = at
				n, err := s.ConditionalUpdate(ctx, b, ExpectStatus(types.StatusAvailable))
				require.NoError(t, err)
				require.EqualValues(t, 1, n)
			}
			schedule(2, epoch.Add(3*time.Minute))
			schedule(0, epoch.Add(1*time.Minute))
			schedule(3, epoch.Add(30*time.Minute))

			slice, err := s.FindScheduledUpdatedBefore(ctx, epoch.Add(10*time.Minute), Page{Size: 1})
			require.NoError(t, err)
			assert.Equal(t, []int16{0}, ordinals(slice.Blocks))
			require.True(t, slice.HasNext())

			slice, err = s.FindScheduledUpdatedBefore(ctx, epoch.Add(10*time.Minute), Page{Size: 1, After: slice.Next})
			require.NoError(t, err)
			assert.Equal(t, []int16{2}, ordinals(slice.Blocks))

			slice, err = s.FindScheduledUpdatedBefore(ctx, epoch.Add(10*time.Minute), Page{Size: 1, After: slice.Next})
			require.NoError(t, err)
			assert.Empty(t, slice.Blocks)
			assert.False(t, slice.HasNext())
		})
	}
}

func ordinals(blocks []types.Block) []int16 {
	out := make([]int16, len(blocks))
	for i, b := range blocks {
		out[i] = b.Ordinal
	}
	return out
}
