// ============================================================================
// block-farming Worker - 活動處理器
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: 消費工作項目，等待模擬的活動時間後完成區塊狀態並寫入日誌
//
// 處理模型 (先等待、後完成):
//   ┌──────────────────────────────────────────────┐
//   │  Handler (每個 WorkItem 一次)                 │
//   │  ├─ 從作物屬性抽樣活動時間 d                  │
//   │  ├─ 等待 d（timer + ctx.Done()）              │
//   │  ├─ 讀取區塊：不存在 -> 警告並略過             │
//   │  ├─ 條件式更新到下一個狀態：落敗 -> 警告並略過 │
//   │  └─ 成功才寫入 ActivityLog                    │
//   └──────────────────────────────────────────────┘
//
// 三種活動:
//   - sow:     ScheduledSow -> Occupied，依儲存中的作物計算成熟時間與收成量，日誌為 Sowing
//   - harvest: Scheduled{Harvest,Clean} -> Available，日誌為 Harvesting
//   - clean:   同 harvest，時間固定範圍，並清空備註，日誌為 Cleaning
//
// 冪等性:
//   重複投遞的項目在狀態檢查或條件式更新時落敗，不會寫入第二筆日誌，
//   也不回傳錯誤，佇列不會因此重送。
//
// 取消:
//   等待期間 ctx 被取消時回傳 ctx.Err()，區塊維持 Scheduled* 狀態，
//   由逾時 sweep 重新發布。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/block-farming/internal/activitylog"
	"github.com/ChuLiYu/block-farming/internal/blockstore"
	"github.com/ChuLiYu/block-farming/internal/crop"
	"github.com/ChuLiYu/block-farming/internal/metrics"
	"github.com/ChuLiYu/block-farming/internal/queue"
	"github.com/ChuLiYu/block-farming/pkg/types"
)

// finalizable harvest 與 clean 共用的完成前置狀態
var finalizable = blockstore.ExpectStatus(types.StatusScheduledHarvest, types.StatusScheduledClean)

// Subscriber 佇列的訂閱端
type Subscriber interface {
	Subscribe(kind types.ActivityKind, h queue.Handler) error
}

// Options Worker 設定
type Options struct {
	Now     func() time.Time
	Metrics metrics.Recorder
}

// Worker 三種活動的處理器
type Worker struct {
	store   blockstore.BlockStore
	logs    activitylog.Log
	source  crop.Source
	metrics metrics.Recorder
	now     func() time.Time
}

// New 建立 Worker
func New(store blockstore.BlockStore, logs activitylog.Log, source crop.Source, opts Options) *Worker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	return &Worker{
		store:   store,
		logs:    logs,
		source:  source,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// Handler 取得活動對應的處理函數
func (w *Worker) Handler(kind types.ActivityKind) queue.Handler {
	switch kind {
	case types.KindSow:
		return w.Sow
	case types.KindHarvest:
		return w.Harvest
	case types.KindClean:
		return w.Clean
	}
	panic(fmt.Sprintf("worker: unknown activity kind %d", int(kind)))
}

// Register 為每一種活動訂閱處理函數
func (w *Worker) Register(sub Subscriber) error {
	for _, kind := range types.AllKinds {
		if err := sub.Subscribe(kind, w.Handler(kind)); err != nil {
			return fmt.Errorf("subscribe %s: %w", kind, err)
		}
	}
	return nil
}

// ============================================================================
// Handlers
// ============================================================================

// Sow 等待播種時間後轉為 Occupied
func (w *Worker) Sow(ctx context.Context, item types.WorkItem) error {
	c := item.Block.Crop
	if !c.Valid() {
		return fmt.Errorf("sow %s: work item has no crop", item.Key())
	}
	sowFor := w.source.SowDuration(c)
	start := w.now()

	if err := wait(ctx, sowFor); err != nil {
		return err
	}

	current, ok, err := w.lookup(ctx, types.KindSow, item)
	if !ok {
		return err
	}
	// 重送的項目可能遇到已完成、甚至已清空的區塊
	if current.Status != types.StatusScheduledSow || !current.Crop.Valid() {
		w.dropChanged(types.KindSow, current)
		return nil
	}

	finished := w.now()
	growFor := w.source.GrowDuration(current.Crop)
	sowTime, matureTime := start, finished.Add(growFor)
	amount := w.source.HarvestYield(current.Crop)

	next := current.Clone()
	next.Status = types.StatusOccupied
	next.SowTime = &sowTime
	next.MatureTime = &matureTime
	next.HarvestAmount = &amount
	next.UpdateTime = finished

	if ok, err := w.commit(ctx, types.KindSow, next, blockstore.ExpectStatus(types.StatusScheduledSow)); !ok {
		return err
	}
	return w.record(ctx, types.KindSow, next, sowTime, sowFor, types.PayloadOf(next))
}

// Harvest 等待收成時間後清空區塊
func (w *Worker) Harvest(ctx context.Context, item types.WorkItem) error {
	c := item.Block.Crop
	if !c.Valid() {
		return fmt.Errorf("harvest %s: work item has no crop", item.Key())
	}
	return w.finalize(ctx, types.KindHarvest, item, w.source.HarvestDuration(c))
}

// Clean 等待清理時間後清空區塊與備註
func (w *Worker) Clean(ctx context.Context, item types.WorkItem) error {
	return w.finalize(ctx, types.KindClean, item, w.source.CleanDuration())
}

// finalize harvest / clean 共用流程
func (w *Worker) finalize(ctx context.Context, kind types.ActivityKind, item types.WorkItem, d time.Duration) error {
	if err := wait(ctx, d); err != nil {
		return err
	}

	current, ok, err := w.lookup(ctx, kind, item)
	if !ok {
		return err
	}

	next := current.Clone()
	next.ClearCultivation()
	if kind == types.KindClean {
		next.Comment = nil
	}
	next.UpdateTime = w.now()

	if ok, err := w.commit(ctx, kind, next, finalizable); !ok {
		return err
	}
	// 日誌保存清空前的區塊內容
	return w.record(ctx, kind, next, next.UpdateTime, d, types.PayloadOf(current))
}

// ============================================================================
// 共用步驟
// ============================================================================

// lookup 讀取目前的區塊；不存在時記錄警告並回傳 ok=false, err=nil
func (w *Worker) lookup(ctx context.Context, kind types.ActivityKind, item types.WorkItem) (types.Block, bool, error) {
	current, err := w.store.Get(ctx, item.Block.ID())
	if errors.Is(err, blockstore.ErrBlockNotFound) {
		slog.Warn("Block not found, dropping activity", "block", item.Key(), "kind", kind)
		w.metrics.BlockMissing(kind)
		return types.Block{}, false, nil
	}
	if err != nil {
		return types.Block{}, false, fmt.Errorf("%s %s: get block: %w", kind, item.Key(), err)
	}
	return current, true, nil
}

// commit 條件式更新；落敗時回傳 false 與 nil
func (w *Worker) commit(ctx context.Context, kind types.ActivityKind, next types.Block, expect blockstore.Expect) (bool, error) {
	n, err := w.store.ConditionalUpdate(ctx, next, expect)
	if err != nil {
		slog.Error("Failed to finalize block", "block", next.ID(), "kind", kind, "error", err)
		return false, fmt.Errorf("%s %s: %w", kind, next.ID(), err)
	}
	if n == 0 {
		w.dropChanged(kind, next)
		return false, nil
	}
	return true, nil
}

// dropChanged 區塊已被完成或改變，記錄警告後略過
func (w *Worker) dropChanged(kind types.ActivityKind, b types.Block) {
	slog.Warn("Block already finalized or changed, dropping activity", "block", b.ID(), "kind", kind, "status", b.Status)
	w.metrics.LostRace(kind.String())
}

// record 寫入活動日誌
func (w *Worker) record(ctx context.Context, kind types.ActivityKind, b types.Block, at time.Time, used time.Duration, payload types.BlockPayload) error {
	entry := types.LandLog{
		LandID:      b.LandID,
		Time:        at,
		BlockID:     b.Ordinal,
		Activity:    kind.LogActivity(),
		UsedSeconds: int(used / time.Second),
		Payload:     payload,
	}
	if err := w.logs.Append(ctx, entry); err != nil {
		if errors.Is(err, activitylog.ErrDuplicateLog) {
			slog.Warn("Activity already logged", "block", b.ID(), "kind", kind, "time", at)
			return nil
		}
		slog.Error("Failed to append activity log", "block", b.ID(), "kind", kind, "error", err)
		return fmt.Errorf("%s %s: append log: %w", kind, b.ID(), err)
	}

	w.metrics.ActivityFinalized(kind, used)
	slog.Debug("Activity finalized", "block", b.ID(), "kind", kind, "status", b.Status)
	return nil
}

// wait 等待 d 或 ctx 取消
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
