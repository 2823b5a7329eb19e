// ============================================================================
// block-farming Reconciler - 週期性對帳
// ============================================================================
//
// Package: internal/reconciler
// 文件: reconciler.go
// 功能: 兩個彼此獨立的 sweep，把需要處理的區塊重新送回佇列
//
// 成熟 sweep (ProcessMaturedBlocks):
//   分頁掃描所有 Occupied 且 matureTime <= now 的區塊（依 matureTime 排序），
//   以條件式更新轉為 ScheduledHarvest（同時比對 updateTime），成功才發布收成項目。
//
// 逾時 sweep (ProcessTooLongScheduledBlocks):
//   分頁掃描所有 Scheduled* 且 updateTime <= now - threshold 的區塊，
//   依目前狀態重新發布對應的工作項目；不做任何狀態轉換。
//   掃到非 Scheduled* 的區塊代表資料不一致，回傳 ImpossibleStateError，
//   但不中斷其他區塊的處理。
//
// 分頁:
//   keyset cursor，掃描開始時固定 now，被轉換的區塊離開結果集也不會漏掃或重複。
//
// 錯誤隔離:
//   單一區塊的更新或發布失敗只記錄並繼續；只有讀取分頁失敗會結束該次 sweep。
//
// ============================================================================

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/block-farming/internal/blockstore"
	"github.com/ChuLiYu/block-farming/internal/metrics"
	"github.com/ChuLiYu/block-farming/internal/queue"
	"github.com/ChuLiYu/block-farming/pkg/types"
)

const (
	DefaultPageSize       = 32
	DefaultStaleThreshold = time.Minute
)

// ImpossibleStateError 逾時 sweep 掃到的區塊不在任何 Scheduled* 狀態
type ImpossibleStateError struct {
	Block  types.BlockID
	Status types.Status
}

func (e *ImpossibleStateError) Error() string {
	return fmt.Sprintf("block %s is %s, expected a scheduled status", e.Block, e.Status)
}

// Options Reconciler 設定
type Options struct {
	PageSize       int
	StaleThreshold time.Duration
	Now            func() time.Time
	Metrics        metrics.Recorder
}

// Reconciler 執行成熟 sweep 與逾時 sweep
type Reconciler struct {
	store    blockstore.BlockStore
	pub      queue.Publisher
	metrics  metrics.Recorder
	now      func() time.Time
	pageSize int

	mu             sync.RWMutex
	staleThreshold time.Duration
}

// New 建立 Reconciler
func New(store blockstore.BlockStore, pub queue.Publisher, opts Options) *Reconciler {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	return &Reconciler{
		store:          store,
		pub:            pub,
		metrics:        opts.Metrics,
		now:            opts.Now,
		pageSize:       opts.PageSize,
		staleThreshold: opts.StaleThreshold,
	}
}

// StaleThreshold 目前的逾時門檻
func (r *Reconciler) StaleThreshold() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.staleThreshold
}

// SetStaleThreshold 更新逾時門檻（設定重新載入時使用）；d <= 0 時忽略
func (r *Reconciler) SetStaleThreshold(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.staleThreshold = d
	r.mu.Unlock()
}

// ============================================================================
// 成熟 sweep
// ============================================================================

// ProcessMaturedBlocks 將成熟的區塊轉為 ScheduledHarvest 並發布，回傳成功處理的數量
func (r *Reconciler) ProcessMaturedBlocks(ctx context.Context) (int, error) {
	start := time.Now()
	now := r.now()

	count, err := r.sweep(ctx, func(page blockstore.Page) (blockstore.Slice, error) {
		return r.store.FindMaturedBefore(ctx, now, page)
	}, func(b types.Block) bool {
		return r.promote(ctx, b, now)
	})

	r.metrics.SweepCompleted(metrics.SweepMaturity, count, time.Since(start))
	slog.Info("Maturity sweep finished", "count", count, "duration", time.Since(start))
	return count, err
}

// promote Occupied -> ScheduledHarvest，成功後發布
func (r *Reconciler) promote(ctx context.Context, b types.Block, now time.Time) bool {
	next := b.Clone()
	next.Status = types.StatusScheduledHarvest
	next.UpdateTime = now

	expect := blockstore.ExpectStatus(types.StatusOccupied).WithUpdateTime(b.UpdateTime)
	n, err := r.store.ConditionalUpdate(ctx, next, expect)
	if err != nil {
		slog.Error("Failed to schedule harvest", "block", b.ID(), "error", err)
		return false
	}
	if n == 0 {
		slog.Warn("Block changed before harvest scheduling, skipping", "block", b.ID())
		r.metrics.LostRace(types.KindHarvest.String())
		return false
	}

	if err := r.pub.Publish(ctx, types.WorkItem{Kind: types.KindHarvest, Block: next}); err != nil {
		slog.Error("Failed to publish harvest", "block", b.ID(), "error", err)
		r.metrics.PublishFailed(types.KindHarvest)
		return false
	}
	r.metrics.BlockScheduled(types.KindHarvest)
	return true
}

// ============================================================================
// 逾時 sweep
// ============================================================================

// ProcessTooLongScheduledBlocks 重新發布停留過久的 Scheduled* 區塊，回傳成功發布的數量
//
// 掃到非 Scheduled* 區塊時，回傳的 error 以 errors.Join 合併所有 ImpossibleStateError。
func (r *Reconciler) ProcessTooLongScheduledBlocks(ctx context.Context) (int, error) {
	start := time.Now()
	before := r.now().Add(-r.StaleThreshold())

	var impossible []error
	count, err := r.sweep(ctx, func(page blockstore.Page) (blockstore.Slice, error) {
		return r.store.FindScheduledUpdatedBefore(ctx, before, page)
	}, func(b types.Block) bool {
		ok, err := r.republish(ctx, b)
		if err != nil {
			impossible = append(impossible, err)
		}
		return ok
	})

	r.metrics.SweepCompleted(metrics.SweepStuck, count, time.Since(start))
	slog.Info("Stuck sweep finished", "count", count, "before", before, "duration", time.Since(start))
	return count, errors.Join(append(impossible, err)...)
}

// republish 依目前狀態重新發布
func (r *Reconciler) republish(ctx context.Context, b types.Block) (bool, error) {
	kind, ok := types.KindForStatus(b.Status)
	if !ok {
		err := &ImpossibleStateError{Block: b.ID(), Status: b.Status}
		slog.Error("Impossible block state in stuck sweep", "block", b.ID(), "status", b.Status, "error", err)
		r.metrics.ImpossibleState()
		return false, err
	}

	if err := r.pub.Publish(ctx, types.WorkItem{Kind: kind, Block: b}); err != nil {
		slog.Error("Failed to republish stuck block", "block", b.ID(), "kind", kind, "error", err)
		r.metrics.PublishFailed(kind)
		return false, nil
	}
	slog.Debug("Stuck block republished", "block", b.ID(), "kind", kind, "since", b.UpdateTime)
	return true, nil
}

// ============================================================================
// 分頁迴圈
// ============================================================================

type pageFunc func(page blockstore.Page) (blockstore.Slice, error)

// sweep 逐頁處理直到沒有下一頁；handle 回傳 true 的區塊計入總數
func (r *Reconciler) sweep(ctx context.Context, fetch pageFunc, handle func(types.Block) bool) (int, error) {
	page := blockstore.Page{Size: r.pageSize}
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		slice, err := fetch(page)
		if err != nil {
			return count, fmt.Errorf("fetch page: %w", err)
		}
		for _, b := range slice.Blocks {
			if handle(b) {
				count++
			}
		}
		if !slice.HasNext() {
			return count, nil
		}
		page.After = slice.Next
	}
}
