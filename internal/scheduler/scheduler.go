// ============================================================================
// block-farming 排程器 - 批次活動請求
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 選出符合條件的區塊、以條件式更新保留、發布工作項目
//
// 流程 (RequestActivity):
//   1. 播種請求先檢查作物與土地氣候，不符合時直接失敗，不動任何區塊
//   2. 依序號分頁取得候選區塊：
//      - sow:   Available 區塊，最多 count 個
//      - clean: count 減去目前可用數（上限 count），剩餘 <= 0 時回傳空結果
//               否則取相應數量的 Occupied 區塊
//   3. 每個候選區塊以條件式更新轉為 Scheduled*；落敗者略過並記錄警告
//   4. 保留成功的區塊發布到 WorkQueue；發布失敗只記錄錯誤，
//      區塊留在 Scheduled* 狀態等待逾時 sweep 回收
//
// 回傳的序列是惰性的：消費者每取一個區塊才處理下一個候選，
// 大量請求不會一次載入所有候選區塊。
//
// ============================================================================

package scheduler

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/block-farming/internal/activitylog"
	"github.com/ChuLiYu/block-farming/internal/blockstore"
	"github.com/ChuLiYu/block-farming/internal/crop"
	"github.com/ChuLiYu/block-farming/internal/metrics"
	"github.com/ChuLiYu/block-farming/internal/queue"
	"github.com/ChuLiYu/block-farming/pkg/types"
)

// DefaultPageSize 候選區塊每次讀取的數量
const DefaultPageSize = 32

// Options 排程器設定
type Options struct {
	PageSize int              // 候選區塊分頁大小
	Now      func() time.Time // 時鐘，測試時可替換
	Metrics  metrics.Recorder
}

// Request 批次活動請求
type Request struct {
	LandID  uuid.UUID
	Kind    types.ActivityKind // 只接受 KindSow 與 KindClean
	Crop    types.Crop         // 僅播種使用
	Count   int
	Comment *string
}

// CleanResult 清理請求的結果
type CleanResult struct {
	Scheduled []types.Block
	Available int // 請求數量減去實際排程清理的數量
}

// Scheduler 處理外部的批次請求與土地管理
type Scheduler struct {
	store    blockstore.Store
	logs     activitylog.Log
	pub      queue.Publisher
	metrics  metrics.Recorder
	now      func() time.Time
	pageSize int
}

// New 建立排程器
func New(store blockstore.Store, logs activitylog.Log, pub queue.Publisher, opts Options) *Scheduler {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	return &Scheduler{
		store:    store,
		logs:     logs,
		pub:      pub,
		metrics:  opts.Metrics,
		now:      opts.Now,
		pageSize: opts.PageSize,
	}
}

// candidateFinder BlockStore 的 FindAvailable / FindOccupied
type candidateFinder func(ctx context.Context, landID uuid.UUID, afterOrdinal int16, limit int) ([]types.Block, error)

// RequestActivity 檢查請求並回傳惰性的保留結果序列
//
// 前置檢查（土地存在、作物與氣候）在回傳前完成；
// 序列只產出成功保留且成功發布的區塊，讀取候選失敗時產出一個錯誤並結束。
func (s *Scheduler) RequestActivity(ctx context.Context, req Request) (iter.Seq2[types.Block, error], error) {
	if req.Count < 0 {
		return nil, invalidf("count must not be negative, got %d", req.Count)
	}
	land, err := s.store.GetLand(ctx, req.LandID)
	if err != nil {
		return nil, err
	}

	switch req.Kind {
	case types.KindSow:
		if !req.Crop.Valid() {
			return nil, invalidf("sow requires a crop")
		}
		if !crop.IsEligible(land.Climate, req.Crop) {
			return nil, &UnsuitableCropError{Land: land.ID, Climate: land.Climate, Crop: req.Crop}
		}
		return s.pipeline(ctx, req, req.Count, s.store.FindAvailable, types.StatusAvailable), nil

	case types.KindClean:
		available, err := s.store.CountByStatus(ctx, land.ID, types.StatusAvailable, req.Count)
		if err != nil {
			return nil, fmt.Errorf("count available blocks: %w", err)
		}
		remainder := req.Count - min(available, req.Count)
		if remainder <= 0 {
			slog.Debug("enough available blocks, nothing to clean", "land", land.ID, "count", req.Count)
			return func(func(types.Block, error) bool) {}, nil
		}
		return s.pipeline(ctx, req, remainder, s.store.FindOccupied, types.StatusOccupied), nil
	}
	return nil, invalidf("activity %s cannot be requested", req.Kind)
}

// Sow 播種並收集結果
func (s *Scheduler) Sow(ctx context.Context, landID uuid.UUID, c types.Crop, count int, comment *string) ([]types.Block, error) {
	seq, err := s.RequestActivity(ctx, Request{LandID: landID, Kind: types.KindSow, Crop: c, Count: count, Comment: comment})
	if err != nil {
		return nil, err
	}
	return collect(seq)
}

// Clean 清理並收集結果
func (s *Scheduler) Clean(ctx context.Context, landID uuid.UUID, count int, comment *string) (CleanResult, error) {
	seq, err := s.RequestActivity(ctx, Request{LandID: landID, Kind: types.KindClean, Count: count, Comment: comment})
	if err != nil {
		return CleanResult{}, err
	}
	blocks, err := collect(seq)
	return CleanResult{Scheduled: blocks, Available: count - len(blocks)}, err
}

// pipeline 逐頁取得候選區塊並逐一保留，最多處理 want 個候選
func (s *Scheduler) pipeline(ctx context.Context, req Request, want int, find candidateFinder, from types.Status) iter.Seq2[types.Block, error] {
	return func(yield func(types.Block, error) bool) {
		remaining := want
		after := int16(-1)
		for remaining > 0 {
			if err := ctx.Err(); err != nil {
				yield(types.Block{}, err)
				return
			}
			candidates, err := find(ctx, req.LandID, after, min(remaining, s.pageSize))
			if err != nil {
				yield(types.Block{}, fmt.Errorf("find %s candidates: %w", req.Kind, err))
				return
			}
			if len(candidates) == 0 {
				return
			}
			for _, b := range candidates {
				after = b.Ordinal
				remaining--
				reserved, ok := s.reserve(ctx, req, b, from)
				if !ok {
					continue
				}
				if !yield(reserved, nil) {
					return
				}
			}
		}
	}
}

// reserve 轉為 Scheduled* 並發布；失敗時回傳 false
func (s *Scheduler) reserve(ctx context.Context, req Request, b types.Block, from types.Status) (types.Block, bool) {
	next := b.Clone()
	next.Status = req.Kind.ScheduledStatus()
	next.Comment = cloneString(req.Comment)
	next.UpdateTime = s.now()
	if b.UpdateTime.After(next.UpdateTime) {
		next.UpdateTime = b.UpdateTime
	}
	if req.Kind == types.KindSow {
		next.Crop = req.Crop
	}

	id := next.ID().String()
	n, err := s.store.ConditionalUpdate(ctx, next, blockstore.ExpectStatus(from))
	if err != nil {
		slog.Error("Failed to reserve block", "block", id, "kind", req.Kind, "error", err)
		return types.Block{}, false
	}
	if n == 0 {
		slog.Warn("Block changed before reservation, skipping", "block", id, "expected", from)
		s.metrics.LostRace(req.Kind.String())
		return types.Block{}, false
	}

	if err := s.pub.Publish(ctx, types.WorkItem{Kind: req.Kind, Block: next}); err != nil {
		slog.Error("Failed to publish work item", "block", id, "kind", req.Kind, "error", err)
		s.metrics.PublishFailed(req.Kind)
		return types.Block{}, false
	}
	s.metrics.BlockScheduled(req.Kind)
	slog.Debug("Block scheduled", "block", id, "status", next.Status)
	return next, true
}

func collect(seq iter.Seq2[types.Block, error]) ([]types.Block, error) {
	var out []types.Block
	for b, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
