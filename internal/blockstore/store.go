// ============================================================================
// block-farming 區塊儲存 - 合約定義
// ============================================================================
//
// Package: internal/blockstore
// 文件: store.go
// 功能: 定義 BlockStore / LandStore 合約與分頁型別
//
// 並發模型:
//   所有狀態轉換都透過 ConditionalUpdate 完成：一次原子性的「比對後寫入」，
//   回傳受影響筆數。0 代表其他參與者已先轉換此區塊，呼叫端應略過。
//   這是排程器、worker 與兩個 sweep 之間唯一的同步機制。
//
// 分頁:
//   sweep 使用 keyset cursor（時間, 土地, 序號）而非 offset，
//   掃描期間被轉換的區塊離開結果集時不會造成漏掃。
//
// ============================================================================

package blockstore

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/block-farming/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 土地不存在
	ErrLandNotFound = errors.New("land not found")
	// 區塊不存在
	ErrBlockNotFound = errors.New("block not found")
	// 土地名稱重複
	ErrDuplicateLand = errors.New("land name already exists")
	// 區塊欄位與狀態不一致
	ErrInvalidPayload = errors.New("block payload does not match its status")
	// 不合法的狀態轉換
	ErrIllegalTransition = errors.New("illegal block status transition")
)

// MaxLandSize 單一土地的區塊數上限
const MaxLandSize = 32767

// ============================================================================
// 條件式更新
// ============================================================================

// Expect 條件式更新的前置條件
type Expect struct {
	Statuses   []types.Status // 目前狀態必須為其中之一
	UpdateTime *time.Time     // 非 nil 時，目前 updateTime 也必須相同
}

// ExpectStatus 建立僅比對狀態的前置條件
func ExpectStatus(statuses ...types.Status) Expect {
	return Expect{Statuses: statuses}
}

// WithUpdateTime 加上 updateTime 再驗證
func (e Expect) WithUpdateTime(t time.Time) Expect {
	e.UpdateTime = &t
	return e
}

// Matches 區塊目前內容是否符合前置條件
func (e Expect) Matches(b types.Block) bool {
	if !slices.Contains(e.Statuses, b.Status) {
		return false
	}
	return e.UpdateTime == nil || e.UpdateTime.Equal(b.UpdateTime)
}

// ============================================================================
// 分頁
// ============================================================================

// Cursor keyset 分頁位置：上一頁最後一筆的排序鍵
type Cursor struct {
	Time    time.Time `json:"time"`
	LandID  uuid.UUID `json:"land_id"`
	Ordinal int16     `json:"ordinal"`
}

// Page 分頁請求，After 為 nil 表示第一頁
type Page struct {
	After *Cursor
	Size  int
}

// Slice 一頁結果，Next 為 nil 表示沒有下一頁
type Slice struct {
	Blocks []types.Block
	Next   *Cursor
}

// HasNext 是否還有下一頁
func (s Slice) HasNext() bool {
	return s.Next != nil
}

// admits 排序鍵 (t, land, ordinal) 是否位於 cursor 之後
func (c *Cursor) admits(t time.Time, land uuid.UUID, ordinal int16) bool {
	if c == nil {
		return true
	}
	if !t.Equal(c.Time) {
		return t.After(c.Time)
	}
	if cmp := bytes.Compare(land[:], c.LandID[:]); cmp != 0 {
		return cmp > 0
	}
	return ordinal > c.Ordinal
}

// sliceOf 依頁大小組成結果；滿頁時以最後一筆作為下一頁 cursor
func sliceOf(blocks []types.Block, size int, key func(types.Block) time.Time) Slice {
	s := Slice{Blocks: blocks}
	if size > 0 && len(blocks) == size {
		last := blocks[len(blocks)-1]
		s.Next = &Cursor{Time: key(last), LandID: last.LandID, Ordinal: last.Ordinal}
	}
	return s
}

// ============================================================================
// 合約
// ============================================================================

// BlockStore 區塊持久化合約
type BlockStore interface {
	// Get 取得單一區塊，不存在時回傳 ErrBlockNotFound
	Get(ctx context.Context, id types.BlockID) (types.Block, error)
	// ConditionalUpdate 原子性比對後寫入 next，回傳受影響筆數（0 或 1）
	ConditionalUpdate(ctx context.Context, next types.Block, expect Expect) (int64, error)
	// FindAvailable 依序號列出序號大於 afterOrdinal 的可用區塊
	FindAvailable(ctx context.Context, landID uuid.UUID, afterOrdinal int16, limit int) ([]types.Block, error)
	// FindOccupied 依序號列出序號大於 afterOrdinal 的占用區塊
	FindOccupied(ctx context.Context, landID uuid.UUID, afterOrdinal int16, limit int) ([]types.Block, error)
	// CountByStatus 計算指定狀態的區塊數，最多數到 limit
	CountByStatus(ctx context.Context, landID uuid.UUID, status types.Status, limit int) (int, error)
	// FindMaturedBefore 全域列出已成熟（Occupied 且 matureTime <= t）的區塊，依 matureTime 排序
	FindMaturedBefore(ctx context.Context, t time.Time, page Page) (Slice, error)
	// FindScheduledUpdatedBefore 全域列出 updateTime <= t 的已排程區塊，依 updateTime 排序
	FindScheduledUpdatedBefore(ctx context.Context, t time.Time, page Page) (Slice, error)
	// ListByLand 依序號列出土地的所有區塊
	ListByLand(ctx context.Context, landID uuid.UUID) ([]types.Block, error)
}

// LandStore 土地持久化合約
type LandStore interface {
	// CreateLand 建立土地與其全部區塊（皆為 Available）
	CreateLand(ctx context.Context, land types.Land) error
	GetLand(ctx context.Context, id uuid.UUID) (types.Land, error)
	// ListLands 依名稱排序
	ListLands(ctx context.Context, offset, limit int) ([]types.Land, error)
	RenameLand(ctx context.Context, id uuid.UUID, name string) error
	// PurgeLand 刪除土地及其區塊，回傳刪除的區塊數
	PurgeLand(ctx context.Context, id uuid.UUID) (int, error)
}

// Store 完整的儲存後端
type Store interface {
	BlockStore
	LandStore
	Close() error
}

// newBlocks 產生土地的初始區塊
func newBlocks(land types.Land) []types.Block {
	blocks := make([]types.Block, land.Size)
	for i := range blocks {
		blocks[i] = types.Block{
			LandID:     land.ID,
			Ordinal:    int16(i),
			Status:     types.StatusAvailable,
			UpdateTime: land.CreationTime,
		}
	}
	return blocks
}

// laterOf 回傳較晚的時間；updateTime 永不倒退
func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
