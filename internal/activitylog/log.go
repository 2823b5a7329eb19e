// Package activitylog 保存每塊土地已完成活動的不可變紀錄
//
// 紀錄以（土地, 時間, 區塊序號）為唯一鍵，查詢時依時間遞減、序號遞增排序。
// 寫入後不可修改，只能隨整塊土地一併清除。
package activitylog

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/block-farming/pkg/types"
)

var (
	// 相同（土地, 時間, 區塊）的紀錄已存在
	ErrDuplicateLog = errors.New("activity log entry already exists")
	// 紀錄缺少必要欄位
	ErrInvalidEntry = errors.New("invalid activity log entry")
)

// MaxListLimit 單次查詢的筆數上限
const MaxListLimit = 1000

// Query 查詢條件；Start/End 為閉區間，nil 表示不限
type Query struct {
	Start  *time.Time
	End    *time.Time
	Offset int
	Limit  int
}

// normalized 套用預設值與上限
func (q Query) normalized() Query {
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Limit <= 0 || q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	return q
}

func (q Query) contains(t time.Time) bool {
	if q.Start != nil && t.Before(*q.Start) {
		return false
	}
	if q.End != nil && t.After(*q.End) {
		return false
	}
	return true
}

// Log 活動日誌合約
type Log interface {
	// Append 寫入一筆紀錄；鍵重複時回傳 ErrDuplicateLog
	Append(ctx context.Context, entry types.LandLog) error
	// List 依時間遞減、序號遞增列出土地的紀錄
	List(ctx context.Context, landID uuid.UUID, q Query) ([]types.LandLog, error)
	// Purge 刪除土地的所有紀錄，回傳刪除筆數
	Purge(ctx context.Context, landID uuid.UUID) (int, error)
	Close() error
}

func validate(e types.LandLog) error {
	switch {
	case e.LandID == uuid.Nil:
		return errorf("missing land id")
	case e.Time.IsZero():
		return errorf("missing time for block %d", e.BlockID)
	case e.Activity < types.Sowing || e.Activity > types.Cleaning:
		return errorf("unknown activity %d", int(e.Activity))
	case e.UsedSeconds < 0:
		return errorf("negative used time %d", e.UsedSeconds)
	}
	return nil
}

func sortEntries(entries []types.LandLog) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.After(b.Time)
		}
		return a.BlockID < b.BlockID
	})
}
