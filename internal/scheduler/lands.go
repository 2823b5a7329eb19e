package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ChuLiYu/block-farming/internal/activitylog"
	"github.com/ChuLiYu/block-farming/internal/blockstore"
	"github.com/ChuLiYu/block-farming/pkg/types"
)

// MaxLandPage 單次列出土地的上限
const MaxLandPage = 1000

// CreateLand 建立土地與全部區塊（皆為 Available）
func (s *Scheduler) CreateLand(ctx context.Context, name string, climate types.Climate, size int) (types.Land, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.Land{}, invalidf("land name is required")
	}
	if !climate.Valid() {
		return types.Land{}, invalidf("unknown climate %d", int(climate))
	}
	if size < 1 || size > blockstore.MaxLandSize {
		return types.Land{}, invalidf("land size must be within 1..%d, got %d", blockstore.MaxLandSize, size)
	}

	land := types.Land{
		ID:           uuid.New(),
		Name:         name,
		Climate:      climate,
		Size:         int16(size),
		CreationTime: s.now(),
	}
	if err := s.store.CreateLand(ctx, land); err != nil {
		return types.Land{}, err
	}
	slog.Info("Land created", "land", land.ID, "name", land.Name, "climate", land.Climate, "size", land.Size)
	return land, nil
}

func (s *Scheduler) GetLand(ctx context.Context, id uuid.UUID) (types.Land, error) {
	return s.store.GetLand(ctx, id)
}

// ListLands 依名稱排序列出土地
func (s *Scheduler) ListLands(ctx context.Context, offset, limit int) ([]types.Land, error) {
	if limit <= 0 || limit > MaxLandPage {
		limit = MaxLandPage
	}
	return s.store.ListLands(ctx, max(offset, 0), limit)
}

// RenameLand 只允許修改名稱；氣候與大小不可變
func (s *Scheduler) RenameLand(ctx context.Context, id uuid.UUID, name string) (types.Land, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.Land{}, invalidf("land name is required")
	}
	if err := s.store.RenameLand(ctx, id, name); err != nil {
		return types.Land{}, err
	}
	return s.store.GetLand(ctx, id)
}

// PurgeLand 刪除土地、區塊與日誌，回傳刪除的區塊數
func (s *Scheduler) PurgeLand(ctx context.Context, id uuid.UUID) (int, error) {
	n, err := s.store.PurgeLand(ctx, id)
	if err != nil {
		return 0, err
	}
	purged, err := s.logs.Purge(ctx, id)
	if err != nil {
		return n, fmt.Errorf("purge logs of land %s: %w", id, err)
	}
	slog.Info("Land purged", "land", id, "blocks", n, "logs", purged)
	return n, nil
}

// ListBlocks 依序號列出土地的區塊
func (s *Scheduler) ListBlocks(ctx context.Context, id uuid.UUID) ([]types.Block, error) {
	if _, err := s.store.GetLand(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListByLand(ctx, id)
}

// ListLogs 依時間倒序列出土地日誌
func (s *Scheduler) ListLogs(ctx context.Context, id uuid.UUID, q activitylog.Query) ([]types.LandLog, error) {
	if _, err := s.store.GetLand(ctx, id); err != nil {
		return nil, err
	}
	if q.Start != nil && q.End != nil && q.End.Before(*q.Start) {
		return nil, invalidf("end time is before start time")
	}
	return s.logs.List(ctx, id, q)
}

// IsNotFound 土地或區塊不存在
func IsNotFound(err error) bool {
	return errors.Is(err, blockstore.ErrLandNotFound) || errors.Is(err, blockstore.ErrBlockNotFound)
}
