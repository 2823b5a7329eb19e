package blockstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/ChuLiYu/block-farming/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS lands (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL UNIQUE,
    climate       INTEGER NOT NULL,
    size          INTEGER NOT NULL,
    creation_time INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blocks (
    land_id        TEXT NOT NULL,
    ordinal        INTEGER NOT NULL,
    status         INTEGER NOT NULL,
    crop           INTEGER,
    sow_time       INTEGER,
    mature_time    INTEGER,
    harvest_amount INTEGER,
    comment        TEXT,
    update_time    INTEGER NOT NULL,
    PRIMARY KEY (land_id, ordinal)
);

CREATE INDEX IF NOT EXISTS ix_blocks_mature ON blocks (status, mature_time, land_id, ordinal);
CREATE INDEX IF NOT EXISTS ix_blocks_update ON blocks (status, update_time, land_id, ordinal);
`

// 建立土地時每批插入的區塊數
const insertBatchSize = 128

const blockColumns = `land_id, ordinal, status, crop, sow_time, mature_time, harvest_amount, comment, update_time`

// SQLiteStore 以本機 SQLite（WAL 模式）實作 Store
// 時間以 Unix 奈秒儲存，條件式更新可精確比對
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore 開啟（或建立）path 上的資料庫並建立 schema
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open database: %w", err)
	}

	// SQLite 只有單一 writer，連線池限制為一條以避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("blockstore: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("blockstore: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// LandStore
// ============================================================================

func (s *SQLiteStore) CreateLand(ctx context.Context, land types.Land) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("blockstore: begin create land: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO lands (id, name, climate, size, creation_time) VALUES (?, ?, ?, ?, ?)`,
		land.ID.String(), land.Name, int(land.Climate), int(land.Size), land.CreationTime.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateLand
		}
		return fmt.Errorf("blockstore: insert land %s: %w", land.ID, err)
	}

	blocks := newBlocks(land)
	for start := 0; start < len(blocks); start += insertBatchSize {
		end := min(start+insertBatchSize, len(blocks))
		batch := blocks[start:end]

		var q strings.Builder
		q.WriteString(`INSERT INTO blocks (land_id, ordinal, status, update_time) VALUES `)
		args := make([]any, 0, len(batch)*4)
		for i, b := range batch {
			if i > 0 {
				q.WriteString(", ")
			}
			q.WriteString("(?, ?, ?, ?)")
			args = append(args, b.LandID.String(), int(b.Ordinal), int(b.Status), b.UpdateTime.UnixNano())
		}
		if _, err := tx.ExecContext(ctx, q.String(), args...); err != nil {
			return fmt.Errorf("blockstore: insert blocks %d..%d of land %s: %w", start, end-1, land.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("blockstore: commit create land: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLand(ctx context.Context, id uuid.UUID) (types.Land, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, climate, size, creation_time FROM lands WHERE id = ?`, id.String())
	land, err := scanLand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Land{}, ErrLandNotFound
	}
	if err != nil {
		return types.Land{}, fmt.Errorf("blockstore: get land %s: %w", id, err)
	}
	return land, nil
}

func (s *SQLiteStore) ListLands(ctx context.Context, offset, limit int) ([]types.Land, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, climate, size, creation_time FROM lands ORDER BY name LIMIT ? OFFSET ?`,
		limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("blockstore: list lands: %w", err)
	}
	defer rows.Close()

	lands := []types.Land{}
	for rows.Next() {
		land, err := scanLand(rows)
		if err != nil {
			return nil, fmt.Errorf("blockstore: scan land: %w", err)
		}
		lands = append(lands, land)
	}
	return lands, rows.Err()
}

func (s *SQLiteStore) RenameLand(ctx context.Context, id uuid.UUID, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE lands SET name = ? WHERE id = ?`, name, id.String())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateLand
		}
		return fmt.Errorf("blockstore: rename land %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLandNotFound
	}
	return nil
}

func (s *SQLiteStore) PurgeLand(ctx context.Context, id uuid.UUID) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("blockstore: begin purge land: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM lands WHERE id = ?`, id.String())
	if err != nil {
		return 0, fmt.Errorf("blockstore: delete land %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrLandNotFound
	}

	res, err = tx.ExecContext(ctx, `DELETE FROM blocks WHERE land_id = ?`, id.String())
	if err != nil {
		return 0, fmt.Errorf("blockstore: delete blocks of land %s: %w", id, err)
	}
	deleted, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("blockstore: commit purge land: %w", err)
	}
	return int(deleted), nil
}

// ============================================================================
// BlockStore
// ============================================================================

func (s *SQLiteStore) Get(ctx context.Context, id types.BlockID) (types.Block, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE land_id = ? AND ordinal = ?`,
		id.LandID.String(), int(id.Ordinal))
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Block{}, ErrBlockNotFound
	}
	if err != nil {
		return types.Block{}, fmt.Errorf("blockstore: get block %s: %w", id, err)
	}
	return b, nil
}

// ConditionalUpdate 以單一 UPDATE 比對預期狀態（與指定的 update_time），
// 回傳受影響筆數
func (s *SQLiteStore) ConditionalUpdate(ctx context.Context, next types.Block, expect Expect) (int64, error) {
	if err := validateUpdate(next, expect); err != nil {
		return 0, err
	}

	var q strings.Builder
	q.WriteString(`UPDATE blocks SET status = ?, crop = ?, sow_time = ?, mature_time = ?, harvest_amount = ?, comment = ?,
		update_time = MAX(update_time, ?) WHERE land_id = ? AND ordinal = ? AND status IN (`)
	args := []any{
		int(next.Status), nullCrop(next.Crop), nullTime(next.SowTime), nullTime(next.MatureTime),
		nullInt16(next.HarvestAmount), nullString(next.Comment), next.UpdateTime.UnixNano(),
		next.LandID.String(), int(next.Ordinal),
	}
	for i, st := range expect.Statuses {
		if i > 0 {
			q.WriteString(", ")
		}
		q.WriteString("?")
		args = append(args, int(st))
	}
	q.WriteString(")")
	if expect.UpdateTime != nil {
		q.WriteString(" AND update_time = ?")
		args = append(args, expect.UpdateTime.UnixNano())
	}

	res, err := s.db.ExecContext(ctx, q.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("blockstore: conditional update %s: %w", next.ID(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("blockstore: rows affected %s: %w", next.ID(), err)
	}
	return n, nil
}

func (s *SQLiteStore) FindAvailable(ctx context.Context, landID uuid.UUID, afterOrdinal int16, limit int) ([]types.Block, error) {
	return s.findByStatus(ctx, landID, types.StatusAvailable, afterOrdinal, limit)
}

func (s *SQLiteStore) FindOccupied(ctx context.Context, landID uuid.UUID, afterOrdinal int16, limit int) ([]types.Block, error) {
	return s.findByStatus(ctx, landID, types.StatusOccupied, afterOrdinal, limit)
}

func (s *SQLiteStore) CountByStatus(ctx context.Context, landID uuid.UUID, status types.Status, limit int) (int, error) {
	if limit <= 0 {
		limit = -1
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (SELECT 1 FROM blocks WHERE land_id = ? AND status = ? LIMIT ?)`,
		landID.String(), int(status), limit).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("blockstore: count %s blocks of land %s: %w", status, landID, err)
	}
	return n, nil
}

func (s *SQLiteStore) FindMaturedBefore(ctx context.Context, t time.Time, page Page) (Slice, error) {
	blocks, err := s.scanPage(ctx, "mature_time",
		`status = ? AND mature_time <= ?`, []any{int(types.StatusOccupied), t.UnixNano()}, page)
	if err != nil {
		return Slice{}, fmt.Errorf("blockstore: find matured blocks: %w", err)
	}
	return sliceOf(blocks, page.Size, func(b types.Block) time.Time { return *b.MatureTime }), nil
}

func (s *SQLiteStore) FindScheduledUpdatedBefore(ctx context.Context, t time.Time, page Page) (Slice, error) {
	blocks, err := s.scanPage(ctx, "update_time",
		`status IN (?, ?, ?) AND update_time <= ?`,
		[]any{int(types.StatusScheduledSow), int(types.StatusScheduledHarvest), int(types.StatusScheduledClean), t.UnixNano()},
		page)
	if err != nil {
		return Slice{}, fmt.Errorf("blockstore: find stale scheduled blocks: %w", err)
	}
	return sliceOf(blocks, page.Size, func(b types.Block) time.Time { return b.UpdateTime }), nil
}

func (s *SQLiteStore) ListByLand(ctx context.Context, landID uuid.UUID) ([]types.Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE land_id = ? ORDER BY ordinal`, landID.String())
	if err != nil {
		return nil, fmt.Errorf("blockstore: list blocks of land %s: %w", landID, err)
	}
	return collectBlocks(rows)
}

// ============================================================================
// 內部輔助
// ============================================================================

func (s *SQLiteStore) findByStatus(ctx context.Context, landID uuid.UUID, status types.Status, afterOrdinal int16, limit int) ([]types.Block, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE land_id = ? AND status = ? AND ordinal > ? ORDER BY ordinal LIMIT ?`,
		landID.String(), int(status), int(afterOrdinal), limit)
	if err != nil {
		return nil, fmt.Errorf("blockstore: find %s blocks of land %s: %w", status, landID, err)
	}
	return collectBlocks(rows)
}

// scanPage 依 (timeCol, land_id, ordinal) 執行 keyset 分頁查詢
func (s *SQLiteStore) scanPage(ctx context.Context, timeCol, where string, args []any, page Page) ([]types.Block, error) {
	q := `SELECT ` + blockColumns + ` FROM blocks WHERE ` + where
	if c := page.After; c != nil {
		q += fmt.Sprintf(` AND (%[1]s > ? OR (%[1]s = ? AND (land_id > ? OR (land_id = ? AND ordinal > ?))))`, timeCol)
		ts, land := c.Time.UnixNano(), c.LandID.String()
		args = append(args, ts, ts, land, land, int(c.Ordinal))
	}
	q += fmt.Sprintf(` ORDER BY %s, land_id, ordinal`, timeCol)
	if page.Size > 0 {
		q += ` LIMIT ?`
		args = append(args, page.Size)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectBlocks(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLand(r rowScanner) (types.Land, error) {
	var (
		land    types.Land
		id      string
		climate int
		size    int
		created int64
	)
	if err := r.Scan(&id, &land.Name, &climate, &size, &created); err != nil {
		return land, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return land, fmt.Errorf("parse land id %q: %w", id, err)
	}
	land.ID = parsed
	land.Climate = types.Climate(climate)
	land.Size = int16(size)
	land.CreationTime = time.Unix(0, created)
	return land, nil
}

func scanBlock(r rowScanner) (types.Block, error) {
	var (
		b                   types.Block
		landID              string
		ordinal, status     int
		crop, amount        sql.NullInt64
		sowTime, matureTime sql.NullInt64
		comment             sql.NullString
		updateTime          int64
	)
	if err := r.Scan(&landID, &ordinal, &status, &crop, &sowTime, &matureTime, &amount, &comment, &updateTime); err != nil {
		return b, err
	}
	parsed, err := uuid.Parse(landID)
	if err != nil {
		return b, fmt.Errorf("parse land id %q: %w", landID, err)
	}

	b.LandID = parsed
	b.Ordinal = int16(ordinal)
	b.Status = types.Status(status)
	b.UpdateTime = time.Unix(0, updateTime)
	if crop.Valid {
		b.Crop = types.Crop(crop.Int64)
	}
	if sowTime.Valid {
		t := time.Unix(0, sowTime.Int64)
		b.SowTime = &t
	}
	if matureTime.Valid {
		t := time.Unix(0, matureTime.Int64)
		b.MatureTime = &t
	}
	if amount.Valid {
		n := int16(amount.Int64)
		b.HarvestAmount = &n
	}
	if comment.Valid {
		c := comment.String
		b.Comment = &c
	}
	return b, nil
}

func collectBlocks(rows *sql.Rows) ([]types.Block, error) {
	defer rows.Close()

	blocks := []types.Block{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("blockstore: scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func nullCrop(c types.Crop) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(c), Valid: c != types.CropNone}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullInt16(n *int16) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
