package activitylog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/ChuLiYu/block-farming/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS land_logs (
    land_id     TEXT NOT NULL,
    time        INTEGER NOT NULL,
    block_id    INTEGER NOT NULL,
    activity    INTEGER NOT NULL,
    used_time   INTEGER NOT NULL,
    payload     TEXT NOT NULL,
    PRIMARY KEY (land_id, time, block_id)
);
`

// SQLiteLog 以 (土地, 時間, 區塊) 為主鍵將活動紀錄存於 SQLite
type SQLiteLog struct {
	db *sql.DB
}

var _ Log = (*SQLiteLog)(nil)

// NewSQLiteLog 開啟（或建立）path 上的資料庫並建立資料表
func NewSQLiteLog(ctx context.Context, path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("activitylog: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("activitylog: init database: %w", err)
		}
	}
	return &SQLiteLog{db: db}, nil
}

func (s *SQLiteLog) Append(ctx context.Context, entry types.LandLog) error {
	if err := validate(entry); err != nil {
		return err
	}
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("activitylog: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO land_logs (land_id, time, block_id, activity, used_time, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.LandID.String(), entry.Time.UnixNano(), int(entry.BlockID), int(entry.Activity), entry.UsedSeconds, string(payload))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateLog
		}
		return fmt.Errorf("activitylog: insert (%d)%s: %w", entry.BlockID, entry.LandID, err)
	}
	return nil
}

func (s *SQLiteLog) List(ctx context.Context, landID uuid.UUID, q Query) ([]types.LandLog, error) {
	q = q.normalized()

	query := `SELECT time, block_id, activity, used_time, payload FROM land_logs WHERE land_id = ?`
	args := []any{landID.String()}
	if q.Start != nil {
		query += ` AND time >= ?`
		args = append(args, q.Start.UnixNano())
	}
	if q.End != nil {
		query += ` AND time <= ?`
		args = append(args, q.End.UnixNano())
	}
	query += ` ORDER BY time DESC, block_id ASC LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("activitylog: list land %s: %w", landID, err)
	}
	defer rows.Close()

	entries := []types.LandLog{}
	for rows.Next() {
		var (
			nanos    int64
			blockID  int
			activity int
			used     int
			payload  string
		)
		if err := rows.Scan(&nanos, &blockID, &activity, &used, &payload); err != nil {
			return nil, fmt.Errorf("activitylog: scan: %w", err)
		}
		e := types.LandLog{
			LandID:      landID,
			Time:        time.Unix(0, nanos),
			BlockID:     int16(blockID),
			Activity:    types.LogActivity(activity),
			UsedSeconds: used,
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("activitylog: decode payload of (%d)%s: %w", blockID, landID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteLog) Purge(ctx context.Context, landID uuid.UUID) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM land_logs WHERE land_id = ?`, landID.String())
	if err != nil {
		return 0, fmt.Errorf("activitylog: purge land %s: %w", landID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteLog) Close() error {
	return s.db.Close()
}
