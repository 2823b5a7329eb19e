package activitylog

// ============================================================================
// Journal 活動日誌
// 職責：
// 1. 每筆 append / purge 以一行 JSON 追加到 active 檔（append-only）
// 2. 每行帶遞增序號與 CRC32 校驗和，重放時驗證
// 3. active 檔超過大小上限時旋轉，舊檔以 zstd 壓縮成 segment
// 4. 開啟時重放所有 segment 與 active 檔，重建查詢索引
// ============================================================================

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/ChuLiYu/block-farming/pkg/types"
)

const (
	activeName    = "active.jsonl"
	segmentPrefix = "segment-"
	segmentSuffix = ".jsonl.zst"

	// DefaultMaxSegmentBytes active 檔預設大小上限
	DefaultMaxSegmentBytes = 4 << 20

	maxLineBytes = 1 << 20
)

// RecordType 紀錄種類
type RecordType string

const (
	RecordAppend RecordType = "APPEND" // 新增一筆活動紀錄
	RecordPurge  RecordType = "PURGE"  // 清除整塊土地的紀錄（tombstone）
)

// Record journal 中的一行
type Record struct {
	Seq       uint64         `json:"seq"`
	Type      RecordType     `json:"type"`
	LandID    uuid.UUID      `json:"land_id"`
	Entry     *types.LandLog `json:"entry,omitempty"`
	Timestamp int64          `json:"timestamp"` // Unix 毫秒
	Checksum  uint32         `json:"checksum"`
}

// RecordHandler 重放時逐筆處理紀錄
type RecordHandler func(r Record) error

// JournalOptions journal 設定
type JournalOptions struct {
	MaxSegmentBytes int64 // active 檔旋轉門檻；<= 0 使用預設值
	SyncOnAppend    bool  // 每筆寫入後 fsync
}

// Journal 以檔案保存的活動日誌
type Journal struct {
	mu     sync.Mutex
	dir    string
	opts   JournalOptions
	file   *os.File
	w      *bufio.Writer
	size   int64
	seq    uint64
	index  *MemoryLog
	closed bool
}

var _ Log = (*Journal)(nil)

// OpenJournal 開啟（或建立）dir 下的 journal，並重放既有紀錄
func OpenJournal(dir string, opts JournalOptions) (*Journal, error) {
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}

	j := &Journal{dir: dir, opts: opts, index: NewMemoryLog()}
	err := j.replay(func(r Record) error {
		j.seq = r.Seq
		return j.apply(r)
	})
	if err != nil {
		return nil, err
	}
	if err := j.openActive(); err != nil {
		return nil, err
	}

	slog.Debug("journal opened", "dir", dir, "last_seq", j.seq)
	return j, nil
}

func (j *Journal) Append(ctx context.Context, entry types.LandLog) error {
	if err := validate(entry); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	if j.index.has(entry) {
		return ErrDuplicateLog
	}
	e := entry
	if err := j.writeLocked(Record{Type: RecordAppend, LandID: entry.LandID, Entry: &e}); err != nil {
		return err
	}
	return j.index.Append(ctx, entry)
}

func (j *Journal) List(ctx context.Context, landID uuid.UUID, q Query) ([]types.LandLog, error) {
	return j.index.List(ctx, landID, q)
}

func (j *Journal) Purge(ctx context.Context, landID uuid.UUID) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrJournalClosed
	}
	if err := j.writeLocked(Record{Type: RecordPurge, LandID: landID}); err != nil {
		return 0, err
	}
	return j.index.Purge(ctx, landID)
}

// Replay 依序號重放磁碟上的所有紀錄並驗證校驗和
func (j *Journal) Replay(handler RecordHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.w != nil {
		if err := j.w.Flush(); err != nil {
			return err
		}
	}
	return j.replay(handler)
}

// Rotate 壓縮目前的 active 檔並開始新檔
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	return j.rotateLocked()
}

// LastSeq 最後一筆紀錄的序號
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Segments 依序列出已壓縮的 segment 檔
func (j *Journal) Segments() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(j.dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.closeActiveLocked()
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (j *Journal) apply(r Record) error {
	switch r.Type {
	case RecordAppend:
		if r.Entry == nil {
			return fmt.Errorf("%w: append record %d without entry", ErrCorruptedJournal, r.Seq)
		}
		err := j.index.Append(context.Background(), *r.Entry)
		if errors.Is(err, ErrDuplicateLog) {
			return nil
		}
		return err
	case RecordPurge:
		_, err := j.index.Purge(context.Background(), r.LandID)
		return err
	}
	return fmt.Errorf("%w: unknown record type %q at seq %d", ErrCorruptedJournal, r.Type, r.Seq)
}

func (j *Journal) writeLocked(r Record) error {
	r.Seq = j.seq + 1
	r.Timestamp = time.Now().UnixMilli()
	sum, err := CalculateChecksum(r)
	if err != nil {
		return fmt.Errorf("journal: checksum seq=%d: %w", r.Seq, err)
	}
	r.Checksum = sum

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("journal: marshal seq=%d: %w", r.Seq, err)
	}
	line = append(line, '\n')
	if _, err := j.w.Write(line); err != nil {
		return fmt.Errorf("journal: write seq=%d: %w", r.Seq, err)
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("journal: flush seq=%d: %w", r.Seq, err)
	}
	if j.opts.SyncOnAppend {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal: sync seq=%d: %w", r.Seq, err)
		}
	}
	j.seq = r.Seq
	j.size += int64(len(line))

	if j.size >= j.opts.MaxSegmentBytes {
		if err := j.rotateLocked(); err != nil {
			slog.Error("journal rotation failed", "dir", j.dir, "error", err)
		}
	}
	return nil
}

func (j *Journal) activePath() string {
	return filepath.Join(j.dir, activeName)
}

func (j *Journal) openActive() error {
	f, err := os.OpenFile(j.activePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open active: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("journal: stat active: %w", err)
	}
	j.file = f
	j.w = bufio.NewWriter(f)
	j.size = st.Size()
	return nil
}

func (j *Journal) closeActiveLocked() error {
	if j.file == nil {
		return nil
	}
	flushErr := j.w.Flush()
	closeErr := j.file.Close()
	j.file, j.w = nil, nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// rotateLocked 將 active 檔壓縮為 segment-<最後序號>.jsonl.zst
func (j *Journal) rotateLocked() error {
	if err := j.closeActiveLocked(); err != nil {
		return err
	}
	if j.size > 0 {
		segment := filepath.Join(j.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, j.seq, segmentSuffix))
		if err := compressFile(j.activePath(), segment); err != nil {
			// 壓縮失敗時保留 active 檔繼續寫入
			if openErr := j.openActive(); openErr != nil {
				return openErr
			}
			return err
		}
		if err := os.Remove(j.activePath()); err != nil {
			return fmt.Errorf("journal: remove rotated active: %w", err)
		}
		slog.Info("journal segment rotated", "segment", filepath.Base(segment), "bytes", j.size)
	}
	return j.openActive()
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("journal: open for compression: %w", err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("journal: create segment: %w", err)
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("journal: zstd writer: %w", err)
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("journal: compress segment: %w", err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("journal: finish segment: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("journal: sync segment: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// replay 先讀 segment 再讀 active；序號不大於已處理者的紀錄略過
func (j *Journal) replay(handler RecordHandler) error {
	segments, err := j.Segments()
	if err != nil {
		return fmt.Errorf("journal: list segments: %w", err)
	}

	var last uint64
	emit := func(r Record) error {
		if r.Seq <= last {
			return nil
		}
		last = r.Seq
		return handler(r)
	}

	for _, seg := range segments {
		if err := replaySegment(seg, emit); err != nil {
			return err
		}
	}

	f, err := os.Open(j.activePath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("journal: open active for replay: %w", err)
	}
	defer f.Close()
	return replayLines(filepath.Base(j.activePath()), f, emit)
}

func replaySegment(path string, handler RecordHandler) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open segment: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("journal: zstd reader %s: %w", filepath.Base(path), err)
	}
	defer dec.Close()
	return replayLines(filepath.Base(path), dec, handler)
}

func replayLines(name string, r io.Reader, handler RecordHandler) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return &CorruptionError{Segment: name, Line: line, Cause: err}
		}
		if expected, ok := VerifyChecksum(rec); !ok {
			return &ChecksumError{Segment: name, Seq: rec.Seq, Expected: expected, Actual: rec.Checksum}
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return &CorruptionError{Segment: name, Line: line + 1, Cause: err}
	}
	return nil
}
