// ============================================================================
// block-farming 設定
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: YAML 設定檔的結構、預設值與驗證
//
// 設定項目:
//   - server:       gRPC 與 HTTP 監聽位址
//   - storage:      區塊儲存後端（memory / sqlite）與快照
//   - activity_log: 日誌後端（memory / sqlite / journal）
//   - queue:        分區數、緩衝、發布逾時
//   - farming:      時間單位、分頁大小、兩個 sweep 的間隔與逾時門檻
//   - metrics:      Prometheus 開關
//   - log:          slog 等級與格式
//
// 時間欄位使用 Go duration 字串，例如 "5s"、"1m"。
// 檔案中未出現的欄位保留預設值。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 完整系統設定
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	ActivityLog ActivityLogConfig `yaml:"activity_log"`
	Queue       QueueConfig       `yaml:"queue"`
	Farming     FarmingConfig     `yaml:"farming"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"` // 空字串表示不啟動 HTTP API
}

type StorageConfig struct {
	Driver           string        `yaml:"driver"` // memory | sqlite
	SQLitePath       string        `yaml:"sqlite_path"`
	SnapshotPath     string        `yaml:"snapshot_path"` // 僅 memory 使用；空字串表示不保存
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type ActivityLogConfig struct {
	Driver          string `yaml:"driver"` // memory | sqlite | journal
	SQLitePath      string `yaml:"sqlite_path"`
	JournalDir      string `yaml:"journal_dir"`
	MaxSegmentBytes int64  `yaml:"max_segment_bytes"`
	SyncOnAppend    bool   `yaml:"sync_on_append"`
}

type QueueConfig struct {
	Partitions     int           `yaml:"partitions"`
	BufferSize     int           `yaml:"buffer_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type FarmingConfig struct {
	TimeUnit         time.Duration `yaml:"time_unit"` // 作物屬性表中一個單位的長度
	PageSize         int           `yaml:"page_size"`
	MaturityInterval time.Duration `yaml:"maturity_interval"`
	StuckInterval    time.Duration `yaml:"stuck_interval"`
	StaleThreshold   time.Duration `yaml:"stale_threshold"`
	InitialDelay     time.Duration `yaml:"initial_delay"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// 支援的後端
const (
	DriverMemory  = "memory"
	DriverSQLite  = "sqlite"
	DriverJournal = "journal"
)

// Default 預設設定
func Default() Config {
	return Config{
		Server: ServerConfig{
			GRPCAddr: ":50051",
			HTTPAddr: ":8080",
		},
		Storage: StorageConfig{
			Driver:           DriverMemory,
			SQLitePath:       "data/farming.db",
			SnapshotPath:     "data/blocks.json",
			SnapshotInterval: 30 * time.Second,
		},
		ActivityLog: ActivityLogConfig{
			Driver:          DriverJournal,
			SQLitePath:      "data/farming.db",
			JournalDir:      "data/journal",
			MaxSegmentBytes: 4 << 20,
		},
		Queue: QueueConfig{
			Partitions:     32,
			BufferSize:     256,
			PublishTimeout: 5 * time.Second,
		},
		Farming: FarmingConfig{
			TimeUnit:         time.Second,
			PageSize:         32,
			MaturityInterval: 5 * time.Second,
			StuckInterval:    30 * time.Second,
			StaleThreshold:   time.Minute,
			InitialDelay:     5 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load 讀取設定檔並套用在預設值上；path 為空時回傳預設值
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 檢查所有欄位，回傳合併後的錯誤
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.GRPCAddr != "", "server.grpc_addr is required")

	check(c.Storage.Driver == DriverMemory || c.Storage.Driver == DriverSQLite,
		"storage.driver must be memory or sqlite, got %q", c.Storage.Driver)
	check(c.Storage.Driver != DriverSQLite || c.Storage.SQLitePath != "",
		"storage.sqlite_path is required for the sqlite driver")
	check(c.Storage.SnapshotInterval >= 0, "storage.snapshot_interval must not be negative")

	switch c.ActivityLog.Driver {
	case DriverMemory:
	case DriverSQLite:
		check(c.ActivityLog.SQLitePath != "", "activity_log.sqlite_path is required for the sqlite driver")
	case DriverJournal:
		check(c.ActivityLog.JournalDir != "", "activity_log.journal_dir is required for the journal driver")
	default:
		check(false, "activity_log.driver must be memory, sqlite or journal, got %q", c.ActivityLog.Driver)
	}
	check(c.ActivityLog.MaxSegmentBytes >= 0, "activity_log.max_segment_bytes must not be negative")

	check(c.Queue.Partitions > 0, "queue.partitions must be positive")
	check(c.Queue.BufferSize > 0, "queue.buffer_size must be positive")
	check(c.Queue.PublishTimeout > 0, "queue.publish_timeout must be positive")

	check(c.Farming.TimeUnit > 0, "farming.time_unit must be positive")
	check(c.Farming.PageSize > 0, "farming.page_size must be positive")
	check(c.Farming.MaturityInterval > 0, "farming.maturity_interval must be positive")
	check(c.Farming.StuckInterval > 0, "farming.stuck_interval must be positive")
	check(c.Farming.StaleThreshold > 0, "farming.stale_threshold must be positive")
	check(c.Farming.InitialDelay >= 0, "farming.initial_delay must not be negative")

	_, err := ParseLevel(c.Log.Level)
	check(err == nil, "log.level: %v", err)
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json, got %q", c.Log.Format)

	return errors.Join(errs...)
}

// Reloadable 不需重啟即可生效的欄位
type Reloadable struct {
	MaturityInterval time.Duration
	StuckInterval    time.Duration
	StaleThreshold   time.Duration
}

// Reloadable 取出可熱更新的欄位
func (c Config) Reloadable() Reloadable {
	return Reloadable{
		MaturityInterval: c.Farming.MaturityInterval,
		StuckInterval:    c.Farming.StuckInterval,
		StaleThreshold:   c.Farming.StaleThreshold,
	}
}

// ParseLevel 將等級名稱轉換為 slog 等級字串的標準形式
func ParseLevel(level string) (string, error) {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case "debug", "info", "warn", "error":
		return l, nil
	case "warning":
		return "warn", nil
	}
	return "", fmt.Errorf("unknown log level %q", level)
}
