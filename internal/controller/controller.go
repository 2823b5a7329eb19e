// ============================================================================
// block-farming 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 依設定組裝所有模組，執行週期性 sweep 與快照，管理啟動與關閉
//
// 架構設計:
//   這是整個系統的"大腦"，負責協調以下組件：
//   - BlockStore:  區塊狀態（memory + JSON 快照，或 SQLite）
//   - ActivityLog: 活動日誌（memory / SQLite / journal）
//   - WorkQueue:   分區工作佇列，三種活動各一個 topic
//   - Worker:      訂閱佇列，完成播種、收成、清理
//   - Scheduler:   處理外部的批次請求與土地管理
//   - Reconciler:  成熟 sweep 與逾時 sweep
//
// 核心循環:
//   1. Maturity Loop - 依 maturity_interval 執行成熟 sweep
//   2. Stuck Loop    - 依 stuck_interval 執行逾時 sweep
//   3. Snapshot Loop - memory 後端依 snapshot_interval 寫入快照
//   4. Monitor Loop  - 每秒更新佇列積壓指標
//   每一輪結束後重新讀取間隔，設定熱更新在下一輪生效。
//
// 崩潰恢復流程:
//   1. memory 後端從快照還原土地與區塊（SQLite 本身即持久化）
//   2. 崩潰前已排程但未完成的區塊維持 Scheduled*，由逾時 sweep 重新發布
//   3. 崩潰前已成熟但未排程收成的區塊由成熟 sweep 接手
//
// 並發安全:
//   - mu 保護生命週期旗標與可熱更新的間隔
//   - stopCh 通知循環結束，ctx 取消執行中的 sweep
//   - loopWg 確保所有循環在關閉資源前退出
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/block-farming/internal/activitylog"
	"github.com/ChuLiYu/block-farming/internal/blockstore"
	"github.com/ChuLiYu/block-farming/internal/config"
	"github.com/ChuLiYu/block-farming/internal/crop"
	"github.com/ChuLiYu/block-farming/internal/metrics"
	"github.com/ChuLiYu/block-farming/internal/queue"
	"github.com/ChuLiYu/block-farming/internal/reconciler"
	"github.com/ChuLiYu/block-farming/internal/scheduler"
	"github.com/ChuLiYu/block-farming/internal/worker"
	"github.com/ChuLiYu/block-farming/pkg/types"
)

const monitorInterval = time.Second

var (
	// ErrUnknownSweep 指定的 sweep 名稱不存在
	ErrUnknownSweep = errors.New("unknown sweep")
	// ErrNotRunning 控制器尚未啟動或已停止
	ErrNotRunning = errors.New("controller is not running")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Options 不屬於設定檔的注入項目
type Options struct {
	Registerer prometheus.Registerer // 指標 registry；nil 時使用預設
	Source     crop.Source           // 作物屬性來源；nil 時依 time_unit 建立隨機來源
	Now        func() time.Time
}

// Status 系統狀態
type Status struct {
	Uptime           time.Duration
	StoreDriver      string
	LogDriver        string
	Partitions       int
	QueueDepth       map[string]int // topic -> 積壓數
	StaleThreshold   time.Duration
	MaturityInterval time.Duration
	StuckInterval    time.Duration
}

// Controller 核心控制器
type Controller struct {
	cfg config.Config

	store      blockstore.Store
	memory     *blockstore.MemoryStore     // memory 後端時非 nil
	snapshots  *blockstore.SnapshotManager // memory 後端且設定快照路徑時非 nil
	logs       activitylog.Log
	queue      *queue.Queue
	worker     *worker.Worker
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler
	collector  *metrics.Collector // 停用指標時為 nil

	mu        sync.Mutex
	intervals config.Reloadable
	started   bool
	stopped   bool
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	loopWg sync.WaitGroup
}

// ============================================================================
// 建立與組裝
// ============================================================================

// NewController 依設定開啟儲存並組裝所有模組
func NewController(cfg config.Config, opts Options) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:       cfg,
		intervals: cfg.Reloadable(),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
	}

	if err := c.openStore(ctx); err != nil {
		cancel()
		return nil, err
	}
	if err := c.openLog(ctx); err != nil {
		c.store.Close()
		cancel()
		return nil, err
	}

	var recorder metrics.Recorder = metrics.Nop{}
	if cfg.Metrics.Enabled {
		c.collector = metrics.NewCollector(opts.Registerer)
		recorder = c.collector
	}

	source := opts.Source
	if source == nil {
		source = crop.NewRandomSource(cfg.Farming.TimeUnit)
	}

	c.queue = queue.New(queue.Options{
		Partitions:     cfg.Queue.Partitions,
		BufferSize:     cfg.Queue.BufferSize,
		PublishTimeout: cfg.Queue.PublishTimeout,
	})
	c.worker = worker.New(c.store, c.logs, source, worker.Options{Now: opts.Now, Metrics: recorder})
	if err := c.worker.Register(c.queue); err != nil {
		c.closeStorage()
		cancel()
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}
	c.scheduler = scheduler.New(c.store, c.logs, c.queue, scheduler.Options{
		PageSize: cfg.Farming.PageSize,
		Now:      opts.Now,
		Metrics:  recorder,
	})
	c.reconciler = reconciler.New(c.store, c.queue, reconciler.Options{
		PageSize:       cfg.Farming.PageSize,
		StaleThreshold: cfg.Farming.StaleThreshold,
		Now:            opts.Now,
		Metrics:        recorder,
	})

	return c, nil
}

func (c *Controller) openStore(ctx context.Context) error {
	sc := c.cfg.Storage
	switch sc.Driver {
	case config.DriverSQLite:
		if err := ensureParent(sc.SQLitePath); err != nil {
			return err
		}
		s, err := blockstore.NewSQLiteStore(ctx, sc.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open block store: %w", err)
		}
		c.store = s
	default:
		c.memory = blockstore.NewMemoryStore()
		c.store = c.memory
		if sc.SnapshotPath != "" {
			if err := ensureParent(sc.SnapshotPath); err != nil {
				return err
			}
			c.snapshots = blockstore.NewSnapshotManager(sc.SnapshotPath)
		}
	}
	return nil
}

func (c *Controller) openLog(ctx context.Context) error {
	lc := c.cfg.ActivityLog
	switch lc.Driver {
	case config.DriverSQLite:
		if err := ensureParent(lc.SQLitePath); err != nil {
			return err
		}
		l, err := activitylog.NewSQLiteLog(ctx, lc.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open activity log: %w", err)
		}
		c.logs = l
	case config.DriverJournal:
		j, err := activitylog.OpenJournal(lc.JournalDir, activitylog.JournalOptions{
			MaxSegmentBytes: lc.MaxSegmentBytes,
			SyncOnAppend:    lc.SyncOnAppend,
		})
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		c.logs = j
	default:
		c.logs = activitylog.NewMemoryLog()
	}
	return nil
}

func ensureParent(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return nil
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 還原狀態、啟動佇列與所有循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.New("controller already started")
	}
	c.startTime = time.Now()

	slog.Info("Starting recovery...")
	if err := c.loadSnapshot(); err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}
	slog.Info("Recovery completed", "duration", time.Since(c.startTime))

	if err := c.queue.Start(); err != nil {
		return fmt.Errorf("failed to start work queue: %w", err)
	}

	delay := c.cfg.Farming.InitialDelay
	c.loopWg.Add(2)
	go c.runLoop("maturity", delay, func() time.Duration { return c.reloadable().MaturityInterval }, c.maturitySweep)
	go c.runLoop("stuck", delay, func() time.Duration { return c.reloadable().StuckInterval }, c.stuckSweep)

	if c.snapshots != nil && c.cfg.Storage.SnapshotInterval > 0 {
		every := c.cfg.Storage.SnapshotInterval
		c.loopWg.Add(1)
		go c.runLoop("snapshot", every, func() time.Duration { return every }, func(context.Context) {
			if err := c.takeSnapshot(); err != nil {
				slog.Error("Failed to take snapshot", "error", err)
			}
		})
	}
	if c.collector != nil {
		c.loopWg.Add(1)
		go c.runLoop("monitor", 0, func() time.Duration { return monitorInterval }, func(context.Context) {
			for _, kind := range types.AllKinds {
				c.collector.SetQueueDepth(kind, c.queue.Depth(kind))
			}
		})
	}

	c.started = true
	slog.Info("Controller started",
		"store", c.cfg.Storage.Driver,
		"activity_log", c.cfg.ActivityLog.Driver,
		"partitions", c.queue.Partitions())
	return nil
}

// loadSnapshot 從快照還原 memory 後端
func (c *Controller) loadSnapshot() error {
	if c.snapshots == nil {
		return nil
	}
	start := time.Now()

	data, err := c.snapshots.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := c.memory.Restore(data); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}

	recoveryTime := time.Since(start)
	if c.collector != nil {
		c.collector.SetRecoveryTime(recoveryTime.Seconds())
	}
	if recoveryTime > 3*time.Second {
		slog.Warn("Recovery time exceeds 3s", "duration", recoveryTime)
	}
	slog.Info("Snapshot loaded", "duration", recoveryTime, "lands", len(data.Lands))
	return nil
}

// takeSnapshot 將 memory 後端寫入快照
func (c *Controller) takeSnapshot() error {
	if c.snapshots == nil {
		return nil
	}
	start := time.Now()
	data := c.memory.Snapshot()
	if err := c.snapshots.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	slog.Debug("Snapshot taken", "duration", time.Since(start), "lands", len(data.Lands))
	return nil
}

// runLoop 等待 delay 後執行 fn，之後每隔 interval() 執行一次
func (c *Controller) runLoop(name string, delay time.Duration, interval func() time.Duration, fn func(context.Context)) {
	defer c.loopWg.Done()
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-c.stopCh:
			slog.Debug("Loop stopped", "loop", name)
			return
		case <-timer.C:
			fn(c.ctx)
			timer.Reset(interval())
		}
	}
}

func (c *Controller) maturitySweep(ctx context.Context) {
	if _, err := c.reconciler.ProcessMaturedBlocks(ctx); err != nil && ctx.Err() == nil {
		slog.Error("Maturity sweep failed", "error", err)
	}
}

func (c *Controller) stuckSweep(ctx context.Context) {
	if _, err := c.reconciler.ProcessTooLongScheduledBlocks(ctx); err != nil && ctx.Err() == nil {
		slog.Error("Stuck sweep reported errors", "error", err)
	}
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh) + cancel() → 循環結束，執行中的 sweep 被取消
//  2. loopWg.Wait()            → 確保沒有 sweep 再發布
//  3. queue.Stop()             → 執行中的 handler 被取消，區塊維持 Scheduled*
//  4. 最後一次快照，關閉日誌與儲存
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		slog.Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	slog.Info("Stopping controller...")

	close(c.stopCh)
	c.cancel()
	c.loopWg.Wait()
	c.queue.Stop()

	// 未啟動時記憶體是空的，不能覆蓋既有快照
	if started {
		if err := c.takeSnapshot(); err != nil {
			slog.Error("Failed to take final snapshot", "error", err)
		}
	}
	c.closeStorage()

	slog.Info("Controller stopped")
}

func (c *Controller) closeStorage() {
	if err := c.logs.Close(); err != nil {
		slog.Error("Failed to close activity log", "error", err)
	}
	if err := c.store.Close(); err != nil {
		slog.Error("Failed to close block store", "error", err)
	}
}

// ============================================================================
// 公開方法
// ============================================================================

// ApplyConfig 套用可熱更新的欄位，其餘欄位需重啟才生效
func (c *Controller) ApplyConfig(cfg config.Config) {
	next := cfg.Reloadable()

	c.mu.Lock()
	prev := c.intervals
	c.intervals = next
	c.mu.Unlock()

	c.reconciler.SetStaleThreshold(next.StaleThreshold)
	if next != prev {
		slog.Info("Sweep settings updated",
			"maturity_interval", next.MaturityInterval,
			"stuck_interval", next.StuckInterval,
			"stale_threshold", next.StaleThreshold)
	}
}

func (c *Controller) reloadable() config.Reloadable {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intervals
}

// RunSweep 立即執行一次指定的 sweep，回傳處理數量
func (c *Controller) RunSweep(ctx context.Context, name string) (int, error) {
	if !c.Running() {
		return 0, ErrNotRunning
	}
	switch name {
	case metrics.SweepMaturity:
		return c.reconciler.ProcessMaturedBlocks(ctx)
	case metrics.SweepStuck:
		return c.reconciler.ProcessTooLongScheduledBlocks(ctx)
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSweep, name)
}

// Running 已啟動且尚未停止
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() Status {
	iv := c.reloadable()

	c.mu.Lock()
	var uptime time.Duration
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	depth := make(map[string]int, len(types.AllKinds))
	for _, kind := range types.AllKinds {
		depth[kind.Topic()] = c.queue.Depth(kind)
	}
	return Status{
		Uptime:           uptime,
		StoreDriver:      c.cfg.Storage.Driver,
		LogDriver:        c.cfg.ActivityLog.Driver,
		Partitions:       c.queue.Partitions(),
		QueueDepth:       depth,
		StaleThreshold:   c.reconciler.StaleThreshold(),
		MaturityInterval: iv.MaturityInterval,
		StuckInterval:    iv.StuckInterval,
	}
}

// Scheduler 外部請求的進入點
func (c *Controller) Scheduler() *scheduler.Scheduler {
	return c.scheduler
}

// Metrics 指標收集器；停用時為 nil
func (c *Controller) Metrics() *metrics.Collector {
	return c.collector
}
