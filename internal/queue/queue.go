// ============================================================================
// block-farming WorkQueue - 分區有序的工作佇列
// ============================================================================
//
// Package: internal/queue
// 文件: queue.go
// 功能: 依活動種類（sowing / harvesting / cleaning）分 topic，每個 topic
//       依區塊識別碼雜湊分成固定數量的分區；每個分區由一個 consumer
//       goroutine 收取項目，再交給該區塊的 lane 執行。
//
// 架構組件:
//   ┌────────────┐  Publish(item)   ┌──────── topic: sowing ────────┐
//   │ Scheduler  │ ───────────────→ │ partition 0 ──→ consumer 0    │
//   │ Reconciler │   hash(key) % N  │ partition 1 ──→ consumer 1    │
//   └────────────┘                  │ ...                           │
//                                   └───────────────────────────────┘
//                                         │ lane(block key)
//                                         ↓
//                                   handler(ctx, item) ──→ resultCh
//
// 順序保證:
//   - 同一區塊的項目永遠進入同一分區與同一個 lane，依發布順序逐一處理
//   - 不同區塊各自有 lane，handler 等待期間不會擋住其他區塊
//   - 不同區塊之間不保證順序
//
// 生命週期:
//   1. New(opts)                  - 建立 topic 與分區 channel
//   2. Subscribe(kind, handler)   - 為每種活動註冊 handler（Start 前）
//   3. Start()                    - 每個分區啟動一個 consumer；lane 隨項目建立、清空即結束
//   4. Publish(ctx, item)         - 發布，逾時回傳 ErrPublishTimeout
//   5. Stop()                     - 關閉 stopCh、取消 handler context、等待 consumer 結束
//
// 關閉時不關閉分區 channel：consumer 以 stopCh 結束，Publish 以 stopCh
// 判斷已關閉，因此不會發生 send on closed channel。尚未處理的項目會被
// 丟棄，由逾時排程 sweep 重新發布。
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/block-farming/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrQueueClosed 佇列已停止，無法發布
	ErrQueueClosed = errors.New("work queue is closed")
	// ErrPublishTimeout 分區已滿，發布逾時
	ErrPublishTimeout = errors.New("work queue publish timed out")
	// ErrNoSubscriber 該活動種類沒有註冊 handler
	ErrNoSubscriber = errors.New("no subscriber for activity kind")
	// ErrAlreadyStarted 佇列已啟動
	ErrAlreadyStarted = errors.New("work queue already started")
)

// 預設值
const (
	DefaultPartitions     = 32
	DefaultBufferSize     = 256
	DefaultPublishTimeout = 5 * time.Second
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Handler 處理單一工作項目；回傳的錯誤只會被記錄，不會重新投遞
type Handler func(ctx context.Context, item types.WorkItem) error

// Publisher 發布端介面，Scheduler 與 Reconciler 只依賴此介面
type Publisher interface {
	Publish(ctx context.Context, item types.WorkItem) error
}

// Options 佇列設定
type Options struct {
	Partitions     int           // 每個 topic 的分區數
	BufferSize     int           // 每個分區 channel 的緩衝大小
	PublishTimeout time.Duration // 分區 channel 已滿時的最長等待時間
	ResultBuffer   int           // 結果通道大小；0 表示不回報結果
}

// Result 單一項目的處理結果
type Result struct {
	Item      types.WorkItem
	Partition int
	Err       error
	Duration  time.Duration
}

type topic struct {
	kind       types.ActivityKind
	partitions []chan types.WorkItem
	handler    Handler
	pending    atomic.Int64 // 已發布、handler 尚未開始的項目數
}

// lanes 一個分區內各區塊待處理的項目；key 存在表示該區塊的 lane 正在執行
type lanes struct {
	mu    sync.Mutex
	items map[string][]types.WorkItem
}

// push 加入項目；該區塊沒有執行中的 lane 時回傳 true，由呼叫端啟動
func (l *lanes) push(item types.WorkItem) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := item.Key()
	queued, running := l.items[key]
	l.items[key] = append(queued, item)
	return !running
}

// next 取出區塊的下一個項目；已清空時移除 lane 並回傳 false
func (l *lanes) next(key string) (types.WorkItem, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	queued := l.items[key]
	if len(queued) == 0 {
		delete(l.items, key)
		return types.WorkItem{}, false
	}
	l.items[key] = queued[1:]
	return queued[0], true
}

// Queue 記憶體內的分區工作佇列
type Queue struct {
	opts   Options
	topics map[types.ActivityKind]*topic

	resultCh chan Result
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

var _ Publisher = (*Queue)(nil)

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立佇列，未設定的選項使用預設值
func New(opts Options) *Queue {
	if opts.Partitions <= 0 {
		opts.Partitions = DefaultPartitions
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		opts:   opts,
		topics: make(map[types.ActivityKind]*topic, len(types.AllKinds)),
		stopCh: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.ResultBuffer > 0 {
		q.resultCh = make(chan Result, opts.ResultBuffer)
	}
	for _, kind := range types.AllKinds {
		t := &topic{kind: kind, partitions: make([]chan types.WorkItem, opts.Partitions)}
		for i := range t.partitions {
			t.partitions[i] = make(chan types.WorkItem, opts.BufferSize)
		}
		q.topics[kind] = t
	}
	return q
}

// Subscribe 為活動種類註冊 handler，必須在 Start 前呼叫
func (q *Queue) Subscribe(kind types.ActivityKind, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return ErrAlreadyStarted
	}
	t, ok := q.topics[kind]
	if !ok {
		return fmt.Errorf("unknown activity kind %d", int(kind))
	}
	t.handler = h
	return nil
}

// Start 為每個已訂閱 topic 的每個分區啟動一個 consumer
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return ErrAlreadyStarted
	}
	for _, kind := range types.AllKinds {
		t := q.topics[kind]
		if t.handler == nil {
			return fmt.Errorf("%w: %s", ErrNoSubscriber, kind.Topic())
		}
		for i, ch := range t.partitions {
			q.wg.Add(1)
			go func(t *topic, partition int, ch <-chan types.WorkItem) {
				defer q.wg.Done()
				q.consume(t, partition, ch)
			}(t, i, ch)
		}
	}
	q.started = true
	slog.Info("work queue started", "partitions", q.opts.Partitions, "topics", len(q.topics))
	return nil
}

// Publish 依區塊識別碼選擇分區並發布
//
// 分區已滿時最多等待 PublishTimeout；佇列停止後回傳 ErrQueueClosed。
func (q *Queue) Publish(ctx context.Context, item types.WorkItem) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	t, ok := q.topics[item.Kind]
	if !ok {
		return fmt.Errorf("unknown activity kind %d", int(item.Kind))
	}
	ch := t.partitions[q.partitionOf(item.Key())]

	timer := time.NewTimer(q.opts.PublishTimeout)
	defer timer.Stop()

	var err error
	t.pending.Add(1)
	select {
	case ch <- item:
		return nil
	case <-q.stopCh:
		err = ErrQueueClosed
	case <-timer.C:
		err = fmt.Errorf("%w: %s %s", ErrPublishTimeout, item.Kind.Topic(), item.Key())
	case <-ctx.Done():
		err = ctx.Err()
	}
	t.pending.Add(-1)
	return err
}

// Results 處理結果通道；ResultBuffer 為 0 時回傳 nil
func (q *Queue) Results() <-chan Result {
	return q.resultCh
}

// Depth 該活動種類已發布但 handler 尚未開始的項目數
func (q *Queue) Depth(kind types.ActivityKind) int {
	t, ok := q.topics[kind]
	if !ok {
		return 0
	}
	return int(t.pending.Load())
}

// Partitions 每個 topic 的分區數
func (q *Queue) Partitions() int {
	return q.opts.Partitions
}

// IsStarted 檢查佇列是否已啟動
func (q *Queue) IsStarted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.started
}

// Stop 停止所有 consumer 與 lane；執行中的 handler 會收到 context 取消
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.stopCh)
	q.cancel()
	q.wg.Wait()

	dropped := 0
	for _, kind := range types.AllKinds {
		dropped += q.Depth(kind)
	}
	if dropped > 0 {
		slog.Warn("work queue stopped with pending items", "count", dropped)
	}
	if q.resultCh != nil {
		close(q.resultCh)
	}
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (q *Queue) partitionOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(q.opts.Partitions))
}

// consume 分區主循環：把項目交給區塊的 lane，不等待 handler
func (q *Queue) consume(t *topic, partition int, ch <-chan types.WorkItem) {
	l := &lanes{items: make(map[string][]types.WorkItem)}
	for {
		select {
		case <-q.stopCh:
			return
		case item := <-ch:
			if !l.push(item) {
				continue
			}
			q.wg.Add(1)
			go func(key string) {
				defer q.wg.Done()
				q.drain(t, partition, l, key)
			}(item.Key())
		}
	}
}

// drain 依發布順序執行一個區塊的項目，直到清空或佇列停止
func (q *Queue) drain(t *topic, partition int, l *lanes, key string) {
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}
		item, ok := l.next(key)
		if !ok {
			return
		}
		t.pending.Add(-1)

		start := time.Now()
		err := q.invoke(t, item)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("work item handler failed",
				"topic", t.kind.Topic(), "partition", partition, "block", item.Key(), "error", err)
		}
		q.report(Result{Item: item, Partition: partition, Err: err, Duration: time.Since(start)})
	}
}

// invoke 呼叫 handler 並攔截 panic，單一項目失敗不影響 lane
func (q *Queue) invoke(t *topic, item types.WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return t.handler(q.ctx, item)
}

func (q *Queue) report(r Result) {
	if q.resultCh == nil {
		return
	}
	select {
	case q.resultCh <- r:
	default:
		// 結果通道已滿時丟棄，不阻塞 consumer
	}
}
