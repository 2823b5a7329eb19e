package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 100 * time.Millisecond

// Watcher 監看設定檔，內容變更且驗證通過後呼叫 onChange
//
// 監看的是檔案所在目錄而非檔案本身，編輯器以 rename 方式存檔時才不會遺失事件。
// 解析或驗證失敗只記錄警告，沿用舊設定。
type Watcher struct {
	path     string
	onChange func(Config)
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher 建立 Watcher；尚未開始監看
func NewWatcher(path string, onChange func(Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		onChange: onChange,
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Start 在背景監看直到 ctx 結束或呼叫 Stop
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop 關閉底層 watcher 並等待背景 goroutine 結束
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.watcher.Close()
	})
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	// 最後一次事件時間；為零表示沒有待處理的變更
	var pending time.Time

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)

		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < debounceInterval {
				continue
			}
			pending = time.Time{}
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("Config reload rejected, keeping previous values", "path", w.path, "error", err)
		return
	}
	slog.Info("Config reloaded", "path", w.path)
	w.onChange(cfg)
}
