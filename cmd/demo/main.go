package main

// ============================================================================
// 職責說明：
// 1. 崩潰恢復示範：start 模式播種後可用 Ctrl+C 中斷，recover 模式重啟並觀察恢復
// 2. 使用 sqlite 區塊儲存與 journal 日誌，兩次執行之間狀態持久化
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/block-farming/internal/config"
	"github.com/ChuLiYu/block-farming/internal/controller"
	"github.com/ChuLiYu/block-farming/internal/scheduler"
	"github.com/ChuLiYu/block-farming/pkg/types"
)

const (
	demoLand   = "demo-field"
	demoBlocks = 200
	demoSown   = 150
)

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover> [config.yaml]")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := demoConfig(os.Args[2:])
	if err != nil {
		fatal("Failed to load config", err)
	}
	if mode == "recover" {
		// 讓 stuck sweep 立刻接手中斷的工作
		cfg.Farming.StaleThreshold = time.Second
		cfg.Farming.StuckInterval = time.Second
		cfg.Farming.InitialDelay = 0
	}

	ctrl, err := controller.NewController(cfg, controller.Options{})
	if err != nil {
		fatal("Failed to create controller", err)
	}
	if err := ctrl.Start(); err != nil {
		fatal("Failed to start controller", err)
	}
	fmt.Printf("✓ Controller started (mode: %s)\n", mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx := context.Background()
	sched := ctrl.Scheduler()

	switch mode {
	case "start":
		counts := countStatuses(ctx, sched)
		if total(counts) > 0 {
			fmt.Printf("\n⚠️  Found blocks from a previous run (recovered from disk)\n")
			printCounts("Current Status", counts)
			fmt.Printf("\n💡 Run 'demo recover' to let the stuck sweep finish interrupted work\n")
			break
		}

		land, err := sched.CreateLand(ctx, demoLand, types.Mild, demoBlocks)
		if err != nil {
			fatal("Failed to create land", err)
		}
		sown, err := sched.Sow(ctx, land.ID, types.Tomato, demoSown, nil)
		if err != nil {
			fatal("Failed to sow", err)
		}
		fmt.Printf("✓ Reserved %d of %d blocks for sowing on %s\n", len(sown), demoBlocks, land.ID)
		fmt.Printf("💡 Press Ctrl+C NOW to interrupt sowing in progress!\n\n")

		for i := 0; i < 20; i++ {
			select {
			case <-sigChan:
				stop(ctrl)
				return
			case <-time.After(250 * time.Millisecond):
				c := countStatuses(ctx, sched)
				fmt.Printf("📊 ScheduledSow=%d Occupied=%d Available=%d\n",
					c[types.StatusScheduledSow], c[types.StatusOccupied], c[types.StatusAvailable])
			}
		}
		printCounts("Status Snapshot (after 5 seconds)", countStatuses(ctx, sched))

	case "recover":
		printCounts("Immediate Status After Recovery", countStatuses(ctx, sched))
		fmt.Printf("\n⏳ Waiting 5 seconds for the stuck sweep to republish interrupted work...\n")
		time.Sleep(5 * time.Second)
		printCounts("Status After Recovery Sweep", countStatuses(ctx, sched))
	}

	<-sigChan
	stop(ctrl)
}

// demoConfig 預設使用 data/demo 下的 sqlite 與 journal
func demoConfig(args []string) (config.Config, error) {
	if len(args) > 0 {
		return config.Load(args[0])
	}
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.SQLitePath = "data/demo/farming.db"
	cfg.ActivityLog.Driver = config.DriverJournal
	cfg.ActivityLog.JournalDir = "data/demo/journal"
	cfg.Metrics.Enabled = false
	return cfg, cfg.Validate()
}

func countStatuses(ctx context.Context, sched *scheduler.Scheduler) map[types.Status]int {
	counts := make(map[types.Status]int)
	lands, err := sched.ListLands(ctx, 0, scheduler.MaxLandPage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list lands: %v\n", err)
		return counts
	}
	for _, land := range lands {
		blocks, err := sched.ListBlocks(ctx, land.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list blocks: %v\n", err)
			continue
		}
		for _, b := range blocks {
			counts[b.Status]++
		}
	}
	return counts
}

func total(counts map[types.Status]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

func printCounts(title string, counts map[types.Status]int) {
	fmt.Printf("\n📊 %s:\n", title)
	for _, s := range []types.Status{
		types.StatusAvailable, types.StatusScheduledSow, types.StatusOccupied,
		types.StatusScheduledHarvest, types.StatusScheduledClean,
	} {
		fmt.Printf("  %-17s %d\n", s.String()+":", counts[s])
	}
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  %-17s %d\n", "Total:", total(counts))
}

func stop(ctrl *controller.Controller) {
	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	ctrl.Stop()
	fmt.Println("✓ Controller stopped")
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
