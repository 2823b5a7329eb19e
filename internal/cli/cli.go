// ============================================================================
// block-farming CLI
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 以 Cobra 提供服務啟動與遠端操作命令
//
// 命令結構:
//   farming                         # 根命令
//   ├── serve                       # 啟動控制器、gRPC 與 HTTP API
//   ├── land create|list|get|rename|purge
//   ├── sow <land-id>               # 播種
//   ├── clean <land-id>             # 清理
//   ├── blocks <land-id>            # 列出區塊
//   ├── logs <land-id>              # 查詢日誌
//   ├── sweep maturity|stuck        # 立即執行 sweep
//   └── status                      # 系統狀態
//
// 全域旗標（可由 FARMING_* 環境變數覆寫，例如 FARMING_SERVER、FARMING_LOG_LEVEL）:
//   --config, -c    設定檔路徑（serve 使用，空字串表示使用預設值）
//   --server        遠端命令連線的 gRPC 位址
//   --log-level     覆寫設定檔中的 log.level
//   --json          以 JSON 輸出結果
//
// serve 流程:
//   1. 載入設定並安裝 slog handler
//   2. 建立並啟動 Controller（載入快照、啟動佇列與 sweep）
//   3. 啟動 gRPC 伺服器與 HTTP API（含 /metrics）
//   4. 監看設定檔，熱更新 sweep 間隔與 stale threshold
//   5. 收到 SIGINT / SIGTERM 後依序關閉 HTTP、gRPC、Controller（寫入最終快照）
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ChuLiYu/block-farming/internal/api"
	"github.com/ChuLiYu/block-farming/internal/config"
	"github.com/ChuLiYu/block-farming/internal/controller"
	"github.com/ChuLiYu/block-farming/internal/server"
)

const (
	defaultServer   = "localhost:50051"
	shutdownTimeout = 10 * time.Second
	requestTimeout  = 30 * time.Second
)

// app 命令共用的狀態；每個 BuildCLI 使用獨立的 viper 實例
type app struct {
	v   *viper.Viper
	out io.Writer
	err io.Writer
}

func newApp() *app {
	return &app{v: viper.New(), out: os.Stdout, err: os.Stderr}
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	return newApp().rootCommand()
}

func (a *app) rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "farming",
		Short: "Block farming: schedule sowing, harvesting and cleaning on land blocks",
		Long: `Block farming manages lands divided into blocks and drives each block through
sowing, growing, harvesting and cleaning with:
- conditional updates on every state change
- asynchronous workers fed by a partitioned queue
- maturity and stuck-activity sweeps for recovery`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.out = cmd.OutOrStdout()
			a.err = cmd.ErrOrStderr()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path (YAML)")
	flags.String("server", defaultServer, "gRPC address of a running farming server")
	flags.String("log-level", "", "log level override: debug, info, warn, error")
	flags.Bool("json", false, "output JSON")
	for _, name := range []string{"config", "server", "log-level", "json"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}
	a.v.SetEnvPrefix("FARMING")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	rootCmd.AddCommand(a.buildServeCommand())
	rootCmd.AddCommand(a.buildLandCommand())
	rootCmd.AddCommand(a.buildSowCommand())
	rootCmd.AddCommand(a.buildCleanCommand())
	rootCmd.AddCommand(a.buildBlocksCommand())
	rootCmd.AddCommand(a.buildLogsCommand())
	rootCmd.AddCommand(a.buildSweepCommand())
	rootCmd.AddCommand(a.buildStatusCommand())

	return rootCmd
}

// ============================================================================
// serve
// ============================================================================

func (a *app) buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the farming server",
		Long:  "Start the controller, the gRPC service and the HTTP API, and run until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.runServe(ctx)
		},
	}
}

// loadConfig 載入設定檔並套用 --log-level
func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.Load(a.v.GetString("config"))
	if err != nil {
		return config.Config{}, err
	}
	if lvl := a.v.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func (a *app) runServe(ctx context.Context) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(newLogger(cfg.Log, a.err))

	ctrl, err := controller.NewController(cfg, controller.Options{})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	errCh := make(chan error, 2)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
	}
	grpcSrv := server.NewServer(ctrl.Scheduler(), ctrl)
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	defer grpcSrv.Stop()

	if cfg.Server.HTTPAddr != "" {
		var metricsHandler http.Handler
		if m := ctrl.Metrics(); m != nil {
			metricsHandler = m.Handler()
		}
		httpSrv := &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           api.NewRouter(ctrl.Scheduler(), ctrl, metricsHandler),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("HTTP API listening", "addr", cfg.Server.HTTPAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("HTTP shutdown incomplete", "error", err)
			}
		}()
	}

	if path := a.v.GetString("config"); path != "" {
		w, err := config.NewWatcher(path, ctrl.ApplyConfig)
		if err != nil {
			slog.Warn("Config hot reload disabled", "path", path, "error", err)
		} else {
			w.Start(ctx)
			defer w.Stop()
		}
	}

	slog.Info("Farming server started",
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"store", cfg.Storage.Driver,
		"activity_log", cfg.ActivityLog.Driver)

	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal, stopping gracefully")
		return nil
	case err := <-errCh:
		return err
	}
}

// newLogger 依設定建立 text 或 JSON handler
func newLogger(lc config.LogConfig, w io.Writer) *slog.Logger {
	level, err := config.ParseLevel(lc.Level)
	if err != nil {
		level = "info"
	}
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(level))

	opts := &slog.HandlerOptions{Level: lvl}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ============================================================================
// 遠端呼叫
// ============================================================================

// withClient 連線至 --server 並以逾時 context 執行 fn
func (a *app) withClient(ctx context.Context, fn func(context.Context, *server.Client) error) error {
	addr := a.v.GetString("server")
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return fn(ctx, client)
}

func (a *app) jsonOutput() bool {
	return a.v.GetBool("json")
}
