package cli

// ============================================================================
// 職責說明：
// 1. 土地管理與活動請求的遠端命令
// 2. 以 go-pretty 表格或 JSON 輸出結果
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/block-farming/internal/server"
	"github.com/ChuLiYu/block-farming/pkg/types"
)

// ============================================================================
// land
// ============================================================================

func (a *app) buildLandCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "land",
		Short: "Manage lands",
	}
	cmd.AddCommand(a.buildLandCreateCommand())
	cmd.AddCommand(a.buildLandListCommand())
	cmd.AddCommand(a.buildLandGetCommand())
	cmd.AddCommand(a.buildLandRenameCommand())
	cmd.AddCommand(a.buildLandPurgeCommand())
	return cmd
}

func (a *app) buildLandCreateCommand() *cobra.Command {
	var climate string
	var size int

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a land with all blocks available",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := types.ParseClimate(climate)
			if err != nil {
				return err
			}
			return a.withClient(cmd.Context(), func(ctx context.Context, client *server.Client) error {
				land, err := client.CreateLand(ctx, args[0], c, size)
				if err != nil {
					return err
				}
				return a.printLands([]types.Land{land})
			})
		},
	}
	cmd.Flags().StringVar(&climate, "climate", "", "climate: Tropical, Dry, Mild, Continental, Polar")
	cmd.Flags().IntVar(&size, "size", 0, "number of blocks")
	_ = cmd.MarkFlagRequired("climate")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func (a *app) buildLandListCommand() *cobra.Command {
	var offset, limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lands ordered by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd.Context(), func(ctx context.Context, client *server.Client) error {
				lands, err := client.ListLands(ctx, offset, limit)
				if err != nil {
					return err
				}
				return a.printLands(lands)
			})
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "number of lands to skip")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of lands")
	return cmd
}

func (a *app) buildLandGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <land-id>",
		Short: "Show a land",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLandID(args[0])
			if err != nil {
				return err
			}
			return a.withClient(cmd.Context(), func(ctx context.Context, client *server.Client) error {
				land, err := client.GetLand(ctx, id)
				if err != nil {
					return err
				}
				return a.printLands([]types.Land{land})
			})
		},
	}
}

func (a *app) buildLandRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <land-id> <name>",
		Short: "Rename a land",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLandID(args[0])
			if err != nil {
				return err
			}
			return a.withClient(cmd.Context(), func(ctx context.Context, client *server.Client) error {
				land, err := client.RenameLand(ctx, id, args[1])
				if err != nil {
					return err
				}
				return a.printLands([]types.Land{land})
			})
		},
	}
}

func (a *app) buildLandPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <land-id>",
		Short: "Delete a land with its blocks and logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLandID(args[0])
			if err != nil {
				return err
			}
			return a.withClient(cmd.Context(), func(ctx context.Context, client *server.Client) error {
				n, err := client.PurgeLand(ctx, id)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return writeJSON(a.out, server.PurgeLandResponse{DeletedBlocks: n})
				}
				fmt.Fprintf(a.out, "Deleted land %s with %d blocks\n", id, n)
				return nil
			})
		},
	}
}

// ============================================================================
// 活動請求
// ============================================================================

func (a *app) buildSowCommand() *cobra.Command {
	var cropName, comment string
	var count int

	cmd := &cobra.Command{
		Use:   "sow <land-id>",
		Short: "Schedule sowing on available blocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLandID(args[0])
			if err != nil {
				return err
			}
			c, err := types.ParseCrop(cropName)
			if err != nil {
				return err
			}
			note := optional(cmd, "comment", comment)
			return a.withClient(cmd.Context(), func(ctx context.Context, client *server.Client) error {
				blocks, err := client.Sow(ctx, id, c, count, note)
				if err != nil {
					return err
				}
				return a.printBlocks(blocks)
			})
		},
	}
	cmd.Flags().StringVar(&cropName, "crop", "", "crop to sow")
	cmd.Flags().IntVar(&count, "count", 1, "number of blocks requested")
	cmd.Flags().StringVar(&comment, "comment", "", "comment stored on each block")
	_ = cmd.MarkFlagRequired("crop")
	return cmd
}

func (a *app) buildCleanCommand() *cobra.Command {
	var comment string
	var count int

	cmd := &cobra.Command{
		Use:   "clean <land-id>",
		Short: "Schedule cleaning on occupied blocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLandID(args[0])
			if err != nil {
				return err
			}
			note := optional(cmd, "comment", comment)
			return a.withClient(cmd.Context(), func(ctx context.Context, client *server.Client) error {
				res, err := client.Clean(ctx, id, count, note)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return writeJSON(a.out, res)
				}
				if err := a.printBlocks(res.Scheduled); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Scheduled %d blocks for cleaning, %d requested blocks already available\n",
					len(res.Scheduled), res.Available)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of blocks requested")
	cmd.Flags().StringVar(&comment, "comment", "", "comment stored on each block")
	return cmd
}

// ============================================================================
// 查詢
// ============================================================================

func (a *app) buildBlocksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "blocks <land-id>",
		Short: "List the blocks of a land",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLandID(args[0])
			if err != nil {
				return err
			}
			return a.withClient(cmd.Context(), func(ctx context.Context, client *server.Client) error {
				blocks, err := client.ListBlocks(ctx, id)
				if err != nil {
					return err
				}
				return a.printBlocks(blocks)
			})
		},
	}
}

func (a *app) buildLogsCommand() *cobra.Command {
	var start, end string
	var offset, limit int

	cmd := &cobra.Command{
		Use:   "logs <land-id>",
		Short: "List the activity logs of a land, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLandID(args[0])
			if err != nil {
				return err
			}
			from, err := parseTime(start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			to, err := parseTime(end)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			return a.withClient(cmd.Context(), func(ctx context.Context, client *server.Client) error {
				logs, err := client.ListLogs(ctx, id, from, to, offset, limit)
				if err != nil {
					return err
				}
				return a.printLogs(logs)
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "earliest log time (RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "latest log time (RFC 3339)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of logs to skip")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of logs")
	return cmd
}

// ============================================================================
// 維運
// ============================================================================

func (a *app) buildSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "sweep <maturity|stuck>",
		Short:     "Run a reconciler sweep immediately",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"maturity", "stuck"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd.Context(), func(ctx context.Context, client *server.Client) error {
				n, err := client.RunSweep(ctx, args[0])
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return writeJSON(a.out, server.SweepResponse{Sweep: args[0], Processed: n})
				}
				fmt.Fprintf(a.out, "Sweep %s processed %d blocks\n", args[0], n)
				return nil
			})
		},
	}
}

func (a *app) buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Long:  "Display storage drivers, queue depth and reconciler settings of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd.Context(), func(ctx context.Context, client *server.Client) error {
				if err := client.Check(ctx); err != nil {
					return err
				}
				st, err := client.Status(ctx)
				if err != nil {
					return err
				}
				return a.printStatus(st)
			})
		},
	}
}

// ============================================================================
// 輸出
// ============================================================================

func (a *app) newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(a.out)
	tw.SetStyle(table.StyleLight)
	return tw
}

func (a *app) printLands(lands []types.Land) error {
	if a.jsonOutput() {
		return writeJSON(a.out, lands)
	}
	tw := a.newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Climate", "Size", "Created"})
	for _, l := range lands {
		tw.AppendRow(table.Row{l.ID, l.Name, l.Climate, l.Size, l.CreationTime.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

func (a *app) printBlocks(blocks []types.Block) error {
	if a.jsonOutput() {
		return writeJSON(a.out, blocks)
	}
	tw := a.newTable()
	tw.AppendHeader(table.Row{"#", "Status", "Crop", "Sown", "Mature", "Yield", "Comment", "Updated"})
	for _, b := range blocks {
		crop := ""
		if b.Crop != types.CropNone {
			crop = b.Crop.String()
		}
		tw.AppendRow(table.Row{
			b.Ordinal, b.Status, crop,
			timeCell(b.SowTime), timeCell(b.MatureTime),
			deref(b.HarvestAmount), deref(b.Comment),
			b.UpdateTime.Format(time.RFC3339),
		})
	}
	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d blocks", len(blocks))})
	tw.Render()
	return nil
}

func (a *app) printLogs(logs []types.LandLog) error {
	if a.jsonOutput() {
		return writeJSON(a.out, logs)
	}
	tw := a.newTable()
	tw.AppendHeader(table.Row{"Time", "Block", "Activity", "Seconds", "Crop", "Yield", "Comment"})
	for _, l := range logs {
		crop := ""
		if l.Payload.Crop != types.CropNone {
			crop = l.Payload.Crop.String()
		}
		tw.AppendRow(table.Row{
			l.Time.Format(time.RFC3339), l.BlockID, l.Activity, l.UsedSeconds,
			crop, deref(l.Payload.HarvestAmount), deref(l.Payload.Comment),
		})
	}
	tw.Render()
	return nil
}

func (a *app) printStatus(st server.StatusResponse) error {
	if a.jsonOutput() {
		return writeJSON(a.out, st)
	}
	tw := a.newTable()
	tw.SetTitle("Farming Server Status")
	tw.AppendRows([]table.Row{
		{"Uptime", st.Uptime},
		{"Block store", st.StoreDriver},
		{"Activity log", st.LogDriver},
		{"Queue partitions", st.Partitions},
		{"Stale threshold", st.StaleThreshold},
		{"Maturity sweep", st.MaturityInterval},
		{"Stuck sweep", st.StuckInterval},
	})
	for _, kind := range types.AllKinds {
		tw.AppendRow(table.Row{"Queue depth (" + kind.Topic() + ")", st.QueueDepth[kind.Topic()]})
	}
	tw.Render()
	return nil
}

// ============================================================================
// 輔助函數
// ============================================================================

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseLandID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid land id %q: %w", raw, err)
	}
	return id, nil
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// optional 旗標有指定時才回傳指標，讓空字串與未指定可以區分
func optional(cmd *cobra.Command, name, value string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &value
}

func timeCell(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func deref[T any](p *T) any {
	if p == nil {
		return ""
	}
	return *p
}
