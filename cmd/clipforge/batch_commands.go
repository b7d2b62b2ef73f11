package main

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

type startResponse struct {
	Success     bool   `json:"success"`
	PendingJobs int    `json:"pending_jobs"`
	FirstTask   string `json:"first_task"`
}

type stopResponse struct {
	Success        bool `json:"success"`
	CancelledTasks int  `json:"cancelled_tasks"`
}

type statusResponse struct {
	BatchActive bool    `json:"batch_active"`
	StartedAt   *string `json:"started_at"`
	Counters    struct {
		Pending          int            `json:"pending"`
		TotalInBatch     int            `json:"total_in_batch"`
		ProcessedInBatch int            `json:"processed_in_batch"`
		FailedInBatch    int            `json:"failed_in_batch"`
		ByStatus         map[string]int `json:"by_status"`
	} `json:"counters"`
}

type watchdogResponse struct {
	Success    bool `json:"success"`
	ResetCount int  `json:"reset_count"`
}

func newBatchCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Control the full processing lane",
	}
	cmd.AddCommand(newLaneStartCommand(ctx, "/batch/start"))
	cmd.AddCommand(newLaneStopCommand(ctx, "/batch/stop"))
	cmd.AddCommand(newLaneStatusCommand(ctx, "/batch/status"))
	cmd.AddCommand(newWatchdogCommand(ctx))
	return cmd
}

func newArchiveCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Control the archive transcription lane",
	}
	cmd.AddCommand(newLaneStartCommand(ctx, "/batch/archive/start"))
	cmd.AddCommand(newLaneStopCommand(ctx, "/batch/archive/stop"))
	cmd.AddCommand(newLaneStatusCommand(ctx, "/batch/archive/status"))
	return cmd
}

func newLaneStartCommand(ctx *commandContext, path string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the lane",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp startResponse
			if err := ctx.call(cmd.Context(), http.MethodPost, path, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Batch started: %d pending jobs, first task %s\n",
				resp.PendingJobs, resp.FirstTask)
			return nil
		},
	}
}

func newLaneStopCommand(ctx *commandContext, path string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the lane and cancel queued tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp stopResponse
			if err := ctx.call(cmd.Context(), http.MethodPost, path, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Batch stopped, cancelled %d queued tasks\n", resp.CancelledTasks)
			return nil
		},
	}
}

func newLaneStatusCommand(ctx *commandContext, path string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show lane status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp statusResponse
			if err := ctx.call(cmd.Context(), http.MethodGet, path, &resp); err != nil {
				return err
			}

			started := "-"
			if resp.StartedAt != nil {
				started = *resp.StartedAt
			}
			rows := [][]string{
				{"Active", yesNo(resp.BatchActive)},
				{"Started at", started},
				{"Pending", strconv.Itoa(resp.Counters.Pending)},
				{"Total in batch", strconv.Itoa(resp.Counters.TotalInBatch)},
				{"Processed in batch", strconv.Itoa(resp.Counters.ProcessedInBatch)},
				{"Failed in batch", strconv.Itoa(resp.Counters.FailedInBatch)},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Field", "Value"}, rows,
				[]columnAlignment{alignLeft, alignRight},
			))

			if len(resp.Counters.ByStatus) > 0 {
				statuses := make([]string, 0, len(resp.Counters.ByStatus))
				for status := range resp.Counters.ByStatus {
					statuses = append(statuses, status)
				}
				sort.Strings(statuses)
				statusRows := make([][]string, 0, len(statuses))
				for _, status := range statuses {
					statusRows = append(statusRows, []string{status, strconv.Itoa(resp.Counters.ByStatus[status])})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Status", "Jobs"}, statusRows,
					[]columnAlignment{alignLeft, alignRight},
				))
			}
			return nil
		},
	}
}

func newWatchdogCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watchdog",
		Short: "Reset jobs stuck in transitional states",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp watchdogResponse
			if err := ctx.call(cmd.Context(), http.MethodPost, "/batch/watchdog", &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Watchdog reset %d stale jobs\n", resp.ResetCount)
			return nil
		},
	}
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Status    string          `json:"status"`
				Time      string          `json:"time"`
				Tools     map[string]bool `json:"tools"`
				Providers map[string]bool `json:"providers"`
			}
			if err := ctx.call(cmd.Context(), http.MethodGet, "/healthz", &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon %s at %s\n", resp.Status, resp.Time)
			for _, section := range []struct {
				label  string
				values map[string]bool
			}{
				{"Tool", resp.Tools},
				{"Provider", resp.Providers},
			} {
				if len(section.values) == 0 {
					continue
				}
				names := make([]string, 0, len(section.values))
				for name := range section.values {
					names = append(names, name)
				}
				sort.Strings(names)
				rows := make([][]string, 0, len(names))
				for _, name := range names {
					state := "missing"
					if section.values[name] {
						state = "ok"
					}
					rows = append(rows, []string{name, state})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{section.label, "State"}, rows,
					[]columnAlignment{alignLeft, alignLeft},
				))
			}
			return nil
		},
	}
}
