package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"stratplan/internal/db"
	"stratplan/internal/scheduler"
)

var taskDescriptions = map[scheduler.TaskType]string{
	scheduler.TaskSyncSubscriptions: "Re-read stale entitlements from the payment provider and repair drift",
	scheduler.TaskPurgeEventLedger:  "Delete webhook ledger rows past the retention window",
	scheduler.TaskPurgeSessions:     "Delete expired bearer sessions",
}

var (
	referenceTime string
	dryRun        bool
	historyLimit  int
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Run and inspect maintenance tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List maintenance tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printTasks(cmd.OutOrStdout())
	},
}

var taskRunCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a maintenance task under the shared job lock",
	Example: `  billingctl task run sync_subscriptions
  billingctl task run purge_event_ledger --reference-time=2026-10-01T03:00:00Z
  billingctl task run sync_subscriptions --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := buildPayload(args[0], referenceTime)
		if err != nil {
			return err
		}
		if dryRun {
			return printPayload(cmd.OutOrStdout(), payload)
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp(a)

		result, err := a.Runner.Run(cmd.Context(), payload)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result)
		return nil
	},
}

var taskHistoryCmd = &cobra.Command{
	Use:   "history [task]",
	Short: "Show recent runs of all tasks or of one task",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobType := ""
		if len(args) == 1 {
			t, err := scheduler.ParseTask(args[0])
			if err != nil {
				return err
			}
			jobType = string(t)
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp(a)

		return showHistory(cmd.Context(), cmd.OutOrStdout(), a.JobHistory, jobType, historyLimit)
	},
}

func init() {
	taskRunCmd.Flags().StringVar(&referenceTime, "reference-time", "", "Override the reference time (RFC3339)")
	taskRunCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the payload without executing")
	taskHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskRunCmd)
	taskCmd.AddCommand(taskHistoryCmd)
}

func printTasks(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tDESCRIPTION")
	for _, t := range scheduler.Tasks() {
		fmt.Fprintf(tw, "%s\t%s\n", t, taskDescriptions[t])
	}
	return tw.Flush()
}

// buildPayload validates the task name and the optional RFC3339 time.
func buildPayload(task, refTime string) (scheduler.MaintenancePayload, error) {
	t, err := scheduler.ParseTask(task)
	if err != nil {
		return scheduler.MaintenancePayload{}, err
	}
	payload := scheduler.MaintenancePayload{Task: t}
	if refTime != "" {
		parsed, err := time.Parse(time.RFC3339, refTime)
		if err != nil {
			return scheduler.MaintenancePayload{}, fmt.Errorf("invalid --reference-time %q: expected RFC3339, e.g. 2026-10-01T03:00:00Z", refTime)
		}
		parsed = parsed.UTC()
		payload.ReferenceTime = &parsed
	}
	return payload, nil
}

func printPayload(w io.Writer, payload scheduler.MaintenancePayload) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

type jobRunLister interface {
	Recent(ctx context.Context, jobType string, limit int) ([]db.JobRun, error)
}

func showHistory(ctx context.Context, w io.Writer, jobs jobRunLister, jobType string, limit int) error {
	if limit < 1 {
		return fmt.Errorf("--limit must be positive")
	}
	runs, err := jobs.Recent(ctx, jobType, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK\tSTARTED\tDURATION\tSTATUS\tITEMS\tERROR")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.JobType, r.StartedAt.UTC().Format(time.RFC3339), duration, r.Status, r.Items, r.Error)
	}
	return tw.Flush()
}
