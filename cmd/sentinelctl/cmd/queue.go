package cmd

import (
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/spf13/cobra"

	"github.com/austindbirch/cart_sentinel/internal/api"
	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/retry"
	"github.com/austindbirch/cart_sentinel/internal/scheduler"
)

const timeLayout = "2006-01-02 15:04:05 MST"

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the priority queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lane sizes, status counts and the retry backlog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st api.QueueStatus
		if err := apiRequest(cmd.Context(), http.MethodGet, "/v1/queue/status", nil, nil, &st); err != nil {
			return fmt.Errorf("failed to get queue status: %w", err)
		}
		return render(cmd, st, func(w io.Writer) {
			fmt.Fprintln(w, "Lanes:")
			for _, l := range st.Lanes {
				fmt.Fprintf(w, "  %-6s queued=%d running=%d overrun=%d concurrency=%d cap=%d/%s\n",
					l.Lane, l.Size, l.Pending, l.Overrun, l.Concurrency, l.IntervalCap, l.Interval)
			}
			fmt.Fprintln(w, "Events:")
			statuses := make([]string, 0, len(st.StatusCounts))
			for s := range st.StatusCounts {
				statuses = append(statuses, string(s))
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Fprintf(w, "  %-10s %d\n", s, st.StatusCounts[domain.EventStatus(s)])
			}
			fmt.Fprintf(w, "Retry backlog:  %d\n", st.RetryBacklog)
			fmt.Fprintf(w, "Exhausted:      %d\n", st.Exhausted)
			fmt.Fprintf(w, "Dedup keys:     %d\n", st.DedupCacheSize)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Manage failed events",
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a retry sweep now",
	Long:  `Re-queue FAILED events with retry budget left and recover stale PENDING and PROCESSING rows.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var rep retry.Report
		if err := apiRequest(cmd.Context(), http.MethodPost, "/v1/retry/sweep", nil, nil, &rep); err != nil {
			return fmt.Errorf("retry sweep failed: %w", err)
		}
		return render(cmd, rep, func(w io.Writer) {
			fmt.Fprintf(w, "Retried: %d\n", rep.Retried)
			fmt.Fprintf(w, "  Interrupted: %d\n", rep.Interrupted)
			fmt.Fprintf(w, "  Orphans:     %d\n", rep.Orphans)
			fmt.Fprintf(w, "  Exhausted:   %d\n", rep.Exhausted)
		})
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List scheduled jobs and their last run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var jobs []scheduler.JobStatus
		if err := apiRequest(cmd.Context(), http.MethodGet, "/v1/jobs", nil, nil, &jobs); err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		return render(cmd, jobs, func(w io.Writer) {
			if len(jobs) == 0 {
				fmt.Fprintln(w, "No scheduled jobs")
				return
			}
			for _, j := range jobs {
				last := "never"
				if !j.LastRun.IsZero() {
					last = j.LastRun.Format(timeLayout)
				}
				fmt.Fprintf(w, "%-18s %-14s runs=%d last=%s", j.Name, j.Spec, j.Runs, last)
				if j.LastErr != "" {
					fmt.Fprintf(w, " error=%q", j.LastErr)
				}
				fmt.Fprintln(w)
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(queueCmd, retryCmd, jobsCmd)
	queueCmd.AddCommand(queueStatusCmd)
	retryCmd.AddCommand(sweepCmd)
}
