package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/cart_sentinel/internal/analytics"
	"github.com/austindbirch/cart_sentinel/internal/detector"
	"github.com/austindbirch/cart_sentinel/internal/domain"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Read abandonment analytics",
}

var abandonmentCmd = &cobra.Command{
	Use:   "abandonment [tenant-id]",
	Short: "Show abandonment metrics and the recovery rate",
	Long: `Show abandonment metrics grouped by kind for a window. Without --start and
--end the last 30 days are used.

Example:
  sentinelctl analytics abandonment shop-1 --start 2024-06-01T00:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, name := range []string{"start", "end"} {
			raw, _ := cmd.Flags().GetString(name)
			v, err := parseTimestamp(raw)
			if err != nil {
				return fmt.Errorf("--%s: %w", name, err)
			}
			if v != "" {
				q.Set(name, v)
			}
		}

		var rep analytics.Report
		path := "/v1/analytics/abandonment/" + url.PathEscape(args[0])
		if err := apiRequest(cmd.Context(), http.MethodGet, path, q, nil, &rep); err != nil {
			return fmt.Errorf("failed to get metrics: %w", err)
		}
		return render(cmd, rep, func(w io.Writer) {
			fmt.Fprintf(w, "Tenant %s, %s to %s\n", rep.TenantID, rep.From.Format(timeLayout), rep.To.Format(timeLayout))
			for _, m := range rep.Metrics {
				fmt.Fprintf(w, "  %-9s count=%d value=%.2f avg=%.2f items=%d\n", m.Kind, m.Count, m.TotalValue, m.AvgValue, m.TotalItems)
			}
			fmt.Fprintf(w, "Recovered %d of %d (%.1f%%)\n", rep.Recovered, rep.Abandoned, rep.RecoveryRate*100)
		})
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary [tenant-id]",
	Short: "Show the daily rollup of one day",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("date")
		day, err := parseDate(raw)
		if err != nil {
			return err
		}
		q := url.Values{}
		if day != "" {
			q.Set("date", day)
		}

		var sum domain.DailyAbandonmentSummary
		path := "/v1/analytics/summary/" + url.PathEscape(args[0])
		if err := apiRequest(cmd.Context(), http.MethodGet, path, q, nil, &sum); err != nil {
			return fmt.Errorf("failed to get summary: %w", err)
		}
		return render(cmd, sum, func(w io.Writer) {
			fmt.Fprintf(w, "Tenant %s on %s\n", sum.TenantID, sum.Day.Format("2006-01-02"))
			fmt.Fprintf(w, "  Carts:     %d (%.2f, avg %.2f)\n", sum.AbandonedCarts, sum.AbandonedCartsValue, sum.AvgCartValue)
			fmt.Fprintf(w, "  Checkouts: %d (%.2f, avg %.2f)\n", sum.AbandonedCheckouts, sum.AbandonedCheckoutsValue, sum.AvgCheckoutValue)
			fmt.Fprintf(w, "  Total:     %.2f\n", sum.TotalAbandonedValue)
		})
	},
}

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Run the daily rollup now",
	Long:  `Summarise one day for every active tenant. Without --date yesterday (UTC) is used.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("date")
		day, err := parseDate(raw)
		if err != nil {
			return err
		}
		q := url.Values{}
		if day != "" {
			q.Set("date", day)
		}

		var res analytics.RollupResult
		if err := apiRequest(cmd.Context(), http.MethodPost, "/v1/analytics/rollup", q, nil, &res); err != nil {
			return fmt.Errorf("rollup failed: %w", err)
		}
		return render(cmd, res, func(w io.Writer) {
			fmt.Fprintf(w, "Rolled up %s for %d tenants\n", res.Day, res.Tenants)
			for _, t := range res.Failed {
				fmt.Fprintf(w, "  failed: %s\n", t)
			}
		})
	},
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run an abandonment scan now",
}

func detectKindCmd(use, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: "Flag idle " + use + " as abandoned",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res detector.Result
			if err := apiRequest(cmd.Context(), http.MethodPost, path, nil, nil, &res); err != nil {
				return fmt.Errorf("%s scan failed: %w", use, err)
			}
			return render(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "Scanned %d %s: %d abandoned, %d skipped, %d errors\n",
					res.Scanned, use, res.Abandoned, res.Skipped, res.Errors)
			})
		},
	}
}

func init() {
	rootCmd.AddCommand(analyticsCmd, detectCmd)
	analyticsCmd.AddCommand(abandonmentCmd, summaryCmd, rollupCmd)
	detectCmd.AddCommand(
		detectKindCmd("carts", "/v1/detect/carts"),
		detectKindCmd("checkouts", "/v1/detect/checkouts"),
	)

	abandonmentCmd.Flags().String("start", "", "window start (RFC3339)")
	abandonmentCmd.Flags().String("end", "", "window end (RFC3339)")
	summaryCmd.Flags().String("date", "", "day to show (YYYY-MM-DD), default yesterday")
	rollupCmd.Flags().String("date", "", "day to summarise (YYYY-MM-DD), default yesterday")
}
