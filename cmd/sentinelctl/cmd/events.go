package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/queue"
)

// eventsCmd represents the events command
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Submit and inspect events",
	Long:  `Submit events to the priority queue and look up their processing state.`,
}

var submitCmd = &cobra.Command{
	Use:   "submit [tenant-id] [event-type] [payload-json]",
	Short: "Submit an event to the priority queue",
	Long: `Submit an event with a JSON payload. Duplicates within the dedup window
are acknowledged but not queued again.

Example:
  sentinelctl events submit shop-1 orders/create '{"id":820982911946154508,"email":"jon@example.com"}' --priority high`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parseJSONObject(args[2])
		if err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}
		prio, _ := cmd.Flags().GetString("priority")
		p, err := domain.ParsePriority(prio)
		if err != nil {
			return err
		}

		req := queue.EnqueueRequest{
			TenantID:  args[0],
			EventType: domain.EventType(args[1]),
			Payload:   payload,
			Priority:  p,
		}
		var res queue.Result
		if err := apiRequest(cmd.Context(), http.MethodPost, "/v1/events", nil, req, &res); err != nil {
			return fmt.Errorf("failed to submit event: %w", err)
		}
		return render(cmd, res, func(w io.Writer) { printResult(w, res) })
	},
}

var getEventCmd = &cobra.Command{
	Use:   "get [event-id]",
	Short: "Show an event and its processing state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ev domain.WebhookEvent
		if err := apiRequest(cmd.Context(), http.MethodGet, "/v1/events/"+url.PathEscape(args[0]), nil, nil, &ev); err != nil {
			return fmt.Errorf("failed to get event: %w", err)
		}
		return render(cmd, ev, func(w io.Writer) {
			fmt.Fprintf(w, "Event: %s\n", ev.ID)
			fmt.Fprintf(w, "  Tenant:   %s\n", ev.TenantID)
			fmt.Fprintf(w, "  Type:     %s\n", ev.EventType)
			fmt.Fprintf(w, "  Status:   %s\n", ev.Status)
			fmt.Fprintf(w, "  Priority: %s\n", ev.Priority)
			fmt.Fprintf(w, "  Retries:  %d\n", ev.RetryCount)
			fmt.Fprintf(w, "  Created:  %s\n", ev.CreatedAt.Format(timeLayout))
			if ev.LastError != "" {
				fmt.Fprintf(w, "  Error:    %s\n", ev.LastError)
			}
		})
	},
}

// customEventCmd builds the commands for the two custom ingress events.
func customEventCmd(use, short, path, field string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [tenant-id] [" + field + "-json]",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, err := parseJSONObject(args[1])
			if err != nil {
				return fmt.Errorf("invalid %s JSON: %w", field, err)
			}
			body := map[string]json.RawMessage{field: obj}
			if body["tenant_id"], err = json.Marshal(args[0]); err != nil {
				return err
			}
			var res queue.Result
			if err := apiRequest(cmd.Context(), http.MethodPost, path, nil, body, &res); err != nil {
				return fmt.Errorf("failed to submit %s: %w", use, err)
			}
			return render(cmd, res, func(w io.Writer) { printResult(w, res) })
		},
	}
}

func printResult(w io.Writer, res queue.Result) {
	if !res.Accepted {
		fmt.Fprintln(w, "Duplicate: event already queued within the dedup window")
		return
	}
	fmt.Fprintf(w, "Accepted event: %s\n", res.EventID)
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(submitCmd, getEventCmd,
		customEventCmd("cart-abandoned", "Report an abandoned cart", "/v1/custom-events/cart-abandoned", "cart"),
		customEventCmd("checkout-started", "Report a started checkout", "/v1/custom-events/checkout-started", "checkout"),
	)

	submitCmd.Flags().String("priority", "normal", "lane to queue on: high, normal or low")
}
