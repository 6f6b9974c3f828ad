package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/cart_sentinel/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Cart Sentinel service",
	Long: `Check the service over the gRPC health protocol, or with --http against
/healthz, which also reports the database and dependency checks.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		useHTTP, _ := cmd.Flags().GetBool("http")
		if useHTTP {
			return httpHealth(cmd)
		}
		service, _ := cmd.Flags().GetString("service")
		return grpcHealth(cmd, service)
	},
}

func grpcHealth(cmd *cobra.Command, service string) error {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if err := render(cmd, resp, func(w io.Writer) {
		fmt.Fprintf(w, "Service status: %s\n", resp.GetStatus())
	}); err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service is %s", resp.GetStatus())
	}
	return nil
}

func httpHealth(cmd *cobra.Command) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL()+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP health check failed: %w", err)
	}
	defer resp.Body.Close()

	// a 503 still carries the status body
	var st health.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}
	if err := render(cmd, st, func(w io.Writer) {
		state := "healthy"
		if !st.OK {
			state = "unhealthy"
		}
		fmt.Fprintf(w, "Service is %s (HTTP %d)\n", state, resp.StatusCode)
		names := make([]string, 0, len(st.Checks))
		for name := range st.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %-8s %s\n", name, st.Checks[name])
		}
	}); err != nil {
		return err
	}
	if !st.OK {
		return fmt.Errorf("service is unhealthy: %s", st.Message)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().Bool("http", false, "check /healthz over HTTP instead of gRPC")
	healthCmd.Flags().String("service", "", "gRPC health service name (empty checks the whole server)")
}
