package cli

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mcdev12/rollcall/go/clients"
	"github.com/mcdev12/rollcall/go/internal/attendance/gateway"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show gateway health and connection counts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clients.NewGatewayStatusClient(opts.Server)
			health, err := client.Health(cmd.Context())
			var statusErr *clients.StatusError
			if err != nil && !errors.As(err, &statusErr) {
				return fmt.Errorf("check health: %w", err)
			}

			out := NewOutputFormatter(opts.Format, cmd.OutOrStdout())
			if err := out.Health(health); err != nil {
				return err
			}
			if !health.Healthy {
				return errors.New("gateway unhealthy")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", envOr("ROLLCALL_SERVER", "http://localhost:8081"), "gateway base URL")

	return cmd
}

// Health writes a gateway health report.
func (f *OutputFormatter) Health(h gateway.HealthStatus) error {
	if f.Format == "json" {
		return f.json(h)
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "healthy\t%t\n", h.Healthy)
	fmt.Fprintf(tw, "database\t%t\n", h.DatabaseConnected)
	if h.RelayEnabled {
		fmt.Fprintf(tw, "nats\t%t\n", h.NATSConnected)
	}
	keys := make([]string, 0, len(h.Stats))
	for k := range h.Stats {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%v\n", k, h.Stats[k])
	}
	if len(h.Errors) > 0 {
		fmt.Fprintf(tw, "errors\t%s\n", strings.Join(h.Errors, "; "))
	}
	return tw.Flush()
}
