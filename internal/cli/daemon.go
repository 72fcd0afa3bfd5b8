package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/regtruth/internal/daemon"
	"github.com/ppiankov/regtruth/internal/metrics"
)

var sweepInterval time.Duration

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Watch registered sources continuously",
	Long: `Daemon sweeps the sources that are due for a check on a fixed interval
and scans them with the worker pool. Prometheus metrics are served on
metrics.listen while metrics.enabled is set.

Stop it with SIGINT or SIGTERM; the sweep in progress is cancelled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, withPrometheus())
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		if cmd.Flags().Changed("interval") {
			a.cfg.Daemon.SweepInterval = sweepInterval
		}

		d, err := daemon.New(a.cfg, a.backend.Sources, a.pipeline(),
			daemon.WithLogger(a.logger),
			daemon.WithMetricsHandler(metrics.HTTPHandler(a.registry)),
		)
		if err != nil {
			return err
		}
		if err := d.Run(ctx); err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		return nil
	},
}

func init() {
	daemonCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "sweep interval (default: daemon.sweep_interval)")
	rootCmd.AddCommand(daemonCmd)
}
