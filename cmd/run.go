// cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Daniele-Cangi/CryoFlux/internal/daemon"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full controller: meter, agent API, and scheduler",
	Long: `Starts the power sampler, calibrates the idle baseline, serves the
metering API, and schedules learning tasks against the joule bucket.
Every evaluated attempt is recorded in the receipt ledger.`,
	Example: `  # Run with the default configuration
  cryoflux run

  # Run against a specific config file
  cryoflux run --config /etc/cryoflux/cryoflux.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		d, err := daemon.New(cfg, daemon.Options{Version: Version})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting controller: %v\n", err)
			os.Exit(1)
		}
		if err := d.Run(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Controller exited with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
