// cmd/meter.go
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Daniele-Cangi/CryoFlux/internal/daemon"
)

var meterCmd = &cobra.Command{
	Use:   "meter",
	Short: "Run the meter and agent API without the scheduler",
	Long: `Starts only the power sampler, baseline calibration, and the metering
API. Useful when another process does its own admission against the
bucket, or to watch the baseline settle before enabling tasks.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		d, err := daemon.New(cfg, daemon.Options{MeterOnly: true, Version: Version})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting meter: %v\n", err)
			os.Exit(1)
		}
		if err := d.Run(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Meter exited with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(meterCmd)
}
