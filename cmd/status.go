// cmd/status.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"

	"github.com/Daniele-Cangi/CryoFlux/internal/ledger"
	"github.com/Daniele-Cangi/CryoFlux/internal/meterapi"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st"},
	Short:   "Shows the meter, budget, and ledger state",
	Long: `Queries the running agent for the current power draw, idle baseline,
and joule bucket, then summarizes recent receipts per task kind.`,
	Example: `  # View controller status with colors
  cryoflux status

  # View status without colors (for scripts/logging)
  cryoflux status --no-color`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()

		headerColor.Fprintf(w, "--- CryoFlux Status (%s) ---\n", Version)

		headerColor.Fprintln(w, "\nENERGY METER")
		printMeterInfo(w, cfg.Agent.Listen)

		headerColor.Fprintln(w, "\nSYSTEM VITALS")
		printSystemInfo(w)

		names := make([]string, 0, len(cfg.Tasks))
		for _, t := range cfg.Tasks {
			names = append(names, t.Name)
		}
		headerColor.Fprintln(w, "\nTASK EFFICIENCY")
		printEfficiencyInfo(w, cfg.Ledger.Path, cfg.Scheduler.EtaWindow, names)
	},
}

func printMeterInfo(w *tabwriter.Writer, listen string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := meterapi.NewClient("http://" + listen)
	if _, err := client.Health(ctx); err != nil {
		fmt.Fprintf(w, "  %s\n", badColor.Sprintf("Agent unreachable at %s (%v)", listen, err))
		return
	}
	snap := client.Sample(ctx)

	fmt.Fprintf(w, "  %s:\t%.1f W CPU + %.1f W GPU\n", labelColor.Sprint("Gross Draw"), snap.CPUWatts, snap.GPUWatts)
	fmt.Fprintf(w, "  %s:\t%.1f W CPU + %.1f W GPU\n", labelColor.Sprint("Idle Baseline"), snap.IdleCPUWatts, snap.IdleGPUWatts)
	fmt.Fprintf(w, "  %s:\t%.1f W\n", labelColor.Sprint("Net Surplus"), snap.NetWatts)
	fmt.Fprintf(w, "  %s:\t%.1f J\n", labelColor.Sprint("Joule Bucket"), snap.BucketJoules)

	switch {
	case snap.Stale:
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Sampling"), warnColor.Sprint("stale (probe failing)"))
	case !snap.BaselineLocked:
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Baseline"), warnColor.Sprint("calibrating"))
	default:
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Baseline"), goodColor.Sprint("locked"))
	}
}

func printSystemInfo(w *tabwriter.Writer) {
	if percentages, err := cpu.Percent(time.Second, false); err == nil && len(percentages) > 0 {
		fmt.Fprintf(w, "  %s:\t%.1f%%\n", labelColor.Sprint("CPU Utilization"), percentages[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(w, "  %s:\t%.1f%% of %.1f GB\n", labelColor.Sprint("Memory"),
			vm.UsedPercent, float64(vm.Total)/(1024*1024*1024))
	}
}

func printEfficiencyInfo(w *tabwriter.Writer, ledgerPath string, window int, tasks []string) {
	store, err := ledger.OpenStore(ledgerPath)
	if err != nil {
		fmt.Fprintf(w, "  %s\n", badColor.Sprintf("Could not open ledger: %v", err))
		return
	}
	defer store.Close()

	for _, name := range tasks {
		eta, ok, err := store.Efficiency(name, window)
		switch {
		case err != nil:
			fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint(name), badColor.Sprintf("error: %v", err))
		case !ok:
			fmt.Fprintf(w, "  %s:\t(no accepted attempts yet)\n", labelColor.Sprint(name))
		default:
			fmt.Fprintf(w, "  %s:\t%.6f delta/J over last %d accepted\n", labelColor.Sprint(name), eta, window)
		}
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
