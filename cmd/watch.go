// cmd/watch.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Daniele-Cangi/CryoFlux/internal/meter"
	"github.com/Daniele-Cangi/CryoFlux/internal/meterapi"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live meter snapshots from the running agent",
	Long: `Connects to the agent's snapshot stream and prints one line per
sample. Falls back to HTTP polling when the stream is unavailable.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigs
			cancel()
		}()

		client := meterapi.NewClient("http://" + cfg.Agent.Listen)
		printer := newSnapshotPrinter()

		err = client.Watch(ctx, printer.print)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			Debug("watch stream unavailable (%v), polling instead", err)
			pollSnapshots(ctx, client, cfg.SampleInterval(), printer)
		}
	},
}

func pollSnapshots(ctx context.Context, client *meterapi.Client, interval time.Duration, p *snapshotPrinter) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.print(client.Sample(ctx))
		}
	}
}

// snapshotPrinter tracks a running average credit rate across samples.
type snapshotPrinter struct {
	start       time.Time
	firstBucket float64
	seen        bool
}

func newSnapshotPrinter() *snapshotPrinter {
	return &snapshotPrinter{}
}

func (p *snapshotPrinter) print(snap meter.Snapshot) {
	if !p.seen {
		p.seen = true
		p.start = time.Now()
		p.firstBucket = snap.BucketJoules
	}

	rate := 0.0
	if elapsed := time.Since(p.start).Seconds(); elapsed > 1 {
		rate = (snap.BucketJoules - p.firstBucket) / elapsed
	}

	state := "locked"
	if !snap.BaselineLocked {
		state = "calibrating"
	}
	if snap.Stale {
		state = "stale"
	}

	fmt.Printf("%s  net %6.1f W  bucket %8.1f J  avg %+.2f J/s  [%s]\n",
		time.Now().Format("15:04:05"), snap.NetWatts, snap.BucketJoules, rate, state)
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
