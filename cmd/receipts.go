// cmd/receipts.go
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Daniele-Cangi/CryoFlux/internal/ledger"
)

var (
	receiptsLimit    int
	receiptsTask     string
	receiptsAccepted bool
	receiptsRejected bool
)

var receiptsCmd = &cobra.Command{
	Use:   "receipts",
	Short: "List recent receipts from the ledger",
	Long: `Prints the most recent receipts, newest first. Each receipt records
one evaluated attempt: the joules spent, the measured delta, and the
accept or reject verdict with its reason.`,
	Example: `  # Last 20 receipts
  cryoflux receipts

  # Last 50 lora_delta rejections
  cryoflux receipts --task lora_delta --rejected -n 50`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		store, err := ledger.OpenStore(cfg.Ledger.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening ledger: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		filter := ledger.Filter{Task: receiptsTask, Limit: receiptsLimit, Newest: true}
		if receiptsAccepted != receiptsRejected {
			v := receiptsAccepted
			filter.Accepted = &v
		}

		receipts, err := store.Query(filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error querying ledger: %v\n", err)
			os.Exit(1)
		}
		if len(receipts) == 0 {
			fmt.Println("No receipts found.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()

		headerColor.Fprintln(w, "SEQ\tTASK\tVERDICT\tJOULES\tDELTA\tWHEN\tGAP")
		for i, r := range receipts {
			verdict := goodColor.Sprint("accepted")
			if !r.Accepted {
				verdict = badColor.Sprintf("rejected (%s)", r.Reason)
			}
			gap := "-"
			if i+1 < len(receipts) {
				gap = gapString(r.Timestamp, receipts[i+1].Timestamp)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%.1f\t%.4f\t%s\t%s\n",
				r.Seq, r.Task, verdict, r.Joules, r.Delta, humanize.Time(r.Timestamp), gap)
		}
	},
}

// gapString renders the idle time between a receipt and the next older
// one. Listings run newest-first, so the older timestamp is subtracted.
func gapString(cur, older time.Time) string {
	gap := cur.Sub(older)
	if gap < 0 {
		gap = 0
	}
	return gap.Truncate(time.Second).String()
}

func init() {
	receiptsCmd.Flags().IntVarP(&receiptsLimit, "limit", "n", 20, "Maximum receipts to show")
	receiptsCmd.Flags().StringVar(&receiptsTask, "task", "", "Only show receipts for this task kind")
	receiptsCmd.Flags().BoolVar(&receiptsAccepted, "accepted", false, "Only show accepted receipts")
	receiptsCmd.Flags().BoolVar(&receiptsRejected, "rejected", false, "Only show rejected receipts")
	rootCmd.AddCommand(receiptsCmd)
}
