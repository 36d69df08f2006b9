// cmd/verify.go
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Daniele-Cangi/CryoFlux/internal/ledger"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the receipt ledger's hash chain",
	Long: `Recomputes every receipt hash and checks each link against its
predecessor. Any edit to a stored receipt, including its reason or
verdict, breaks the chain at that receipt.`,
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

		result, err := store.VerifyChain()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error verifying chain: %v\n", err)
			os.Exit(1)
		}

		if result.Valid {
			goodColor.Printf("Chain intact: %d receipts verified.\n", result.Checked)
			return
		}
		badColor.Printf("CHAIN BROKEN at receipt #%d (%d receipts scanned).\n",
			result.FirstBrokenSeq, result.Checked)
		badColor.Println("Receipts from that point on are untrusted.")
		os.Exit(1)
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
