// cmd/init.go
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Daniele-Cangi/CryoFlux/internal/config"
)

var initOutput string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter cryoflux.yaml with the default catalogue",
	Long: `Generates a configuration file pre-filled with the stock task
catalogue, calibration window, and acceptance thresholds. Refuses to
overwrite an existing file.`,
	Run: func(cmd *cobra.Command, args []string) {
		path := initOutput
		if path == "" {
			path = defaultConfigPath
		}
		if err := config.WriteDefault(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		goodColor.Printf("Wrote %s\n", path)
		fmt.Println("Edit the task catalogue, then start the controller with: cryoflux run")
	},
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "", "Path for the generated config (default ./cryoflux.yaml)")
	rootCmd.AddCommand(initCmd)
}
