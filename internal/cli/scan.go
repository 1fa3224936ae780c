package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"spend-anomalies/internal/app"
)

var (
	scanInput string
	scanFresh bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Import transactions and run one detection pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if scanFresh {
			if session != "" {
				return fmt.Errorf("--fresh cannot be combined with --session")
			}
			a.Session = app.NewSessionID()
			fmt.Fprintf(cmd.OutOrStdout(), "new session %s\n", a.Session)
		}
		return a.Scan(cmd.Context(), app.ScanOptions{Input: scanInput})
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanInput, "input", "", "CSV file to import (defaults to ingest config)")
	scanCmd.Flags().BoolVar(&scanFresh, "fresh", false, "Start a new session with a generated id")
}
