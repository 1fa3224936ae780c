package cli

import (
	"github.com/spf13/cobra"
)

var watchInput string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-import and scan on the scheduler interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Watch(cmd.Context(), watchInput)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchInput, "input", "", "CSV file to import each tick (defaults to ingest config)")
}
