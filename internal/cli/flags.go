package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"spend-anomalies/internal/app"
)

var (
	flagsAll   bool
	flagsLimit int
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "List pending flags, or every flag with --all",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagsLimit < 0 {
			return fmt.Errorf("--limit must not be negative")
		}
		return getApp().Flags(cmd.Context(), app.FlagsOptions{
			All:   flagsAll,
			Limit: flagsLimit,
		})
	},
}

func init() {
	flagsCmd.Flags().BoolVar(&flagsAll, "all", false, "Include resolved flags, newest first")
	flagsCmd.Flags().IntVar(&flagsLimit, "limit", 50, "Maximum flags to list with --all (0 for no limit)")
}
