package cli

import (
	"github.com/spf13/cobra"
)

var disposeCmd = &cobra.Command{
	Use:   "dispose <flag-id> <confirmed|dismissed|whitelisted>",
	Short: "Record a verdict on a flag",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Dispose(cmd.Context(), args[0], args[1])
	},
}
