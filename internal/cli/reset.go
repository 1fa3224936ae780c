package cli

import (
	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the session's transactions, flags and feedback",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Reset(cmd.Context())
	},
}
