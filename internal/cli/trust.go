package cli

import (
	"github.com/spf13/cobra"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Manage merchants exempt from flagging",
}

var trustAddCmd = &cobra.Command{
	Use:   "add <merchant>",
	Short: "Trust a merchant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().TrustAdd(cmd.Context(), args[0])
	},
}

var trustRemoveCmd = &cobra.Command{
	Use:   "remove <merchant>",
	Short: "Stop trusting a merchant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().TrustRemove(cmd.Context(), args[0])
	},
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trusted merchants",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().TrustList(cmd.Context())
	},
}

func init() {
	trustCmd.AddCommand(trustAddCmd)
	trustCmd.AddCommand(trustRemoveCmd)
	trustCmd.AddCommand(trustListCmd)
}
