package cli

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateMerchant string
	simulateAmount   float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一条高严重度异常并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(simulateMerchant) == "" {
			return errors.New("--merchant 不能为空")
		}
		if simulateAmount <= 0 {
			return errors.New("--amount 必须大于 0")
		}

		return getApp().SimulateAlert(cmd.Context(), simulateMerchant, decimal.NewFromFloat(simulateAmount))
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateMerchant, "merchant", "Simulated Merchant", "商户名称")
	simulateCmd.Flags().Float64Var(&simulateAmount, "amount", 0, "交易金额")
}
