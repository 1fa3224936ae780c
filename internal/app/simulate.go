package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"spend-anomalies/internal/alerting"
	"spend-anomalies/internal/detector"
	"spend-anomalies/internal/ledger"
)

// SimulateAlert 发送一条合成的高严重度异常，用于验证告警通道。
func (a *App) SimulateAlert(ctx context.Context, merchant string, amount decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	now := time.Now().UTC()
	txnID := "simulated-" + NewSessionID()
	flag := detector.Flag{
		ID:            detector.FlagID(txnID, detector.SignalAmount),
		TransactionID: txnID,
		Date:          now,
		Merchant:      merchant,
		Category:      ledger.CategoryOther,
		Amount:        amount,
		Signal:        detector.SignalAmount,
		Severity:      detector.SeverityHigh,
		Rationale:     "simulated alert",
		CreatedAt:     now,
		Disposition:   detector.DispositionPending,
	}

	return notifier.Notify(ctx, alerting.Notification{
		Session:   a.Session,
		ScannedAt: now,
		Flags:     []detector.Flag{flag},
		Channels:  a.Config.Alerting.Channels,
	})
}
