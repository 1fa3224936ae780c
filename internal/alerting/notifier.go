package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spend-anomalies/internal/detector"
)

// Notification 封装一次扫描中新出现的异常。
type Notification struct {
	Session   string
	ScannedAt time.Time
	Flags     []detector.Flag
	Channels  []string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Filter keeps flags at or above min severity.
func Filter(flags []detector.Flag, min detector.Severity) []detector.Flag {
	out := make([]detector.Flag, 0, len(flags))
	for _, f := range flags {
		if min == detector.SeverityHigh && f.Severity != detector.SeverityHigh {
			continue
		}
		out = append(out, f)
	}
	return out
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	if len(note.Flags) == 0 {
		return nil
	}

	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("session", note.Session).
		Int("flags", len(note.Flags)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Spending Alert]\n")
	if note.Session != "" {
		builder.WriteString(fmt.Sprintf("Session: %s\n", note.Session))
	}
	builder.WriteString(fmt.Sprintf("Scanned: %s UTC\n", note.ScannedAt.UTC().Format(time.RFC3339)))
	for _, f := range note.Flags {
		builder.WriteString(fmt.Sprintf("- [%s] %s %s %s %s at %s: %s\n",
			f.ID,
			f.Date.Format("2006-01-02"),
			strings.ToUpper(string(f.Severity)),
			f.Signal,
			f.Amount.StringFixed(2),
			f.Merchant,
			f.Rationale,
		))
	}
	builder.WriteString("Reply with: spendwatch dispose <flag-id> confirmed|dismissed|whitelisted\n")
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
