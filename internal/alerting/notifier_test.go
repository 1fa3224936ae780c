package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spend-anomalies/internal/detector"
	"spend-anomalies/internal/ledger"
)

func sampleFlags() []detector.Flag {
	return []detector.Flag{
		{
			ID:            detector.FlagID("x-1", detector.SignalAmount),
			TransactionID: "x-1",
			Date:          time.Date(2025, 11, 21, 0, 0, 0, 0, time.UTC),
			Merchant:      "Night Market",
			Category:      ledger.CategoryDining,
			Amount:        decimal.NewFromInt(500),
			Signal:        detector.SignalAmount,
			Severity:      detector.SeverityHigh,
			Rationale:     "amount 500 exceeds high bound 312.10",
		},
		{
			ID:            detector.FlagID("x-2", detector.SignalTime),
			TransactionID: "x-2",
			Merchant:      "Taxi",
			Category:      ledger.CategoryTransport,
			Amount:        decimal.NewFromInt(80),
			Signal:        detector.SignalTime,
			Severity:      detector.SeverityLow,
		},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{Session: "default", ScannedAt: time.Now(), Flags: Filter(sampleFlags(), detector.SeverityHigh)}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "Night Market") {
		t.Fatalf("text 应包含商户: %q", received["text"])
	}
	if !strings.Contains(received["text"], "[x-1/amount]") {
		t.Fatalf("text 应包含 flag id: %q", received["text"])
	}
	if strings.Contains(received["text"], "Taxi") {
		t.Fatalf("低严重度不应推送: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{ScannedAt: time.Now(), Flags: sampleFlags()}

	if err := notifier.Notify(context.Background(), note); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierSkipsEmpty(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{}); err != nil {
		t.Fatalf("空告警不应报错: %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("空告警不应发送请求")
	}
}

func TestFilter(t *testing.T) {
	if got := Filter(sampleFlags(), detector.SeverityLow); len(got) != 2 {
		t.Fatalf("low 应保留全部, 实际 %d", len(got))
	}
	if got := Filter(sampleFlags(), detector.SeverityHigh); len(got) != 1 {
		t.Fatalf("high 应只保留 1 条, 实际 %d", len(got))
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
