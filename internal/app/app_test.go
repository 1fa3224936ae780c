package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spend-anomalies/internal/config"
	"spend-anomalies/internal/detector"
)

func writeBills(t *testing.T, dir string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("id,date,merchant,category,amount\n")
	for i := 0; i < 20; i++ {
		amount := 40
		if i%2 == 1 {
			amount = 60
		}
		fmt.Fprintf(&b, "b-%02d,2025-11-%02d,Diner %d,餐饮,%d\n", i, i+1, i, amount)
	}
	b.WriteString("x-1,2025-11-21,Night Market,dining,500\n")
	path := filepath.Join(dir, "bills.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func newTestApp(t *testing.T) (*App, *bytes.Buffer, string) {
	t.Helper()
	color.NoColor = true
	dir := t.TempDir()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Dir = filepath.Join(dir, "state")
	cfg.Ingest.Location = "UTC"
	cfg.Budget.Monthly = map[string]float64{"餐饮": 1000}

	out := &bytes.Buffer{}
	a := NewApp(cfg, "", zerolog.Nop())
	a.Out = out
	return a, out, writeBills(t, dir)
}

func TestScanShowAndDispose(t *testing.T) {
	ctx := context.Background()
	a, out, bills := newTestApp(t)

	require.NoError(t, a.Scan(ctx, ScanOptions{Input: bills}))
	assert.Contains(t, out.String(), "21 transactions, 1 flags raised, 1 new")
	assert.Contains(t, out.String(), "Night Market")

	out.Reset()
	require.NoError(t, a.Show(ctx))
	assert.Contains(t, out.String(), "dining")
	assert.Contains(t, out.String(), "1 awaiting review")
	assert.Contains(t, out.String(), "Budget 2025-11")

	flagID := detector.FlagID("x-1", detector.SignalAmount)
	out.Reset()
	require.NoError(t, a.Dispose(ctx, flagID, "confirmed"))
	assert.Contains(t, out.String(), "marked confirmed")

	out.Reset()
	require.NoError(t, a.Dispose(ctx, flagID, "dismissed"), "stale verdicts only warn")
	assert.Contains(t, out.String(), "warning")

	out.Reset()
	require.NoError(t, a.Dispose(ctx, "flag-123", "whitelisted"))
	assert.Contains(t, out.String(), "unknown flag")

	out.Reset()
	require.NoError(t, a.Flags(ctx, FlagsOptions{}))
	assert.Contains(t, out.String(), "no flags found")

	out.Reset()
	require.NoError(t, a.Flags(ctx, FlagsOptions{All: true, Limit: 10}))
	assert.Contains(t, out.String(), "confirmed")
}

func TestTrustCommands(t *testing.T) {
	ctx := context.Background()
	a, out, _ := newTestApp(t)

	require.NoError(t, a.TrustAdd(ctx, "Bakery"))
	require.NoError(t, a.TrustAdd(ctx, "Bakery"))
	assert.Contains(t, out.String(), "already trusted")

	out.Reset()
	require.NoError(t, a.TrustList(ctx))
	assert.Contains(t, out.String(), "Bakery")

	out.Reset()
	require.NoError(t, a.TrustRemove(ctx, "Bakery"))
	require.NoError(t, a.TrustList(ctx))
	assert.Contains(t, out.String(), "no trusted merchants")
}

func TestTrustCommandsTrimMerchant(t *testing.T) {
	ctx := context.Background()
	a, out, _ := newTestApp(t)

	require.NoError(t, a.TrustAdd(ctx, "  Corner Cafe "))
	require.NoError(t, a.TrustAdd(ctx, "Corner Cafe"))
	assert.Contains(t, out.String(), "Corner Cafe is already trusted")

	out.Reset()
	require.NoError(t, a.TrustList(ctx))
	assert.NotContains(t, out.String(), "  Corner Cafe")

	out.Reset()
	require.NoError(t, a.TrustRemove(ctx, "Corner Cafe\t"))
	assert.Contains(t, out.String(), "removed Corner Cafe")
	require.NoError(t, a.TrustList(ctx))
	assert.Contains(t, out.String(), "no trusted merchants")

	assert.Error(t, a.TrustAdd(ctx, "   "))
}

func TestExportCSVAndPNG(t *testing.T) {
	ctx := context.Background()
	a, _, bills := newTestApp(t)
	require.NoError(t, a.Scan(ctx, ScanOptions{Input: bills}))

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "txns.csv")
	pngPath := filepath.Join(dir, "out", "dining.png")
	require.NoError(t, a.Export(ctx, ExportOptions{CSVPath: csvPath, PNGPath: pngPath, Category: "dining"}))

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 22)
	last := rows[len(rows)-1]
	assert.Equal(t, "x-1", last[0])
	assert.Equal(t, "amount", last[5])
	assert.Equal(t, "high", last[6])
	assert.Equal(t, "pending", last[7])

	info, err := os.Stat(pngPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestExportRequiresTarget(t *testing.T) {
	a, _, _ := newTestApp(t)
	assert.Error(t, a.Export(context.Background(), ExportOptions{}))
}

func TestFilterAndDownsample(t *testing.T) {
	a, _, bills := newTestApp(t)
	require.NoError(t, a.Scan(context.Background(), ScanOptions{Input: bills}))
	svc, closeBackend, err := a.newService(context.Background(), nil, "")
	require.NoError(t, err)
	defer closeBackend()
	txns, err := svc.Transactions(context.Background())
	require.NoError(t, err)

	from := time.Date(2025, 11, 10, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC)
	window, err := filterTransactions(txns, ExportOptions{From: &from, To: &to})
	require.NoError(t, err)
	assert.Len(t, window, 10)

	_, err = filterTransactions(txns, ExportOptions{From: &to, To: &from})
	assert.Error(t, err)

	sampled := downsampleTransactions(txns, 5)
	require.Len(t, sampled, 5)
	assert.Equal(t, txns[0].ID, sampled[0].ID)
	assert.Equal(t, txns[len(txns)-1].ID, sampled[4].ID)
}

func TestNewSessionID(t *testing.T) {
	assert.NotEqual(t, NewSessionID(), NewSessionID())
}
