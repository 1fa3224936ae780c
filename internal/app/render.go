package app

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"

	"spend-anomalies/internal/detector"
)

var (
	highColor      = color.New(color.FgRed)
	lowColor       = color.New(color.FgYellow)
	confirmedColor = color.New(color.FgMagenta)
	dismissedColor = color.New(color.FgBlue)
	trustedColor   = color.New(color.FgGreen)
	pendingColor   = color.New(color.FgCyan)
)

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
}

func severityLabel(s detector.Severity) string {
	if s == detector.SeverityHigh {
		return highColor.Sprint("HIGH")
	}
	return lowColor.Sprint("LOW ")
}

func dispositionLabel(d detector.Disposition) string {
	label := fmt.Sprintf("%-11s", d)
	switch d {
	case detector.DispositionConfirmed:
		return confirmedColor.Sprint(label)
	case detector.DispositionDismissed:
		return dismissedColor.Sprint(label)
	case detector.DispositionWhitelisted:
		return trustedColor.Sprint(label)
	default:
		return pendingColor.Sprint(label)
	}
}

func writeFlags(out io.Writer, flags []detector.Flag) {
	writer := newTable(out)
	fmt.Fprintln(writer, "Flag\tDate\tSeverity\tSignal\tMerchant\tCategory\tAmount\tStatus\tRationale")
	for _, f := range flags {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			f.ID,
			f.Date.Format("2006-01-02"),
			severityLabel(f.Severity),
			f.Signal,
			sanitizeInline(f.Merchant),
			f.Category,
			formatDecimal(f.Amount, 2),
			dispositionLabel(f.Disposition),
			sanitizeInline(f.Rationale),
		)
	}
	writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
