package app

import (
	"context"
	"fmt"
)

// Scan runs one detection pass and prints the newly surfaced flags.
func (a *App) Scan(ctx context.Context, opts ScanOptions) error {
	svc, closeBackend, err := a.newService(ctx, nil, opts.Input)
	if err != nil {
		return err
	}
	defer closeBackend()

	res, err := svc.Scan(ctx)
	if err != nil {
		return err
	}

	suppressed := 0
	for _, set := range res.Thresholds {
		if set.Suppressed {
			suppressed++
		}
	}
	fmt.Fprintf(a.Out, "session %s: %d transactions, %d flags raised, %d new",
		a.Session, res.Fingerprint.Count, len(res.Flags), len(res.New))
	if res.Cached {
		fmt.Fprint(a.Out, " (unchanged since last scan)")
	}
	if suppressed > 0 {
		fmt.Fprintf(a.Out, ", amount checks suppressed for %d categories", suppressed)
	}
	fmt.Fprintln(a.Out)

	if len(res.New) > 0 {
		writeFlags(a.Out, res.New)
	}
	return nil
}

// Reset removes everything stored for the session.
func (a *App) Reset(ctx context.Context) error {
	svc, closeBackend, err := a.newService(ctx, nil, "")
	if err != nil {
		return err
	}
	defer closeBackend()

	if err := svc.Reset(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "session %s cleared\n", a.Session)
	return nil
}
