package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"spend-anomalies/internal/detector"
	"spend-anomalies/internal/feedback"
)

// Flags prints pending flags, or the audit trail with opts.All.
func (a *App) Flags(ctx context.Context, opts FlagsOptions) error {
	svc, closeBackend, err := a.newService(ctx, nil, "")
	if err != nil {
		return err
	}
	defer closeBackend()

	var flags []detector.Flag
	if opts.All {
		flags, err = svc.AuditFlags(ctx, opts.Limit)
	} else {
		flags, err = svc.Flags(ctx, false)
	}
	if err != nil {
		return err
	}
	if len(flags) == 0 {
		fmt.Fprintln(a.Out, "no flags found")
		return nil
	}
	writeFlags(a.Out, flags)
	return nil
}

// Dispose records a verdict on a flag. Feedback errors mean the caller acted
// on stale state; they are reported as warnings and do not fail the command.
func (a *App) Dispose(ctx context.Context, flagID, label string) error {
	svc, closeBackend, err := a.newService(ctx, nil, "")
	if err != nil {
		return err
	}
	defer closeBackend()

	out, err := svc.Dispose(ctx, flagID, label)
	switch {
	case errors.Is(err, feedback.ErrUnknownFlag),
		errors.Is(err, feedback.ErrAlreadyResolved),
		errors.Is(err, feedback.ErrInvalidDisposition):
		a.Logger.Warn().Err(err).Str("flag", flagID).Str("disposition", label).Msg("disposition not recorded")
		fmt.Fprintf(a.Out, "warning: %v\n", err)
		return nil
	case err != nil:
		return err
	}

	fmt.Fprintf(a.Out, "%s marked %s\n", out.Flag.ID, dispositionLabel(out.Flag.Disposition))
	if out.Whitelisted {
		fmt.Fprintf(a.Out, "%s is now trusted; it will not be flagged again\n", out.Flag.Merchant)
	}
	if out.Widened {
		fmt.Fprintf(a.Out, "%s thresholds widened to %s/%s sigma\n",
			out.Flag.Category, out.Multipliers.Low.String(), out.Multipliers.High.String())
	}
	return nil
}

// TrustAdd adds a merchant to the trust list.
func (a *App) TrustAdd(ctx context.Context, merchant string) error {
	merchant, err := merchantArg(merchant)
	if err != nil {
		return err
	}
	svc, closeBackend, err := a.newService(ctx, nil, "")
	if err != nil {
		return err
	}
	defer closeBackend()

	changed, err := svc.Trust(ctx, merchant)
	if err != nil {
		return err
	}
	if !changed {
		fmt.Fprintf(a.Out, "%s is already trusted\n", merchant)
		return nil
	}
	fmt.Fprintf(a.Out, "trusted %s\n", merchant)
	return nil
}

// TrustRemove removes a merchant from the trust list.
func (a *App) TrustRemove(ctx context.Context, merchant string) error {
	merchant, err := merchantArg(merchant)
	if err != nil {
		return err
	}
	svc, closeBackend, err := a.newService(ctx, nil, "")
	if err != nil {
		return err
	}
	defer closeBackend()

	changed, err := svc.Distrust(ctx, merchant)
	if err != nil {
		return err
	}
	if !changed {
		fmt.Fprintf(a.Out, "%s was not trusted\n", merchant)
		return nil
	}
	fmt.Fprintf(a.Out, "removed %s from trusted merchants\n", merchant)
	return nil
}

func merchantArg(v string) (string, error) {
	merchant := strings.TrimSpace(v)
	if merchant == "" {
		return "", fmt.Errorf("merchant name is required")
	}
	return merchant, nil
}

// TrustList prints the trusted merchants.
func (a *App) TrustList(ctx context.Context) error {
	svc, closeBackend, err := a.newService(ctx, nil, "")
	if err != nil {
		return err
	}
	defer closeBackend()

	merchants, err := svc.TrustList(ctx)
	if err != nil {
		return err
	}
	if len(merchants) == 0 {
		fmt.Fprintln(a.Out, "no trusted merchants")
		return nil
	}

	writer := newTable(a.Out)
	fmt.Fprintln(writer, "Merchant\tTrusted since")
	for _, m := range merchants {
		fmt.Fprintf(writer, "%s\t%s\n", sanitizeInline(m.Name), m.AddedAt.Format(time.RFC3339))
	}
	writer.Flush()
	return nil
}
