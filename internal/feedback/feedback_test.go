package feedback

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spend-anomalies/internal/detector"
	"spend-anomalies/internal/ledger"
	"spend-anomalies/internal/threshold"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setup(t *testing.T) (*Loop, *State, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2025, 11, 20, 12, 0, 0, 0, time.UTC)}
	policy := threshold.NewPolicy(5, threshold.Multipliers{})
	loop := NewLoop(DefaultConfig(), policy, c.now, zerolog.Nop())
	return loop, NewState(c.now), c
}

func amountFlag(id, merchant string, category ledger.Category) detector.Flag {
	return detector.Flag{
		ID:            detector.FlagID(id, detector.SignalAmount),
		TransactionID: id,
		Merchant:      merchant,
		Category:      category,
		Amount:        decimal.NewFromInt(90),
		Signal:        detector.SignalAmount,
		Severity:      detector.SeverityHigh,
		Disposition:   detector.DispositionPending,
	}
}

func TestDispositionIsWriteOnce(t *testing.T) {
	loop, state, _ := setup(t)
	f := amountFlag("t-1", "Corner Cafe", ledger.CategoryDining)
	state.History.Merge([]detector.Flag{f})

	out, err := loop.RecordDisposition(state, f.ID, detector.DispositionDismissed)
	require.NoError(t, err)
	assert.Equal(t, detector.DispositionDismissed, out.Flag.Disposition)
	assert.False(t, out.Flag.ResolvedAt.IsZero())

	for _, d := range []detector.Disposition{detector.DispositionConfirmed, detector.DispositionDismissed, detector.DispositionWhitelisted} {
		_, err = loop.RecordDisposition(state, f.ID, d)
		assert.True(t, errors.Is(err, ErrAlreadyResolved), "second %s must fail", d)
	}
	stored, _ := state.History.Get(f.ID)
	assert.Equal(t, detector.DispositionDismissed, stored.Disposition)
}

func TestInvalidDisposition(t *testing.T) {
	loop, state, _ := setup(t)
	f := amountFlag("t-1", "Corner Cafe", ledger.CategoryDining)
	state.History.Merge([]detector.Flag{f})

	_, err := loop.RecordDisposition(state, f.ID, detector.DispositionPending)
	assert.True(t, errors.Is(err, ErrInvalidDisposition))

	_, err = loop.RecordDispositionString(state, f.ID, "fraud")
	assert.True(t, errors.Is(err, ErrInvalidDisposition))

	stored, _ := state.History.Get(f.ID)
	assert.Equal(t, detector.DispositionPending, stored.Disposition)
}

func TestUnknownFlagLeavesStateUntouched(t *testing.T) {
	loop, state, _ := setup(t)
	_, err := loop.RecordDisposition(state, "flag-123", detector.DispositionWhitelisted)
	assert.True(t, errors.Is(err, ErrUnknownFlag))
	assert.Zero(t, state.Trust.Len())
	assert.Zero(t, state.Revision)
	assert.Empty(t, state.Overrides)
}

func TestWhitelistAddsMerchant(t *testing.T) {
	loop, state, _ := setup(t)
	f := amountFlag("t-1", "Corner Cafe", ledger.CategoryDining)
	state.History.Merge([]detector.Flag{f})

	out, err := loop.RecordDispositionString(state, f.ID, "whitelisted")
	require.NoError(t, err)
	assert.True(t, out.Whitelisted)
	assert.Contains(t, state.Trust.List(), "Corner Cafe")
	assert.Equal(t, 1, state.Revision)
}

func TestRepeatedDismissalsWidenCategory(t *testing.T) {
	loop, state, c := setup(t)
	var flags []detector.Flag
	for i := 0; i < 3; i++ {
		flags = append(flags, amountFlag(fmt.Sprintf("t-%d", i), "Corner Cafe", ledger.CategoryDining))
	}
	state.History.Merge(flags)

	for i, f := range flags {
		c.t = c.t.Add(time.Hour)
		out, err := loop.RecordDisposition(state, f.ID, detector.DispositionDismissed)
		require.NoError(t, err)
		if i < 2 {
			assert.False(t, out.Widened)
			continue
		}
		require.True(t, out.Widened)
		assert.True(t, out.Multipliers.Low.Equal(decimal.NewFromFloat(2.0)))
		assert.True(t, out.Multipliers.High.Equal(decimal.NewFromFloat(3.0)))
	}

	m := state.Overrides[ledger.CategoryDining]
	assert.True(t, m.High.Equal(decimal.NewFromInt(3)))
	assert.Empty(t, state.Dismissals[ledger.CategoryDining], "consumed dismissals are cleared")
	assert.Equal(t, 1, state.Revision)
}

func TestDismissalsOutsideWindowDoNotCount(t *testing.T) {
	loop, state, c := setup(t)
	var flags []detector.Flag
	for i := 0; i < 3; i++ {
		flags = append(flags, amountFlag(fmt.Sprintf("t-%d", i), "Corner Cafe", ledger.CategoryDining))
	}
	state.History.Merge(flags)

	for _, f := range flags {
		c.t = c.t.Add(20 * 24 * time.Hour)
		out, err := loop.RecordDisposition(state, f.ID, detector.DispositionDismissed)
		require.NoError(t, err)
		assert.False(t, out.Widened)
	}
	assert.Empty(t, state.Overrides)
}

func TestNonAmountDismissalsDoNotWiden(t *testing.T) {
	loop, state, _ := setup(t)
	var flags []detector.Flag
	for i := 0; i < 4; i++ {
		f := amountFlag(fmt.Sprintf("t-%d", i), "Coffee", ledger.CategoryDining)
		f.Signal = detector.SignalFrequency
		f.ID = detector.FlagID(f.TransactionID, f.Signal)
		flags = append(flags, f)
	}
	state.History.Merge(flags)
	for _, f := range flags {
		_, err := loop.RecordDisposition(state, f.ID, detector.DispositionDismissed)
		require.NoError(t, err)
	}
	assert.Empty(t, state.Overrides)
}

func TestHistoryMergeKeepsResolvedFlags(t *testing.T) {
	loop, state, _ := setup(t)
	f := amountFlag("t-1", "Corner Cafe", ledger.CategoryDining)
	require.Len(t, state.History.Merge([]detector.Flag{f}), 1)

	_, err := loop.RecordDisposition(state, f.ID, detector.DispositionConfirmed)
	require.NoError(t, err)

	added := state.History.Merge([]detector.Flag{f, amountFlag("t-2", "Other", ledger.CategoryDining)})
	require.Len(t, added, 1)
	assert.Equal(t, "t-2", added[0].TransactionID)

	stored, _ := state.History.Get(f.ID)
	assert.Equal(t, detector.DispositionConfirmed, stored.Disposition)
	assert.Len(t, state.History.Pending(), 1)
	assert.Len(t, state.History.All(), 2)
}

func TestHistoryMergeRefreshesPendingFlags(t *testing.T) {
	loop, state, _ := setup(t)
	pending := amountFlag("t-1", "Corner Cafe", ledger.CategoryDining)
	resolved := amountFlag("t-2", "Bistro", ledger.CategoryDining)
	state.History.Merge([]detector.Flag{pending, resolved})
	_, err := loop.RecordDisposition(state, resolved.ID, detector.DispositionConfirmed)
	require.NoError(t, err)

	for _, f := range []*detector.Flag{&pending, &resolved} {
		f.Severity = detector.SeverityLow
		f.Rationale = "amount 90 above low threshold 85"
	}
	assert.Empty(t, state.History.Merge([]detector.Flag{pending, resolved}))

	stored, _ := state.History.Get(pending.ID)
	assert.Equal(t, detector.SeverityLow, stored.Severity)
	assert.Equal(t, pending.Rationale, stored.Rationale)
	assert.Equal(t, detector.DispositionPending, stored.Disposition)

	stored, _ = state.History.Get(resolved.ID)
	assert.Equal(t, detector.SeverityHigh, stored.Severity)
	assert.Empty(t, stored.Rationale)
}

func TestHistoryDigest(t *testing.T) {
	loop, state, _ := setup(t)
	empty := state.History.Digest()
	assert.Equal(t, empty, NewHistory().Digest())

	f := amountFlag("t-1", "Corner Cafe", ledger.CategoryDining)
	state.History.Merge([]detector.Flag{f})
	merged := state.History.Digest()
	assert.NotEqual(t, empty, merged)

	restored := NewHistory()
	restored.Restore(f)
	assert.Equal(t, merged, restored.Digest())

	_, err := loop.RecordDisposition(state, f.ID, detector.DispositionDismissed)
	require.NoError(t, err)
	assert.NotEqual(t, merged, state.History.Digest())
}

func TestUnlabelledFlagCanBeResolved(t *testing.T) {
	loop, state, _ := setup(t)
	f := amountFlag("t-1", "Corner Cafe", ledger.CategoryDining)
	f.Disposition = ""
	state.History.Restore(f)

	out, err := loop.RecordDisposition(state, f.ID, detector.DispositionConfirmed)
	require.NoError(t, err)
	assert.Equal(t, detector.DispositionConfirmed, out.Flag.Disposition)

	_, err = loop.RecordDisposition(state, f.ID, detector.DispositionDismissed)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}
