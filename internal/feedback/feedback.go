package feedback

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spend-anomalies/internal/detector"
	"spend-anomalies/internal/ledger"
	"spend-anomalies/internal/threshold"
	"spend-anomalies/internal/trust"
)

var (
	// ErrInvalidDisposition is returned for anything other than confirmed,
	// dismissed or whitelisted.
	ErrInvalidDisposition = errors.New("feedback: invalid disposition")
	// ErrUnknownFlag is returned when no flag has the given id.
	ErrUnknownFlag = errors.New("feedback: unknown flag")
	// ErrAlreadyResolved is returned when the flag is no longer pending.
	ErrAlreadyResolved = errors.New("feedback: flag already resolved")
)

// DismissalLog holds, per category, the times of amount-signal dismissals
// not yet consumed by a widening.
type DismissalLog map[ledger.Category][]time.Time

// State is the mutable part of one user session. Each session owns its own
// instance; nothing here is shared.
type State struct {
	History    *History
	Trust      *trust.List
	Overrides  threshold.Overrides
	Dismissals DismissalLog
	// Revision changes whenever feedback alters detection inputs.
	Revision int
}

// NewState builds an empty session state.
func NewState(now func() time.Time) *State {
	return &State{
		History:    NewHistory(),
		Trust:      trust.NewList(now),
		Overrides:  threshold.Overrides{},
		Dismissals: DismissalLog{},
	}
}

// Config tunes the adaptive widening.
type Config struct {
	DismissalsToWiden int
	Window            time.Duration
	WidenStep         decimal.Decimal
}

// DefaultConfig widens by 0.5σ after three dismissals within 30 days.
func DefaultConfig() Config {
	return Config{
		DismissalsToWiden: 3,
		Window:            30 * 24 * time.Hour,
		WidenStep:         decimal.NewFromFloat(0.5),
	}
}

// Outcome describes what a recorded disposition changed.
type Outcome struct {
	Flag        detector.Flag
	Widened     bool
	Multipliers threshold.Multipliers
	Whitelisted bool
}

// Loop applies user dispositions to session state.
type Loop struct {
	cfg    Config
	policy threshold.Policy
	now    func() time.Time
	logger zerolog.Logger
}

// NewLoop constructs a feedback loop over the given threshold policy.
func NewLoop(cfg Config, policy threshold.Policy, now func() time.Time, logger zerolog.Logger) *Loop {
	def := DefaultConfig()
	if cfg.DismissalsToWiden <= 0 {
		cfg.DismissalsToWiden = def.DismissalsToWiden
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if !cfg.WidenStep.IsPositive() {
		cfg.WidenStep = def.WidenStep
	}
	if now == nil {
		now = time.Now
	}
	return &Loop{
		cfg:    cfg,
		policy: policy,
		now:    now,
		logger: logger.With().Str("component", "feedback").Logger(),
	}
}

// RecordDispositionString parses label and records it.
func (l *Loop) RecordDispositionString(state *State, flagID, label string) (Outcome, error) {
	d, ok := detector.ParseDisposition(label)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidDisposition, label)
	}
	return l.RecordDisposition(state, flagID, d)
}

// RecordDisposition resolves a pending flag. On error nothing in state is
// modified.
func (l *Loop) RecordDisposition(state *State, flagID string, d detector.Disposition) (Outcome, error) {
	switch d {
	case detector.DispositionConfirmed, detector.DispositionDismissed, detector.DispositionWhitelisted:
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidDisposition, d)
	}

	flag, ok := state.History.lookup(flagID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownFlag, flagID)
	}
	if flag.Disposition.Resolved() {
		return Outcome{}, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, flagID, flag.Disposition)
	}

	now := l.now().UTC()
	flag.Disposition = d
	flag.ResolvedAt = now
	out := Outcome{}

	switch d {
	case detector.DispositionConfirmed:
		l.logger.Info().Str("flag", flagID).Str("category", string(flag.Category)).Msg("anomaly confirmed")
	case detector.DispositionDismissed:
		out.Widened, out.Multipliers = l.recordDismissal(state, *flag, now)
	case detector.DispositionWhitelisted:
		out.Whitelisted = state.Trust.Add(flag.Merchant)
		state.Revision++
		l.logger.Info().Str("flag", flagID).Str("merchant", flag.Merchant).Msg("merchant trusted from feedback")
	}

	out.Flag = *flag
	return out, nil
}

func (l *Loop) recordDismissal(state *State, flag detector.Flag, now time.Time) (bool, threshold.Multipliers) {
	if flag.Signal != detector.SignalAmount {
		l.logger.Info().Str("flag", flag.ID).Str("signal", string(flag.Signal)).Msg("false positive recorded")
		return false, threshold.Multipliers{}
	}

	if state.Dismissals == nil {
		state.Dismissals = DismissalLog{}
	}
	if state.Overrides == nil {
		state.Overrides = threshold.Overrides{}
	}

	cutoff := now.Add(-l.cfg.Window)
	recent := make([]time.Time, 0, len(state.Dismissals[flag.Category])+1)
	for _, ts := range state.Dismissals[flag.Category] {
		if !ts.Before(cutoff) {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)

	if len(recent) < l.cfg.DismissalsToWiden {
		state.Dismissals[flag.Category] = recent
		l.logger.Info().Str("flag", flag.ID).
			Str("category", string(flag.Category)).
			Int("dismissals", len(recent)).
			Msg("false positive recorded")
		return false, threshold.Multipliers{}
	}

	delete(state.Dismissals, flag.Category)
	base := l.policy.Multipliers(flag.Category, state.Overrides)
	next := state.Overrides.Widen(flag.Category, base, l.cfg.WidenStep)
	state.Revision++

	l.logger.Warn().Str("category", string(flag.Category)).
		Str("low", next.Low.String()).
		Str("high", next.High.String()).
		Msg("category thresholds widened after repeated dismissals")
	return true, next
}

// Sorted returns the log's categories in stable order.
func (d DismissalLog) Sorted() []ledger.Category {
	out := make([]ledger.Category, 0, len(d))
	for c := range d {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
