package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"spend-anomalies/internal/detector"
	"spend-anomalies/internal/feedback"
	"spend-anomalies/internal/ledger"
	"spend-anomalies/internal/stats"
	"spend-anomalies/internal/threshold"
)

// Config gathers the tunables of every stage.
type Config struct {
	MinSamples  int
	Multipliers threshold.Multipliers
	Detection   detector.Options
	Feedback    feedback.Config
}

// Result is the outcome of one detection pass.
type Result struct {
	Fingerprint ledger.Fingerprint
	Stats       map[ledger.Category]stats.CategoryStatistics
	Thresholds  map[ledger.Category]threshold.Set
	// Flags holds every flag raised by this pass.
	Flags []detector.Flag
	// New holds the flags first surfaced by this pass.
	New []detector.Flag
	// Cached is set when the pass was skipped because inputs were unchanged.
	Cached bool
}

type cacheKey struct {
	fp       ledger.Fingerprint
	revision int
	history  uint64
}

func (k cacheKey) matches(o cacheKey) bool {
	return k.revision == o.revision && k.history == o.history && k.fp.Equal(o.fp)
}

// Engine runs detection for one session. It is not safe for concurrent use;
// each session owns its own Engine and State.
type Engine struct {
	policy threshold.Policy
	loop   *feedback.Loop
	opts   detector.Options
	state  *feedback.State
	logger zerolog.Logger
	now    func() time.Time

	lastKey    *cacheKey
	lastResult Result

	// pass awaiting Commit
	pendingKey    *cacheKey
	pendingResult Result
}

// New builds an engine over state. A nil state starts a fresh session.
func New(cfg Config, state *feedback.State, logger zerolog.Logger) *Engine {
	opts := cfg.Detection
	now := opts.Now
	if now == nil {
		now = time.Now
		opts.Now = now
	}
	if state == nil {
		state = feedback.NewState(now)
	}
	policy := threshold.NewPolicy(cfg.MinSamples, cfg.Multipliers)
	logger = logger.With().Str("component", "engine").Logger()

	return &Engine{
		policy: policy,
		loop:   feedback.NewLoop(cfg.Feedback, policy, now, logger),
		opts:   opts,
		state:  state,
		logger: logger,
		now:    now,
	}
}

// State exposes the session state.
func (e *Engine) State() *feedback.State {
	return e.state
}

// Adopt swaps in state reloaded from storage. The committed pass survives
// only when both the revision and the flag history are unchanged; an
// uncommitted pass is always dropped.
func (e *Engine) Adopt(state *feedback.State) {
	if state == nil {
		state = feedback.NewState(e.now)
	}
	if e.lastKey != nil && (e.lastKey.revision != state.Revision || e.lastKey.history != state.History.Digest()) {
		e.lastKey = nil
		e.lastResult = Result{}
	}
	e.pendingKey = nil
	e.pendingResult = Result{}
	e.state = state
}

// Commit marks the last Scan as durable so an identical follow-up scan can
// reuse it. Call it once the pass has been persisted.
func (e *Engine) Commit() {
	if e.pendingKey == nil {
		return
	}
	e.lastKey = e.pendingKey
	e.lastResult = e.pendingResult
	e.pendingKey = nil
	e.pendingResult = Result{}
}

// Policy returns the threshold policy in use.
func (e *Engine) Policy() threshold.Policy {
	return e.policy
}

// Scan runs statistics, thresholds and detection over txns and merges the
// raised flags into history. When neither txns nor feedback state changed
// since the last committed pass, the cached result is returned.
func (e *Engine) Scan(txns []ledger.Transaction) (Result, error) {
	for _, txn := range txns {
		if err := txn.Validate(); err != nil {
			return Result{}, fmt.Errorf("scan: %w", err)
		}
	}

	key := cacheKey{fp: ledger.FingerprintOf(txns), revision: e.state.Revision, history: e.state.History.Digest()}
	if e.lastKey != nil && e.lastKey.matches(key) {
		e.logger.Debug().Int("transactions", key.fp.Count).Msg("inputs unchanged; reusing last pass")
		cached := e.lastResult
		cached.New = nil
		cached.Cached = true
		return cached, nil
	}

	categoryStats := stats.Compute(txns)
	sets := e.policy.Derive(categoryStats, e.state.Overrides)
	for category, set := range sets {
		if set.Suppressed {
			e.logger.Debug().Str("category", string(category)).
				Str("reason", string(set.Reason)).
				Int("samples", set.EffectiveSamples).
				Msg("amount detection suppressed")
		}
	}

	flags := detector.Collect(detector.Detect(txns, sets, e.state.Trust, e.opts))
	added := e.state.History.Merge(flags)

	result := Result{
		Fingerprint: key.fp,
		Stats:       categoryStats,
		Thresholds:  sets,
		Flags:       flags,
		New:         added,
	}
	key.history = e.state.History.Digest()
	e.pendingKey = &key
	e.pendingResult = result

	e.logger.Info().Int("transactions", len(txns)).
		Int("flags", len(flags)).
		Int("new", len(added)).
		Msg("detection pass complete")
	return result, nil
}

// Preview evaluates txns like Scan but leaves history and the cache alone.
func (e *Engine) Preview(txns []ledger.Transaction) (Result, error) {
	for _, txn := range txns {
		if err := txn.Validate(); err != nil {
			return Result{}, fmt.Errorf("preview: %w", err)
		}
	}
	categoryStats := stats.Compute(txns)
	sets := e.policy.Derive(categoryStats, e.state.Overrides)
	return Result{
		Fingerprint: ledger.FingerprintOf(txns),
		Stats:       categoryStats,
		Thresholds:  sets,
		Flags:       detector.Collect(detector.Detect(txns, sets, e.state.Trust, e.opts)),
	}, nil
}

// Record applies a disposition to a flag in history.
func (e *Engine) Record(flagID string, d detector.Disposition) (feedback.Outcome, error) {
	return e.loop.RecordDisposition(e.state, flagID, d)
}

// RecordString parses and applies a disposition label.
func (e *Engine) RecordString(flagID, label string) (feedback.Outcome, error) {
	return e.loop.RecordDispositionString(e.state, flagID, label)
}

// Trust adds merchant to the trust list.
func (e *Engine) Trust(merchant string) bool {
	changed := e.state.Trust.Add(merchant)
	if changed {
		e.state.Revision++
	}
	return changed
}

// Distrust removes merchant from the trust list.
func (e *Engine) Distrust(merchant string) bool {
	changed := e.state.Trust.Remove(merchant)
	if changed {
		e.state.Revision++
	}
	return changed
}

// Pending returns unresolved flags.
func (e *Engine) Pending() []detector.Flag {
	return e.state.History.Pending()
}

// History returns every flag surfaced in this session.
func (e *Engine) History() []detector.Flag {
	return e.state.History.All()
}
