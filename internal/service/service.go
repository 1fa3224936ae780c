package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spend-anomalies/internal/alerting"
	"spend-anomalies/internal/config"
	"spend-anomalies/internal/detector"
	"spend-anomalies/internal/engine"
	"spend-anomalies/internal/feedback"
	"spend-anomalies/internal/ingest"
	"spend-anomalies/internal/ledger"
	"spend-anomalies/internal/logging"
	"spend-anomalies/internal/scheduler"
	"spend-anomalies/internal/storage"
	"spend-anomalies/internal/threshold"
	"spend-anomalies/internal/trust"
)

// ErrBusy is returned when another process holds the session lock.
var ErrBusy = errors.New("service: session is locked by another process")

// Service orchestrates ingest, detection, persistence, and alerting for one
// session.
type Service struct {
	scheduler *scheduler.Scheduler
	source    ingest.Source
	txns      storage.TransactionStore
	states    storage.StateStore
	flags     storage.FlagStore
	notifier  alerting.Notifier
	logger    zerolog.Logger

	session     string
	engineCfg   engine.Config
	minSeverity detector.Severity
	channels    []string
	alertsOn    bool
	cooldown    time.Duration
	lastAlert   map[string]time.Time
	locker      storage.AdvisoryLocker
	lockKey     int64
	now         func() time.Time

	eng *engine.Engine
}

// New constructs the session service. source, flags, notifier and sched may
// be nil.
func New(cfg *config.Config, session string, sched *scheduler.Scheduler, source ingest.Source, txns storage.TransactionStore, states storage.StateStore, flags storage.FlagStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := states.(storage.AdvisoryLocker); ok {
		locker = l
	}

	minSeverity, ok := detector.ParseSeverity(cfg.Alerting.MinSeverity)
	if !ok {
		minSeverity = detector.SeverityHigh
	}

	engineCfg := EngineConfig(cfg)
	now := engineCfg.Detection.Now
	if now == nil {
		now = time.Now
		engineCfg.Detection.Now = now
	}

	return &Service{
		scheduler:   sched,
		source:      source,
		txns:        txns,
		states:      states,
		flags:       flags,
		notifier:    notifier,
		logger:      logging.Component(logger, "service").With().Str("session", session).Logger(),
		session:     session,
		engineCfg:   engineCfg,
		minSeverity: minSeverity,
		channels:    cfg.Alerting.Channels,
		alertsOn:    cfg.Alerting.Enabled,
		cooldown:    cfg.Alerting.Cooldown,
		lastAlert:   make(map[string]time.Time),
		locker:      locker,
		lockKey:     SessionLockKey(cfg.Scheduler.AdvisoryLockKey, session),
		now:         now,
	}
}

// EngineConfig maps configuration onto engine tunables.
func EngineConfig(cfg *config.Config) engine.Config {
	d := cfg.Detection
	f := cfg.Feedback
	return engine.Config{
		MinSamples: d.MinSamples,
		Multipliers: threshold.Multipliers{
			Low:  decimal.NewFromFloat(d.LowMultiplier),
			High: decimal.NewFromFloat(d.HighMultiplier),
		},
		Detection: detector.Options{
			BaselineWindow:  d.BaselineWindow,
			FrequencyFactor: d.FrequencyFactor,
			MinBurst:        d.MinBurst,
			MinHistory:      d.MinHistory,
			NightStartHour:  d.NightStart,
			NightEndHour:    d.NightEnd,
			NightShareMax:   d.NightShareMax,
		},
		Feedback: feedback.Config{
			DismissalsToWiden: f.DismissalsToWiden,
			Window:            f.DismissalWindow,
			WidenStep:         decimal.NewFromFloat(f.WidenStep),
		},
	}
}

// SessionLockKey derives a per-session advisory lock key from base. A zero
// base disables locking.
func SessionLockKey(base int64, session string) int64 {
	if base == 0 {
		return 0
	}
	return base ^ int64(xxhash.Sum64String(session)>>1)
}

// Run begins the periodic scan loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick 执行单次定时扫描。
func (s *Service) ProcessTick(ctx context.Context, bucket time.Time) error {
	res, err := s.Scan(ctx)
	if errors.Is(err, ErrBusy) {
		s.logger.Debug().Time("bucket", bucket).Msg("skip tick because session lock held elsewhere")
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info().Time("bucket", bucket).
		Bool("cached", res.Cached).
		Int("new_flags", len(res.New)).
		Msg("scheduled scan complete")
	return nil
}

// Import pulls the configured source into the transaction store.
func (s *Service) Import(ctx context.Context) (int, error) {
	var n int
	err := s.withLock(ctx, func() error {
		var err error
		n, err = s.importLocked(ctx)
		return err
	})
	return n, err
}

func (s *Service) importLocked(ctx context.Context) (int, error) {
	if s.source == nil {
		return 0, nil
	}
	txns, err := s.source.Fetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", s.source.Name(), err)
	}
	if len(txns) == 0 {
		return 0, nil
	}
	batch := ledger.NewStore()
	if err := batch.Replace(txns); err != nil {
		return 0, fmt.Errorf("validate %s: %w", s.source.Name(), err)
	}

	existing, err := s.storedTransactions(ctx)
	if err != nil {
		return 0, err
	}
	fresh := 0
	for _, txn := range batch.All() {
		if !existing.Has(txn.ID) {
			fresh++
		}
	}

	if err := s.txns.UpsertTransactions(ctx, s.session, batch.All()); err != nil {
		return 0, fmt.Errorf("store transactions: %w", err)
	}
	s.logger.Info().Str("source", s.source.Name()).
		Int("transactions", batch.Len()).
		Int("new", fresh).
		Msg("transactions imported")
	return batch.Len(), nil
}

// storedTransactions loads the session's transactions into a validated set.
func (s *Service) storedTransactions(ctx context.Context) (*ledger.Store, error) {
	txns, err := s.txns.ListTransactions(ctx, s.session)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	store := ledger.NewStore()
	if err := store.Replace(txns); err != nil {
		return nil, fmt.Errorf("stored transactions: %w", err)
	}
	return store, nil
}

// Scan imports from the source when one is configured, then runs one
// detection pass over the stored transactions, persists state and notifies
// about newly surfaced flags.
func (s *Service) Scan(ctx context.Context) (engine.Result, error) {
	var result engine.Result
	err := s.withLock(ctx, func() error {
		if _, err := s.importLocked(ctx); err != nil {
			return err
		}
		stored, err := s.storedTransactions(ctx)
		if err != nil {
			return err
		}
		eng, err := s.loadEngine(ctx)
		if err != nil {
			return err
		}

		result, err = eng.Scan(stored.All())
		if err != nil {
			return err
		}
		if result.Cached {
			return nil
		}
		if err := s.persist(ctx, eng, result.New); err != nil {
			return err
		}
		eng.Commit()
		s.notify(ctx, result.New)
		return nil
	})
	return result, err
}

// Dispose records the user's verdict on a flag. Feedback errors are returned
// unwrapped so callers can match them with errors.Is.
func (s *Service) Dispose(ctx context.Context, flagID, label string) (feedback.Outcome, error) {
	var out feedback.Outcome
	err := s.withLock(ctx, func() error {
		eng, err := s.loadEngine(ctx)
		if err != nil {
			return err
		}
		out, err = eng.RecordString(flagID, label)
		if err != nil {
			return err
		}
		if out.Widened {
			s.logger.Info().Str("category", string(out.Flag.Category)).
				Str("low", out.Multipliers.Low.String()).
				Str("high", out.Multipliers.High.String()).
				Msg("category thresholds widened")
		}
		return s.persist(ctx, eng, []detector.Flag{out.Flag})
	})
	return out, err
}

// Trust adds merchant to the session's trust list.
func (s *Service) Trust(ctx context.Context, merchant string) (bool, error) {
	return s.mutateTrust(ctx, func(eng *engine.Engine) bool { return eng.Trust(merchant) })
}

// Distrust removes merchant from the session's trust list.
func (s *Service) Distrust(ctx context.Context, merchant string) (bool, error) {
	return s.mutateTrust(ctx, func(eng *engine.Engine) bool { return eng.Distrust(merchant) })
}

func (s *Service) mutateTrust(ctx context.Context, apply func(*engine.Engine) bool) (bool, error) {
	var changed bool
	err := s.withLock(ctx, func() error {
		eng, err := s.loadEngine(ctx)
		if err != nil {
			return err
		}
		if changed = apply(eng); !changed {
			return nil
		}
		return s.persist(ctx, eng, nil)
	})
	return changed, err
}

// TrustList returns the trusted merchants.
func (s *Service) TrustList(ctx context.Context) ([]trust.Merchant, error) {
	eng, err := s.loadEngine(ctx)
	if err != nil {
		return nil, err
	}
	return eng.State().Trust.Entries(), nil
}

// Flags returns pending flags, or every flag when all is set.
func (s *Service) Flags(ctx context.Context, all bool) ([]detector.Flag, error) {
	eng, err := s.loadEngine(ctx)
	if err != nil {
		return nil, err
	}
	if all {
		return eng.History(), nil
	}
	return eng.Pending(), nil
}

// AuditFlags lists the most recently created flags, from the audit table
// when one is configured and from session history otherwise.
func (s *Service) AuditFlags(ctx context.Context, limit int) ([]detector.Flag, error) {
	if s.flags != nil {
		return s.flags.ListRecentFlags(ctx, s.session, limit)
	}
	all, err := s.Flags(ctx, true)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Reset deletes the session's transactions, flags and state.
func (s *Service) Reset(ctx context.Context) error {
	deleter, ok := s.txns.(storage.SessionDeleter)
	if !ok {
		return fmt.Errorf("storage backend cannot delete sessions")
	}
	return s.withLock(ctx, func() error {
		if err := deleter.DeleteSession(ctx, s.session); err != nil {
			return err
		}
		s.eng = nil
		s.logger.Info().Msg("session reset")
		return nil
	})
}

// Transactions lists stored transactions in detection order.
func (s *Service) Transactions(ctx context.Context) ([]ledger.Transaction, error) {
	stored, err := s.storedTransactions(ctx)
	if err != nil {
		return nil, err
	}
	return stored.All(), nil
}

// Overview runs a read-only pass: statistics and thresholds under the
// session's current overrides, without merging flags or saving state.
func (s *Service) Overview(ctx context.Context) (engine.Result, error) {
	txns, err := s.Transactions(ctx)
	if err != nil {
		return engine.Result{}, err
	}
	eng, err := s.loadEngine(ctx)
	if err != nil {
		return engine.Result{}, err
	}
	return eng.Preview(txns)
}

func (s *Service) loadEngine(ctx context.Context) (*engine.Engine, error) {
	snap, _, err := s.states.LoadState(ctx, s.session)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	state, err := engine.Restore(snap, s.now)
	if err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}
	if s.eng == nil {
		s.eng = engine.New(s.engineCfg, state, s.logger)
	} else {
		s.eng.Adopt(state)
	}
	return s.eng, nil
}

func (s *Service) persist(ctx context.Context, eng *engine.Engine, changed []detector.Flag) error {
	if err := s.states.SaveState(ctx, s.session, eng.Snapshot()); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if s.flags != nil && len(changed) > 0 {
		if err := s.flags.UpsertFlags(ctx, s.session, changed); err != nil {
			s.logger.Error().Err(err).Int("flags", len(changed)).Msg("failed to persist flag audit")
		}
	}
	return nil
}

func (s *Service) notify(ctx context.Context, added []detector.Flag) {
	if !s.alertsOn || s.notifier == nil {
		return
	}
	now := s.now()
	var selected []detector.Flag
	for _, f := range alerting.Filter(added, s.minSeverity) {
		// one alert per merchant per cooldown
		if last, ok := s.lastAlert[f.Merchant]; ok && s.cooldown > 0 && now.Sub(last) < s.cooldown {
			s.logger.Debug().Str("merchant", f.Merchant).Str("flag", f.ID).Msg("alert suppressed by cooldown")
			continue
		}
		selected = append(selected, f)
	}
	if len(selected) == 0 {
		return
	}
	note := alerting.Notification{
		Session:   s.session,
		ScannedAt: now,
		Flags:     selected,
		Channels:  s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Int("flags", len(selected)).Msg("failed to dispatch alert")
		return
	}
	for _, f := range selected {
		s.lastAlert[f.Merchant] = now
	}
}

func (s *Service) withLock(ctx context.Context, fn func() error) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		return ErrBusy
	}
	if unlock != nil {
		defer unlock()
	}
	return fn()
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
