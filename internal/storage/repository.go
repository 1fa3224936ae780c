package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"spend-anomalies/internal/detector"
	"spend-anomalies/internal/engine"
	"spend-anomalies/internal/ledger"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertTransactionSQL = `INSERT INTO transactions (
        session_id,
        txn_id,
        occurred_at,
        timed,
        merchant,
        category,
        amount
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (session_id, txn_id) DO UPDATE
    SET
        occurred_at = EXCLUDED.occurred_at,
        timed       = EXCLUDED.timed,
        merchant    = EXCLUDED.merchant,
        category    = EXCLUDED.category,
        amount      = EXCLUDED.amount;`

	listTransactionsSQL = `SELECT
        txn_id,
        occurred_at,
        timed,
        merchant,
        category,
        amount::text
    FROM transactions
    WHERE session_id = $1
    ORDER BY occurred_at, txn_id;`

	deleteSessionTransactionsSQL = `DELETE FROM transactions WHERE session_id = $1;`
	deleteSessionFlagsSQL        = `DELETE FROM anomaly_flags WHERE session_id = $1;`
	deleteSessionStateSQL        = `DELETE FROM engine_state WHERE session_id = $1;`

	upsertFlagSQL = `INSERT INTO anomaly_flags (
        session_id,
        flag_id,
        txn_id,
        occurred_at,
        merchant,
        category,
        amount,
        signal,
        severity,
        rationale,
        disposition,
        created_at,
        resolved_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (session_id, flag_id) DO UPDATE
    SET disposition = EXCLUDED.disposition,
        resolved_at = EXCLUDED.resolved_at;`

	listRecentFlagsSQL = `SELECT
        flag_id,
        txn_id,
        occurred_at,
        merchant,
        category,
        amount::text,
        signal,
        severity,
        rationale,
        disposition,
        created_at,
        resolved_at
    FROM anomaly_flags
    WHERE session_id = $1
    ORDER BY created_at DESC, flag_id
    LIMIT NULLIF($2, 0);`

	loadStateSQL = `SELECT payload FROM engine_state WHERE session_id = $1;`

	saveStateSQL = `INSERT INTO engine_state (session_id, payload, updated_at)
    VALUES ($1, $2, now())
    ON CONFLICT (session_id) DO UPDATE
    SET payload = EXCLUDED.payload,
        updated_at = now();`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TransactionStore persists a session's transactions.
type TransactionStore interface {
	UpsertTransactions(ctx context.Context, session string, txns []ledger.Transaction) error
	ListTransactions(ctx context.Context, session string) ([]ledger.Transaction, error)
}

// FlagStore keeps an auditable copy of surfaced flags.
type FlagStore interface {
	UpsertFlags(ctx context.Context, session string, flags []detector.Flag) error
	ListRecentFlags(ctx context.Context, session string, limit int) ([]detector.Flag, error)
}

// StateStore persists engine snapshots keyed by session.
type StateStore interface {
	LoadState(ctx context.Context, session string) (engine.Snapshot, bool, error)
	SaveState(ctx context.Context, session string, snap engine.Snapshot) error
}

// SessionDeleter removes everything stored for a session.
type SessionDeleter interface {
	DeleteSession(ctx context.Context, session string) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates PostgreSQL access to transactions, flags and state.
type Store struct {
	pool *pgxpool.Pool
	loc  *time.Location
}

// NewStore wires a pgx pool into a Store. Timestamps read back are expressed
// in loc, the zone transactions were ingested in; nil keeps UTC.
func NewStore(pool *pgxpool.Pool, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{pool: pool, loc: loc}
}

// pgx decodes timestamptz into time.Local; wall-clock signals need the
// ingest zone back.
func (s *Store) localTime(t time.Time) time.Time {
	if t.IsZero() || s.loc == nil {
		return t
	}
	return t.In(s.loc)
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertTransactions writes txns in one batch.
func (s *Store) UpsertTransactions(ctx context.Context, session string, txns []ledger.Transaction) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, txn := range txns {
		batch.Queue(upsertTransactionSQL,
			session,
			txn.ID,
			txn.Date,
			txn.Timed,
			txn.Merchant,
			string(txn.Category),
			txn.Amount.String(),
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert transactions: %w", err)
	}
	return nil
}

// ListTransactions returns the session's transactions in detection order.
func (s *Store) ListTransactions(ctx context.Context, session string) ([]ledger.Transaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTransactionsSQL, session)
	if queryErr != nil {
		return nil, fmt.Errorf("list transactions: %w", queryErr)
	}
	defer rows.Close()

	txns := make([]ledger.Transaction, 0)
	for rows.Next() {
		txn, scanErr := s.scanTransaction(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		txns = append(txns, txn)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return txns, nil
}

// DeleteSession removes every row belonging to session in one transaction.
func (s *Store) DeleteSession(ctx context.Context, session string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range []string{deleteSessionTransactionsSQL, deleteSessionFlagsSQL, deleteSessionStateSQL} {
		if _, execErr := tx.Exec(ctx, stmt, session); execErr != nil {
			return fmt.Errorf("delete session: %w", execErr)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}

// UpsertFlags records flags; existing rows only take disposition updates.
func (s *Store) UpsertFlags(ctx context.Context, session string, flags []detector.Flag) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, f := range flags {
		var resolved interface{}
		if !f.ResolvedAt.IsZero() {
			resolved = f.ResolvedAt
		}
		batch.Queue(upsertFlagSQL,
			session,
			f.ID,
			f.TransactionID,
			f.Date,
			f.Merchant,
			string(f.Category),
			f.Amount.String(),
			string(f.Signal),
			string(f.Severity),
			f.Rationale,
			string(f.Disposition),
			f.CreatedAt,
			resolved,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert flags: %w", err)
	}
	return nil
}

// ListRecentFlags lists the most recently created flags. A zero limit lists
// all of them.
func (s *Store) ListRecentFlags(ctx context.Context, session string, limit int) ([]detector.Flag, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentFlagsSQL, session, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent flags: %w", queryErr)
	}
	defer rows.Close()

	flags := make([]detector.Flag, 0)
	for rows.Next() {
		f, scanErr := s.scanFlag(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		flags = append(flags, f)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return flags, nil
}

// LoadState reads the session snapshot. The boolean is false when none is stored.
func (s *Store) LoadState(ctx context.Context, session string) (engine.Snapshot, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return engine.Snapshot{}, false, err
	}

	var payload []byte
	if scanErr := pool.QueryRow(ctx, loadStateSQL, session).Scan(&payload); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return engine.Snapshot{}, false, nil
		}
		return engine.Snapshot{}, false, fmt.Errorf("load state: %w", scanErr)
	}

	var snap engine.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return engine.Snapshot{}, false, fmt.Errorf("decode state: %w", err)
	}
	return snap, true, nil
}

// SaveState replaces the session snapshot.
func (s *Store) SaveState(ctx context.Context, session string, snap engine.Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if _, execErr := pool.Exec(ctx, saveStateSQL, session, payload); execErr != nil {
		return fmt.Errorf("save state: %w", execErr)
	}
	return nil
}

func (s *Store) scanTransaction(rows pgx.Rows) (ledger.Transaction, error) {
	var (
		id        string
		occurred  time.Time
		timed     bool
		merchant  string
		category  string
		amountStr string
	)
	if err := rows.Scan(&id, &occurred, &timed, &merchant, &category, &amountStr); err != nil {
		return ledger.Transaction{}, err
	}

	cat, err := ledger.ParseCategory(category)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	return ledger.Transaction{
		ID:       id,
		Date:     s.localTime(occurred),
		Timed:    timed,
		Merchant: merchant,
		Category: cat,
		Amount:   amount,
	}, nil
}

func (s *Store) scanFlag(rows pgx.Rows) (detector.Flag, error) {
	var (
		f           detector.Flag
		category    string
		amountStr   string
		signal      string
		severity    string
		disposition string
		resolved    *time.Time
	)
	if err := rows.Scan(
		&f.ID,
		&f.TransactionID,
		&f.Date,
		&f.Merchant,
		&category,
		&amountStr,
		&signal,
		&severity,
		&f.Rationale,
		&disposition,
		&f.CreatedAt,
		&resolved,
	); err != nil {
		return detector.Flag{}, err
	}

	var err error
	if f.Category, err = ledger.ParseCategory(category); err != nil {
		return detector.Flag{}, err
	}
	if f.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return detector.Flag{}, fmt.Errorf("parse amount: %w", err)
	}
	var ok bool
	if f.Signal, ok = detector.ParseSignal(signal); !ok {
		return detector.Flag{}, fmt.Errorf("unknown signal %q", signal)
	}
	if f.Severity, ok = detector.ParseSeverity(severity); !ok {
		return detector.Flag{}, fmt.Errorf("unknown severity %q", severity)
	}
	if f.Disposition, ok = detector.ParseDisposition(disposition); !ok {
		return detector.Flag{}, fmt.Errorf("unknown disposition %q", disposition)
	}
	if resolved != nil {
		f.ResolvedAt = resolved.UTC()
	}
	f.Date = s.localTime(f.Date)
	f.CreatedAt = f.CreatedAt.UTC()
	return f, nil
}

var (
	_ TransactionStore = (*Store)(nil)
	_ FlagStore        = (*Store)(nil)
	_ StateStore       = (*Store)(nil)
	_ SessionDeleter   = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
