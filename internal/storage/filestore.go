package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spend-anomalies/internal/engine"
	"spend-anomalies/internal/ledger"
)

// KeyPrefix namespaces every key written by FileStore.
const KeyPrefix = "spendwatch_"

const dataFileName = "data.json"

// FileStore is a single JSON document of namespaced keys. An unreadable or
// malformed document loads as empty.
type FileStore struct {
	path   string
	logger zerolog.Logger
	mu     sync.Mutex
}

// TransactionRecord is the file form of a transaction.
type TransactionRecord struct {
	ID       string `json:"id"`
	Date     string `json:"date"`
	Timed    bool   `json:"timed"`
	Merchant string `json:"merchant"`
	Category string `json:"category"`
	Amount   string `json:"amount"`
}

// NewFileStore creates dir if needed and stores data in dir/data.json.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage.dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{
		path:   filepath.Join(dir, dataFileName),
		logger: logger.With().Str("component", "filestore").Logger(),
	}, nil
}

// Path reports the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Save stores value under key.
func (s *FileStore) Save(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.loadAll()
	data[KeyPrefix+key] = raw
	return s.saveAll(data)
}

// Load decodes the value under key into dst. The boolean is false when the
// key is absent.
func (s *FileStore) Load(key string, dst any) (bool, error) {
	s.mu.Lock()
	data := s.loadAll()
	s.mu.Unlock()

	raw, ok := data[KeyPrefix+key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Keys lists stored keys without the prefix.
func (s *FileStore) Keys() []string {
	s.mu.Lock()
	data := s.loadAll()
	s.mu.Unlock()

	keys := make([]string, 0, len(data))
	for k := range data {
		if len(k) > len(KeyPrefix) && k[:len(KeyPrefix)] == KeyPrefix {
			keys = append(keys, k[len(KeyPrefix):])
		}
	}
	sort.Strings(keys)
	return keys
}

// Clear removes the backing file.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear storage: %w", err)
	}
	return nil
}

func (s *FileStore) loadAll() map[string]json.RawMessage {
	data := make(map[string]json.RawMessage)
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("read storage file failed; starting empty")
		}
		return data
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("storage file is malformed; starting empty")
		return make(map[string]json.RawMessage)
	}
	return data
}

func (s *FileStore) saveAll(data map[string]json.RawMessage) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write storage: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace storage: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.loadAll()
	if _, ok := data[KeyPrefix+key]; !ok {
		return nil
	}
	delete(data, KeyPrefix+key)
	return s.saveAll(data)
}

// DeleteSession removes the session's transactions and state.
func (s *FileStore) DeleteSession(_ context.Context, session string) error {
	if err := s.Delete(transactionsKey(session)); err != nil {
		return err
	}
	return s.Delete(stateKey(session))
}

func stateKey(session string) string        { return session + "/state" }
func transactionsKey(session string) string { return session + "/transactions" }

// LoadState reads the session snapshot.
func (s *FileStore) LoadState(_ context.Context, session string) (engine.Snapshot, bool, error) {
	var snap engine.Snapshot
	ok, err := s.Load(stateKey(session), &snap)
	if err != nil || !ok {
		return engine.Snapshot{}, false, err
	}
	return snap, true, nil
}

// SaveState replaces the session snapshot.
func (s *FileStore) SaveState(_ context.Context, session string, snap engine.Snapshot) error {
	return s.Save(stateKey(session), snap)
}

// UpsertTransactions merges txns into the session's stored set by id.
func (s *FileStore) UpsertTransactions(ctx context.Context, session string, txns []ledger.Transaction) error {
	existing, err := s.ListTransactions(ctx, session)
	if err != nil {
		return err
	}
	byID := make(map[string]ledger.Transaction, len(existing)+len(txns))
	for _, txn := range existing {
		byID[txn.ID] = txn
	}
	for _, txn := range txns {
		byID[txn.ID] = txn
	}

	merged := make([]ledger.Transaction, 0, len(byID))
	for _, txn := range byID {
		merged = append(merged, txn)
	}
	merged = ledger.Sorted(merged)

	records := make([]TransactionRecord, 0, len(merged))
	for _, txn := range merged {
		records = append(records, TransactionRecord{
			ID:       txn.ID,
			Date:     txn.Date.Format(time.RFC3339Nano),
			Timed:    txn.Timed,
			Merchant: txn.Merchant,
			Category: string(txn.Category),
			Amount:   txn.Amount.String(),
		})
	}
	return s.Save(transactionsKey(session), records)
}

// ListTransactions returns the session's transactions in detection order.
func (s *FileStore) ListTransactions(_ context.Context, session string) ([]ledger.Transaction, error) {
	var records []TransactionRecord
	if _, err := s.Load(transactionsKey(session), &records); err != nil {
		return nil, err
	}

	txns := make([]ledger.Transaction, 0, len(records))
	for _, rec := range records {
		date, err := time.Parse(time.RFC3339Nano, rec.Date)
		if err != nil {
			return nil, fmt.Errorf("transaction %s date: %w", rec.ID, err)
		}
		category, err := ledger.ParseCategory(rec.Category)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", rec.ID, err)
		}
		amount, err := decimal.NewFromString(rec.Amount)
		if err != nil {
			return nil, fmt.Errorf("transaction %s amount: %w", rec.ID, err)
		}
		txns = append(txns, ledger.Transaction{
			ID:       rec.ID,
			Date:     date,
			Timed:    rec.Timed,
			Merchant: rec.Merchant,
			Category: category,
			Amount:   amount,
		})
	}
	return txns, nil
}

var (
	_ TransactionStore = (*FileStore)(nil)
	_ StateStore       = (*FileStore)(nil)
	_ SessionDeleter   = (*FileStore)(nil)
)
