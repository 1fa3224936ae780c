package ledger

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"
)

// Fingerprint is a cheap digest of a transaction set used to skip redundant
// detection passes.
type Fingerprint struct {
	Count  int
	Sum    decimal.Decimal
	MaxID  string
	Digest uint64
}

// Equal reports whether two fingerprints describe the same set.
func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Count == o.Count && f.Sum.Equal(o.Sum) && f.MaxID == o.MaxID && f.Digest == o.Digest
}

// FingerprintOf digests txns in detection order.
func FingerprintOf(txns []Transaction) Fingerprint {
	fp := Fingerprint{Count: len(txns), Sum: decimal.Zero}
	h := xxhash.New()
	for _, txn := range Sorted(txns) {
		fp.Sum = fp.Sum.Add(txn.Amount)
		if txn.ID > fp.MaxID {
			fp.MaxID = txn.ID
		}
		_, _ = h.WriteString(txn.ID)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(strconv.FormatInt(txn.Date.Unix(), 10))
		_, _ = h.WriteString(strconv.FormatBool(txn.Timed))
		_, _ = h.WriteString(txn.Merchant)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(string(txn.Category))
		_, _ = h.WriteString(txn.Amount.String())
		_, _ = h.WriteString("\x1e")
	}
	fp.Digest = h.Sum64()
	return fp
}

// Store holds the session's transactions. Each Replace is authoritative.
type Store struct {
	txns []Transaction
	ids  map[string]struct{}
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{ids: make(map[string]struct{})}
}

// Replace swaps the whole set after validating every record.
func (s *Store) Replace(txns []Transaction) error {
	ids := make(map[string]struct{}, len(txns))
	for _, txn := range txns {
		if err := txn.Validate(); err != nil {
			return err
		}
		if _, dup := ids[txn.ID]; dup {
			return fmt.Errorf("duplicate transaction id %q", txn.ID)
		}
		ids[txn.ID] = struct{}{}
	}
	s.txns = Sorted(txns)
	s.ids = ids
	return nil
}

// All returns the transactions in detection order.
func (s *Store) All() []Transaction {
	out := make([]Transaction, len(s.txns))
	copy(out, s.txns)
	return out
}

// Has reports whether id is currently stored.
func (s *Store) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of stored transactions.
func (s *Store) Len() int {
	return len(s.txns)
}
