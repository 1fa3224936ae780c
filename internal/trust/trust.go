package trust

import (
	"sort"
	"time"
)

// Merchant is a trusted merchant entry.
type Merchant struct {
	Name    string
	AddedAt time.Time
}

// List is the set of merchants excluded from flagging. Names match exactly;
// callers normalise before inserting. The zero value is not usable; call
// NewList.
type List struct {
	entries map[string]time.Time
	now     func() time.Time
}

// NewList builds an empty trust list.
func NewList(now func() time.Time) *List {
	if now == nil {
		now = time.Now
	}
	return &List{entries: make(map[string]time.Time), now: now}
}

// Add trusts merchant. It reports whether the set changed; re-adding keeps
// the original timestamp.
func (l *List) Add(merchant string) bool {
	if _, ok := l.entries[merchant]; ok {
		return false
	}
	l.entries[merchant] = l.now().UTC()
	return true
}

// Restore inserts an entry with a known timestamp, used when loading state.
func (l *List) Restore(m Merchant) {
	l.entries[m.Name] = m.AddedAt
}

// Remove drops merchant. Removing an unknown merchant is a no-op.
func (l *List) Remove(merchant string) bool {
	if _, ok := l.entries[merchant]; !ok {
		return false
	}
	delete(l.entries, merchant)
	return true
}

// Contains reports whether merchant is trusted.
func (l *List) Contains(merchant string) bool {
	if l == nil {
		return false
	}
	_, ok := l.entries[merchant]
	return ok
}

// List returns the trusted names sorted.
func (l *List) List() []string {
	out := make([]string, 0, len(l.entries))
	for name := range l.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Entries returns the trusted merchants sorted by name.
func (l *List) Entries() []Merchant {
	out := make([]Merchant, 0, len(l.entries))
	for _, name := range l.List() {
		out = append(out, Merchant{Name: name, AddedAt: l.entries[name]})
	}
	return out
}

// Len returns the number of trusted merchants.
func (l *List) Len() int {
	return len(l.entries)
}
