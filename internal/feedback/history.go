package feedback

import (
	"github.com/cespare/xxhash/v2"

	"spend-anomalies/internal/detector"
)

// History keeps every flag ever surfaced in the order it first appeared.
// Resolved flags stay for audit and threshold tuning.
type History struct {
	order []string
	flags map[string]*detector.Flag
}

// NewHistory builds an empty history.
func NewHistory() *History {
	return &History{flags: make(map[string]*detector.Flag)}
}

// Merge records flags not seen before as pending and returns them. A known
// flag still awaiting review takes the new severity and rationale; resolved
// flags keep their stored state.
func (h *History) Merge(flags []detector.Flag) []detector.Flag {
	var added []detector.Flag
	for _, f := range flags {
		if known, ok := h.flags[f.ID]; ok {
			if !known.Disposition.Resolved() {
				known.Severity = f.Severity
				known.Rationale = f.Rationale
				known.Amount = f.Amount
			}
			continue
		}
		f.Disposition = detector.DispositionPending
		stored := f
		h.flags[f.ID] = &stored
		h.order = append(h.order, f.ID)
		added = append(added, f)
	}
	return added
}

// Restore inserts a flag verbatim, used when loading persisted state.
func (h *History) Restore(f detector.Flag) {
	if _, ok := h.flags[f.ID]; !ok {
		h.order = append(h.order, f.ID)
	}
	stored := f
	h.flags[f.ID] = &stored
}

// Get returns a copy of the flag with id.
func (h *History) Get(id string) (detector.Flag, bool) {
	f, ok := h.flags[id]
	if !ok {
		return detector.Flag{}, false
	}
	return *f, true
}

// All returns every flag in first-seen order.
func (h *History) All() []detector.Flag {
	out := make([]detector.Flag, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, *h.flags[id])
	}
	return out
}

// Pending returns the unresolved flags in first-seen order.
func (h *History) Pending() []detector.Flag {
	var out []detector.Flag
	for _, id := range h.order {
		if f := h.flags[id]; !f.Disposition.Resolved() {
			out = append(out, *f)
		}
	}
	return out
}

// Digest hashes flag ids with their severity and disposition in first-seen
// order. Two histories with equal digests surface the same review queue.
func (h *History) Digest() uint64 {
	d := xxhash.New()
	for _, id := range h.order {
		f := h.flags[id]
		_, _ = d.WriteString(id)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(string(f.Severity))
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(string(f.Disposition))
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// Len returns the number of flags held.
func (h *History) Len() int {
	return len(h.order)
}

func (h *History) lookup(id string) (*detector.Flag, bool) {
	f, ok := h.flags[id]
	return f, ok
}
