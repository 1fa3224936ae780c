package detector

import (
	"time"

	"spend-anomalies/internal/ledger"
)

type dayKey struct {
	merchant string
	day      time.Time
}

type clockEntry struct {
	day   time.Time
	night bool
}

// history indexes a transaction batch for the trailing-window signals. Days
// are civil dates from ledger.CivilDay, so they compare with ==.
type history struct {
	merchantDays map[string]map[time.Time]int
	timed        map[ledger.Category][]clockEntry
}

func buildHistory(txns []ledger.Transaction, opts Options) history {
	h := history{
		merchantDays: make(map[string]map[time.Time]int),
		timed:        make(map[ledger.Category][]clockEntry),
	}
	for _, txn := range txns {
		days, ok := h.merchantDays[txn.Merchant]
		if !ok {
			days = make(map[time.Time]int)
			h.merchantDays[txn.Merchant] = days
		}
		days[txn.Day()]++
		if txn.Timed {
			h.timed[txn.Category] = append(h.timed[txn.Category], clockEntry{day: txn.Day(), night: opts.isNight(txn.Date)})
		}
	}
	return h
}

// merchantBaseline counts active days and transactions of merchant in the
// window [day-window, day).
func (h history) merchantBaseline(merchant string, day time.Time, window time.Duration) (activeDays, total int) {
	from := day.Add(-window)
	for d, n := range h.merchantDays[merchant] {
		if d.Before(day) && !d.Before(from) {
			activeDays++
			total += n
		}
	}
	return activeDays, total
}

// categoryClock counts timed transactions of category in the window
// [day-window, day) and how many of them fell in the night window.
func (h history) categoryClock(category ledger.Category, day time.Time, window time.Duration) (night, total int) {
	from := day.Add(-window)
	for _, e := range h.timed[category] {
		if !e.day.Before(day) || e.day.Before(from) {
			continue
		}
		total++
		if e.night {
			night++
		}
	}
	return night, total
}
