package models

import (
	"strings"
	"time"
)

// RateSnapshot is an immutable set of exchange rates relative to one base
// currency, captured once per evaluation run.
type RateSnapshot struct {
	Base      string
	Date      string
	FetchedAt time.Time
	rates     map[string]float64
}

// NewRateSnapshot copies rates so later mutation of the input cannot leak into
// the snapshot. Currency codes are upper-cased.
func NewRateSnapshot(base, date string, fetchedAt time.Time, rates map[string]float64) RateSnapshot {
	cp := make(map[string]float64, len(rates))
	for code, r := range rates {
		cp[strings.ToUpper(code)] = r
	}
	return RateSnapshot{
		Base:      strings.ToUpper(base),
		Date:      date,
		FetchedAt: fetchedAt,
		rates:     cp,
	}
}

// Rate returns the rate for code and whether it is present.
func (s RateSnapshot) Rate(code string) (float64, bool) {
	r, ok := s.rates[strings.ToUpper(code)]
	return r, ok
}

func (s RateSnapshot) Len() int {
	return len(s.rates)
}
