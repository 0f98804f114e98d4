package evaluator

import (
	"strings"

	"github.com/rewired-gh/ratealert/internal/models"
)

// Matched is an alert whose condition held, with the rate that satisfied it.
type Matched struct {
	Alert models.Alert
	Rate  float64
}

// Evaluate reports whether alert fires against snapshot and the rate it saw.
// Comparisons are strict, so a rate equal to the target never fires.
// An invalid alert, a base other than the snapshot's, or a currency
// missing from the snapshot never fires either.
func Evaluate(snapshot models.RateSnapshot, alert models.Alert) (float64, bool) {
	if alert.Validate() != nil {
		return 0, false
	}
	if !strings.EqualFold(alert.BaseCurrency, snapshot.Base) {
		return 0, false
	}
	rate, ok := snapshot.Rate(alert.TargetCurrency)
	if !ok {
		return 0, false
	}

	switch alert.Condition {
	case models.Above:
		return rate, rate > alert.TargetPrice
	case models.Below:
		return rate, rate < alert.TargetPrice
	}
	return 0, false
}

// Partition splits alerts into those that fire against snapshot and those
// that stay pending. Input order is preserved in both outputs.
func Partition(snapshot models.RateSnapshot, alerts []models.Alert) (matched []Matched, unmatched []models.Alert) {
	for _, a := range alerts {
		if rate, ok := Evaluate(snapshot, a); ok {
			matched = append(matched, Matched{Alert: a, Rate: rate})
		} else {
			unmatched = append(unmatched, a)
		}
	}
	return matched, unmatched
}
