// Package models defines the core domain entities: alerts, rate snapshots, contacts and notifications.
package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Condition is the crossing direction that fires an alert.
type Condition string

const (
	Above Condition = "above"
	Below Condition = "below"
)

// ParseCondition accepts "above" or "below" in any letter case.
func ParseCondition(s string) (Condition, error) {
	switch Condition(strings.ToLower(strings.TrimSpace(s))) {
	case Above:
		return Above, nil
	case Below:
		return Below, nil
	default:
		return "", fmt.Errorf("unknown condition %q", s)
	}
}

func (c Condition) Valid() bool {
	return c == Above || c == Below
}

// Alert is one user's standing request to be notified when TargetCurrency crosses
// TargetPrice in the direction given by Condition. Alerts are retired (deleted)
// once they fire; there is no disabled state.
type Alert struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	BaseCurrency   string    `json:"base_currency"`
	TargetCurrency string    `json:"target_currency"`
	Condition      Condition `json:"condition"`
	TargetPrice    float64   `json:"target_price"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks alert field constraints.
func (a *Alert) Validate() error {
	if a.ID == "" {
		return errors.New("alert ID must not be empty")
	}
	if a.UserID == "" {
		return errors.New("user ID must not be empty")
	}
	if !IsCurrencyCode(a.BaseCurrency) {
		return fmt.Errorf("invalid base currency %q", a.BaseCurrency)
	}
	if !IsCurrencyCode(a.TargetCurrency) {
		return fmt.Errorf("invalid target currency %q", a.TargetCurrency)
	}
	if !a.Condition.Valid() {
		return fmt.Errorf("invalid condition %q", a.Condition)
	}
	if math.IsNaN(a.TargetPrice) || math.IsInf(a.TargetPrice, 0) {
		return errors.New("target price must be finite")
	}
	if a.TargetPrice <= 0 {
		return errors.New("target price must be positive")
	}
	return nil
}

// Pair renders the watched pair as BASE/TARGET.
func (a *Alert) Pair() string {
	return a.BaseCurrency + "/" + a.TargetCurrency
}

// IsCurrencyCode reports whether s looks like an ISO 4217 code (three ASCII letters).
func IsCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

// Contact maps a user to the token the notification channel uses to reach them.
type Contact struct {
	UserID        string
	DeliveryToken string
	UpdatedAt     time.Time
}

// Reachable reports whether the contact carries a usable delivery token.
func (c Contact) Reachable() bool {
	return strings.TrimSpace(c.DeliveryToken) != ""
}
