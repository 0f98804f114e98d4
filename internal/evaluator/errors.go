package evaluator

import (
	"errors"
	"fmt"
)

// Invocation-level failures abort a run before any side effect.
var (
	ErrSourceUnavailable = errors.New("rate source unavailable")
	ErrStoreRead         = errors.New("alert store read failed")
	ErrLeaseHeld         = errors.New("another evaluation run holds the lease")
)

// Per-alert failures are collected in the run report and never stop other alerts.
var (
	ErrContactLookup = errors.New("contact lookup failed")
	ErrDelivery      = errors.New("notification delivery failed")
	ErrDelete        = errors.New("alert delete failed")
)

// AlertError ties a per-alert failure to the alert and user it concerns.
type AlertError struct {
	AlertID string
	UserID  string
	Err     error
}

func (e *AlertError) Error() string {
	return fmt.Sprintf("alert %s (user %s): %v", e.AlertID, e.UserID, e.Err)
}

func (e *AlertError) Unwrap() error {
	return e.Err
}
