// Package evaluator runs the price-alert evaluation job: it fetches one rate
// snapshot, matches every pending alert against it, then notifies and retires
// the alerts that fired.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rewired-gh/ratealert/internal/lease"
	"github.com/rewired-gh/ratealert/internal/logger"
	"github.com/rewired-gh/ratealert/internal/metrics"
	"github.com/rewired-gh/ratealert/internal/models"
	"github.com/rewired-gh/ratealert/internal/notify"
)

var tracer = otel.Tracer("github.com/rewired-gh/ratealert/internal/evaluator")

// RateSource returns the current rates for base as one complete snapshot.
// Any failure must come back as an error, never as a partial snapshot.
type RateSource interface {
	GetRates(ctx context.Context, base string) (models.RateSnapshot, error)
}

// AlertStore lists pending alerts and retires fired ones. Deleting an id
// that no longer exists must succeed.
type AlertStore interface {
	ListAlerts(ctx context.Context) ([]models.Alert, error)
	DeleteAlert(ctx context.Context, id string) error
}

// ContactRegistry resolves a user's delivery token. The bool is false when
// the user has no contact record.
type ContactRegistry interface {
	GetContact(ctx context.Context, userID string) (models.Contact, bool, error)
}

// Notifier is the delivery channel. A notify.ErrThrottled error means the
// channel was never called and the alert is kept for the next run.
type Notifier = notify.Notifier

// Locker hands out single-holder leases. Acquire returns lease.ErrHeld when
// the key is taken.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (lease.ReleaseFunc, error)
}

// DeletePolicy decides whether a failed delivery still retires the alert.
type DeletePolicy string

const (
	// DeleteAlways retires a matched alert after any delivery attempt.
	DeleteAlways DeletePolicy = "always"
	// DeleteOnDelivery retires only after a confirmed delivery.
	DeleteOnDelivery DeletePolicy = "on_delivery"
)

func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch DeletePolicy(s) {
	case "", DeleteAlways:
		return DeleteAlways, nil
	case DeleteOnDelivery:
		return DeleteOnDelivery, nil
	}
	return "", fmt.Errorf("unknown delete policy %q", s)
}

type Config struct {
	BaseCurrency      string
	NotificationTitle string // defaults to DefaultNotificationTitle
	Concurrency       int
	OperationTimeout  time.Duration
	DeletePolicy      DeletePolicy
	LeaseKey          string
	LeaseTTL          time.Duration
}

// Deps are the collaborators of a Job. Locker is optional.
type Deps struct {
	Rates    RateSource
	Alerts   AlertStore
	Contacts ContactRegistry
	Notifier Notifier
	Locker   Locker
}

type Job struct {
	deps Deps
	cfg  Config
}

func New(deps Deps, cfg Config) (*Job, error) {
	if deps.Rates == nil || deps.Alerts == nil || deps.Contacts == nil || deps.Notifier == nil {
		return nil, errors.New("evaluator: rates, alerts, contacts and notifier are required")
	}
	if !models.IsCurrencyCode(cfg.BaseCurrency) {
		return nil, fmt.Errorf("evaluator: invalid base currency %q", cfg.BaseCurrency)
	}
	policy, err := ParseDeletePolicy(string(cfg.DeletePolicy))
	if err != nil {
		return nil, fmt.Errorf("evaluator: %w", err)
	}
	cfg.DeletePolicy = policy
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	if cfg.NotificationTitle == "" {
		cfg.NotificationTitle = DefaultNotificationTitle
	}
	if cfg.LeaseKey == "" {
		cfg.LeaseKey = "ratealert:evaluate"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	return &Job{deps: deps, cfg: cfg}, nil
}

// Report summarizes one run. Errors holds per-alert failures only.
type Report struct {
	RunID            string
	Evaluated        int
	Matched          int
	Notified         int
	DeliveryFailed   int
	Retired          int
	SkippedNoContact int
	Deferred         int
	NotStarted       int
	Errors           []error
}

// Err combines the per-alert failures, or returns nil when there were none.
func (r Report) Err() error {
	return multierr.Combine(r.Errors...)
}

// Run performs one evaluation. A non-nil error means the run as a whole did
// not complete: the lease was held or unavailable, the snapshot or alert list
// could not be read, or ctx was cancelled before every matched alert started.
// Per-alert failures are reported through Report.Err and do not fail the run.
func (j *Job) Run(ctx context.Context) (report Report, err error) {
	start := time.Now()
	report.RunID = uuid.NewString()
	log := logger.Log.With(zap.String("run_id", report.RunID))

	ctx, span := tracer.Start(ctx, "Job.Run", trace.WithAttributes(attribute.String("run.id", report.RunID)))
	defer func() {
		span.SetAttributes(
			attribute.Int("alerts.evaluated", report.Evaluated),
			attribute.Int("alerts.matched", report.Matched),
			attribute.Int("alerts.retired", report.Retired),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.RunDuration.Observe(time.Since(start).Seconds())
		metrics.RunsTotal.WithLabelValues(runOutcome(report, err)).Inc()
	}()

	if j.deps.Locker != nil {
		release, err := j.acquire(ctx)
		if err != nil {
			if errors.Is(err, ErrLeaseHeld) {
				log.Info("Skipping run, lease held elsewhere", zap.String("lease_key", j.cfg.LeaseKey))
			}
			return report, err
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.cfg.OperationTimeout)
			defer cancel()
			if err := release(rctx); err != nil {
				log.Warn("Failed to release lease", zap.Error(err))
			}
		}()
	}

	snapshot, alerts, err := j.load(ctx)
	if err != nil {
		log.Error("Run aborted before dispatch", zap.Error(err))
		return report, err
	}

	matched, _ := Partition(snapshot, alerts)
	report.Evaluated = len(alerts)
	report.Matched = len(matched)
	metrics.AlertsEvaluated.Add(float64(report.Evaluated))
	metrics.AlertsMatched.Add(float64(report.Matched))
	log.Info("Alerts evaluated",
		zap.String("base", snapshot.Base),
		zap.String("rates_date", snapshot.Date),
		zap.Int("rates", snapshot.Len()),
		zap.Int("evaluated", report.Evaluated),
		zap.Int("matched", report.Matched),
	)

	j.dispatch(ctx, log, matched, &report)

	log.Info("Run complete",
		zap.Duration("duration", time.Since(start)),
		zap.Int("notified", report.Notified),
		zap.Int("delivery_failed", report.DeliveryFailed),
		zap.Int("retired", report.Retired),
		zap.Int("skipped_no_contact", report.SkippedNoContact),
		zap.Int("deferred", report.Deferred),
		zap.Int("not_started", report.NotStarted),
		zap.Int("errors", len(report.Errors)),
	)

	if report.NotStarted > 0 {
		return report, fmt.Errorf("run interrupted with %d alerts not started: %w", report.NotStarted, context.Cause(ctx))
	}
	return report, nil
}

func (j *Job) acquire(ctx context.Context) (lease.ReleaseFunc, error) {
	lctx, cancel := context.WithTimeout(ctx, j.cfg.OperationTimeout)
	defer cancel()
	release, err := j.deps.Locker.Acquire(lctx, j.cfg.LeaseKey, j.cfg.LeaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, j.cfg.LeaseKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return release, nil
}

// load fetches the snapshot and the pending alerts concurrently. Either
// failure cancels the other and aborts the run.
func (j *Job) load(ctx context.Context) (models.RateSnapshot, []models.Alert, error) {
	var (
		snapshot models.RateSnapshot
		alerts   []models.Alert
	)
	// Only the first failure is reported, not the cancellation it causes.
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		ctx, span := tracer.Start(ctx, "FetchRates", trace.WithAttributes(attribute.String("rates.base", j.cfg.BaseCurrency)))
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, j.cfg.OperationTimeout)
		defer cancel()

		s, err := j.deps.Rates.GetRates(ctx, j.cfg.BaseCurrency)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
			return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		snapshot = s
		return nil
	})
	p.Go(func(ctx context.Context) error {
		ctx, span := tracer.Start(ctx, "ListAlerts")
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, j.cfg.OperationTimeout)
		defer cancel()

		a, err := j.deps.Alerts.ListAlerts(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "list failed")
			return fmt.Errorf("%w: %w", ErrStoreRead, err)
		}
		alerts = a
		return nil
	})
	if err := p.Wait(); err != nil {
		return models.RateSnapshot{}, nil, err
	}
	return snapshot, alerts, nil
}

type alertStatus int

const (
	statusNotStarted alertStatus = iota
	statusNoContact
	statusContactError
	statusDeferred
	statusRetired
	statusDeleteFailed
)

type alertOutcome struct {
	status    alertStatus
	delivered bool
	attempted bool
	errs      []error
}

// dispatch handles every matched alert on a bounded pool. ctx is checked as
// each alert starts; an alert that has started runs to completion.
func (j *Job) dispatch(ctx context.Context, log *zap.Logger, matched []Matched, report *Report) {
	if len(matched) == 0 {
		return
	}
	p := pool.NewWithResults[alertOutcome]().WithMaxGoroutines(j.cfg.Concurrency)
	for _, m := range matched {
		p.Go(func() alertOutcome {
			if ctx.Err() != nil {
				return alertOutcome{status: statusNotStarted}
			}
			return j.processAlert(ctx, log, m)
		})
	}

	for _, o := range p.Wait() {
		if o.attempted {
			if o.delivered {
				report.Notified++
			} else {
				report.DeliveryFailed++
			}
		}
		switch o.status {
		case statusNotStarted:
			report.NotStarted++
		case statusNoContact:
			report.SkippedNoContact++
		case statusDeferred:
			report.Deferred++
		case statusRetired:
			report.Retired++
		}
		report.Errors = append(report.Errors, o.errs...)
	}
}

// processAlert resolves the contact, sends once and retires the alert per
// the delete policy. Each step gets its own timeout on a context that ignores
// run cancellation, so a delivered alert is still retired.
func (j *Job) processAlert(ctx context.Context, log *zap.Logger, m Matched) alertOutcome {
	a := m.Alert
	log = log.With(zap.String("alert_id", a.ID), zap.String("user_id", a.UserID), zap.String("pair", a.Pair()))
	detached := context.WithoutCancel(ctx)
	detached, span := tracer.Start(detached, "DispatchAlert", trace.WithAttributes(
		attribute.String("alert.id", a.ID),
		attribute.String("alert.pair", a.Pair()),
		attribute.Float64("alert.rate", m.Rate),
	))
	defer span.End()

	fail := func(sentinel, err error) error {
		wrapped := &AlertError{AlertID: a.ID, UserID: a.UserID, Err: fmt.Errorf("%w: %w", sentinel, err)}
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, sentinel.Error())
		return wrapped
	}

	cctx, cancel := context.WithTimeout(detached, j.cfg.OperationTimeout)
	contact, found, err := j.deps.Contacts.GetContact(cctx, a.UserID)
	cancel()
	if err != nil {
		log.Warn("Contact lookup failed, alert kept", zap.Error(err))
		metrics.AlertsSkipped.WithLabelValues("contact_error").Inc()
		return alertOutcome{status: statusContactError, errs: []error{fail(ErrContactLookup, err)}}
	}
	if !found || !contact.Reachable() {
		log.Info("No delivery token for user, alert kept")
		metrics.AlertsSkipped.WithLabelValues("no_contact").Inc()
		return alertOutcome{status: statusNoContact}
	}

	sctx, cancel := context.WithTimeout(detached, j.cfg.OperationTimeout)
	err = j.deps.Notifier.Send(sctx, contact.DeliveryToken, buildNotification(j.cfg.NotificationTitle, a, m.Rate))
	cancel()
	if errors.Is(err, notify.ErrThrottled) {
		log.Warn("No send slot before timeout, alert kept for next run", zap.Error(err))
		metrics.AlertsSkipped.WithLabelValues("throttled").Inc()
		return alertOutcome{status: statusDeferred}
	}

	out := alertOutcome{attempted: true}
	if err != nil {
		log.Warn("Notification delivery failed", zap.Error(err))
		metrics.Notifications.WithLabelValues("failed").Inc()
		out.errs = append(out.errs, fail(ErrDelivery, err))
	} else {
		out.delivered = true
		metrics.Notifications.WithLabelValues("sent").Inc()
	}

	if !out.delivered && j.cfg.DeletePolicy == DeleteOnDelivery {
		log.Info("Alert kept for next run after failed delivery")
		metrics.AlertsSkipped.WithLabelValues("delivery_failed").Inc()
		out.status = statusDeferred
		return out
	}

	dctx, cancel := context.WithTimeout(detached, j.cfg.OperationTimeout)
	err = j.deps.Alerts.DeleteAlert(dctx, a.ID)
	cancel()
	if err != nil {
		// The alert stays stored and may notify again next run.
		log.Error("Failed to retire alert after delivery attempt", zap.Bool("delivered", out.delivered), zap.Error(err))
		metrics.AlertDeletes.WithLabelValues("failed").Inc()
		out.status = statusDeleteFailed
		out.errs = append(out.errs, fail(ErrDelete, err))
		return out
	}
	metrics.AlertDeletes.WithLabelValues("ok").Inc()
	out.status = statusRetired
	log.Debug("Alert retired", zap.Bool("delivered", out.delivered))
	return out
}

func runOutcome(r Report, err error) string {
	switch {
	case errors.Is(err, ErrLeaseHeld):
		return "skipped"
	case err != nil:
		return "failed"
	case len(r.Errors) > 0:
		return "partial"
	}
	return "ok"
}
