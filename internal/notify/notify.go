// Package notify holds delivery-channel wrappers shared by every concrete
// channel: a logging dry-run channel and a Redis-backed send throttle.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"go.uber.org/zap"

	"github.com/rewired-gh/ratealert/internal/logger"
	"github.com/rewired-gh/ratealert/internal/models"
)

// Notifier delivers one notification to the recipient identified by token.
// Implementations make a single delivery attempt per call.
type Notifier interface {
	Send(ctx context.Context, token string, n models.Notification) error
}

// Log writes notifications to the process logger instead of delivering them.
type Log struct {
	log *zap.Logger
}

// NewLog returns a dry-run channel. A nil logger means logger.Log at send time.
func NewLog(l *zap.Logger) *Log {
	return &Log{log: l}
}

func (l *Log) Send(ctx context.Context, token string, n models.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log := l.log
	if log == nil {
		log = logger.Log
	}

	keys := make([]string, 0, len(n.Data))
	for k := range n.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys)+3)
	fields = append(fields,
		zap.String("token", redact(token)),
		zap.String("title", n.Title),
		zap.String("body", n.Body),
	)
	for _, k := range keys {
		fields = append(fields, zap.String(k, n.Data[k]))
	}
	log.Info("notification (dry run)", fields...)
	return nil
}

// redact keeps the last four characters of a delivery token.
func redact(token string) string {
	token = strings.TrimSpace(token)
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}

// ErrThrottled is returned when no send slot was granted before ctx ended.
// The wrapped channel was not called.
var ErrThrottled = errors.New("no send slot before deadline")

// Allower is the subset of *redis_rate.Limiter used by RateLimited.
type Allower interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
}

// RateLimited throttles a Notifier with a limiter shared across replicas.
// A send waits for a slot instead of being dropped; the wait is bounded by ctx.
// If the limiter itself is unreachable the send goes through unthrottled.
type RateLimited struct {
	next    Notifier
	limiter Allower
	key     string
	limit   redis_rate.Limit
}

func NewRateLimited(next Notifier, limiter Allower, key string, perSecond int) *RateLimited {
	return &RateLimited{
		next:    next,
		limiter: limiter,
		key:     key,
		limit:   redis_rate.PerSecond(perSecond),
	}
}

func (r *RateLimited) Send(ctx context.Context, token string, n models.Notification) error {
	for {
		res, err := r.limiter.Allow(ctx, r.key, r.limit)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrThrottled, ctx.Err())
			}
			logger.Log.Warn("rate limiter unavailable, sending unthrottled", zap.Error(err))
			return r.next.Send(ctx, token, n)
		}
		if res.Allowed > 0 {
			return r.next.Send(ctx, token, n)
		}

		wait := res.RetryAfter
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrThrottled, ctx.Err())
		case <-timer.C:
		}
	}
}
