// Package retry runs broker and HTTP calls through a bounded backoff
// schedule. Only transient failures retry; anything the classifier deems
// permanent surfaces immediately.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSchedule is the wait between attempts: one call plus three retries.
func DefaultSchedule() []time.Duration {
	return []time.Duration{250 * time.Millisecond, 1 * time.Second, 4 * time.Second}
}

// Policy drives retries for a class of operations.
type Policy struct {
	schedule []time.Duration
	classify func(error) bool
	logger   *logrus.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a policy with the default schedule and transient classifier.
func New(logger *logrus.Logger) *Policy {
	return NewWithSchedule(logger, DefaultSchedule(), Transient)
}

// NewWithSchedule returns a policy with an explicit schedule and classifier.
// A nil classifier retries every failure.
func NewWithSchedule(logger *logrus.Logger, schedule []time.Duration, classify func(error) bool) *Policy {
	if classify == nil {
		classify = func(error) bool { return true }
	}
	return &Policy{
		schedule: schedule,
		classify: classify,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Do runs fn up to len(schedule)+1 times, waiting the scheduled backoff plus
// jitter between attempts. It stops early on success, on a non-retryable
// error, or when ctx ends.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := len(p.schedule) + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", op, err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				p.logger.WithFields(logrus.Fields{
					"event":   "retry_recovered",
					"op":      op,
					"attempt": attempt + 1,
				}).Info("operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !p.classify(err) {
			p.logger.WithFields(logrus.Fields{
				"event": "retry_permanent",
				"op":    op,
				"error": err.Error(),
			}).Warn("permanent error, not retrying")
			return err
		}
		if attempt == attempts-1 {
			break
		}

		wait := withJitter(p.schedule[attempt])
		p.logger.WithFields(logrus.Fields{
			"event":   "retry_backoff",
			"op":      op,
			"attempt": attempt + 1,
			"wait":    wait.String(),
			"error":   err.Error(),
		}).Warn("transient error, backing off")

		if err := p.sleep(ctx, wait); err != nil {
			return fmt.Errorf("%s canceled during backoff: %w", op, err)
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

// withJitter adds up to a quarter of the wait so synchronized retries from
// parallel callers spread out.
func withJitter(wait time.Duration) time.Duration {
	maxJitter := int64(wait / 4)
	if maxJitter <= 0 {
		return wait
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		return wait
	}
	return wait + time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// transientPatterns are error-text markers of failures worth retrying.
var transientPatterns = []string{
	"timeout",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"temporary failure",
	"service unavailable",
	"rate limit",
	"too many requests",
	"429",
	"502",
	"503",
	"504",
	"network",
	"dns",
	"tcp",
	"eof",
}

// Transient reports whether the error looks like a passing infrastructure
// failure rather than a rejection the caller must handle.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
