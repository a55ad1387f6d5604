package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/totegamma/affiliate-ledger/internal/domain"
)

// RetryPolicy bounds how an upstream call is repeated. MaxAttempts counts
// every attempt, the first one included; Delay is a fixed pause between
// attempts.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Retryable   func(error) bool

	// Timer replaces the wall clock between attempts. nil uses a real timer.
	Timer backoff.Timer
}

// DefaultRetryable retries timeouts, connection failures and 5xx responses.
func DefaultRetryable(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindUpstreamTimeout, domain.KindUpstreamUnavailable:
		return true
	default:
		return false
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempts are used up. Exhaustion is reported as UpstreamUnavailable
// wrapping the last failure; non-retryable errors are returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}
	attempts := p.attempts()

	var b backoff.BackOff = backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	var last error
	permanent := false
	count := 0

	err := backoff.RetryNotifyWithTimer(func() error {
		count++
		err := op()
		if err == nil {
			return nil
		}
		last = err
		if !retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		slog.WarnContext(
			ctx, "upstream attempt failed, retrying",
			slog.String("module", "client"),
			slog.Int("attempt", count),
			slog.Int("max_attempts", attempts),
			slog.Duration("delay", next),
			slog.String("error", err.Error()),
		)
	}, p.Timer)

	if err == nil {
		return nil
	}
	if permanent {
		return last
	}
	if last == nil {
		last = err
	}
	return domain.NewError(
		domain.KindUpstreamUnavailable,
		fmt.Sprintf("upstream unavailable after %d attempts", count),
		last,
	)
}
