// Package workflows runs subscription renewal as a two-step saga: charge,
// then mark the renewal succeeded or failed.
package workflows

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Input is the argument passed to an activity.
type Input struct {
	SubscriptionID string
}

// Output is an activity's result.
type Output struct {
	Charged bool
}

// Activity is one retryable step of a workflow.
type Activity struct {
	Name string
	Run  func(ctx context.Context, in Input) (Output, error)
}

// Engine executes activities with a per-attempt timeout and its own retry
// policy.
type Engine interface {
	ExecuteActivity(ctx context.Context, activity Activity, in Input, timeout time.Duration) (Output, error)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// NonRetryable marks err so engines stop retrying the activity.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// LocalEngine retries activities in-process with exponential backoff.
type LocalEngine struct {
	maxAttempts     uint64
	initialInterval time.Duration
	logger          logrus.FieldLogger
}

func NewLocalEngine(maxAttempts int, initialInterval time.Duration, logger logrus.FieldLogger) *LocalEngine {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &LocalEngine{
		maxAttempts:     uint64(maxAttempts),
		initialInterval: initialInterval,
		logger:          logger,
	}
}

// ExecuteActivity runs activity until it succeeds, returns a non-retryable
// error, ctx ends, or maxAttempts is reached. Each attempt gets its own
// timeout.
func (e *LocalEngine) ExecuteActivity(ctx context.Context, activity Activity, in Input, timeout time.Duration) (Output, error) {
	var (
		out     Output
		attempt int
	)
	operation := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		result, err := activity.Run(attemptCtx, in)
		if err != nil {
			if IsNonRetryable(err) {
				return backoff.Permanent(err)
			}
			e.logger.WithFields(logrus.Fields{
				"activity":        activity.Name,
				"subscription_id": in.SubscriptionID,
				"attempt":         attempt,
			}).WithError(err).Warn("activity attempt failed")
			return err
		}
		out = result
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	if e.initialInterval > 0 {
		policy.InitialInterval = e.initialInterval
	}
	policy.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, e.maxAttempts-1), ctx))
	if err != nil {
		return Output{}, err
	}
	return out, nil
}
