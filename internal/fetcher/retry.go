package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/obsrvr-era-fetcher/internal/logging"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/metrics"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/source"
)

// Retrier wraps stream session attempts with failure classification and
// exponential backoff.
type Retrier struct {
	session     *Session
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	log         *slog.Logger

	// sleep waits out a backoff delay; injectable so tests can run a fake
	// clock instead of wall time.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRetrier(session *Session, maxAttempts int, baseDelay, maxDelay time.Duration) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &Retrier{
		session:     session,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		log:         logging.Component("retrier"),
		sleep:       sleepContext,
	}
}

// Fetch runs stream sessions for one era until one succeeds, fails
// fatally, or the attempt budget is exhausted. Every retry restarts from
// the era's first block; nothing from a failed attempt carries over.
func (r *Retrier) Fetch(ctx context.Context, task *EraTask) ([]source.Block, *FetchError) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.baseDelay
	bo.MaxInterval = r.maxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var last *FetchError
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		task.Attempts = attempt
		task.Blocks = nil // no attempt starts with stale partial data

		blocks, err := r.session.Fetch(ctx, task.Era)
		if err == nil {
			return blocks, nil
		}

		if ctx.Err() != nil {
			return nil, &FetchError{Era: task.Era, Class: FailureTransient, Err: ctx.Err()}
		}

		var fe *FetchError
		if !errors.As(err, &fe) {
			fe = classify(task.Era, err)
		}
		task.LastErr = fe

		if !fe.Class.Retryable() {
			return nil, fe
		}
		last = fe

		if attempt == r.maxAttempts {
			break
		}

		delay := bo.NextBackOff()
		r.log.Warn("era fetch attempt failed, backing off",
			"era", task.Era.String(),
			"attempt", attempt,
			"class", fe.Class.String(),
			"delay", delay.String(),
			"error", fe.Err,
		)
		if m := metrics.Get(); m != nil {
			m.RetryAttempts.Inc()
		}

		task.State = StateRetrying
		if err := r.sleep(ctx, delay); err != nil {
			return nil, &FetchError{Era: task.Era, Class: FailureTransient, Err: err}
		}
		task.State = StateFetching
	}

	return nil, &FetchError{
		Era:   task.Era,
		Class: FailureExhausted,
		Err:   fmt.Errorf("gave up after %d attempts: %w", r.maxAttempts, last.Err),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
