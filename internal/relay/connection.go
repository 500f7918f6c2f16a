package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// MaxDelay caps the backoff between dial attempts
const MaxDelay = 60 * time.Second

// DialOptions controls broker connection retries
type DialOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger

	// dial is replaced in tests
	dial func(url string) (*amqp091.Connection, error)
}

// DialWithRetry connects to the broker with exponential backoff
func DialWithRetry(ctx context.Context, opts DialOptions) (*amqp091.Connection, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	dial := opts.dial
	if dial == nil {
		dial = amqp091.Dial
	}

	var lastErr error
	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := dial(opts.URL)
		if err == nil {
			if i > 1 {
				opts.Logger.Info("broker connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err

		if i == opts.RetryAttempts {
			break
		}

		sleep := backoff(opts.Delay, i)
		opts.Logger.Warn("broker dial failed",
			"attempt", i,
			"sleep", sleep,
			"error", err,
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("failed to connect to broker after %d attempts: %w", opts.RetryAttempts, lastErr)
}

// backoff returns delay doubled per failed attempt, capped at MaxDelay
func backoff(delay time.Duration, attempt int) time.Duration {
	sleep := delay
	for i := 1; i < attempt; i++ {
		sleep *= 2
		if sleep >= MaxDelay {
			return MaxDelay
		}
	}
	return sleep
}
