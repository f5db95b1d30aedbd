package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Startup backoff: 2s doubling to a 30s ceiling.
const (
	backoffBase = 2 * time.Second
	backoffMax  = 30 * time.Second
)

// WaitFor retries probe with exponential backoff until it succeeds or the
// deadline elapses. Used at startup while dependencies come up.
func WaitFor(ctx context.Context, name string, deadline time.Duration, probe func(context.Context) error) error {
	logger := slog.With("component", "agent", "dependency", name)
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	delay := backoffBase
	for attempt := 0; ; attempt++ {
		err := probe(ctx)
		if err == nil {
			logger.Info("dependency ready", "attempts", attempt+1)
			return nil
		}

		logger.Warn("dependency not ready", "attempt", attempt+1, "retry_in", delay, "err", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("agent: %s not ready within %s: %w", name, deadline, err)
		case <-time.After(delay):
		}

		delay *= 2
		if delay > backoffMax {
			delay = backoffMax
		}
	}
}
