package replica

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kevinxiao27/treesync/internal/metrics"
)

const (
	listenInitialBackoff = time.Second
	listenMaxBackoff     = 30 * time.Second
	listenBackoffFactor  = 1.5
)

// listen subscribes to the branch pointer and reconnects with exponential
// backoff until ctx is done.
func (c *Coordinator) listen(ctx context.Context) error {
	backoff := listenInitialBackoff
	for {
		start := time.Now()
		err := c.branches.Listen(ctx, c.cfg.Branch, func(hash string) {
			c.dispatch(func(ctx context.Context) {
				if err := c.pull(ctx, hash); err != nil {
					c.logger.Error("merging remote changes failed",
						slog.String("remote", hash),
						slog.String("error", err.Error()))
					return
				}
				_ = c.publish(ctx)
			})
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Warn("branch listener failed", slog.String("error", err.Error()), slog.Duration("retry_in", backoff))
		}
		if time.Since(start) > listenMaxBackoff {
			backoff = listenInitialBackoff
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(time.Duration(float64(backoff)*listenBackoffFactor), listenMaxBackoff)
	}
}

func (c *Coordinator) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick runs one liveness check. A stuck tick is cancelled by its watchdog
// after WatchdogFactor tick periods.
func (c *Coordinator) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TickPeriod*time.Duration(c.cfg.WatchdogFactor))
	defer cancel()

	if err := c.sync(ctx); err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			metrics.TickTimeouts.Inc()
			c.logger.Warn("tick cancelled by watchdog")
		case errors.Is(err, context.Canceled):
			return
		default:
			c.logger.Debug("tick failed", slog.String("error", err.Error()))
		}
	}
	c.checkDivergence()
}

func (c *Coordinator) checkDivergence() {
	c.mu.Lock()
	local, remote := c.local.Hash(), c.remote.Hash()
	if local == remote {
		c.divergence = 0
	} else {
		c.divergence++
	}
	if c.divergence > divergenceLimit {
		c.logger.Warn("local and remote versions keep diverging",
			slog.String("local", local),
			slog.String("remote", remote))
		c.divergence = 0
	}
	n := c.divergence
	c.mu.Unlock()
	metrics.Divergence.WithLabelValues(c.cfg.Branch).Set(float64(n))
}
