package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Evictor periodically drops idle sessions from a Registry.
type Evictor struct {
	cron *cron.Cron
}

// StartEvictor schedules EvictIdle every interval. The returned Evictor must
// be stopped by the caller.
func StartEvictor(reg *Registry, maxIdle, interval time.Duration, logger *slog.Logger) (*Evictor, error) {
	if reg == nil {
		return nil, errors.New("session: registry must not be nil")
	}
	if maxIdle <= 0 {
		return nil, errors.New("session: max idle must be positive")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := cron.New()
	_, err := c.AddFunc("@every "+interval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		n, err := reg.EvictIdle(ctx, maxIdle)
		if err != nil {
			logger.Warn("idle session eviction failed", "err", err)
			return
		}
		if n > 0 {
			logger.Info("evicted idle sessions", "count", n, "max_idle", maxIdle.String())
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return &Evictor{cron: c}, nil
}

// Stop halts scheduling and waits for a running eviction to finish.
func (e *Evictor) Stop() {
	<-e.cron.Stop().Done()
}
