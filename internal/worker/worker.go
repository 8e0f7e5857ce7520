package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/tool-gateway/internal/artifact"
)

// Sweeper periodically deletes artifacts nobody downloaded within their TTL.
type Sweeper struct {
	store    artifact.Store
	ttl      time.Duration
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewSweeper(store artifact.Store, ttl, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// SweepOnce removes everything older than the TTL.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	n, err := s.store.Sweep(ctx, s.now().Add(-s.ttl))
	if err != nil {
		return n, fmt.Errorf("sweep artifacts: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int("removed", n).Msg("expired artifacts removed")
	}
	return n, nil
}

// Run sweeps on the configured interval until ctx is cancelled. It blocks.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("artifact sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
