package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/huntworks/picvault/internal/teams"
)

const defaultFlushInterval = 2 * time.Minute

// FlushScheduler writes every team sidecar to disk on a fixed interval and
// once more on shutdown.
type FlushScheduler struct {
	registry  *teams.Registry
	interval  time.Duration
	logger    teams.Logger
	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewFlushScheduler(registry *teams.Registry, interval time.Duration, logger teams.Logger) *FlushScheduler {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &FlushScheduler{
		registry: registry,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (s *FlushScheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.run(ctx)
	})
}

// Stop halts the ticker and performs one final synchronous flush.
func (s *FlushScheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		if err := s.registry.FlushAll(); err != nil {
			s.logf("final flush: %v", err)
		}
	})
}

func (s *FlushScheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.registry.FlushAll(); err != nil {
				s.logf("periodic flush: %v", err)
			}
		}
	}
}

func (s *FlushScheduler) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
