package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically expires transactions that stayed PENDING past the
// grace period.
type Sweeper struct {
	orchestrator *Orchestrator
	interval     time.Duration
	logger       *zap.Logger
	stopChan     chan struct{}
	stopOnce     sync.Once
}

func NewSweeper(o *Orchestrator, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		orchestrator: o,
		interval:     interval,
		logger:       logger,
		stopChan:     make(chan struct{}),
	}
}

// Start blocks until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting pending transaction sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)

		case <-s.stopChan:
			s.logger.Info("Stopping pending transaction sweeper")
			return

		case <-ctx.Done():
			s.logger.Info("Context cancelled, stopping pending transaction sweeper")
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.orchestrator.ExpireStale(ctx, s.orchestrator.now())
	if err != nil {
		s.logger.Error("Failed to expire stale transactions", zap.Error(err))
	}
	if n > 0 {
		s.logger.Info("Expired stale transactions", zap.Int("count", n))
	}
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}
