/*
scheduler.go - Periodic accrual scheduler

PURPOSE:
  Periodically asks the engine to book interest accrued through the
  business date on every periodic-accrual loan. The scheduler owns no
  accounting logic; RunAccruals decides which loans accrue and how much,
  and running it twice for the same date books nothing the second time.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Each run is bounded by the check interval so a stuck run cannot pile up

CONFIGURATION:
  - CheckInterval: How often to run (default: 24 hours)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAccrualScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunAccruals endpoint (manual run)
  - loan/lifecycle.go: Engine.RunAccruals
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/loan-ledger/loan"
)

// AccrualScheduler runs periodic accrual in the background.
type AccrualScheduler struct {
	Engine        *loan.Engine
	CheckInterval time.Duration
	Enabled       bool

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewAccrualScheduler(engine *loan.Engine, log *zap.Logger) *AccrualScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AccrualScheduler{
		Engine:        engine,
		CheckInterval: 24 * time.Hour,
		Enabled:       true,
		log:           log.Named("accrual-scheduler"),
	}
}

// Start begins the scheduler. Calling it twice has no effect.
func (s *AccrualScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.log.Info("started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *AccrualScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("stopped")
	}
}

func (s *AccrualScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow()

	for {
		select {
		case <-ticker.C:
			s.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow runs one accrual pass for the business date and returns how many
// accruals were booked.
func (s *AccrualScheduler) RunNow() int {
	ctx, cancel := context.WithTimeout(context.Background(), s.CheckInterval)
	defer cancel()

	date := s.Engine.Today()
	booked, err := s.Engine.RunAccruals(ctx, date, nil)
	if err != nil {
		s.log.Error("accrual run failed", zap.Stringer("date", date), zap.Int("booked", booked), zap.Error(err))
		return booked
	}
	if booked > 0 {
		s.log.Info("accrual run completed", zap.Stringer("date", date), zap.Int("booked", booked))
	}
	return booked
}

// GetNextRunTime returns when the next scheduled run will occur.
func (s *AccrualScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(s.CheckInterval)
}
