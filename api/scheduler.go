/*
scheduler.go - Automated slot closing scheduler

PURPOSE:
  Periodically marks slots whose window has ended as closed. Elapsed slots
  already refuse reservations; the stored status makes that visible to
  filters and reports without recomputing it from the calendar.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Each run is one call to Ledger.CloseElapsed; closing is idempotent

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSlotCloseScheduler(eng.Ledger, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - capacity/ledger.go: CloseElapsed
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SlotCloser is the part of the Ledger the scheduler needs.
type SlotCloser interface {
	CloseElapsed(ctx context.Context) (int, error)
}

// SlotCloseScheduler closes elapsed slots on a ticker.
type SlotCloseScheduler struct {
	Closer        SlotCloser
	Log           *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSlotCloseScheduler creates a new scheduler.
func NewSlotCloseScheduler(closer SlotCloser, log *zap.Logger) *SlotCloseScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SlotCloseScheduler{
		Closer:        closer,
		Log:           log,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a no-op.
func (s *SlotCloseScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("slot close scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.Log.Info("slot close scheduler started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *SlotCloseScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Log.Info("slot close scheduler stopped")
}

func (s *SlotCloseScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

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

// RunNow closes elapsed slots once and returns how many were closed.
func (s *SlotCloseScheduler) RunNow() int {
	n, err := s.Closer.CloseElapsed(context.Background())
	if err != nil {
		s.Log.Error("closing elapsed slots failed", zap.Error(err), zap.Int("closed", n))
		return n
	}
	if n > 0 {
		s.Log.Info("closed elapsed slots", zap.Int("count", n))
	}
	return n
}
