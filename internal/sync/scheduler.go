package sync

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler drives periodic auto-sync. Changing the interval tears down
// the timer goroutine and starts a fresh one rather than mutating it in
// place. An in-flight cycle is never cancelled; the engine's own guard
// coalesces overlapping triggers.
type Scheduler struct {
	engine *Engine
	log    *logrus.Entry

	mu       sync.Mutex
	parent   context.Context
	cancel   context.CancelFunc
	interval time.Duration
}

// NewScheduler creates a scheduler over the engine.
func NewScheduler(engine *Engine, interval time.Duration, log *logrus.Entry) *Scheduler {
	return &Scheduler{engine: engine, interval: interval, log: log}
}

// Start begins periodic syncing under ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = ctx
	s.startLocked()
}

func (s *Scheduler) startLocked() {
	runCtx, cancel := context.WithCancel(s.parent)
	s.cancel = cancel

	interval := s.interval
	s.log.WithField("interval", interval).Info("auto-sync started")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := s.engine.Run(runCtx); err != nil && err != ErrSyncInProgress {
					s.log.WithError(err).Error("scheduled sync failed")
				}
			}
		}
	}()
}

// Reconfigure replaces the timer with a new interval.
func (s *Scheduler) Reconfigure(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.interval = interval
	if s.parent != nil {
		s.startLocked()
	}
}

// Stop halts periodic syncing. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.log.Info("auto-sync stopped")
	}
}
