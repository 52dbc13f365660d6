package file

import (
	"context"
	"sync"
	"time"

	"github.com/abduss/nullpath/internal/metrics"
	"go.uber.org/zap"
)

type sweepRunner interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// Schedule decides when the next sweep runs: daily at Hour:00 in Location, or
// every Interval when Interval is positive.
type Schedule struct {
	Hour     int
	Interval time.Duration
	Location *time.Location
}

// Next returns the first run time strictly after now.
func (s Schedule) Next(now time.Time) time.Time {
	if s.Interval > 0 {
		return now.Add(s.Interval)
	}
	loc := s.Location
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.Hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.Hour, 0, 0, 0, loc)
	}
	return next
}

// SweepResult describes one sweep.
type SweepResult struct {
	Purged   int
	Duration time.Duration
	Err      error
}

// Sweeper periodically purges expired files. A failed or missed run is not
// retried; the next scheduled run and lazy expiry on download cover it.
type Sweeper struct {
	runner   sweepRunner
	schedule Schedule
	log      *zap.Logger
	nowFunc  func() time.Time

	mu     sync.Mutex // serializes RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper; call Start to schedule it.
func NewSweeper(runner sweepRunner, schedule Schedule, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		runner:   runner,
		schedule: schedule,
		log:      log.Named("sweeper"),
		nowFunc:  time.Now,
	}
}

// Start launches the background loop. It is a no-op if already started.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)

	s.log.Info("sweeper started", zap.Time("next_run", s.schedule.Next(s.nowFunc())))
}

// Stop cancels the loop and waits for an in-flight sweep to return.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.log.Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	for {
		now := s.nowFunc()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. Concurrent calls run one after another.
func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	s.log.Info("starting cleanup of expired files")

	purged, err := s.runner.SweepExpired(ctx, s.nowFunc())
	result := SweepResult{Purged: purged, Duration: time.Since(start), Err: err}

	metrics.SweepRuns.Inc()
	metrics.SweepDuration.Observe(result.Duration.Seconds())

	if err != nil {
		s.log.Error("cleanup failed",
			zap.Int("purged", purged),
			zap.Duration("duration", result.Duration),
			zap.Error(err),
		)
		return result
	}
	s.log.Info("finished cleanup",
		zap.Int("purged", purged),
		zap.Duration("duration", result.Duration),
	)
	return result
}
