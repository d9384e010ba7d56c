package exchange

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"
)

// store is the slice of the registry the sweeper drives.
type store interface {
	Expire(now time.Time) int
	GC(now time.Time) int
}

// Sweeper periodically expires stale pending requests and, on a cron
// schedule, garbage-collects settled ones. The expiry sweep is advisory and
// single-flight: a tick that fires while a sweep is still running is skipped
// rather than queued.
type Sweeper struct {
	store      store
	interval   time.Duration
	gcSchedule string
	gron       gronx.Gronx
	sweeping   atomic.Bool
	now        func() time.Time
	log        zerolog.Logger
}

func NewSweeper(s store, interval time.Duration, gcSchedule string, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:      s,
		interval:   interval,
		gcSchedule: gcSchedule,
		gron:       *gronx.New(),
		now:        time.Now,
		log:        log.With().Str("component", "sweeper").Logger(),
	}
}

// Run blocks until ctx is cancelled, sweeping on every interval tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			s.Sweep(tick)
			s.maybeGC(tick)
		}
	}
}

// Sweep runs one expiry pass unless another is already in progress.
// Returns false when skipped.
func (s *Sweeper) Sweep(now time.Time) bool {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.log.Debug().Msg("sweep already in progress, skipping tick")
		return false
	}
	defer s.sweeping.Store(false)
	s.store.Expire(now)
	return true
}

func (s *Sweeper) maybeGC(now time.Time) {
	if s.gcSchedule == "" {
		return
	}
	due, err := s.gron.IsDue(s.gcSchedule, now)
	if err != nil {
		s.log.Warn().Err(err).Str("schedule", s.gcSchedule).Msg("bad gc schedule")
		return
	}
	if due {
		s.store.GC(now)
	}
}
