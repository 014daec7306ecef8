package importer

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kbolake/kbolake/pkg/duck"
)

const (
	// DefaultStaleThreshold is how long a batch may sit in running before
	// its lock is considered abandoned. Comfortably above the per-call
	// execution budget of the durable runtime.
	DefaultStaleThreshold = 5 * time.Minute

	// DefaultSweepInterval is how often the sweeper looks for stale locks.
	DefaultSweepInterval = time.Minute
)

// Sweeper resets batches whose worker died mid-run: a batch left running
// past the threshold goes back to pending, where the executor's idempotent
// replay makes re-running it safe.
type Sweeper struct {
	log       *slog.Logger
	db        duck.DB
	store     *Store
	clock     clockwork.Clock
	threshold time.Duration
	interval  time.Duration
}

// NewSweeper builds a Sweeper. Zero threshold or interval take the defaults;
// a nil clock means the real one.
func NewSweeper(log *slog.Logger, db duck.DB, store *Store, clock clockwork.Clock, threshold, interval time.Duration) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{log: log, db: db, store: store, clock: clock, threshold: threshold, interval: interval}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := s.Sweep(ctx); err != nil {
				s.log.Error("stale-lock sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	reset, err := s.store.ResetStaleBatches(ctx, conn, s.threshold)
	if err != nil {
		return err
	}
	if reset > 0 {
		s.log.Warn("reset stale batch locks", "count", reset, "threshold", s.threshold.String())
	}
	return nil
}
