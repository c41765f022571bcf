package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/meeting-scheduler/internal/metrics"
	"github.com/developingchet/meeting-scheduler/internal/pool"
	"github.com/developingchet/meeting-scheduler/internal/storage"
)

// Janitor performs periodic housekeeping: pruning expired bans and throttle
// entries, updating gauges.
type Janitor struct {
	store      storage.Store
	workerPool *pool.Pool
	interval   time.Duration
	rateWindow time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewJanitor creates a Janitor. workerPool may be nil.
func NewJanitor(store storage.Store, workerPool *pool.Pool, interval, rateWindow time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:      store,
		workerPool: workerPool,
		interval:   interval,
		rateWindow: rateWindow,
		log:        log,
		now:        time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (j *Janitor) SetClock(now func() time.Time) { j.now = now }

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick()
		}
	}
}

func (j *Janitor) tick() {
	now := j.now()

	pruned, err := j.store.PruneExpiredBans(now)
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: prune expired bans failed")
	} else if pruned > 0 {
		j.log.Info().Int("count", pruned).Msg("janitor: pruned expired bans")
	}

	if bans, err := j.store.BanList(); err != nil {
		j.log.Warn().Err(err).Msg("janitor: list bans failed")
	} else {
		metrics.ActiveBans.Set(float64(len(bans)))
	}

	if j.rateWindow > 0 {
		if _, err := j.store.PruneExpiredRateEntries(now, j.rateWindow); err != nil {
			j.log.Warn().Err(err).Msg("janitor: prune expired rate entries failed")
		}
	}

	size, err := j.store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	if j.workerPool != nil {
		metrics.WorkerQueueDepth.Set(float64(j.workerPool.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
