// Package pool runs deferred side effects (operator alerts, e-mails) on a
// small set of workers with bounded exponential-backoff retry.
package pool

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/developingchet/meeting-scheduler/internal/metrics"
	"github.com/rs/zerolog"
)

// maxBackoff caps a single retry delay.
const maxBackoff = 5 * time.Minute

// Job is a unit of work for the worker pool.
type Job struct {
	Action string // metrics label, e.g. "alert" or "email"
	Target string // log context only, e.g. recipient or alert kind
	Run    func(ctx context.Context) error
}

// Config holds worker pool configuration.
type Config struct {
	Workers    int
	QueueDepth int
	MaxRetries int
	RetryBase  time.Duration
}

// Pool is a configurable worker pool with bounded retry logic.
type Pool struct {
	cfg      Config
	jobs     chan Job
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Pool with the given config.
func New(cfg Config, log zerolog.Logger) (*Pool, error) {
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, fmt.Errorf("POOL_WORKERS must be 1–64, got %d", cfg.Workers)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 256
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Second
	}
	return &Pool{
		cfg:  cfg,
		jobs: make(chan Job, cfg.QueueDepth),
		log:  log,
	}, nil
}

// Start launches the worker goroutines. ctx controls worker lifetime.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Enqueue attempts a non-blocking send. Returns false if the buffer is full.
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.jobs <- job:
		metrics.JobsEnqueued.WithLabelValues(job.Action).Inc()
		return true
	default:
		metrics.JobsDropped.WithLabelValues("buffer_full").Inc()
		p.log.Warn().Str("target", job.Target).Str("action", job.Action).Msg("job dropped: queue full")
		return false
	}
}

// Stop closes the job channel and waits for all workers to drain.
// Enqueue must not be called after Stop.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}

// Depth returns the current number of pending jobs.
func (p *Pool) Depth() int {
	return len(p.jobs)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return // channel closed by Stop()
			}
			metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
			p.process(ctx, job, log)
		}
	}
}

// process runs the job inline with retry; jobs are never re-enqueued.
func (p *Pool) process(ctx context.Context, job Job, log zerolog.Logger) {
	attempts := 0
	err := Retry(ctx, p.cfg.MaxRetries, p.cfg.RetryBase, func(ctx context.Context) error {
		if attempts > 0 {
			metrics.JobsProcessed.WithLabelValues(job.Action, "retried").Inc()
			log.Warn().Str("target", job.Target).Int("attempt", attempts).Msg("retrying job")
		}
		attempts++
		return job.Run(ctx)
	})
	if err != nil {
		metrics.JobsProcessed.WithLabelValues(job.Action, "error").Inc()
		log.Error().Err(err).Str("target", job.Target).Str("action", job.Action).
			Int("max_retries", p.cfg.MaxRetries).Msg("job failed: max retries exceeded")
		return
	}
	metrics.JobsProcessed.WithLabelValues(job.Action, "success").Inc()
}

// Retry calls fn up to maxRetries+1 times, sleeping Backoff(base, n) between
// attempts. It returns nil on the first success, the last error once attempts
// are exhausted, or ctx.Err() if ctx ends during a backoff sleep.
func Retry(ctx context.Context, maxRetries int, base time.Duration, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			case <-time.After(Backoff(base, attempt-1)):
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}

// Backoff computes base * 2^retries, capped at five minutes.
func Backoff(base time.Duration, retries int) time.Duration {
	multiplier := math.Pow(2, float64(retries))
	d := time.Duration(float64(base) * multiplier)
	if d > maxBackoff || d < 0 {
		d = maxBackoff
	}
	return d
}
