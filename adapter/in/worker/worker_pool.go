package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"
)

// ErrPoolStopped is returned for jobs submitted to a stopped pool.
var ErrPoolStopped = errors.New("worker pool stopped")

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Workers          int
	WorkerChanSize   int
	RatePerSecond    int
	JobTimeout       time.Duration
	JobTimeoutByType map[JobType]time.Duration
}

// DefaultPoolConfig returns default pool configuration.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:        8,
		WorkerChanSize: 16,
		RatePerSecond:  100,
		JobTimeout:     60 * time.Second,
		JobTimeoutByType: map[JobType]time.Duration{
			// Selection may retry the reasoning backend a few times.
			JobRulesRun: 2 * time.Minute,
		},
	}
}

// Pool runs jobs on a go-pkgz/pool worker group. Handle blocks until its job
// finished so the stream consumer acknowledges only completed work; retries
// and dead-lettering belong to the stream.
type Pool struct {
	handler *Handler
	config  *PoolConfig

	pool *pool.WorkerGroup[*job]

	ctx    context.Context
	cancel context.CancelFunc

	metrics     *PoolMetrics
	log         zerolog.Logger
	rateLimiter *RateLimiter

	started bool
	mu      sync.Mutex
}

type job struct {
	ctx  context.Context
	msg  *Message
	done chan error
}

// PoolMetrics holds pool metrics.
type PoolMetrics struct {
	JobsProcessed  int64
	JobsFailed     int64
	JobsThrottled  int64
	AvgProcessTime int64 // milliseconds
	InFlight       int32
}

// messageWorker implements pool.Worker.
type messageWorker struct {
	pool *Pool
}

// Do implements pool.Worker. Errors travel back on the job's channel; the
// group itself never sees them.
func (w *messageWorker) Do(ctx context.Context, j *job) error {
	j.done <- w.pool.processJob(ctx, j)
	return nil
}

// NewPool creates a new worker pool.
func NewPool(handler *Handler, config *PoolConfig, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		handler: handler,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		metrics: &PoolMetrics{},
		log:     log.With().Str("component", "worker_pool").Logger(),
	}
	if config.RatePerSecond > 0 {
		p.rateLimiter = NewRateLimiter(config.RatePerSecond, time.Second)
	}
	return p
}

// Start starts the worker pool.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	worker := &messageWorker{pool: p}
	// Handle waits on each job, so items must not sit in a batch buffer.
	p.pool = pool.New[*job](p.config.Workers, worker).
		WithBatchSize(1).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	if err := p.pool.Go(p.ctx); err != nil {
		return err
	}
	p.started = true

	go p.metricsReporter()

	p.log.Info().
		Int("workers", p.config.Workers).
		Int("rate_per_second", p.config.RatePerSecond).
		Msg("worker pool started")
	return nil
}

// Stop waits for running jobs and stops the pool.
func (p *Pool) Stop() {
	p.log.Info().Msg("stopping worker pool...")

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()

	if err := p.pool.Close(closeCtx); err != nil {
		p.log.Warn().Err(err).Msg("error closing pool")
	}
	p.cancel()

	p.log.Info().
		Int64("processed", atomic.LoadInt64(&p.metrics.JobsProcessed)).
		Int64("failed", atomic.LoadInt64(&p.metrics.JobsFailed)).
		Msg("worker pool stopped")
}

// Handle implements messaging.JobHandler: it runs the stream entry on the
// pool and waits for the outcome.
func (p *Pool) Handle(ctx context.Context, stream string, data []byte) error {
	jobType, ok := JobTypeForStream(stream)
	if !ok {
		p.log.Warn().Str("stream", stream).Msg("no job type for stream")
		return nil
	}
	return p.Submit(ctx, NewMessage(jobType, stream, data))
}

// Submit runs msg on the pool and returns its result.
func (p *Pool) Submit(ctx context.Context, msg *Message) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	wg := p.pool
	p.mu.Unlock()

	if p.rateLimiter != nil {
		for !p.rateLimiter.Allow() {
			atomic.AddInt64(&p.metrics.JobsThrottled, 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	j := &job{ctx: ctx, msg: msg, done: make(chan error, 1)}
	atomic.AddInt32(&p.metrics.InFlight, 1)
	wg.Submit(j)

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// getJobTimeout returns the timeout for a job type.
func (p *Pool) getJobTimeout(jobType JobType) time.Duration {
	if timeout, ok := p.config.JobTimeoutByType[jobType]; ok {
		return timeout
	}
	return p.config.JobTimeout
}

// processJob runs a single job with its timeout. The job's own context
// carries the caller's cancellation; the pool context carries shutdown.
func (p *Pool) processJob(ctx context.Context, j *job) error {
	start := time.Now()
	defer atomic.AddInt32(&p.metrics.InFlight, -1)

	if err := j.ctx.Err(); err != nil {
		return err
	}

	timeout := p.getJobTimeout(j.msg.Type)
	jobCtx, cancel := context.WithTimeout(j.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := p.handler.Process(jobCtx, j.msg)

	p.updateAvgProcessTime(time.Since(start).Milliseconds())

	if errors.Is(err, ErrInFlight) {
		p.log.Debug().Str("job_id", j.msg.ID).Msg("job deferred, message in flight")
		return err
	}
	if err != nil {
		atomic.AddInt64(&p.metrics.JobsFailed, 1)
		ev := p.log.Error().Err(err)
		if errors.Is(err, context.DeadlineExceeded) {
			ev = p.log.Warn().Err(err).Dur("timeout", timeout)
		}
		ev.Str("job_id", j.msg.ID).Str("job_type", j.msg.Type).Msg("job processing failed")
		return err
	}

	atomic.AddInt64(&p.metrics.JobsProcessed, 1)
	return nil
}

// updateAvgProcessTime updates the moving average processing time.
func (p *Pool) updateAvgProcessTime(elapsed int64) {
	current := atomic.LoadInt64(&p.metrics.AvgProcessTime)
	if current == 0 {
		atomic.StoreInt64(&p.metrics.AvgProcessTime, elapsed)
	} else {
		atomic.StoreInt64(&p.metrics.AvgProcessTime, (current*9+elapsed)/10)
	}
}

// metricsReporter periodically logs metrics.
func (p *Pool) metricsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			m := p.GetMetrics()
			p.log.Info().
				Int64("processed", m.JobsProcessed).
				Int64("failed", m.JobsFailed).
				Int64("throttled", m.JobsThrottled).
				Int64("avg_process_ms", m.AvgProcessTime).
				Int32("in_flight", m.InFlight).
				Msg("worker pool metrics")
		}
	}
}

// GetMetrics returns current pool metrics.
func (p *Pool) GetMetrics() PoolMetrics {
	return PoolMetrics{
		JobsProcessed:  atomic.LoadInt64(&p.metrics.JobsProcessed),
		JobsFailed:     atomic.LoadInt64(&p.metrics.JobsFailed),
		JobsThrottled:  atomic.LoadInt64(&p.metrics.JobsThrottled),
		AvgProcessTime: atomic.LoadInt64(&p.metrics.AvgProcessTime),
		InFlight:       atomic.LoadInt32(&p.metrics.InFlight),
	}
}

// =============================================================================
// Rate Limiter
// =============================================================================

// RateLimiter is a lock-free token bucket.
type RateLimiter struct {
	tokens       int64
	maxTokens    int64
	refillRate   int64
	intervalNs   int64
	lastRefillNs int64
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(ratePerSecond int, interval time.Duration) *RateLimiter {
	tokens := int64(ratePerSecond)
	return &RateLimiter{
		tokens:       tokens,
		maxTokens:    tokens,
		refillRate:   tokens,
		intervalNs:   int64(interval),
		lastRefillNs: time.Now().UnixNano(),
	}
}

// Allow takes a token if one is available.
func (r *RateLimiter) Allow() bool {
	now := time.Now().UnixNano()
	intervalNs := atomic.LoadInt64(&r.intervalNs)
	lastRefill := atomic.LoadInt64(&r.lastRefillNs)

	elapsed := now - lastRefill
	if elapsed >= intervalNs {
		tokensToAdd := (elapsed / intervalNs) * atomic.LoadInt64(&r.refillRate)
		maxTokens := atomic.LoadInt64(&r.maxTokens)

		if atomic.CompareAndSwapInt64(&r.lastRefillNs, lastRefill, now) {
			for {
				current := atomic.LoadInt64(&r.tokens)
				newTokens := current + tokensToAdd
				if newTokens > maxTokens {
					newTokens = maxTokens
				}
				if atomic.CompareAndSwapInt64(&r.tokens, current, newTokens) {
					break
				}
			}
		}
	}

	for {
		current := atomic.LoadInt64(&r.tokens)
		if current <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&r.tokens, current, current-1) {
			return true
		}
	}
}
