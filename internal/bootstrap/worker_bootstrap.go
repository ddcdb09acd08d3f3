package bootstrap

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"inbox_worker/adapter/in/worker"
	"inbox_worker/adapter/out/messaging"
	"inbox_worker/config"
	"inbox_worker/pkg/logger"
	"inbox_worker/pkg/ratelimit"

	"github.com/rs/zerolog"
)

// delayedActionInterval is how often due delayed actions are moved to their stream.
const delayedActionInterval = 15 * time.Second

type Worker struct {
	pool     *worker.Pool
	consumer *messaging.Consumer
	deps     *Dependencies
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	zlog     zerolog.Logger
}

// NewWorker builds the rule worker: a pool running rules.run jobs fed by
// the email:received consumer group.
func NewWorker(cfg *config.Config, deps *Dependencies) (*Worker, error) {
	if deps.RunRulesService == nil {
		return nil, errors.New("worker needs a message store (MONGODB_URL)")
	}
	if deps.Redis == nil {
		return nil, errors.New("worker needs Redis streams (REDIS_URL)")
	}

	zlog := zerolog.New(os.Stdout).With().Timestamp().Str("component", "worker").Logger()
	if cfg.IsDevelopment() {
		zlog = zlog.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	claimTTL := cfg.WorkerJobTimeout
	if claimTTL <= 0 {
		claimTTL = 2 * time.Minute
	}
	ruleProcessor := worker.NewRuleProcessor(deps.AccountRepo, deps.RunRulesService,
		worker.WithAccountLimiter(ratelimit.NewLimiter(deps.Redis, cfg.AccountRunsPerMin, time.Minute)),
		worker.WithInFlightGuard(ratelimit.NewGuard(deps.Redis, claimTTL)),
	)
	handler := worker.NewHandler(ruleProcessor)

	poolConfig := worker.DefaultPoolConfig()
	poolConfig.Workers = cfg.WorkerCount
	poolConfig.WorkerChanSize = cfg.WorkerCount * 2
	poolConfig.RatePerSecond = cfg.WorkerRate
	if cfg.WorkerJobTimeout > 0 {
		poolConfig.JobTimeoutByType[worker.JobRulesRun] = cfg.WorkerJobTimeout
	}

	pool := worker.NewPool(handler, poolConfig, zlog)

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		pool:   pool,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	w.consumer = messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
		Group:                cfg.ConsumerGroup,
		Consumer:             cfg.WorkerID,
		Streams:              []string{messaging.StreamEmailReceived},
		Handler:              pool,
		Logger:               zlog,
		BatchSize:            int64(cfg.ConsumerBatchSize),
		Block:                time.Duration(cfg.ConsumerBlockMS) * time.Millisecond,
		PendingCheckInterval: time.Duration(cfg.ConsumerPendingCheckSec) * time.Second,
		PendingIdleTime:      time.Duration(cfg.ConsumerPendingIdleSec) * time.Second,
		MaxRetries:           cfg.ConsumerMaxRetries,
	})
	logger.Info("Redis Stream Consumer configured (group=%s, consumer=%s)", cfg.ConsumerGroup, cfg.WorkerID)

	return w, nil
}

// Start runs the pool, the consumer and the delayed-action releaser, and
// blocks until Stop is called.
func (w *Worker) Start() error {
	if err := w.pool.Start(); err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.zlog.Info().Msg("Starting Redis Stream Consumer...")
		if err := w.consumer.Run(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.zlog.Error().Err(err).Msg("Redis Stream Consumer error")
		}
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.releaseDelayedActions()
	}()

	<-w.ctx.Done()
	return nil
}

func (w *Worker) releaseDelayedActions() {
	ticker := time.NewTicker(delayedActionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case now := <-ticker.C:
			n, err := w.deps.Producer.ReleaseDueActions(w.ctx, now)
			if err != nil {
				if w.ctx.Err() == nil {
					w.zlog.Warn().Err(err).Msg("failed to release delayed actions")
				}
				continue
			}
			if n > 0 {
				w.zlog.Info().Int("count", n).Msg("released delayed actions")
			}
		}
	}
}

// Stop cancels the consumer first so no new entries arrive, then drains the pool.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
	w.pool.Stop()
}

func (w *Worker) GetMetrics() worker.PoolMetrics {
	return w.pool.GetMetrics()
}
