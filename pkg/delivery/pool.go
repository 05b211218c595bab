package delivery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"postbox/pkg/types"
)

const (
	DefaultWorkers      = 4
	DefaultPollInterval = 10 * time.Second
	DefaultBatchSize    = 100
)

type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      DefaultWorkers,
		PollInterval: DefaultPollInterval,
		BatchSize:    DefaultBatchSize,
	}
}

// Pool feeds due queue items to a fixed set of workers.
type Pool struct {
	queue  *Queue
	cfg    PoolConfig
	logger *zap.Logger
}

func NewPool(queue *Queue, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{queue: queue, cfg: cfg, logger: logger}
}

// Run schedules and processes deliveries until ctx is cancelled. Attempts
// already handed to a worker are finished before Run returns; the HTTP
// request of an attempt is never cancelled by ctx, only by its own timeout.
func (p *Pool) Run(ctx context.Context) error {
	items := make(chan *types.DeliveryItem)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(items)
		return p.schedule(gctx, items)
	})

	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(ctx, worker, items)
			return nil
		})
	}

	p.logger.Info("Delivery pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Duration("poll_interval", p.cfg.PollInterval))

	err := g.Wait()
	p.logger.Info("Delivery pool stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) schedule(ctx context.Context, items chan<- *types.DeliveryItem) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		due, err := p.queue.store.ListDue(ctx, p.queue.clock.Now(), p.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("Failed to list due deliveries", zap.Error(err))
		}

		for _, item := range due {
			select {
			case items <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pool) work(ctx context.Context, worker int, items <-chan *types.DeliveryItem) {
	// Store updates after an attempt must land even during shutdown.
	ctx = context.WithoutCancel(ctx)

	for item := range items {
		outcome, err := p.queue.ProcessOne(ctx, item)
		if err != nil {
			p.logger.Warn("Delivery processing failed",
				zap.Int("worker", worker),
				zap.String("item_id", item.ID),
				zap.Error(err))
			continue
		}
		p.logger.Debug("Delivery processed",
			zap.Int("worker", worker),
			zap.String("item_id", item.ID),
			zap.Stringer("outcome", outcome))
	}
}
