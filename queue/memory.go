package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// MemoryQueue runs jobs in process on a bounded worker pool. Nothing survives a
// restart; it backs local development and tests.
type MemoryQueue struct {
	*core
	pool     pond.Pool
	cron     *cron.Cron
	inflight atomic.Int64
	closed   atomic.Bool
}

type MemoryConfig struct {
	Concurrency int
	Defaults    Defaults
}

func NewMemory(cfg MemoryConfig, store JobStore, log *zap.Logger) *MemoryQueue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &MemoryQueue{
		core: newCore(store, cfg.Defaults, log),
		pool: pond.NewPool(cfg.Concurrency),
		cron: cron.New(),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobType string, payload any, opts ...Option) (*Enqueued, error) {
	if q.closed.Load() {
		return nil, errClosed
	}
	o := q.options(opts)
	env, res, admitted, err := q.admit(ctx, jobType, payload, o)
	if err != nil || !admitted {
		return res, err
	}
	q.dispatch(jobType, env, 1, o.Delay)
	return res, nil
}

func (q *MemoryQueue) Handle(jobType string, h Handler) {
	q.register(jobType, h)
}

func (q *MemoryQueue) Schedule(spec, jobType string, payload any) error {
	env, err := q.scheduledEnvelope(payload)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", jobType, err)
	}
	_, err = q.cron.AddFunc(spec, func() {
		if !q.closed.Load() {
			q.dispatch(jobType, env, 1, 0)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", jobType, err)
	}
	return nil
}

func (q *MemoryQueue) Start(context.Context) error {
	q.cron.Start()
	return nil
}

func (q *MemoryQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	<-q.cron.Stop().Done()
	q.pool.StopAndWait()
	return nil
}

// Drain blocks until no job is running or waiting for redelivery.
func (q *MemoryQueue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.inflight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *MemoryQueue) dispatch(jobType string, env envelope, attempt int, delay time.Duration) {
	q.inflight.Add(1)
	submit := func() {
		if q.closed.Load() {
			q.inflight.Add(-1)
			return
		}
		q.pool.Submit(func() {
			defer q.inflight.Add(-1)
			retry, _ := q.run(context.Background(), jobType, env, attempt)
			if retry && !q.closed.Load() {
				q.dispatch(jobType, env, attempt+1, env.Backoff.Delay(attempt))
			}
		})
	}
	if delay > 0 {
		time.AfterFunc(delay, submit)
		return
	}
	submit()
}
