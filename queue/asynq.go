package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// AsynqQueue is the Redis-backed production driver.
type AsynqQueue struct {
	*core
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	cfg       AsynqConfig
	scheduled bool
}

type AsynqConfig struct {
	Redis       asynq.RedisClientOpt
	Concurrency int
	TaskTimeout time.Duration
	Retention   time.Duration
	Defaults    Defaults
}

func NewAsynq(cfg AsynqConfig, store JobStore, log *zap.Logger) *AsynqQueue {
	q := &AsynqQueue{
		core:   newCore(store, cfg.Defaults, log),
		client: asynq.NewClient(cfg.Redis),
		mux:    asynq.NewServeMux(),
		cfg:    cfg,
	}
	sugar := q.log.Named("asynq").Sugar()
	q.server = asynq.NewServer(cfg.Redis, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			PriorityCritical.queueName(): 6,
			PriorityDefault.queueName():  3,
			PriorityLow.queueName():      1,
		},
		RetryDelayFunc: q.retryDelay,
		ErrorHandler:   asynq.ErrorHandlerFunc(q.handleError),
		Logger:         sugar,
		LogLevel:       asynq.InfoLevel,
	})
	q.scheduler = asynq.NewScheduler(cfg.Redis, &asynq.SchedulerOpts{
		Logger:   sugar,
		LogLevel: asynq.InfoLevel,
	})
	return q
}

func (q *AsynqQueue) Enqueue(ctx context.Context, jobType string, payload any, opts ...Option) (*Enqueued, error) {
	o := q.options(opts)
	env, res, admitted, err := q.admit(ctx, jobType, payload, o)
	if err != nil || !admitted {
		return res, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	taskOpts := []asynq.Option{
		asynq.Queue(o.Priority.queueName()),
		asynq.MaxRetry(o.MaxAttempts - 1),
		asynq.Timeout(q.cfg.TaskTimeout),
		asynq.Retention(q.cfg.Retention),
	}
	if o.Delay > 0 {
		taskOpts = append(taskOpts, asynq.ProcessIn(o.Delay))
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(jobType, body), taskOpts...)
	if err != nil {
		// Roll back admission so the next enqueue with this key is not coalesced
		// into a job that never reached the broker.
		reason := "enqueue to broker: " + err.Error()
		if derr := q.store.Discard(context.WithoutCancel(ctx), env.JobID, env.revived, reason); derr != nil {
			q.log.Error("discard job record", zap.String("job_id", env.JobID), zap.Error(derr))
		}
		return nil, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	q.log.Info("job enqueued",
		zap.String("job_type", jobType), zap.String("job_id", env.JobID),
		zap.String("asynq_id", info.ID), zap.String("queue", info.Queue))
	return res, nil
}

func (q *AsynqQueue) Handle(jobType string, h Handler) {
	q.register(jobType, h)
	q.mux.HandleFunc(jobType, q.process)
}

func (q *AsynqQueue) Schedule(spec, jobType string, payload any) error {
	env, err := q.scheduledEnvelope(payload)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", jobType, err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", jobType, err)
	}
	if _, err := q.scheduler.Register(spec, asynq.NewTask(jobType, body), asynq.MaxRetry(0), asynq.Queue(PriorityLow.queueName())); err != nil {
		return fmt.Errorf("schedule %s: %w", jobType, err)
	}
	q.scheduled = true
	return nil
}

func (q *AsynqQueue) Start(context.Context) error {
	if err := q.server.Start(q.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	if q.scheduled {
		if err := q.scheduler.Start(); err != nil {
			return fmt.Errorf("start asynq scheduler: %w", err)
		}
	}
	return nil
}

func (q *AsynqQueue) Close() error {
	if q.scheduled {
		q.scheduler.Shutdown()
	}
	q.server.Shutdown()
	return q.client.Close()
}

func (q *AsynqQueue) process(ctx context.Context, t *asynq.Task) error {
	var env envelope
	if err := json.Unmarshal(t.Payload(), &env); err != nil {
		return fmt.Errorf("decode envelope: %v: %w", err, asynq.SkipRetry)
	}
	retried, _ := asynq.GetRetryCount(ctx)
	retry, err := q.run(ctx, t.Type(), env, retried+1)
	if err == nil {
		return nil
	}
	if !retry {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// retryDelay is called with the number of retries already made, so the first
// redelivery gets Delay(1).
func (q *AsynqQueue) retryDelay(n int, _ error, t *asynq.Task) time.Duration {
	var env envelope
	if err := json.Unmarshal(t.Payload(), &env); err != nil {
		return q.defaults.Backoff.Delay(n + 1)
	}
	return env.Backoff.Delay(n + 1)
}

func (q *AsynqQueue) handleError(ctx context.Context, t *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if errors.Is(err, asynq.SkipRetry) || retried >= maxRetry {
		q.log.Error("asynq task archived",
			zap.String("job_type", t.Type()), zap.Int("retried", retried), zap.Error(err))
	}
}
