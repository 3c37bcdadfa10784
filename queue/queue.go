// Package queue delivers pipeline jobs at least once with idempotency keys,
// bounded retries and persisted progress.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"vidfab-server/apperr"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Queue is the contract every stage handler is written against.
type Queue interface {
	// Enqueue admits a job. A key already admitted and not dead is coalesced
	// into the existing job and reported with Duplicate set.
	Enqueue(ctx context.Context, jobType string, payload any, opts ...Option) (*Enqueued, error)
	// Handle registers the handler for jobType. Register before Start.
	Handle(jobType string, h Handler)
	// Schedule runs jobType on a cron spec ("@every 15s", "*/1 * * * *").
	// Scheduled ticks are not recorded in the job store and are not retried.
	Schedule(spec, jobType string, payload any) error
	Start(ctx context.Context) error
	Close() error
}

type Handler func(ctx context.Context, job *Job) error

type Enqueued struct {
	JobID     string
	Duplicate bool
}

type Priority int

const (
	PriorityLow Priority = iota - 1
	PriorityDefault
	PriorityCritical
)

func (p Priority) queueName() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityLow:
		return "low"
	default:
		return "default"
	}
}

// Backoff is exponential: Delay(n) = min(Initial * Multiplier^(n-1), Max).
type Backoff struct {
	Initial    time.Duration `json:"initial"`
	Max        time.Duration `json:"max"`
	Multiplier float64       `json:"multiplier"`
}

// Delay returns the wait before redelivery after the n-th failed attempt (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(b.Initial) * math.Pow(mult, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

type Defaults struct {
	MaxAttempts int
	Backoff     Backoff
}

type EnqueueOptions struct {
	Key         string
	Priority    Priority
	MaxAttempts int
	Backoff     *Backoff
	ProjectID   string
	Delay       time.Duration
}

type Option func(*EnqueueOptions)

func WithKey(key string) Option { return func(o *EnqueueOptions) { o.Key = key } }

func WithPriority(p Priority) Option { return func(o *EnqueueOptions) { o.Priority = p } }

func WithMaxAttempts(n int) Option { return func(o *EnqueueOptions) { o.MaxAttempts = n } }

func WithBackoff(b Backoff) Option { return func(o *EnqueueOptions) { o.Backoff = &b } }

func WithProject(id string) Option { return func(o *EnqueueOptions) { o.ProjectID = id } }

func WithDelay(d time.Duration) Option { return func(o *EnqueueOptions) { o.Delay = d } }

// Job is what a handler receives.
type Job struct {
	ID          string
	Type        string
	Key         string
	Attempt     int
	MaxAttempts int

	payload []byte
	store   JobStore
	log     *zap.Logger
}

func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.payload, v); err != nil {
		return apperr.Validation("queue.decode", "decode %s payload: %v", j.Type, err)
	}
	return nil
}

// Progress records pct (clamped to 0..100) and a status message on the job record.
func (j *Job) Progress(ctx context.Context, pct int, msg string) {
	if j.ID == "" || j.store == nil {
		return
	}
	pct = max(0, min(100, pct))
	if err := j.store.Progress(ctx, j.ID, pct, msg); err != nil {
		j.log.Warn("record job progress", zap.String("job_id", j.ID), zap.Error(err))
	}
}

func (j *Job) LastAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// envelope is the wire payload shared by both drivers.
type envelope struct {
	JobID       string          `json:"job_id,omitempty"`
	Key         string          `json:"key,omitempty"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     Backoff         `json:"backoff"`
	Data        json.RawMessage `json:"data"`

	// revived is set when admission re-used a dead record
	revived bool
}

// core holds the driver-independent admission and execution logic.
type core struct {
	store    JobStore
	defaults Defaults
	log      *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func newCore(store JobStore, defaults Defaults, log *zap.Logger) *core {
	if store == nil {
		store = NewMemoryStore()
	}
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = 3
	}
	if defaults.Backoff.Initial <= 0 {
		defaults.Backoff = Backoff{Initial: 10 * time.Second, Max: 10 * time.Minute, Multiplier: 2}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &core{store: store, defaults: defaults, log: log, handlers: make(map[string]Handler)}
}

func (c *core) register(jobType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[jobType] = h
}

func (c *core) handler(jobType string) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[jobType]
	return h, ok
}

func (c *core) options(opts []Option) EnqueueOptions {
	o := EnqueueOptions{MaxAttempts: c.defaults.MaxAttempts}
	for _, fn := range opts {
		fn(&o)
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = c.defaults.MaxAttempts
	}
	if o.Backoff == nil {
		b := c.defaults.Backoff
		o.Backoff = &b
	}
	return o
}

// admit records the job and builds its envelope. admitted is false for duplicates.
func (c *core) admit(ctx context.Context, jobType string, payload any, o EnqueueOptions) (envelope, *Enqueued, bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return envelope{}, nil, false, fmt.Errorf("marshal %s payload: %w", jobType, err)
	}
	rec := &JobRecord{
		ID:          uuid.NewString(),
		Type:        jobType,
		Key:         o.Key,
		ProjectID:   o.ProjectID,
		Priority:    o.Priority,
		MaxAttempts: o.MaxAttempts,
		Payload:     data,
	}
	id, admitted, err := c.store.Admit(ctx, rec)
	if err != nil {
		return envelope{}, nil, false, fmt.Errorf("admit %s: %w", jobType, err)
	}
	if !admitted {
		c.log.Debug("job coalesced", zap.String("job_type", jobType), zap.String("key", o.Key), zap.String("job_id", id))
		return envelope{}, &Enqueued{JobID: id, Duplicate: true}, false, nil
	}
	env := envelope{JobID: id, Key: o.Key, MaxAttempts: o.MaxAttempts, Backoff: *o.Backoff, Data: data, revived: id != rec.ID}
	return env, &Enqueued{JobID: id}, true, nil
}

func (c *core) scheduledEnvelope(payload any) (envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return envelope{}, err
	}
	return envelope{MaxAttempts: 1, Backoff: c.defaults.Backoff, Data: data}, nil
}

// run executes one attempt and reports whether the job should be redelivered.
func (c *core) run(ctx context.Context, jobType string, env envelope, attempt int) (retry bool, err error) {
	log := c.log.With(zap.String("job_type", jobType), zap.String("job_id", env.JobID), zap.Int("attempt", attempt))
	job := &Job{
		ID:          env.JobID,
		Type:        jobType,
		Key:         env.Key,
		Attempt:     attempt,
		MaxAttempts: env.MaxAttempts,
		payload:     env.Data,
		store:       c.store,
		log:         log,
	}
	recorded := env.JobID != ""

	h, ok := c.handler(jobType)
	if !ok {
		err = apperr.Validation("queue.run", "no handler for %s", jobType)
	} else {
		if recorded {
			if serr := c.store.Started(ctx, env.JobID, attempt); serr != nil {
				log.Warn("record job start", zap.Error(serr))
			}
		}
		err = c.invoke(ctx, h, job)
	}

	if err == nil {
		if recorded {
			if serr := c.store.Finished(ctx, env.JobID); serr != nil {
				log.Warn("record job finish", zap.Error(serr))
			}
		}
		return false, nil
	}

	retry = apperr.Retryable(err) && attempt < env.MaxAttempts
	if recorded {
		if serr := c.store.Failed(context.WithoutCancel(ctx), env.JobID, attempt, err.Error(), !retry); serr != nil {
			log.Warn("record job failure", zap.Error(serr))
		}
	}
	if retry {
		log.Warn("job failed, will retry", zap.Error(err))
	} else {
		log.Error("job dead", zap.Error(err), zap.Bool("retryable", apperr.Retryable(err)))
	}
	return retry, err
}

func (c *core) invoke(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

var errClosed = errors.New("queue: closed")
