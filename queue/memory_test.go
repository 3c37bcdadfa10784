package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vidfab-server/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type downloadPayload struct {
	ProjectID string `json:"project_id"`
	ShotID    string `json:"shot_id"`
}

func newTestQueue(t *testing.T) (*MemoryQueue, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	q := NewMemory(MemoryConfig{
		Concurrency: 4,
		Defaults: Defaults{
			MaxAttempts: 3,
			Backoff:     Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
		},
	}, store, zaptest.NewLogger(t))
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Close() })
	return q, store
}

func drain(t *testing.T, q *MemoryQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
}

func TestEnqueueSameKeyRunsOnce(t *testing.T) {
	q, _ := newTestQueue(t)
	var runs atomic.Int32
	release := make(chan struct{})
	q.Handle("pipeline:download", func(ctx context.Context, job *Job) error {
		var p downloadPayload
		assert.NoError(t, job.Decode(&p))
		assert.Equal(t, "shot-3", p.ShotID)
		<-release
		runs.Add(1)
		return nil
	})

	ctx := context.Background()
	payload := downloadPayload{ProjectID: "p1", ShotID: "shot-3"}
	first, err := q.Enqueue(ctx, "pipeline:download", payload, WithKey("download:p1:shot-3"))
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := q.Enqueue(ctx, "pipeline:download", payload, WithKey("download:p1:shot-3"))
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.JobID, second.JobID)

	close(release)
	drain(t, q)

	third, err := q.Enqueue(ctx, "pipeline:download", payload, WithKey("download:p1:shot-3"))
	require.NoError(t, err)
	require.True(t, third.Duplicate)
	drain(t, q)

	require.Equal(t, int32(1), runs.Load())
}

func TestTransientFailureIsRetriedUntilSuccess(t *testing.T) {
	q, store := newTestQueue(t)
	var attempts []int
	var mu sync.Mutex
	q.Handle("pipeline:compose", func(ctx context.Context, job *Job) error {
		mu.Lock()
		attempts = append(attempts, job.Attempt)
		mu.Unlock()
		if job.Attempt < 3 {
			return apperr.Transient("render", errors.New("503"))
		}
		job.Progress(ctx, 100, "rendered")
		return nil
	})

	res, err := q.Enqueue(context.Background(), "pipeline:compose", map[string]string{"project_id": "p1"})
	require.NoError(t, err)
	drain(t, q)

	require.Equal(t, []int{1, 2, 3}, attempts)
	rec, ok := store.Get(res.JobID)
	require.True(t, ok)
	require.Equal(t, StatusFinished, rec.Status)
	require.Equal(t, 3, rec.Attempts)
	require.Equal(t, "rendered", rec.Message)
}

func TestExhaustedJobIsMarkedDead(t *testing.T) {
	q, store := newTestQueue(t)
	var runs atomic.Int32
	q.Handle("pipeline:clip", func(ctx context.Context, job *Job) error {
		runs.Add(1)
		return errors.New("provider unreachable")
	})

	res, err := q.Enqueue(context.Background(), "pipeline:clip", struct{}{}, WithMaxAttempts(2))
	require.NoError(t, err)
	drain(t, q)

	require.Equal(t, int32(2), runs.Load())
	rec, _ := store.Get(res.JobID)
	require.Equal(t, StatusDead, rec.Status)
	require.Equal(t, "provider unreachable", rec.Error)
}

func TestNonRetryableErrorIsDeadImmediately(t *testing.T) {
	q, store := newTestQueue(t)
	var runs atomic.Int32
	q.Handle("pipeline:analyze", func(ctx context.Context, job *Job) error {
		runs.Add(1)
		return apperr.Validation("analyze", "empty shot list")
	})

	res, err := q.Enqueue(context.Background(), "pipeline:analyze", struct{}{})
	require.NoError(t, err)
	drain(t, q)

	require.Equal(t, int32(1), runs.Load())
	rec, _ := store.Get(res.JobID)
	require.Equal(t, StatusDead, rec.Status)
}

func TestDeadKeyCanBeReadmitted(t *testing.T) {
	q, store := newTestQueue(t)
	var fail atomic.Bool
	fail.Store(true)
	var runs atomic.Int32
	q.Handle("pipeline:download", func(ctx context.Context, job *Job) error {
		runs.Add(1)
		if fail.Load() {
			return apperr.Terminal("download", "404")
		}
		return nil
	})

	ctx := context.Background()
	first, err := q.Enqueue(ctx, "pipeline:download", struct{}{}, WithKey("download:p:s"))
	require.NoError(t, err)
	drain(t, q)
	rec, _ := store.Get(first.JobID)
	require.Equal(t, StatusDead, rec.Status)

	fail.Store(false)
	second, err := q.Enqueue(ctx, "pipeline:download", struct{}{}, WithKey("download:p:s"))
	require.NoError(t, err)
	require.False(t, second.Duplicate)
	require.Equal(t, first.JobID, second.JobID)
	drain(t, q)

	rec, _ = store.Get(first.JobID)
	require.Equal(t, StatusFinished, rec.Status)
	require.Equal(t, int32(2), runs.Load())
}

func TestMissingHandlerIsDead(t *testing.T) {
	q, store := newTestQueue(t)
	res, err := q.Enqueue(context.Background(), "pipeline:unknown", struct{}{})
	require.NoError(t, err)
	drain(t, q)
	rec, _ := store.Get(res.JobID)
	require.Equal(t, StatusDead, rec.Status)
}

func TestScheduleRunsWithoutRecord(t *testing.T) {
	q, store := newTestQueue(t)
	var ticks atomic.Int32
	q.Handle("pipeline:sync", func(ctx context.Context, job *Job) error {
		assert.Empty(t, job.ID)
		ticks.Add(1)
		return nil
	})
	require.NoError(t, q.Schedule("@every 1s", "pipeline:sync", struct{}{}))
	require.Eventually(t, func() bool { return ticks.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	require.Empty(t, store.ByType("pipeline:sync"))
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{12, 10 * time.Second},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, b.Delay(tc.n), "n=%d", tc.n)
	}
}
