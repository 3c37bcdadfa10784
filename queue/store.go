package queue

import (
	"context"
	"fmt"
	"sync"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusFinished   Status = "finished"
	StatusDead       Status = "dead"
)

// JobRecord is the durable view of one logical job.
type JobRecord struct {
	ID          string
	Type        string
	Key         string
	ProjectID   string
	Priority    Priority
	MaxAttempts int
	Payload     []byte

	Status   Status
	Attempts int
	Progress int
	Message  string
	Error    string
}

// JobStore persists job records. Admit is the idempotency authority: for a key
// that already has a live record it returns that record's id and admitted=false.
// A dead record is reset and re-admitted under its original id.
// Discard rolls an admission back when the job never reached the broker: a new
// record is removed, a revived one goes back to dead with reason as its error.
type JobStore interface {
	Admit(ctx context.Context, rec *JobRecord) (id string, admitted bool, err error)
	Discard(ctx context.Context, id string, revived bool, reason string) error
	Started(ctx context.Context, id string, attempt int) error
	Progress(ctx context.Context, id string, pct int, msg string) error
	Finished(ctx context.Context, id string) error
	Failed(ctx context.Context, id string, attempt int, errMsg string, dead bool) error
}

// MemoryStore keeps records in process. Used by tests and when no database is wired.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]*JobRecord
	byKey map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*JobRecord), byKey: make(map[string]string)}
}

func (s *MemoryStore) Admit(_ context.Context, rec *JobRecord) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Key != "" {
		if id, ok := s.byKey[rec.Key]; ok {
			existing := s.byID[id]
			if existing.Status != StatusDead {
				return id, false, nil
			}
			existing.Status = StatusPending
			existing.Attempts = 0
			existing.Progress = 0
			existing.Message = ""
			existing.Error = ""
			existing.Payload = rec.Payload
			existing.MaxAttempts = rec.MaxAttempts
			return id, true, nil
		}
		s.byKey[rec.Key] = rec.ID
	}
	cp := *rec
	cp.Status = StatusPending
	s.byID[rec.ID] = &cp
	return rec.ID, true, nil
}

func (s *MemoryStore) Discard(_ context.Context, id string, revived bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil
	}
	if revived {
		rec.Status = StatusDead
		rec.Error = reason
		return nil
	}
	delete(s.byKey, rec.Key)
	delete(s.byID, id)
	return nil
}

func (s *MemoryStore) update(id string, fn func(*JobRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	fn(rec)
	return nil
}

func (s *MemoryStore) Started(_ context.Context, id string, attempt int) error {
	return s.update(id, func(r *JobRecord) {
		r.Status = StatusProcessing
		r.Attempts = attempt
	})
}

func (s *MemoryStore) Progress(_ context.Context, id string, pct int, msg string) error {
	return s.update(id, func(r *JobRecord) {
		r.Progress = pct
		r.Message = msg
	})
}

func (s *MemoryStore) Finished(_ context.Context, id string) error {
	return s.update(id, func(r *JobRecord) {
		r.Status = StatusFinished
		r.Progress = 100
		r.Error = ""
	})
}

func (s *MemoryStore) Failed(_ context.Context, id string, attempt int, errMsg string, dead bool) error {
	return s.update(id, func(r *JobRecord) {
		r.Attempts = attempt
		r.Error = errMsg
		r.Status = StatusRetrying
		if dead {
			r.Status = StatusDead
		}
	})
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(id string) (JobRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return JobRecord{}, false
	}
	return *rec, true
}

// ByType returns copies of every record of the given type.
func (s *MemoryStore) ByType(jobType string) []JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []JobRecord
	for _, rec := range s.byID {
		if rec.Type == jobType {
			out = append(out, *rec)
		}
	}
	return out
}
