package job

import (
	"context"
	"sync"
	"time"
)

// memStore is an in-memory Store used by lifecycle tests. It mirrors the
// concurrency guarantees of SQLStore: CAS status transitions, monotonic
// progress, serialized log appends.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		jobs: make(map[string]*Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *memStore) Insert(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *j
	s.jobs[j.ID] = &copied
	return nil
}

func (s *memStore) GetByID(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *j
	return &copied, nil
}

func (s *memStore) List(_ context.Context, filter Filter) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Job
	for _, j := range s.jobs {
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, st := range filter.Statuses {
				if j.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, *j)
	}
	return out, nil
}

func (s *memStore) TransitionStatus(_ context.Context, id string, expected []Status, update Update) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	matched := false
	for _, st := range expected {
		if j.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrAlreadyClaimed
	}

	j.Status = update.Status
	if update.WorkerID != "" {
		j.WorkerID = update.WorkerID
	}
	if update.Output != nil {
		j.OutputPayload = update.Output
	}
	j.ErrorMessage = update.ErrorMessage
	if update.SetStartedAt {
		t := s.now()
		j.StartedAt = &t
	}
	if update.SetCompletedAt {
		t := s.now()
		j.CompletedAt = &t
	}

	copied := *j
	return &copied, nil
}

func (s *memStore) UpdateProgress(_ context.Context, id string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status == StatusProcessing && j.Progress <= percent {
		j.Progress = percent
	}
	return nil
}

func (s *memStore) AppendLog(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.ProgressLog = j.ProgressLog.Append(message, s.now())
	return nil
}

func (s *memStore) AddCost(_ context.Context, id string, units float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.CostUnits += units
	return nil
}

func (s *memStore) UpdateExternalRef(_ context.Context, id, requestID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.ExternalRequestID = requestID
	j.ExternalStatus = status
	return nil
}

func (s *memStore) RenewLease(_ context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status == StatusProcessing {
		t := until
		j.LeaseExpiresAt = &t
	}
	return nil
}

func (s *memStore) ListStuck(_ context.Context, cutoff time.Time) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Job
	for _, j := range s.jobs {
		if j.Status != StatusQueued && j.Status != StatusProcessing {
			continue
		}
		started := j.CreatedAt
		if j.StartedAt != nil {
			started = *j.StartedAt
		}
		if started.Before(cutoff) {
			out = append(out, *j)
		}
	}
	return out, nil
}
