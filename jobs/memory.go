package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[primitive.ObjectID]*Job

	// SetScheduleErr, when set, is returned by SetSchedule.
	SetScheduleErr error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[primitive.ObjectID]*Job)}
}

// Insert adds a copy of job, assigning an id and created time when missing.
func (s *MemoryStore) Insert(job Job) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}
	if job.Created.IsZero() {
		job.Created = time.Now().UTC()
	}
	s.jobs[job.ID] = copyJob(&job)
	return copyJob(&job)
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.find(id)
	if err != nil {
		return nil, err
	}
	return copyJob(job), nil
}

// SetSchedule implements Store.
func (s *MemoryStore) SetSchedule(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SetScheduleErr != nil {
		return s.SetScheduleErr
	}
	job, err := s.find(id)
	if err != nil {
		return err
	}
	if job.Schedule != nil {
		return errors.Wrapf(ErrAlreadyScheduled, "job %s", id)
	}
	job.Schedule = &at
	return nil
}

// UpdateStatus implements Store.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, update StatusUpdate) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.find(id)
	if err != nil {
		return nil, err
	}
	job.Status = update.Status
	if update.ClearSchedule {
		job.Schedule = nil
	}
	if update.CompletedAt != nil {
		at := *update.CompletedAt
		job.CompletedAt = &at
	}
	return copyJob(job), nil
}

// ApplyTransition implements Store.
func (s *MemoryStore) ApplyTransition(ctx context.Context, t ScheduledTransition) (Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.find(t.JobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	if job.Status == StatusDeleted || job.Schedule == nil || !job.Schedule.Equal(t.ScheduledFor) {
		return "", false, nil
	}
	previous := job.Status
	job.Status = t.TargetStatus
	job.Schedule = nil
	return previous, true, nil
}

// ListOverdue implements Store.
func (s *MemoryStore) ListOverdue(ctx context.Context, before time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Job
	for _, job := range s.jobs {
		if job.Schedule != nil && !job.Schedule.After(before) && job.Status != StatusDeleted {
			out = append(out, *copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Schedule.Before(*out[j].Schedule) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSchedulable implements Store.
func (s *MemoryStore) ListSchedulable(ctx context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Job
	for _, job := range s.jobs {
		if job.Status == StatusScheduled && job.Schedule == nil {
			out = append(out, Job{ID: job.ID, Title: job.Title, JobIDString: job.JobIDString})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out, nil
}

func (s *MemoryStore) find(id string) (*Job, error) {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		if job, ok := s.jobs[oid]; ok {
			return job, nil
		}
	}
	for _, job := range s.jobs {
		if job.JobIDString != "" && job.JobIDString == id {
			return job, nil
		}
	}
	return nil, errors.Wrapf(ErrJobNotFound, "job %s", id)
}

func copyJob(job *Job) *Job {
	c := *job
	if job.Schedule != nil {
		t := *job.Schedule
		c.Schedule = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	if job.Location.Coordinates != nil {
		c.Location.Coordinates = append([]float64(nil), job.Location.Coordinates...)
	}
	return &c
}
