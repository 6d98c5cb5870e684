package job

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aliskhannn/zimage-server/internal/model"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// record wraps a stored job with bookkeeping that never leaves the store.
type record struct {
	job             model.Job
	cancelRequested bool
}

// Repository is the authoritative in-memory mapping from job ID to job
// record. Every mutation goes through a single mutex, which makes
// GetOrCreate linearizable with respect to concurrent calls on the same ID
// and keeps read-modify-write cycles atomic.
type Repository struct {
	mu       sync.Mutex
	jobs     map[string]*record
	byClient map[string][]string // owner client ID -> job IDs, creation order
}

// NewRepository creates an empty job store.
func NewRepository() *Repository {
	return &Repository{
		jobs:     make(map[string]*record),
		byClient: make(map[string][]string),
	}
}

// GetOrCreate atomically returns the existing job for id, or inserts the one
// built by factory. The created flag tells the caller whether execution
// should be enqueued. A previously failed job is replaced wholesale so the
// request gets a fresh attempt; completed and cancelled records are returned
// as-is and never re-executed.
func (r *Repository) GetOrCreate(id string, factory func() model.Job) (model.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.jobs[id]; ok && rec.job.Status != model.StatusFailed {
		return rec.job, false
	}

	j := factory()
	j.ID = id
	r.jobs[id] = &record{job: j}

	if j.OwnerClientID != "" {
		r.trackOwnerLocked(j.OwnerClientID, id)
	}

	return j, true
}

// Get returns a copy of the job with the given ID.
func (r *Repository) Get(id string) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return model.Job{}, ErrJobNotFound
	}

	return rec.job, nil
}

// Update atomically transitions the job to the given status, applying mutate
// to the record under the lock. Transitions that violate the state machine
// are rejected with ErrInvalidTransition; terminal jobs never change again.
func (r *Repository) Update(id string, to model.Status, mutate func(*model.Job)) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return model.Job{}, ErrJobNotFound
	}

	if !rec.job.Status.CanTransition(to) {
		return rec.job, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.job.Status, to)
	}

	rec.job.Status = to
	if mutate != nil {
		mutate(&rec.job)
	}
	if to.Terminal() {
		rec.cancelRequested = false
	}

	return rec.job, nil
}

// RequestCancel implements the cooperative cancellation contract. A pending
// job is cancelled immediately; a processing job is flagged so the scheduler
// stops it at the next cancellation boundary. The accepted flag reports
// whether the request had any effect; for terminal or generated jobs the
// current record is returned unchanged.
func (r *Repository) RequestCancel(id string) (model.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return model.Job{}, false, ErrJobNotFound
	}

	switch rec.job.Status {
	case model.StatusPending:
		rec.job.Status = model.StatusCancelled
		return rec.job, true, nil
	case model.StatusProcessing:
		rec.cancelRequested = true
		return rec.job, true, nil
	default:
		return rec.job, false, nil
	}
}

// CancelRequested reports whether a cancel is pending for the job. Checked
// by the scheduler before entering the exclusive-hardware section.
func (r *Repository) CancelRequested(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]

	return ok && rec.cancelRequested
}

// ListByClient returns copies of every job owned by the client, ordered by
// creation time ascending.
func (r *Repository) ListByClient(clientID string) []model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byClient[clientID]
	jobs := make([]model.Job, 0, len(ids))

	for _, id := range ids {
		if rec, ok := r.jobs[id]; ok {
			jobs = append(jobs, rec.job)
		}
	}

	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})

	return jobs
}

func (r *Repository) trackOwnerLocked(clientID, jobID string) {
	for _, id := range r.byClient[clientID] {
		if id == jobID {
			return
		}
	}

	r.byClient[clientID] = append(r.byClient[clientID], jobID)
}
