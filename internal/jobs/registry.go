// Package jobs owns the in-memory job registry and the per-job worker that
// drives a chat request through the pipeline.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ragserver/internal/domain"
)

// Registry stores every live job keyed by id. It is the sole owner of job
// lifetime: callers look jobs up, they never copy them, so all sessions and
// the worker mutate one shared instance per id.
type Registry struct {
	logger        zerolog.Logger
	ttl           time.Duration
	sweepInterval time.Duration

	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

// NewRegistry builds a registry. ttl bounds how long terminal jobs are
// retained; ttl <= 0 disables eviction entirely.
func NewRegistry(logger zerolog.Logger, ttl, sweepInterval time.Duration) *Registry {
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Minute
	}
	return &Registry{
		logger:        logger,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		jobs:          make(map[string]*domain.Job),
	}
}

// Create allocates a fresh job in QUEUED state and stores it.
func (r *Registry) Create() *domain.Job {
	job := domain.NewJob(uuid.NewString())
	r.mu.Lock()
	r.jobs[job.ID()] = job
	r.mu.Unlock()
	return job
}

// Get returns the live job for id, or domain.ErrNotFound. The returned
// pointer is the shared instance, not a snapshot.
func (r *Registry) Get(id string) (*domain.Job, error) {
	r.mu.RLock()
	job, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

// Len reports the number of resident jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// RunSweeper evicts expired terminal jobs on a fixed cadence until ctx is
// canceled. In-flight jobs are never evicted.
func (r *Registry) RunSweeper(ctx context.Context) {
	if r.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.sweep(time.Now()); n > 0 {
				r.logger.Debug().Int("evicted", n).Msg("registry: swept expired jobs")
			}
		}
	}
}

func (r *Registry) sweep(now time.Time) int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, job := range r.jobs {
		finished := job.FinishedAt()
		if !finished.IsZero() && finished.Before(cutoff) {
			delete(r.jobs, id)
			evicted++
		}
	}
	return evicted
}
