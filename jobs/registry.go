package jobs

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"cron-keeper/errs"
	"cron-keeper/logger"
)

// Job is a unit of recurring work. IsDue reports whether the job wants to run
// for network and, if so, the arguments Execute expects. A job that has just
// executed must report not due until its own cooldown elapses.
type Job interface {
	IsDue(ctx context.Context, network string) (bool, []byte, error)
	Execute(ctx context.Context, network string, args []byte) error
}

// DueJob is a job that reported itself due, with the arguments it asked for.
type DueJob struct {
	Handle common.Address
	Args   []byte
}

// Registry is the ordered set of jobs. Registration order is priority order.
// It holds no liveness state; every due check asks the job itself.
type Registry struct {
	mux    sync.RWMutex
	order  []common.Address
	byAddr map[common.Address]Job
}

func NewRegistry() *Registry {
	return &Registry{byAddr: make(map[common.Address]Job)}
}

// Add registers job under handle. Registering a handle twice fails with
// errs.ErrAlreadyRegistered and leaves the first registration in place.
func (r *Registry) Add(handle common.Address, job Job) error {
	if handle == (common.Address{}) || job == nil {
		return errs.InvalidParam("job")
	}

	r.mux.Lock()
	defer r.mux.Unlock()

	if _, ok := r.byAddr[handle]; ok {
		return fmt.Errorf("job %s: %w", handle, errs.ErrAlreadyRegistered)
	}
	r.byAddr[handle] = job
	r.order = append(r.order, handle)

	logger.Logger.Info("Job added", zap.Stringer("job", handle))
	return nil
}

func (r *Registry) Remove(handle common.Address) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if _, ok := r.byAddr[handle]; !ok {
		return fmt.Errorf("job %s: %w", handle, errs.ErrNotFound)
	}
	delete(r.byAddr, handle)
	for i, h := range r.order {
		if h == handle {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}

	logger.Logger.Info("Job removed", zap.Stringer("job", handle))
	return nil
}

func (r *Registry) Get(handle common.Address) (Job, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	job, ok := r.byAddr[handle]
	return job, ok
}

// Handles returns the registered handles in priority order.
func (r *Registry) Handles() []common.Address {
	r.mux.RLock()
	defer r.mux.RUnlock()
	out := make([]common.Address, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.order)
}

// IsDue delegates to the job registered under handle.
func (r *Registry) IsDue(ctx context.Context, handle common.Address, network string) (bool, []byte, error) {
	job, ok := r.Get(handle)
	if !ok {
		return false, nil, fmt.Errorf("job %s: %w", handle, errs.ErrNotFound)
	}
	return job.IsDue(ctx, network)
}

// DueJobs lazily yields the due jobs in priority order. Each range over the
// returned sequence starts again from the current membership; a job is only
// asked once the consumer has taken the previous one. A failing due check is
// yielded as an error and ends the sequence.
func (r *Registry) DueJobs(ctx context.Context, network string) iter.Seq2[DueJob, error] {
	return func(yield func(DueJob, error) bool) {
		for _, handle := range r.Handles() {
			job, ok := r.Get(handle)
			if !ok {
				continue
			}
			due, args, err := job.IsDue(ctx, network)
			if err != nil {
				yield(DueJob{Handle: handle}, errs.Collaborator("job "+handle.Hex(), err))
				return
			}
			if !due {
				continue
			}
			if !yield(DueJob{Handle: handle, Args: args}, nil) {
				return
			}
		}
	}
}

// FirstDue returns the highest priority due job, or ok=false when none is due.
func (r *Registry) FirstDue(ctx context.Context, network string) (DueJob, bool, error) {
	for job, err := range r.DueJobs(ctx, network) {
		if err != nil {
			return DueJob{}, false, err
		}
		return job, true, nil
	}
	return DueJob{}, false, nil
}
