package repository

import (
	"context"
	"sync"
	"time"

	"github.com/exchange/saga/pkg/saga"
)

// MemoryRepository is an in-process Repository for tests and development.
// Same contract as Postgres: optimistic concurrency on Version, deep-copy
// isolation between callers and the store.
type MemoryRepository struct {
	mu     sync.RWMutex
	states map[string]*saga.State // by instance id
}

// NewMemoryRepository 创建内存仓储
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{states: make(map[string]*saga.State)}
}

func (r *MemoryRepository) Load(ctx context.Context, correlationID, sagaType string) (*saga.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, st := range r.states {
		if st.CorrelationID == correlationID && st.SagaType == sagaType && !st.Status.IsTerminal() {
			return st.Clone()
		}
	}
	return nil, saga.ErrNotFound
}

func (r *MemoryRepository) Save(ctx context.Context, st *saga.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st.Version == 0 {
		for _, existing := range r.states {
			if existing.CorrelationID == st.CorrelationID && existing.SagaType == st.SagaType &&
				!existing.Status.IsTerminal() {
				return saga.ErrVersionConflict
			}
		}
		st.Version = 1
	} else {
		existing, ok := r.states[st.ID]
		if !ok || existing.Version != st.Version {
			return saga.ErrVersionConflict
		}
		st.Version++
	}

	cp, err := st.Clone()
	if err != nil {
		return err
	}
	r.states[st.ID] = cp
	return nil
}

func (r *MemoryRepository) FindStalled(ctx context.Context, limit int) ([]*saga.State, error) {
	// Queue non-empty rather than undispatched > 0: a crash between the last
	// dispatch ack and the queue-clear persist leaves a fully-dispatched
	// queue on a non-terminal instance.
	return r.filter(limit, func(st *saga.State) bool {
		return !st.Status.IsTerminal() && len(st.PendingCommands) > 0
	})
}

func (r *MemoryRepository) FindSuspendedTimedOut(ctx context.Context, now time.Time, limit int) ([]*saga.State, error) {
	return r.filter(limit, func(st *saga.State) bool {
		return st.Status == saga.StatusSuspended && st.TimeoutAt != nil && !st.TimeoutAt.After(now)
	})
}

func (r *MemoryRepository) FindTCCTimedOut(ctx context.Context, now time.Time, limit int) ([]*saga.State, error) {
	return r.filter(limit, func(st *saga.State) bool {
		if st.Status != saga.StatusRunning {
			return false
		}
		next := st.NextTCCTimeout()
		return next != nil && !next.After(now)
	})
}

// Get returns an instance by id, for tests and inspection.
func (r *MemoryRepository) Get(id string) (*saga.State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[id]
	if !ok {
		return nil, false
	}
	cp, err := st.Clone()
	if err != nil {
		return nil, false
	}
	return cp, true
}

func (r *MemoryRepository) filter(limit int, keep func(*saga.State) bool) ([]*saga.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*saga.State
	for _, st := range r.states {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !keep(st) {
			continue
		}
		cp, err := st.Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}
