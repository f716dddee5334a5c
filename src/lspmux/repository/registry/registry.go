// Package registry maps ServerKeys to live language server instances.
package registry

import (
	"context"
	"sync"

	"github.com/publicqi/ra-multiplex/src/lspmux/entity"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/errors"
	tally "github.com/uber-go/tally/v4"
)

// Instance is one live multiplexed server, as seen by the registry.
type Instance interface {
	// Key identifies the instance.
	Key() entity.ServerKey
	// Reusable reports whether new clients may still attach. A draining or
	// terminated instance is never handed out again.
	Reusable() bool
}

// Repository is the process-wide store of live instances. At most one
// reusable Instance exists per ServerKey at any time.
type Repository interface {
	// Resolve returns the live instance for key, calling create under the
	// store lock when none exists or the existing one is no longer reusable.
	// Two concurrent first-clients for one key spawn exactly one process.
	Resolve(ctx context.Context, key entity.ServerKey, create func(ctx context.Context) (Instance, error)) (Instance, error)
	// Remove deletes the entry for key only while it still points at inst,
	// so a draining instance can never evict its replacement. No-op otherwise.
	Remove(ctx context.Context, key entity.ServerKey, inst Instance) error
	// Get returns the current instance for key.
	Get(ctx context.Context, key entity.ServerKey) (Instance, error)
	// All returns every stored instance.
	All(ctx context.Context) []Instance
	// Count returns the total count of stored instances.
	Count(ctx context.Context) (int, error)
}

type repository struct {
	mu       sync.Mutex
	memstore map[string]Instance
	stats    tally.Scope
}

// New returns a Repository backed by an in-memory key-value store.
func New(stats tally.Scope) Repository {
	return &repository{
		memstore: make(map[string]Instance),
		stats:    stats,
	}
}

func (r *repository) Resolve(ctx context.Context, key entity.ServerKey, create func(ctx context.Context) (Instance, error)) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.memstore[key.ID()]; ok && existing.Reusable() {
		return existing, nil
	}

	// Creation happens under the lock: a second caller for the same key waits
	// here rather than spawning a duplicate process.
	inst, err := create(ctx)
	if err != nil {
		return nil, err
	}
	r.memstore[key.ID()] = inst
	r.stats.Gauge("active_instances").Update(float64(len(r.memstore)))
	return inst, nil
}

func (r *repository) Remove(ctx context.Context, key entity.ServerKey, inst Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.memstore[key.ID()]; !ok || existing != inst {
		return nil
	}
	delete(r.memstore, key.ID())
	r.stats.Gauge("active_instances").Update(float64(len(r.memstore)))
	return nil
}

func (r *repository) Get(ctx context.Context, key entity.ServerKey) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.memstore[key.ID()]
	if !ok {
		return nil, &errors.KeyNotFoundError{Key: key.String()}
	}
	return inst, nil
}

func (r *repository) All(ctx context.Context) []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := make([]Instance, 0, len(r.memstore))
	for _, inst := range r.memstore {
		found = append(found, inst)
	}
	return found
}

func (r *repository) Count(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.memstore), nil
}
