package resilience

import (
	"context"

	"github.com/MrWong99/voxrelay/internal/health"
)

// Store is a sample store: it persists monitor samples and reads them back.
type Store interface {
	Record(ctx context.Context, sample health.Sample) error
	Recent(ctx context.Context, runID string, limit int) ([]health.Sample, error)
}

// GuardedStore routes every call to a [Store] through a [Breaker].
type GuardedStore struct {
	store   Store
	breaker *Breaker
}

var _ Store = (*GuardedStore)(nil)

// GuardStore wraps store with b.
func GuardStore(store Store, b *Breaker) *GuardedStore {
	return &GuardedStore{store: store, breaker: b}
}

// Record implements [health.Recorder].
func (g *GuardedStore) Record(ctx context.Context, sample health.Sample) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.store.Record(ctx, sample)
	})
}

// Recent returns the newest samples of runID, or [ErrOpen] while the store is
// considered down.
func (g *GuardedStore) Recent(ctx context.Context, runID string, limit int) ([]health.Sample, error) {
	var out []health.Sample
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.store.Recent(ctx, runID, limit)
		return err
	})
	return out, err
}

// Breaker returns the breaker guarding the store.
func (g *GuardedStore) Breaker() *Breaker { return g.breaker }
