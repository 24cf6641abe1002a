package mount

import (
	"context"
	"fmt"
)

// GenerationStore persists the per-image mount counter.
type GenerationStore interface {
	NextGeneration(ctx context.Context, imageID string) (int64, error)
	CurrentGeneration(ctx context.Context, imageID string) (int64, error)
}

// Generations stamps handles so a handle that outlived a restart or a forced
// cleanup is recognisable as stale.
type Generations struct {
	store GenerationStore
}

// NewGenerations wraps a persistent counter store.
func NewGenerations(store GenerationStore) *Generations {
	return &Generations{store: store}
}

// Stamp bumps the image's generation and records it in h.
func (g *Generations) Stamp(ctx context.Context, h *Handle) error {
	gen, err := g.Bump(ctx, h.Image.ID())
	if err != nil {
		return err
	}
	h.Generation = gen
	return nil
}

// Bump invalidates every outstanding handle of the image.
func (g *Generations) Bump(ctx context.Context, imageID string) (int64, error) {
	gen, err := g.store.NextGeneration(ctx, imageID)
	if err != nil {
		return 0, fmt.Errorf("bump generation of %s: %w", imageID, err)
	}
	return gen, nil
}

// IsStale reports whether a newer mount of the same image has been stamped.
func (g *Generations) IsStale(ctx context.Context, h *Handle) (bool, error) {
	cur, err := g.store.CurrentGeneration(ctx, h.Image.ID())
	if err != nil {
		return false, fmt.Errorf("read generation of %s: %w", h.Image.ID(), err)
	}
	return h.Generation != cur, nil
}
