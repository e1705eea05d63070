package projector

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// Repo is the keyed read/write surface every aggregate store offers.
type Repo[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, error)
	Put(ctx context.Context, v V) error
}

// MergeFunc computes the next aggregate. existed is false when cur came from
// the initializer. Returning an error skips the write.
type MergeFunc[V any] func(cur V, existed bool) (V, error)

// Upsert loads key, falls back to init when the aggregate is absent, applies
// merge and writes the result. A nil init turns an absent key into
// domain.ErrOrphanEvent.
func Upsert[K comparable, V any](ctx context.Context, repo Repo[K, V], key K, init func() V, merge MergeFunc[V]) (V, error) {
	var zero V

	cur, err := repo.Get(ctx, key)
	existed := true
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if init == nil {
			return zero, fmt.Errorf("%w: %v", domain.ErrOrphanEvent, key)
		}
		cur, existed = init(), false
	case err != nil:
		return zero, err
	}

	next, err := merge(cur, existed)
	if err != nil {
		return zero, err
	}
	if err := repo.Put(ctx, next); err != nil {
		return zero, err
	}
	return next, nil
}

// Update is Upsert for aggregates that must already exist.
func Update[K comparable, V any](ctx context.Context, repo Repo[K, V], key K, merge func(cur V) (V, error)) (V, error) {
	return Upsert(ctx, repo, key, nil, func(cur V, _ bool) (V, error) { return merge(cur) })
}
