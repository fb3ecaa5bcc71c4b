package entityloader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/recordimport/internal/repository"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"
)

const keySeparator = "\x1f"

// DefaultBatchCapacity bounds the number of keys resolved per round-trip.
const DefaultBatchCapacity = 1000

// KeyLoader resolves business keys to record ids, coalescing lookups into
// batched queries per entity kind. A loader caches results for its lifetime,
// so create one per validation run or write batch.
type KeyLoader struct {
	Loader *dataloader.Loader
}

// NewKeyLoader creates a loader over lookup.
func NewKeyLoader(lookup repository.RecordLookup, batchCapacity int) *KeyLoader {
	if batchCapacity <= 0 {
		batchCapacity = DefaultBatchCapacity
	}

	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		// Group keys by entity kind, remembering each key's position
		byKind := make(map[string][]string)
		for _, k := range keys {
			kind, value := splitKey(k.String())
			byKind[kind] = append(byKind[kind], value)
		}

		resolved := make(map[string]uuid.UUID, len(keys))
		for kind, values := range byKind {
			found, err := lookup.LookupKeys(ctx, kind, values)
			if err != nil {
				results := make([]*dataloader.Result, len(keys))
				for i := range results {
					results[i] = &dataloader.Result{Error: err}
				}
				return results
			}
			for value, id := range found {
				resolved[joinKey(kind, value)] = id
			}
		}

		// Build results in the same order as keys
		results := make([]*dataloader.Result, len(keys))
		for i, k := range keys {
			if id, ok := resolved[k.String()]; ok {
				results[i] = &dataloader.Result{Data: id}
			} else {
				results[i] = &dataloader.Result{Data: nil}
			}
		}
		return results
	}

	loader := dataloader.NewBatchedLoader(
		batchFn,
		dataloader.WithWait(5*time.Millisecond),
		dataloader.WithBatchCapacity(batchCapacity),
	)
	return &KeyLoader{Loader: loader}
}

// Resolve returns the ids of the keys of kind that exist. Missing keys are
// absent from the result.
func (l *KeyLoader) Resolve(ctx context.Context, kind string, keys []string) (map[string]uuid.UUID, error) {
	out := make(map[string]uuid.UUID, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	composed := make([]string, len(keys))
	for i, key := range keys {
		composed[i] = joinKey(kind, key)
	}

	values, errs := l.Loader.LoadMany(ctx, dataloader.NewKeysFromStrings(composed))()
	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s keys: %w", kind, err)
		}
	}
	for i, value := range values {
		if id, ok := value.(uuid.UUID); ok {
			out[keys[i]] = id
		}
	}
	return out, nil
}

func joinKey(kind, value string) string {
	return kind + keySeparator + value
}

func splitKey(composed string) (string, string) {
	kind, value, _ := strings.Cut(composed, keySeparator)
	return kind, value
}
