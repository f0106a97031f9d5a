package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/briannadoubt/trebuchet/wire"
)

// DefaultMaxRetries bounds how many times UpdateWithRetry reloads after a
// version conflict before giving up.
const DefaultMaxRetries = 3

// UpdateWithRetry applies a read-modify-write cycle with optimistic locking.
// The transform receives the current document (nil when the key has never
// been created) and returns the replacement. On a version conflict the
// document is reloaded and the transform re-applied, up to maxRetries
// additional attempts; exhaustion yields an error of kind maxRetriesExceeded.
// Passing maxRetries <= 0 selects DefaultMaxRetries.
func UpdateWithRetry(ctx context.Context, store Store, key string, maxRetries int, transform func(current json.RawMessage) (json.RawMessage, error)) (int64, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	attempts := maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		current, version, err := store.Load(ctx, key)
		if errors.Is(err, ErrNotFound) {
			current, version = nil, 0
		} else if err != nil {
			return 0, fmt.Errorf("load %q: %w", key, err)
		}

		next, err := transform(current)
		if err != nil {
			return 0, fmt.Errorf("transform %q: %w", key, err)
		}

		v, err := store.SaveIfVersion(ctx, key, next, version)
		if wire.IsKind(err, wire.KindVersionConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("save %q: %w", key, err)
		}
		return v, nil
	}

	return 0, wire.Errorf(wire.KindMaxRetriesExceeded,
		"update of %q gave up after %d attempts", key, attempts)
}
