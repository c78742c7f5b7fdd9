package core

import "context"

// PresenceStore is the shared document tree holding users/{uid}/... and
// rooms/{roomId}/... fields. Paths are slash separated. Values are JSON-like:
// string, bool, float64 or map[string]any for subtrees.
type PresenceStore interface {
	Get(ctx context.Context, path string) (any, bool, error)
	Set(ctx context.Context, path string, value any) error
	// Update applies several writes at once; a nil value deletes the path.
	Update(ctx context.Context, updates map[string]any) error
	Delete(ctx context.Context, path string) error
	// Transaction reads path, passes the current value (nil if absent) to fn
	// and writes the result atomically. Returning nil deletes the path.
	Transaction(ctx context.Context, path string, fn func(current any) (any, error)) error
	Close() error
}
