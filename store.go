package sluice

import "context"

// ContextStore persists saved pathway context across resolves. Blobs are
// flat string maps addressed by context id; implementations own
// durability and encryption. Get reports a miss with ok=false rather than
// an error, since callers may present ids that were never saved.
type ContextStore interface {
	Get(ctx context.Context, id string) (blob map[string]string, ok bool, err error)
	Set(ctx context.Context, id string, blob map[string]string) error
	Delete(ctx context.Context, id string) error
}
