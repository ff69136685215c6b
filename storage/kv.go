// Package storage defines the keyed-store contract the registry is built
// on. All durable state lives behind this interface; correctness of
// concurrent publishes depends on the backend's PutIfAbsent primitive, not
// on in-process locking.
package storage

import "context"

// KV is the minimal keyed-store interface.
//
// Contract:
//   - Get MUST return ErrNotFound when the key is absent.
//   - PutIfAbsent MUST be an atomic set-if-absent: of N concurrent callers
//     for the same key, exactly one observes created=true; the rest observe
//     created=false with no side effects. It MUST NOT be implemented as a
//     separate existence check plus a write.
//   - Put unconditionally replaces the value.
//   - SetAdd and SetMembers maintain an unordered string set per key;
//     SetMembers returns members sorted lexicographically, and an empty
//     slice (not ErrNotFound) for an absent set.
//   - Every method observes ctx cancellation and deadlines; a deadline
//     failure surfaces as ErrUnavailable and MUST NOT leave a partial
//     write behind.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	PutIfAbsent(ctx context.Context, key string, value []byte) (created bool, err error)
	SetAdd(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
}
