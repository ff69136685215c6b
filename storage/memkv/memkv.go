// Package memkv is the in-memory KV backend used by tests and local
// development. It honors the full storage.KV contract, including atomic
// PutIfAbsent under concurrent use.
package memkv

import (
	"context"
	"sort"
	"sync"

	"xdao.co/wasmreg/storage"
)

// KV is an in-memory storage.KV. The zero value is not usable; call New.
type KV struct {
	mu     sync.Mutex
	values map[string][]byte
	sets   map[string]map[string]struct{}
}

var _ storage.KV = (*KV)(nil)

func New() *KV {
	return &KV{
		values: make(map[string][]byte),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (kv *KV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := check(ctx, key); err != nil {
		return nil, err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.values[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (kv *KV) Put(ctx context.Context, key string, value []byte) error {
	if err := check(ctx, key); err != nil {
		return err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.values[key] = append([]byte(nil), value...)
	return nil
}

func (kv *KV) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	if err := check(ctx, key); err != nil {
		return false, err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if _, exists := kv.values[key]; exists {
		return false, nil
	}
	kv.values[key] = append([]byte(nil), value...)
	return true, nil
}

func (kv *KV) SetAdd(ctx context.Context, key string, members ...string) error {
	if err := check(ctx, key); err != nil {
		return err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	set := kv.sets[key]
	if set == nil {
		set = make(map[string]struct{})
		kv.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (kv *KV) SetMembers(ctx context.Context, key string) ([]string, error) {
	if err := check(ctx, key); err != nil {
		return nil, err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	set := kv.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func check(ctx context.Context, key string) error {
	if key == "" {
		return storage.ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return storage.ErrUnavailable
	}
	return nil
}
