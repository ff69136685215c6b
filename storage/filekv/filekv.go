// Package filekv is a filesystem-backed KV for single-node deployments
// and the local development mirror.
//
// Values live one file per key under a sharded directory tree. The atomic
// PutIfAbsent claim maps onto O_CREATE|O_EXCL, which is atomic across
// processes on a local filesystem. Set files are guarded by an in-process
// mutex; run at most one daemon per root directory.
package filekv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"xdao.co/wasmreg/storage"
)

type KV struct {
	root string

	// setMu serializes read-modify-write cycles on set files.
	setMu sync.Mutex
}

var _ storage.KV = (*KV)(nil)

// New constructs a filesystem KV rooted at root. The directory is created
// if needed.
func New(root string) (*KV, error) {
	if root == "" {
		return nil, errors.New("filekv: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &KV{root: root}, nil
}

func (kv *KV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := check(ctx, key); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(kv.pathFor(key, ".val"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (kv *KV) Put(ctx context.Context, key string, value []byte) error {
	if err := check(ctx, key); err != nil {
		return err
	}
	path := kv.pathFor(key, ".val")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (kv *KV) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	if err := check(ctx, key); err != nil {
		return false, err
	}
	path := kv.pathFor(key, ".val")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	if _, err := f.Write(value); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return false, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return false, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return false, err
	}
	return true, nil
}

func (kv *KV) SetAdd(ctx context.Context, key string, members ...string) error {
	if err := check(ctx, key); err != nil {
		return err
	}
	kv.setMu.Lock()
	defer kv.setMu.Unlock()

	set, err := kv.readSet(key)
	if err != nil {
		return err
	}
	for _, m := range members {
		set[m] = struct{}{}
	}

	lines := make([]string, 0, len(set))
	for m := range set {
		lines = append(lines, m)
	}
	sort.Strings(lines)

	path := kv.pathFor(key, ".set")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (kv *KV) SetMembers(ctx context.Context, key string) ([]string, error) {
	if err := check(ctx, key); err != nil {
		return nil, err
	}
	kv.setMu.Lock()
	defer kv.setMu.Unlock()

	set, err := kv.readSet(key)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (kv *KV) readSet(key string) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	b, err := os.ReadFile(kv.pathFor(key, ".set"))
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, err
	}
	for _, line := range strings.Split(string(b), "\n") {
		if line != "" {
			set[line] = struct{}{}
		}
	}
	return set, nil
}

// pathFor shards keys by a hash prefix to keep directories small.
func (kv *KV) pathFor(key, suffix string) string {
	sum := sha256.Sum256([]byte(key))
	shard := hex.EncodeToString(sum[:1])
	return filepath.Join(kv.root, shard, url.PathEscape(key)+suffix)
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
