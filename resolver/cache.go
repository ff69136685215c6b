package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultCacheTTL bounds result reuse when Options.CacheTTL is zero.
// Publish-driven invalidation usually evicts earlier.
const DefaultCacheTTL = time.Minute

// resultCache memoizes resolutions and tracks which package ids each
// cached result touched, so a publish can evict exactly the affected
// entries.
type resultCache struct {
	c *gocache.Cache

	mu   sync.Mutex
	byID map[string]map[string]struct{}
}

func newResultCache(ttl time.Duration) *resultCache {
	if ttl < 0 {
		return &resultCache{}
	}
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	return &resultCache{
		c:    gocache.New(ttl, 2*ttl),
		byID: make(map[string]map[string]struct{}),
	}
}

func (rc *resultCache) get(key string) (*Result, bool) {
	if rc.c == nil {
		return nil, false
	}
	v, ok := rc.c.Get(key)
	if !ok {
		return nil, false
	}
	return cloneResult(v.(*Result)), true
}

func (rc *resultCache) put(key string, res *Result, ids []string) {
	if rc.c == nil {
		return
	}
	rc.c.SetDefault(key, cloneResult(res))
	rc.mu.Lock()
	for _, id := range ids {
		keys := rc.byID[id]
		if keys == nil {
			keys = make(map[string]struct{})
			rc.byID[id] = keys
		}
		keys[key] = struct{}{}
	}
	rc.mu.Unlock()
}

func (rc *resultCache) invalidate(id string) {
	if rc.c == nil {
		return
	}
	rc.mu.Lock()
	keys := rc.byID[id]
	delete(rc.byID, id)
	rc.mu.Unlock()
	for key := range keys {
		rc.c.Delete(key)
	}
}

// resolveCacheKey folds the installed set into the key so different
// environments never share a result.
func resolveCacheKey(id, version string, installed []Ref) string {
	keys := make([]string, 0, len(installed))
	for _, ref := range installed {
		keys = append(keys, ref.Key())
	}
	sort.Strings(keys)
	sum := sha256.Sum256([]byte(strings.Join(keys, "\n")))
	return id + "@" + version + "#" + hex.EncodeToString(sum[:8])
}

func cloneResult(res *Result) *Result {
	out := &Result{Root: res.Root}
	out.Plan = append([]Ref(nil), res.Plan...)
	out.Satisfies = append([]string(nil), res.Satisfies...)
	out.Missing = append([]string(nil), res.Missing...)
	out.Conflicts = append([]string(nil), res.Conflicts...)
	return out
}
