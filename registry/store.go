// Package registry implements the versioned entity store: publish with an
// atomic first-writer-wins claim, lookup, version listing and search, all
// on top of a pluggable storage.KV.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"xdao.co/wasmreg/cidutil"
	"xdao.co/wasmreg/manifest"
	"xdao.co/wasmreg/signature"
	"xdao.co/wasmreg/storage"
	"xdao.co/wasmreg/vers"
)

// DefaultMaxDocumentBytes bounds a single submission. Documents are held
// in memory twice (raw and canonical) during publish.
const DefaultMaxDocumentBytes = 1 << 20

// Key layout. Every write under entity: goes through PutIfAbsent; the
// remaining keys are derived indexes that can be rebuilt from entities.
const (
	entityPrefix   = "entity:"
	versionsPrefix = "versions:"
	providesPrefix = "provides:"
	requiresPrefix = "requires:"
	packagePrefix  = "pkg:"
	searchPrefix   = "search:"
	packagesKey    = "packages"
)

// Config carries the publish-time policies. The zero value is usable.
type Config struct {
	// Limits bounds list sizes during validation. Zero means
	// manifest.DefaultLimits.
	Limits manifest.Limits

	// Policy returns the signature policy per schema. Nil means
	// signature.DefaultPolicy.
	Policy func(manifest.Schema) signature.Policy

	// MaxDocumentBytes caps submission size. Zero means
	// DefaultMaxDocumentBytes.
	MaxDocumentBytes int

	Logger zerolog.Logger
}

// Store is the registry. All methods are safe for concurrent use; the
// concurrency story is delegated entirely to the KV's atomic PutIfAbsent.
type Store struct {
	kv       storage.KV
	limits   manifest.Limits
	policy   func(manifest.Schema) signature.Policy
	maxBytes int
	log      zerolog.Logger

	hookMu sync.RWMutex
	hooks  []func(id string)
}

func New(kv storage.KV, cfg Config) *Store {
	s := &Store{
		kv:       kv,
		limits:   cfg.Limits,
		policy:   cfg.Policy,
		maxBytes: cfg.MaxDocumentBytes,
		log:      cfg.Logger,
	}
	if s.limits == (manifest.Limits{}) {
		s.limits = manifest.DefaultLimits()
	}
	if s.policy == nil {
		s.policy = signature.DefaultPolicy
	}
	if s.maxBytes == 0 {
		s.maxBytes = DefaultMaxDocumentBytes
	}
	return s
}

// record is the stored envelope for one entity version.
type record struct {
	CreatedAt time.Time       `json:"created_at"`
	PubKey    string          `json:"pubkey,omitempty"`
	Document  json.RawMessage `json:"document"`
}

// packageInfo is the per-package aggregate behind pkg:<id>. It exists for
// search and listing; entities remain the source of truth.
type packageInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Receipt reports the outcome of a successful publish. CanonicalURI names
// the exact signed byte sequence, so callers can re-verify out of band.
type Receipt struct {
	ID           string    `json:"id"`
	Version      string    `json:"version"`
	Created      bool      `json:"created"`
	CreatedAt    time.Time `json:"created_at"`
	CanonicalURI string    `json:"canonical_uri"`
}

// Record pairs a parsed entity with its storage envelope.
type Record struct {
	CreatedAt time.Time
	PubKey    string
	Entity    *manifest.Entity
}

// PackageInfo is one row of ListPackages and Search output.
type PackageInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	LatestVersion string `json:"latest_version,omitempty"`
}

// OnPublish registers fn to run after every successful publish. Hooks run
// synchronously on the publishing goroutine and must not block.
func (s *Store) OnPublish(fn func(id string)) {
	s.hookMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hookMu.Unlock()
}

// Publish runs the full pipeline on a raw submission: parse, validate,
// verify, claim, index.
//
// The id@version key is claimed with a single atomic PutIfAbsent, so a
// losing concurrent publisher observes ALREADY_EXISTS and never a partial
// record. When the key is already claimed, the _overwrite marker plus an
// admitted signing key replaces the record in place; anything else is
// rejected.
func (s *Store) Publish(ctx context.Context, raw []byte) (*Receipt, error) {
	if len(raw) > s.maxBytes {
		return nil, newError(CodeInvalidSchema, "document exceeds %d bytes", s.maxBytes)
	}

	ent, err := manifest.Parse(raw)
	if err != nil {
		return nil, wrapError(CodeInvalidSchema, err, "parse failed")
	}
	if err := manifest.Validate(ent, s.limits); err != nil {
		return nil, wrapError(CodeInvalidSchema, err, "validation failed")
	}
	if err := signature.Verify(ent, s.policy(ent.Schema())); err != nil {
		return nil, wrapError(CodeInvalidSignature, err, "signature rejected")
	}

	rec := record{CreatedAt: time.Now().UTC(), Document: ent.Raw()}
	if sig := ent.Signature(); sig != nil {
		rec.PubKey = sig.PubKey
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, wrapError(CodeInternal, err, "encoding record")
	}

	key := entityPrefix + ent.Key()
	created, err := s.kv.PutIfAbsent(ctx, key, encoded)
	if err != nil {
		return nil, mapStorage(err, "claiming %s", ent.Key())
	}
	if !created {
		if err := s.overwrite(ctx, key, ent, encoded); err != nil {
			// A claim that lost its fan-out to a crash or a transient
			// storage failure must not stay invisible to listings.
			s.repairIndexes(ctx, ent)
			return nil, err
		}
	}

	if err := s.index(ctx, ent); err != nil {
		return nil, err
	}

	s.hookMu.RLock()
	hooks := s.hooks
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(ent.ID())
	}

	s.log.Info().
		Str("id", ent.ID()).
		Str("version", ent.Version()).
		Str("schema", string(ent.Schema())).
		Bool("created", created).
		Msg("published")

	return &Receipt{
		ID:           ent.ID(),
		Version:      ent.Version(),
		Created:      created,
		CreatedAt:    rec.CreatedAt,
		CanonicalURI: cidutil.CanonicalURI(ent.Canonical()),
	}, nil
}

// overwrite handles a publish against an already-claimed key. The incoming
// submission must carry the _overwrite marker and its signing key must be
// admitted by the existing record's ownership policy.
func (s *Store) overwrite(ctx context.Context, key string, ent *manifest.Entity, encoded []byte) error {
	if !ent.Overwrite() {
		return newError(CodeAlreadyExists, "%s is already published", ent.Key())
	}

	existing, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	incoming := ""
	if sig := ent.Signature(); sig != nil {
		incoming = sig.PubKey
	}
	if !signature.IsAllowedOwner(existing.Entity, incoming) {
		return newError(CodeAlreadyExists, "%s is already published and the signing key is not an owner", ent.Key())
	}

	if err := s.kv.Put(ctx, key, encoded); err != nil {
		return mapStorage(err, "replacing %s", ent.Key())
	}
	return nil
}

// requiredIndexAttempts bounds retries of the two index writes that
// ListVersions and ListPackages depend on.
const requiredIndexAttempts = 3

// index updates the derived keys for a published entity. The version and
// package sets must succeed; interface indexes, the package aggregate and
// the search tokens are best-effort and rebuildable.
func (s *Store) index(ctx context.Context, ent *manifest.Entity) error {
	if err := s.setAddRequired(ctx, versionsPrefix+ent.ID(), ent.Version()); err != nil {
		return mapStorage(err, "indexing versions of %s", ent.ID())
	}
	if err := s.setAddRequired(ctx, packagesKey, ent.ID()); err != nil {
		return mapStorage(err, "indexing package %s", ent.ID())
	}

	info, err := json.Marshal(packageInfo{ID: ent.ID(), Name: ent.Name()})
	if err == nil {
		err = s.kv.Put(ctx, packagePrefix+ent.ID(), info)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("id", ent.ID()).Msg("package aggregate not updated")
	}

	// Tokens accumulate across versions, so a capability published only
	// in an older version stays findable.
	tokens := make([]string, 0, 1+len(ent.Provides())+len(ent.Requires()))
	tokens = append(tokens, ent.Name())
	tokens = append(tokens, ent.Provides()...)
	tokens = append(tokens, ent.Requires()...)
	if err := s.kv.SetAdd(ctx, searchPrefix+ent.ID(), tokens...); err != nil {
		s.log.Warn().Err(err).Str("id", ent.ID()).Msg("search index not updated")
	}

	for _, iface := range ent.Provides() {
		if err := s.kv.SetAdd(ctx, providesPrefix+iface, ent.Key()); err != nil {
			s.log.Warn().Err(err).Str("interface", iface).Msg("provides index not updated")
		}
	}
	for _, iface := range ent.Requires() {
		if err := s.kv.SetAdd(ctx, requiresPrefix+iface, ent.Key()); err != nil {
			s.log.Warn().Err(err).Str("interface", iface).Msg("requires index not updated")
		}
	}
	return nil
}

// setAddRequired retries transient failures of the index writes that query
// correctness depends on.
func (s *Store) setAddRequired(ctx context.Context, key, member string) error {
	var err error
	for i := 0; i < requiredIndexAttempts; i++ {
		if err = s.kv.SetAdd(ctx, key, member); err == nil || !storage.IsUnavailable(err) {
			return err
		}
	}
	return err
}

// repairIndexes re-adds the version-set and package-set entries for an
// already-claimed key. Only the key-derived sets are touched: the
// aggregates would take data from the rejected submission.
func (s *Store) repairIndexes(ctx context.Context, ent *manifest.Entity) {
	if err := s.setAddRequired(ctx, versionsPrefix+ent.ID(), ent.Version()); err != nil {
		s.log.Warn().Err(err).Str("id", ent.ID()).Msg("version index repair failed")
	}
	if err := s.setAddRequired(ctx, packagesKey, ent.ID()); err != nil {
		s.log.Warn().Err(err).Str("id", ent.ID()).Msg("package index repair failed")
	}
}

// Get returns the stored record for id@version.
func (s *Store) Get(ctx context.Context, id, version string) (*Record, error) {
	return s.load(ctx, entityPrefix+id+"@"+version)
}

// Entity returns the parsed entity for id@version. It satisfies the
// resolver's repository contract.
func (s *Store) Entity(ctx context.Context, id, version string) (*manifest.Entity, error) {
	rec, err := s.Get(ctx, id, version)
	if err != nil {
		return nil, err
	}
	return rec.Entity, nil
}

func (s *Store) load(ctx context.Context, key string) (*Record, error) {
	b, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, mapStorage(err, "loading %s", strings.TrimPrefix(key, entityPrefix))
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, wrapError(CodeInternal, err, "corrupt record at %s", key)
	}
	ent, err := manifest.Parse(rec.Document)
	if err != nil {
		return nil, wrapError(CodeInternal, err, "corrupt document at %s", key)
	}
	return &Record{CreatedAt: rec.CreatedAt, PubKey: rec.PubKey, Entity: ent}, nil
}

// ListVersions returns all published versions of id, newest first. Valid
// semver sorts before any invalid tail.
func (s *Store) ListVersions(ctx context.Context, id string) ([]string, error) {
	members, err := s.kv.SetMembers(ctx, versionsPrefix+id)
	if err != nil {
		return nil, mapStorage(err, "listing versions of %s", id)
	}
	if len(members) == 0 {
		return nil, newError(CodeNotFound, "unknown package %s", id)
	}
	vers.SortDescending(members)
	return members, nil
}

// ListPackages returns every known package with its latest version,
// sorted by id.
func (s *Store) ListPackages(ctx context.Context) ([]PackageInfo, error) {
	ids, err := s.kv.SetMembers(ctx, packagesKey)
	if err != nil {
		return nil, mapStorage(err, "listing packages")
	}
	out := make([]PackageInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.packageRow(ctx, id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SearchResult is one row of Search output. Version is the package's
// latest published version and Provides/Requires are that version's
// interfaces; matching runs against tokens from every published version.
type SearchResult struct {
	ID       string   `json:"id"`
	Version  string   `json:"version"`
	Provides []string `json:"provides,omitempty"`
	Requires []string `json:"requires,omitempty"`
}

// Search returns packages with a search token (id, name, or any version's
// provides/requires entries) containing q, case-insensitively. An empty
// query matches everything; a query nothing matches returns an empty
// slice, not an error.
func (s *Store) Search(ctx context.Context, q string) ([]SearchResult, error) {
	ids, err := s.kv.SetMembers(ctx, packagesKey)
	if err != nil {
		return nil, mapStorage(err, "searching packages")
	}
	sort.Strings(ids)

	q = strings.ToLower(strings.TrimSpace(q))
	out := make([]SearchResult, 0, len(ids))
	for _, id := range ids {
		tokens, err := s.kv.SetMembers(ctx, searchPrefix+id)
		if err != nil {
			return nil, mapStorage(err, "reading search tokens of %s", id)
		}
		if q != "" && !matchesQuery(id, tokens, q) {
			continue
		}
		row := SearchResult{ID: id}
		if versions, err := s.kv.SetMembers(ctx, versionsPrefix+id); err == nil && len(versions) > 0 {
			vers.SortDescending(versions)
			row.Version = versions[0]
			if rec, err := s.Get(ctx, id, row.Version); err == nil {
				row.Provides = rec.Entity.Provides()
				row.Requires = rec.Entity.Requires()
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func matchesQuery(id string, tokens []string, q string) bool {
	if strings.Contains(strings.ToLower(id), q) {
		return true
	}
	for _, tok := range tokens {
		if strings.Contains(strings.ToLower(tok), q) {
			return true
		}
	}
	return false
}

// Providers returns the id@version keys that provide iface, sorted.
func (s *Store) Providers(ctx context.Context, iface string) ([]string, error) {
	members, err := s.kv.SetMembers(ctx, providesPrefix+iface)
	if err != nil {
		return nil, mapStorage(err, "listing providers of %s", iface)
	}
	return members, nil
}

// Consumers returns the id@version keys that require iface, sorted.
func (s *Store) Consumers(ctx context.Context, iface string) ([]string, error) {
	members, err := s.kv.SetMembers(ctx, requiresPrefix+iface)
	if err != nil {
		return nil, mapStorage(err, "listing consumers of %s", iface)
	}
	return members, nil
}

func (s *Store) packageRow(ctx context.Context, id string) PackageInfo {
	row := PackageInfo{ID: id}
	if b, err := s.kv.Get(ctx, packagePrefix+id); err == nil {
		var info packageInfo
		if json.Unmarshal(b, &info) == nil {
			row.Name = info.Name
		}
	}
	if versions, err := s.kv.SetMembers(ctx, versionsPrefix+id); err == nil && len(versions) > 0 {
		vers.SortDescending(versions)
		row.LatestVersion = versions[0]
	}
	return row
}

func mapStorage(err error, format string, args ...any) error {
	switch {
	case storage.IsNotFound(err):
		return wrapError(CodeNotFound, err, format, args...)
	case storage.IsUnavailable(err):
		return wrapError(CodeUnavailable, err, format, args...)
	default:
		return wrapError(CodeInternal, err, format, args...)
	}
}
