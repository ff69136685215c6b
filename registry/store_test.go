package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/rs/zerolog"

	"xdao.co/wasmreg/jcs"
	"xdao.co/wasmreg/keys"
	"xdao.co/wasmreg/manifest"
	"xdao.co/wasmreg/signature"
	"xdao.co/wasmreg/storage"
	"xdao.co/wasmreg/storage/memkv"
)

const zeros64 = "0000000000000000000000000000000000000000000000000000000000000000"

func newStore() *Store {
	return New(memkv.New(), Config{Logger: zerolog.Nop()})
}

func manifestDoc(id, version, name string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": %q,
		"version": %q,
		"artifact": {
			"type": "wasm",
			"target": "wasm32-wasi",
			"digest": "sha256:%s",
			"uri": "https://example.com/app.wasm"
		},
		"provides": ["cap.render@1"],
		"requires": ["cap.store@2"],
		"dependencies": []
	}`, id, name, version, zeros64)
}

func manifestDocIfaces(t *testing.T, id, version string, provides, requires []string) string {
	t.Helper()
	m := map[string]any{
		"id":      id,
		"name":    "pkg " + id,
		"version": version,
		"artifact": map[string]any{
			"type":   "wasm",
			"target": "wasm32-wasi",
			"digest": "sha256:" + zeros64,
			"uri":    "https://example.com/app.wasm",
		},
		"provides":     provides,
		"requires":     requires,
		"dependencies": []any{},
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return string(b)
}

func bundleDoc(pkg, appVersion string, owners []string) string {
	ownersJSON, _ := json.Marshal(owners)
	return fmt.Sprintf(`{
		"package": %q,
		"appVersion": %q,
		"metadata": {"name": "Widget", "description": "a widget"},
		"interfaces": {"exports": ["widget@1"], "uses": []},
		"owners": %s,
		"wasm": {"path": "widget.wasm", "hash": "sha256:%s", "size": 1024}
	}`, pkg, appVersion, ownersJSON, zeros64)
}

// signDoc injects a signature block (and optionally the overwrite marker)
// into doc. The block signs the canonical bytes, which exclude both.
func signDoc(t *testing.T, doc string, priv ed25519.PrivateKey, overwrite bool) []byte {
	t.Helper()
	canonical, err := jcs.Canonicalize([]byte(doc))
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	block := keys.SignatureBlock(canonical, priv, time.Unix(1700000000, 0))

	var m map[string]any
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	m["signature"] = block
	if overwrite {
		m["_overwrite"] = true
	}
	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return out
}

func TestPublishAndGet(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	rcpt, err := s.Publish(ctx, []byte(manifestDoc("com.example.app", "1.0.0", "Example App")))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if rcpt.ID != "com.example.app" || rcpt.Version != "1.0.0" || !rcpt.Created {
		t.Fatalf("receipt: %+v", rcpt)
	}
	if !strings.HasPrefix(rcpt.CanonicalURI, "ipfs://") {
		t.Fatalf("canonical URI: %q", rcpt.CanonicalURI)
	}

	rec, err := s.Get(ctx, "com.example.app", "1.0.0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Entity.Name() != "Example App" {
		t.Fatalf("Name: got %q", rec.Entity.Name())
	}
	if rec.CreatedAt.IsZero() {
		t.Fatalf("CreatedAt not recorded")
	}

	ent, err := s.Entity(ctx, "com.example.app", "1.0.0")
	if err != nil {
		t.Fatalf("Entity: %v", err)
	}
	if len(ent.Canonical()) == 0 {
		t.Fatalf("stored entity lost canonical bytes")
	}

	providers, err := s.Providers(ctx, "cap.render@1")
	if err != nil {
		t.Fatalf("Providers: %v", err)
	}
	if len(providers) != 1 || providers[0] != "com.example.app@1.0.0" {
		t.Fatalf("Providers: got %v", providers)
	}
}

func TestPublishBothSchemas(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	if _, err := s.Publish(ctx, []byte(bundleDoc("com.example.widget", "2.1.0", nil))); err != nil {
		t.Fatalf("Publish bundle: %v", err)
	}
	ent, err := s.Entity(ctx, "com.example.widget", "2.1.0")
	if err != nil {
		t.Fatalf("Entity: %v", err)
	}
	if ent.Schema() != manifest.SchemaBundle {
		t.Fatalf("Schema: got %s", ent.Schema())
	}
}

func TestPublishDuplicate(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	doc := []byte(manifestDoc("com.example.app", "1.0.0", "Example App"))

	if _, err := s.Publish(ctx, doc); err != nil {
		t.Fatalf("first Publish: %v", err)
	}
	_, err := s.Publish(ctx, doc)
	if !IsCode(err, CodeAlreadyExists) {
		t.Fatalf("duplicate: got %v, want ALREADY_EXISTS", err)
	}

	// The same id at another version is a fresh claim.
	if _, err := s.Publish(ctx, []byte(manifestDoc("com.example.app", "1.1.0", "Example App"))); err != nil {
		t.Fatalf("new version: %v", err)
	}
}

func TestPublishRejections(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	cases := []struct {
		name string
		doc  string
		code Code
	}{
		{"not json", `not json`, CodeInvalidSchema},
		{"no schema", `{"foo": 1}`, CodeInvalidSchema},
		{"bad id", manifestDoc("UPPER", "1.0.0", "x"), CodeInvalidSchema},
		{"bad version", manifestDoc("com.example.app", "one", "x"), CodeInvalidSchema},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Publish(ctx, []byte(tc.doc))
			if !IsCode(err, tc.code) {
				t.Fatalf("got %v, want %s", err, tc.code)
			}
		})
	}
}

func TestPublishRejectsTamperedSignature(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	_, priv, err := keys.Generate(nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	signed := signDoc(t, manifestDoc("com.example.app", "1.0.0", "Example App"), priv, false)
	tampered := []byte(strings.Replace(string(signed), "Example App", "Evil App", 1))

	_, err = s.Publish(ctx, tampered)
	if !IsCode(err, CodeInvalidSignature) {
		t.Fatalf("got %v, want INVALID_SIGNATURE", err)
	}

	// The untampered document is accepted.
	if _, err := s.Publish(ctx, signed); err != nil {
		t.Fatalf("signed Publish: %v", err)
	}
}

func TestPublishSizeLimit(t *testing.T) {
	s := New(memkv.New(), Config{MaxDocumentBytes: 64, Logger: zerolog.Nop()})
	_, err := s.Publish(context.Background(), []byte(manifestDoc("com.example.app", "1.0.0", "x")))
	if !IsCode(err, CodeInvalidSchema) {
		t.Fatalf("got %v, want INVALID_SCHEMA", err)
	}
}

func TestConcurrentPublishSameKey(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	const n = 16

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc := manifestDoc("com.example.race", "1.0.0", fmt.Sprintf("Writer %d", i))
			_, errs[i] = s.Publish(ctx, []byte(doc))
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			if winner != -1 {
				t.Fatalf("writers %d and %d both won", winner, i)
			}
			winner = i
		case !IsCode(err, CodeAlreadyExists):
			t.Fatalf("writer %d: %v", i, err)
		}
	}
	if winner == -1 {
		t.Fatalf("no writer won")
	}

	ent, err := s.Entity(ctx, "com.example.race", "1.0.0")
	if err != nil {
		t.Fatalf("Entity: %v", err)
	}
	if want := fmt.Sprintf("Writer %d", winner); ent.Name() != want {
		t.Fatalf("stored record is not the winner's: got %q want %q", ent.Name(), want)
	}
}

func TestOverwriteRequiresOwnership(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	_, owner, err := keys.Generate(nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	_, stranger, err := keys.Generate(nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	doc := manifestDoc("com.example.app", "1.0.0", "Original")
	if _, err := s.Publish(ctx, signDoc(t, doc, owner, false)); err != nil {
		t.Fatalf("initial Publish: %v", err)
	}

	// Without the marker the claim stands, even for the owner.
	replacement := manifestDoc("com.example.app", "1.0.0", "Replaced")
	_, err = s.Publish(ctx, signDoc(t, replacement, owner, false))
	if !IsCode(err, CodeAlreadyExists) {
		t.Fatalf("no marker: got %v, want ALREADY_EXISTS", err)
	}

	// A stranger's key is not admitted.
	_, err = s.Publish(ctx, signDoc(t, replacement, stranger, true))
	if !IsCode(err, CodeAlreadyExists) {
		t.Fatalf("stranger: got %v, want ALREADY_EXISTS", err)
	}

	// An unsigned overwrite of a signed record is not admitted.
	var m map[string]any
	if err := json.Unmarshal([]byte(replacement), &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	m["_overwrite"] = true
	unsigned, _ := json.Marshal(m)
	_, err = s.Publish(ctx, unsigned)
	if !IsCode(err, CodeAlreadyExists) {
		t.Fatalf("unsigned: got %v, want ALREADY_EXISTS", err)
	}

	// The original signer replaces in place.
	rcpt, err := s.Publish(ctx, signDoc(t, replacement, owner, true))
	if err != nil {
		t.Fatalf("owner overwrite: %v", err)
	}
	if rcpt.Created {
		t.Fatalf("overwrite reported as a fresh claim")
	}
	ent, err := s.Entity(ctx, "com.example.app", "1.0.0")
	if err != nil {
		t.Fatalf("Entity: %v", err)
	}
	if ent.Name() != "Replaced" {
		t.Fatalf("overwrite did not replace: %q", ent.Name())
	}
}

func TestOverwriteHonorsOwnersList(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	pubA, privA, err := keys.Generate(nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	_, privB, err := keys.Generate(nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// privB publishes but lists only A as owner.
	doc := bundleDoc("com.example.widget", "2.1.0", []string{keys.PublicKeyString(pubA)})
	if _, err := s.Publish(ctx, signDoc(t, doc, privB, false)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// The publisher's own key is not in owners, so it cannot overwrite.
	_, err = s.Publish(ctx, signDoc(t, doc, privB, true))
	if !IsCode(err, CodeAlreadyExists) {
		t.Fatalf("non-owner: got %v, want ALREADY_EXISTS", err)
	}
	if _, err := s.Publish(ctx, signDoc(t, doc, privA, true)); err != nil {
		t.Fatalf("owner overwrite: %v", err)
	}
}

func TestListVersionsNewestFirst(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	for _, v := range []string{"1.0.0", "2.0.0", "2.0.0-rc.1", "1.2.3"} {
		if _, err := s.Publish(ctx, []byte(manifestDoc("com.example.app", v, "Example App"))); err != nil {
			t.Fatalf("Publish %s: %v", v, err)
		}
	}

	got, err := s.ListVersions(ctx, "com.example.app")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	want := []string{"2.0.0", "2.0.0-rc.1", "1.2.3", "1.0.0"}
	if len(got) != len(want) {
		t.Fatalf("ListVersions: got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ListVersions: got %v want %v", got, want)
		}
	}
}

func TestListVersionsUnknownPackage(t *testing.T) {
	_, err := newStore().ListVersions(context.Background(), "com.example.ghost")
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("got %v, want NOT_FOUND", err)
	}
}

func TestGetUnknown(t *testing.T) {
	_, err := newStore().Get(context.Background(), "com.example.ghost", "1.0.0")
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("got %v, want NOT_FOUND", err)
	}
}

func TestListPackagesAndSearch(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	seed := map[string]string{
		"com.example.app":    "Example App",
		"com.example.widget": "Widget Factory",
		"org.other.tool":     "Tooling",
	}
	for id, name := range seed {
		for _, v := range []string{"1.0.0", "1.1.0"} {
			if _, err := s.Publish(ctx, []byte(manifestDoc(id, v, name))); err != nil {
				t.Fatalf("Publish %s@%s: %v", id, v, err)
			}
		}
	}

	all, err := s.ListPackages(ctx)
	if err != nil {
		t.Fatalf("ListPackages: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListPackages: got %d rows", len(all))
	}
	if all[0].ID != "com.example.app" {
		t.Fatalf("ListPackages not sorted: %v", all)
	}
	for _, p := range all {
		if p.LatestVersion != "1.1.0" {
			t.Fatalf("latest for %s: got %q", p.ID, p.LatestVersion)
		}
		if p.Name != seed[p.ID] {
			t.Fatalf("name for %s: got %q", p.ID, p.Name)
		}
	}

	hits, err := s.Search(ctx, "WIDGET")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "com.example.widget" {
		t.Fatalf("Search by name: got %v", hits)
	}
	if hits[0].Version != "1.1.0" {
		t.Fatalf("Search version: got %q", hits[0].Version)
	}
	if len(hits[0].Provides) != 1 || hits[0].Provides[0] != "cap.render@1" {
		t.Fatalf("Search provides: got %v", hits[0].Provides)
	}

	hits, err = s.Search(ctx, "org.other")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "org.other.tool" {
		t.Fatalf("Search by id: got %v", hits)
	}

	// Interface tokens are searchable too; every seeded package requires
	// cap.store@2.
	hits, err = s.Search(ctx, "cap.store")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("Search by requires: got %v", hits)
	}

	hits, err = s.Search(ctx, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("empty query: got %d rows", len(hits))
	}

	hits, err = s.Search(ctx, "nomatch")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("no-match query: got %v", hits)
	}
}

func TestSearchKeepsTokensFromEarlierVersions(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	if _, err := s.Publish(ctx, []byte(manifestDocIfaces(t, "com.example.multi", "1.0.0", []string{"cap.alpha@1"}, nil))); err != nil {
		t.Fatalf("Publish 1.0.0: %v", err)
	}
	if _, err := s.Publish(ctx, []byte(manifestDocIfaces(t, "com.example.multi", "1.1.0", []string{"cap.beta@1"}, nil))); err != nil {
		t.Fatalf("Publish 1.1.0: %v", err)
	}

	// A capability published only at 1.0.0 still matches after 1.1.0.
	hits, err := s.Search(ctx, "cap.alpha")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "com.example.multi" {
		t.Fatalf("Search by old token: got %v", hits)
	}
	if hits[0].Version != "1.1.0" {
		t.Fatalf("Search version: got %q", hits[0].Version)
	}
	if len(hits[0].Provides) != 1 || hits[0].Provides[0] != "cap.beta@1" {
		t.Fatalf("row interfaces not from the reported version: %v", hits[0].Provides)
	}

	hits, err = s.Search(ctx, "cap.beta")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "com.example.multi" {
		t.Fatalf("Search by new token: got %v", hits)
	}
}

// flakySetAddKV fails the next `fails` SetAdd calls with ErrUnavailable.
type flakySetAddKV struct {
	storage.KV

	mu    sync.Mutex
	fails int
}

func (f *flakySetAddKV) SetAdd(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return storage.ErrUnavailable
	}
	return f.KV.SetAdd(ctx, key, members...)
}

func TestPublishRetriesRequiredIndexWrites(t *testing.T) {
	kv := &flakySetAddKV{KV: memkv.New(), fails: 2}
	s := New(kv, Config{Logger: zerolog.Nop()})
	ctx := context.Background()

	if _, err := s.Publish(ctx, []byte(manifestDoc("com.example.app", "1.0.0", "x"))); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got, err := s.ListVersions(ctx, "com.example.app")
	if err != nil || len(got) != 1 || got[0] != "1.0.0" {
		t.Fatalf("ListVersions: got %v, %v", got, err)
	}
}

func TestDuplicatePublishRepairsLostIndexes(t *testing.T) {
	kv := &flakySetAddKV{KV: memkv.New(), fails: 3}
	s := New(kv, Config{Logger: zerolog.Nop()})
	ctx := context.Background()
	doc := []byte(manifestDoc("com.example.app", "1.0.0", "x"))

	// The claim lands but the required fan-out exhausts its retries.
	_, err := s.Publish(ctx, doc)
	if !IsCode(err, CodeUnavailable) {
		t.Fatalf("first Publish: got %v, want UNAVAILABLE", err)
	}
	if _, err := s.ListVersions(ctx, "com.example.app"); !IsCode(err, CodeNotFound) {
		t.Fatalf("half-indexed record is listed: %v", err)
	}

	// The retry loses to the standing claim, but restores the version-set
	// and package-set entries.
	_, err = s.Publish(ctx, doc)
	if !IsCode(err, CodeAlreadyExists) {
		t.Fatalf("second Publish: got %v, want ALREADY_EXISTS", err)
	}
	got, err := s.ListVersions(ctx, "com.example.app")
	if err != nil || len(got) != 1 || got[0] != "1.0.0" {
		t.Fatalf("ListVersions after repair: got %v, %v", got, err)
	}
	pkgs, err := s.ListPackages(ctx)
	if err != nil || len(pkgs) != 1 || pkgs[0].ID != "com.example.app" {
		t.Fatalf("ListPackages after repair: got %v, %v", pkgs, err)
	}
}

func TestRequireSignedPolicy(t *testing.T) {
	s := New(memkv.New(), Config{
		Policy: func(manifest.Schema) signature.Policy {
			return signature.Policy{AllowUnsigned: false}
		},
		Logger: zerolog.Nop(),
	})
	_, err := s.Publish(context.Background(), []byte(manifestDoc("com.example.app", "1.0.0", "x")))
	if !IsCode(err, CodeInvalidSignature) {
		t.Fatalf("got %v, want INVALID_SIGNATURE", err)
	}
}

func TestOnPublishHook(t *testing.T) {
	s := newStore()
	var got []string
	s.OnPublish(func(id string) { got = append(got, id) })

	if _, err := s.Publish(context.Background(), []byte(manifestDoc("com.example.app", "1.0.0", "x"))); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(got) != 1 || got[0] != "com.example.app" {
		t.Fatalf("hook calls: %v", got)
	}
}
