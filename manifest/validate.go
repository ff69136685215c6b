package manifest

import (
	"fmt"
	"regexp"
	"strings"

	"xdao.co/wasmreg/vers"
)

// Limits bounds the list-valued fields so adversarial documents are
// rejected before any expensive work or store mutation.
type Limits struct {
	// MaxInterfaces caps provides/requires (and exports/uses) entries.
	MaxInterfaces int
	// MaxDependencies caps the dependencies list.
	MaxDependencies int
}

// DefaultLimits returns the schema caps: 16 interface tags per list, 32
// dependencies.
func DefaultLimits() Limits {
	return Limits{MaxInterfaces: 16, MaxDependencies: 32}
}

var (
	idPattern     = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9-]+)+$`)
	digestPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)
	tagPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*@(0|[1-9][0-9]*)$`)
)

// Validate checks the full structure of a parsed entity.
//
// It must be called before any store mutation: a structurally invalid
// entity never causes partial index writes.
func Validate(e *Entity, limits Limits) error {
	if e == nil {
		return newError(KindValidation, "REG-VAL-000", "nil entity")
	}
	if limits.MaxInterfaces == 0 && limits.MaxDependencies == 0 {
		limits = DefaultLimits()
	}
	switch e.schema {
	case SchemaManifest:
		return validateManifest(e.manifest, limits)
	case SchemaBundle:
		return validateBundle(e.bundle, limits)
	default:
		return newError(KindValidation, "REG-VAL-001", "unknown schema")
	}
}

func validateManifest(m *Manifest, limits Limits) error {
	if !idPattern.MatchString(m.ID) {
		return newError(KindValidation, "REG-VAL-100", fmt.Sprintf("id %q is not a reverse-domain identifier", m.ID))
	}
	if m.Name == "" {
		return newError(KindValidation, "REG-VAL-101", "name is required")
	}
	if !vers.IsValid(m.Version) {
		return newError(KindValidation, "REG-VAL-102", fmt.Sprintf("version %q is not a semantic version", m.Version))
	}
	for _, c := range m.Chains {
		if c == "" {
			return newError(KindValidation, "REG-VAL-103", "chains entries must be non-empty")
		}
	}
	if err := validateArtifact(m.Artifact); err != nil {
		return err
	}
	if err := validateTagList("provides", m.Provides, limits.MaxInterfaces); err != nil {
		return err
	}
	if err := validateTagList("requires", m.Requires, limits.MaxInterfaces); err != nil {
		return err
	}
	if len(m.Dependencies) > limits.MaxDependencies {
		return newError(KindValidation, "REG-VAL-120", fmt.Sprintf("dependencies has %d entries, limit %d", len(m.Dependencies), limits.MaxDependencies))
	}
	for i, d := range m.Dependencies {
		if !idPattern.MatchString(d.ID) {
			return newError(KindValidation, "REG-VAL-121", fmt.Sprintf("dependencies[%d].id %q is not a reverse-domain identifier", i, d.ID))
		}
		if d.Range == "" || !vers.ValidRange(d.Range) {
			return newError(KindValidation, "REG-VAL-122", fmt.Sprintf("dependencies[%d].range %q is not a semver range", i, d.Range))
		}
	}
	return validateSignatureBlock(m.Signature)
}

func validateBundle(b *Bundle, limits Limits) error {
	if !idPattern.MatchString(b.Package) {
		return newError(KindValidation, "REG-VAL-200", fmt.Sprintf("package %q is not a reverse-domain identifier", b.Package))
	}
	if !vers.IsValid(b.AppVersion) {
		return newError(KindValidation, "REG-VAL-201", fmt.Sprintf("appVersion %q is not a semantic version", b.AppVersion))
	}
	if b.Metadata.Name == "" {
		return newError(KindValidation, "REG-VAL-202", "metadata.name is required")
	}
	if b.Interfaces != nil {
		if err := validateStringList("interfaces.exports", b.Interfaces.Exports, limits.MaxInterfaces); err != nil {
			return err
		}
		if err := validateStringList("interfaces.uses", b.Interfaces.Uses, limits.MaxInterfaces); err != nil {
			return err
		}
	}
	if b.WASM.Path == "" {
		return newError(KindValidation, "REG-VAL-210", "wasm.path is required")
	}
	if !digestPattern.MatchString(b.WASM.Hash) {
		return newError(KindValidation, "REG-VAL-211", fmt.Sprintf("wasm.hash %q is not sha256:<64 hex>", b.WASM.Hash))
	}
	if b.WASM.Size <= 0 {
		return newError(KindValidation, "REG-VAL-212", "wasm.size must be positive")
	}
	for i, m := range b.Migrations {
		if m == "" {
			return newError(KindValidation, "REG-VAL-213", fmt.Sprintf("migrations[%d] must be non-empty", i))
		}
	}
	for i, o := range b.Owners {
		if o == "" {
			return newError(KindValidation, "REG-VAL-214", fmt.Sprintf("owners[%d] must be non-empty", i))
		}
	}
	return validateSignatureBlock(b.Signature)
}

func validateArtifact(a Artifact) error {
	if a.Type == "" {
		return newError(KindValidation, "REG-VAL-110", "artifact.type is required")
	}
	if a.Target == "" {
		return newError(KindValidation, "REG-VAL-111", "artifact.target is required")
	}
	if !digestPattern.MatchString(a.Digest) {
		return newError(KindValidation, "REG-VAL-112", fmt.Sprintf("artifact.digest %q is not sha256:<64 hex>", a.Digest))
	}
	if !strings.HasPrefix(a.URI, "https://") && !strings.HasPrefix(a.URI, "ipfs://") {
		return newError(KindValidation, "REG-VAL-113", fmt.Sprintf("artifact.uri %q must use the https or ipfs scheme", a.URI))
	}
	return nil
}

// validateTagList checks the v1 "<name>@<int>" capability tag grammar.
func validateTagList(field string, tags []string, max int) error {
	if len(tags) > max {
		return newError(KindValidation, "REG-VAL-114", fmt.Sprintf("%s has %d entries, limit %d", field, len(tags), max))
	}
	for i, tag := range tags {
		if !tagPattern.MatchString(tag) {
			return newError(KindValidation, "REG-VAL-115", fmt.Sprintf("%s[%d] %q is not <name>@<int>", field, i, tag))
		}
	}
	return nil
}

// validateStringList checks the v2 exports/uses shape: every entry a
// non-empty string.
func validateStringList(field string, entries []string, max int) error {
	if len(entries) > max {
		return newError(KindValidation, "REG-VAL-203", fmt.Sprintf("%s has %d entries, limit %d", field, len(entries), max))
	}
	for i, s := range entries {
		if s == "" {
			return newError(KindValidation, "REG-VAL-204", fmt.Sprintf("%s[%d] must be non-empty", field, i))
		}
	}
	return nil
}

func validateSignatureBlock(s *Signature) error {
	if s == nil {
		return nil
	}
	if s.Alg == "" {
		return newError(KindValidation, "REG-VAL-130", "signature.alg is required")
	}
	if s.PubKey == "" {
		return newError(KindValidation, "REG-VAL-131", "signature.pubkey is required")
	}
	if s.Sig == "" {
		return newError(KindValidation, "REG-VAL-132", "signature.sig is required")
	}
	return nil
}
