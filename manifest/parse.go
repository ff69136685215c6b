package manifest

import (
	"bytes"
	"encoding/json"
	"strings"

	"xdao.co/wasmreg/jcs"
)

// OverwriteField is the transport-only marker requesting replacement of an
// already-claimed key. It is stripped from the canonical bytes; the store
// honors it only when the ownership predicate admits the signing key.
const OverwriteField = "_overwrite"

// Entity is the schema-independent view of a parsed submission.
//
// It carries the original bytes, the canonical (signed) bytes, and the
// transport flags extracted before strict decoding.
type Entity struct {
	schema Schema

	manifest *Manifest
	bundle   *Bundle

	raw       []byte
	canonical []byte
	overwrite bool
}

// Parse decodes raw as either schema.
//
// Transport-only members ("_"-prefixed) are extracted first; the remainder
// must decode into exactly one schema with no unknown top-level fields.
// Parse also derives the canonical bytes, so a document that cannot be
// canonicalized never reaches validation or storage.
func Parse(raw []byte) (*Entity, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, wrapError(KindParse, "REG-STR-001", "document is not a JSON object", err)
	}
	if top == nil {
		return nil, newError(KindParse, "REG-STR-001", "document is not a JSON object")
	}

	overwrite := false
	for k, v := range top {
		if !strings.HasPrefix(k, "_") {
			continue
		}
		if k == OverwriteField {
			if err := json.Unmarshal(v, &overwrite); err != nil {
				return nil, wrapError(KindParse, "REG-STR-002", "_overwrite must be a boolean", err)
			}
		}
		delete(top, k)
	}

	_, hasPackage := top["package"]
	_, hasID := top["id"]

	var schema Schema
	switch {
	case hasPackage && hasID:
		return nil, newError(KindParse, "REG-STR-003", "document mixes manifest and bundle schemas")
	case hasPackage:
		schema = SchemaBundle
	case hasID:
		schema = SchemaManifest
	default:
		return nil, newError(KindParse, "REG-STR-004", "document matches no known schema")
	}

	cleaned, err := json.Marshal(top)
	if err != nil {
		return nil, wrapError(KindInternal, "REG-STR-005", "re-encoding document failed", err)
	}

	e := &Entity{schema: schema, raw: append([]byte(nil), raw...), overwrite: overwrite}
	dec := json.NewDecoder(bytes.NewReader(cleaned))
	dec.DisallowUnknownFields()
	switch schema {
	case SchemaManifest:
		var m Manifest
		if err := dec.Decode(&m); err != nil {
			return nil, wrapError(KindParse, "REG-STR-010", "invalid manifest: "+err.Error(), err)
		}
		e.manifest = &m
	case SchemaBundle:
		var b Bundle
		if err := dec.Decode(&b); err != nil {
			return nil, wrapError(KindParse, "REG-STR-011", "invalid bundle: "+err.Error(), err)
		}
		e.bundle = &b
	}

	canonical, err := jcs.Canonicalize(raw)
	if err != nil {
		return nil, wrapError(KindParse, "REG-STR-020", "canonicalization failed", err)
	}
	e.canonical = canonical
	return e, nil
}

// Schema reports which schema the entity was published under.
func (e *Entity) Schema() Schema { return e.schema }

// ID returns the package identifier (id for manifests, package for bundles).
func (e *Entity) ID() string {
	if e.manifest != nil {
		return e.manifest.ID
	}
	if e.bundle != nil {
		return e.bundle.Package
	}
	return ""
}

// Version returns the entity version (version / appVersion).
func (e *Entity) Version() string {
	if e.manifest != nil {
		return e.manifest.Version
	}
	if e.bundle != nil {
		return e.bundle.AppVersion
	}
	return ""
}

// Key returns the primary claim key "id@version".
func (e *Entity) Key() string { return e.ID() + "@" + e.Version() }

// Name returns the human-readable name.
func (e *Entity) Name() string {
	if e.manifest != nil {
		return e.manifest.Name
	}
	if e.bundle != nil {
		return e.bundle.Metadata.Name
	}
	return ""
}

// Provides returns the capability tags this entity provides (exports for
// bundles). The returned slice must not be mutated.
func (e *Entity) Provides() []string {
	if e.manifest != nil {
		return e.manifest.Provides
	}
	if e.bundle != nil && e.bundle.Interfaces != nil {
		return e.bundle.Interfaces.Exports
	}
	return nil
}

// Requires returns the capability tags this entity requires (uses for
// bundles).
func (e *Entity) Requires() []string {
	if e.manifest != nil {
		return e.manifest.Requires
	}
	if e.bundle != nil && e.bundle.Interfaces != nil {
		return e.bundle.Interfaces.Uses
	}
	return nil
}

// Dependencies returns the semver-constrained dependency edges. Bundles do
// not carry dependencies; they return nil.
func (e *Entity) Dependencies() []Dependency {
	if e.manifest != nil {
		return e.manifest.Dependencies
	}
	return nil
}

// Owners returns the declared owner keys (bundles only).
func (e *Entity) Owners() []string {
	if e.bundle != nil {
		return e.bundle.Owners
	}
	return nil
}

// Signature returns the signature block, or nil when unsigned.
func (e *Entity) Signature() *Signature {
	if e.manifest != nil {
		return e.manifest.Signature
	}
	if e.bundle != nil {
		return e.bundle.Signature
	}
	return nil
}

// Overwrite reports whether the submission carried the _overwrite marker.
func (e *Entity) Overwrite() bool { return e.overwrite }

// Raw returns the bytes as submitted, including signature and transport
// fields.
func (e *Entity) Raw() []byte { return e.raw }

// Canonical returns the exact signed byte sequence for this entity.
func (e *Entity) Canonical() []byte { return e.canonical }

// Manifest returns the decoded v1 document, or nil for bundles.
func (e *Entity) Manifest() *Manifest { return e.manifest }

// Bundle returns the decoded v2 document, or nil for manifests.
func (e *Entity) Bundle() *Bundle { return e.bundle }
