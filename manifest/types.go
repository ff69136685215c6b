// Package manifest defines the registry's published document schemas and
// their structural rules: the v1 Manifest and the v2 Bundle, strict JSON
// parsing with unknown-field rejection, and full validation ahead of any
// store mutation.
package manifest

import "encoding/json"

// Schema identifies which document schema an entity was published under.
type Schema string

const (
	// SchemaManifest is the v1 versioned metadata document.
	SchemaManifest Schema = "manifest"
	// SchemaBundle is the v2 packaging format.
	SchemaBundle Schema = "bundle"
)

// Signature is the detached signature block carried by either schema.
//
// PubKey and Sig use base64url without padding on the wire.
type Signature struct {
	Alg      string `json:"alg"`
	PubKey   string `json:"pubkey"`
	Sig      string `json:"sig"`
	SignedAt string `json:"signed_at,omitempty"`
}

// Artifact describes the WASM artifact a v1 manifest publishes.
type Artifact struct {
	Type   string `json:"type"`
	Target string `json:"target"`
	Digest string `json:"digest"`
	URI    string `json:"uri"`
}

// Dependency is a semver-constrained edge to another package.
type Dependency struct {
	ID    string `json:"id"`
	Range string `json:"range"`
}

// Manifest is the v1 schema: one immutable (id, version) record.
type Manifest struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Chains       []string     `json:"chains"`
	Artifact     Artifact     `json:"artifact"`
	Provides     []string     `json:"provides,omitempty"`
	Requires     []string     `json:"requires,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	Signature    *Signature   `json:"signature,omitempty"`
}

// Metadata is the human-facing description block of a v2 bundle.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Author      string `json:"author,omitempty"`
}

// Interfaces carries the capability tags a bundle exports and uses.
//
// When present, exports and uses must each be absent, null, or an array of
// non-empty strings; any other JSON type is a structural violation.
type Interfaces struct {
	Exports []string `json:"exports,omitempty"`
	Uses    []string `json:"uses,omitempty"`
}

// WASMRef locates and pins the bundle's WASM payload.
type WASMRef struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Bundle is the v2 schema.
type Bundle struct {
	Package    string            `json:"package"`
	AppVersion string            `json:"appVersion"`
	Metadata   Metadata          `json:"metadata"`
	Interfaces *Interfaces       `json:"interfaces,omitempty"`
	WASM       WASMRef           `json:"wasm"`
	ABI        json.RawMessage   `json:"abi,omitempty"`
	Migrations []string          `json:"migrations,omitempty"`
	Links      map[string]string `json:"links,omitempty"`
	Owners     []string          `json:"owners,omitempty"`
	Signature  *Signature        `json:"signature,omitempty"`
}
