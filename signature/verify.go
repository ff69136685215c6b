// Package signature verifies the Ed25519 signatures carried by registry
// entities and evaluates the ownership predicate for writes to
// already-claimed keys.
//
// The signed message is always sha256(canonical bytes): the verifier hashes
// the entity's canonical form (see package jcs) and checks the Ed25519
// signature over that digest. Verification has no side effects.
package signature

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/ed25519"

	"xdao.co/wasmreg/manifest"
)

// ErrInvalid is returned for any decode failure or cryptographic mismatch.
// Callers must treat it as terminal; it is never retryable.
var ErrInvalid = errors.New("signature: invalid signature")

// Policy controls how unsigned entities are treated.
type Policy struct {
	// AllowUnsigned admits entities that carry no signature block at all.
	// A signature block that is present must always verify.
	AllowUnsigned bool
}

// DefaultPolicy returns the verification policy for a schema. Both schemas
// admit unsigned entities by default; deployments that require signing set
// AllowUnsigned to false.
func DefaultPolicy(manifest.Schema) Policy {
	return Policy{AllowUnsigned: true}
}

// Verify checks the entity's signature according to pol.
//
// Steps: unsigned-policy gate, algorithm check (ed25519 only,
// case-insensitive), wire decode (base64url without padding, exact key and
// signature lengths), then Ed25519 verification over sha256(canonical).
func Verify(e *manifest.Entity, pol Policy) error {
	sig := e.Signature()
	if sig == nil {
		if pol.AllowUnsigned {
			return nil
		}
		return fmt.Errorf("%w: entity is unsigned", ErrInvalid)
	}
	if !strings.EqualFold(sig.Alg, "ed25519") {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalid, sig.Alg)
	}

	pub, err := DecodeKey(sig.PubKey)
	if err != nil {
		return err
	}
	raw, err := decodeWire(sig.Sig)
	if err != nil {
		return fmt.Errorf("%w: signature does not decode", ErrInvalid)
	}
	if len(raw) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature is %d bytes, want %d", ErrInvalid, len(raw), ed25519.SignatureSize)
	}

	digest := sha256.Sum256(e.Canonical())
	if !ed25519.Verify(pub, digest[:], raw) {
		return fmt.Errorf("%w: verification failed", ErrInvalid)
	}
	return nil
}

// DecodeKey decodes a wire-encoded Ed25519 public key.
func DecodeKey(s string) (ed25519.PublicKey, error) {
	raw, err := decodeWire(s)
	if err != nil {
		return nil, fmt.Errorf("%w: public key does not decode", ErrInvalid)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes, want %d", ErrInvalid, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// decodeWire accepts base64url without padding, plus standard padded
// base64 for compatibility with older publishing tools.
func decodeWire(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
