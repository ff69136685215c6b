// Package keys provides local-first key management for publishers: seed
// handling, deterministic per-project key derivation, and the
// digest-then-sign helpers that produce registry signature blocks.
package keys

import (
	"crypto/sha256"
	"encoding/base64"
	"io"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"

	"xdao.co/wasmreg/manifest"
)

// Generate returns a fresh Ed25519 keypair.
func Generate(rand io.Reader) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand)
}

// FromSeed derives the private key for a 32-byte seed.
func FromSeed(seed []byte) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(seed)
}

// PublicKeyString encodes a public key in the wire encoding the registry
// verifier accepts: base64url without padding.
func PublicKeyString(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// SignCanonical returns the wire-encoded Ed25519 signature over
// sha256(canonical). The input must already be canonical bytes; signing
// non-canonical bytes produces signatures the registry will reject.
func SignCanonical(canonical []byte, priv ed25519.PrivateKey) string {
	digest := sha256.Sum256(canonical)
	sig := ed25519.Sign(priv, digest[:])
	return base64.RawURLEncoding.EncodeToString(sig)
}

// SignatureBlock builds the complete signature block for canonical bytes.
func SignatureBlock(canonical []byte, priv ed25519.PrivateKey, signedAt time.Time) *manifest.Signature {
	pub := priv.Public().(ed25519.PublicKey)
	return &manifest.Signature{
		Alg:      "ed25519",
		PubKey:   PublicKeyString(pub),
		Sig:      SignCanonical(canonical, priv),
		SignedAt: signedAt.UTC().Format(time.RFC3339),
	}
}
