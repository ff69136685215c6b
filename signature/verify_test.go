package signature

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"

	"xdao.co/wasmreg/keys"
	"xdao.co/wasmreg/manifest"
)

const zeros64 = "0000000000000000000000000000000000000000000000000000000000000000"

func testKeypair(t *testing.T, seedByte byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = seedByte
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv
}

func unsignedDoc() map[string]any {
	return map[string]any{
		"id":      "com.example.app",
		"name":    "Example App",
		"version": "1.0.0",
		"chains":  []any{"main"},
		"artifact": map[string]any{
			"type":   "wasm",
			"target": "wasm32-wasi",
			"digest": "sha256:" + zeros64,
			"uri":    "https://example.com/app.wasm",
		},
	}
}

// signedEntity signs doc with priv and returns the reparsed entity.
func signedEntity(t *testing.T, doc map[string]any, priv ed25519.PrivateKey) *manifest.Entity {
	t.Helper()
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	pre, err := manifest.Parse(raw)
	if err != nil {
		t.Fatalf("Parse pre: %v", err)
	}
	doc["signature"] = keys.SignatureBlock(pre.Canonical(), priv, time.Unix(1700000000, 0))
	signed, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal signed: %v", err)
	}
	e, err := manifest.Parse(signed)
	if err != nil {
		t.Fatalf("Parse signed: %v", err)
	}
	return e
}

func TestVerifySignedEntity(t *testing.T) {
	_, priv := testKeypair(t, 1)
	e := signedEntity(t, unsignedDoc(), priv)
	if err := Verify(e, Policy{}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyAlgCaseInsensitive(t *testing.T) {
	_, priv := testKeypair(t, 2)
	doc := unsignedDoc()
	e := signedEntity(t, doc, priv)
	sig := e.Signature()
	sig.Alg = "Ed25519"

	// Rebuild the document with the modified alg; the alg field is inside
	// the signature block, which is stripped from the signed payload.
	doc["signature"] = sig
	raw, _ := json.Marshal(doc)
	e2, err := manifest.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Verify(e2, Policy{}); err != nil {
		t.Fatalf("Verify with mixed-case alg: %v", err)
	}

	sig.Alg = "rsa"
	doc["signature"] = sig
	raw, _ = json.Marshal(doc)
	e3, err := manifest.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Verify(e3, Policy{}); err == nil {
		t.Fatalf("expected unsupported-algorithm rejection")
	}
}

func TestVerifyFlippedSignatureBitFails(t *testing.T) {
	_, priv := testKeypair(t, 3)
	doc := unsignedDoc()
	e := signedEntity(t, doc, priv)

	raw, err := base64.RawURLEncoding.DecodeString(e.Signature().Sig)
	if err != nil {
		t.Fatalf("decode sig: %v", err)
	}
	raw[0] ^= 0x01
	doc["signature"] = &manifest.Signature{
		Alg:    "ed25519",
		PubKey: e.Signature().PubKey,
		Sig:    base64.RawURLEncoding.EncodeToString(raw),
	}
	b, _ := json.Marshal(doc)
	flipped, err := manifest.Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Verify(flipped, Policy{}); err == nil {
		t.Fatalf("expected verification failure after bit flip")
	}
}

func TestVerifyMutatedPayloadFails(t *testing.T) {
	_, priv := testKeypair(t, 4)
	doc := unsignedDoc()
	e := signedEntity(t, doc, priv)

	doc["name"] = "Tampered"
	doc["signature"] = e.Signature()
	b, _ := json.Marshal(doc)
	tampered, err := manifest.Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Verify(tampered, Policy{}); err == nil {
		t.Fatalf("expected verification failure after payload mutation")
	}
}

func TestVerifyRejectsBadWireLengths(t *testing.T) {
	_, priv := testKeypair(t, 5)
	doc := unsignedDoc()
	e := signedEntity(t, doc, priv)

	short := base64.RawURLEncoding.EncodeToString([]byte("short"))
	for _, mutate := range []func(s *manifest.Signature){
		func(s *manifest.Signature) { s.PubKey = short },
		func(s *manifest.Signature) { s.Sig = short },
		func(s *manifest.Signature) { s.PubKey = "!!! not base64 !!!" },
	} {
		sig := *e.Signature()
		mutate(&sig)
		doc["signature"] = &sig
		b, _ := json.Marshal(doc)
		bad, err := manifest.Parse(b)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		err = Verify(bad, Policy{})
		if err == nil {
			t.Fatalf("expected decode rejection")
		}
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid, got %v", err)
		}
	}
}

func TestVerifyUnsignedPolicy(t *testing.T) {
	raw, _ := json.Marshal(unsignedDoc())
	e, err := manifest.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Verify(e, Policy{AllowUnsigned: true}); err != nil {
		t.Fatalf("unsigned entity rejected under permissive policy: %v", err)
	}
	if err := Verify(e, Policy{AllowUnsigned: false}); err == nil {
		t.Fatalf("unsigned entity accepted under strict policy")
	}
}
