package jcs

import (
	"bytes"
	"testing"
)

func TestCanonicalizeKeyOrderIndependence(t *testing.T) {
	a := []byte(`{"b":1,"a":{"y":[{"k":2,"j":3}],"x":true},"c":null}`)
	b := []byte(`{"c":null,"a":{"x":true,"y":[{"j":3,"k":2}]},"b":1}`)

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("Canonicalize(a): %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("Canonicalize(b): %v", err)
	}
	if !bytes.Equal(ca, cb) {
		t.Fatalf("canonical bytes differ:\n%s\n%s", ca, cb)
	}

	want := `{"a":{"x":true,"y":[{"j":3,"k":2}]},"b":1,"c":null}`
	if string(ca) != want {
		t.Fatalf("canonical form: got %s want %s", ca, want)
	}
}

func TestCanonicalizeStripsSignatureAndTransportFields(t *testing.T) {
	base := []byte(`{"id":"com.example.app","version":"1.0.0"}`)
	decorated := []byte(`{
		"id": "com.example.app",
		"version": "1.0.0",
		"signature": {"alg":"ed25519","pubkey":"x","sig":"y"},
		"_overwrite": true,
		"_artifact_bytes": "AAAA",
		"_nested": {"anything": [1,2,3]}
	}`)

	cb, err := Canonicalize(base)
	if err != nil {
		t.Fatalf("Canonicalize(base): %v", err)
	}
	cd, err := Canonicalize(decorated)
	if err != nil {
		t.Fatalf("Canonicalize(decorated): %v", err)
	}
	if !bytes.Equal(cb, cd) {
		t.Fatalf("signature/transport fields leaked into canonical bytes:\n%s\n%s", cb, cd)
	}
}

func TestCanonicalizeKeepsNestedSignatureMembers(t *testing.T) {
	// Only the top-level signature member is part of the signing envelope.
	raw := []byte(`{"meta":{"signature":"inner"},"id":"com.example.app"}`)
	got, err := Canonicalize(raw)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"id":"com.example.app","meta":{"signature":"inner"}}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCanonicalizeArraysPreserveOrder(t *testing.T) {
	raw := []byte(`{"provides":["b@2","a@1","c@3"]}`)
	got, err := Canonicalize(raw)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"provides":["b@2","a@1","c@3"]}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCanonicalizeStringEscaping(t *testing.T) {
	raw := []byte(`{"name":"a<b>&\"\\\tz"}`)
	got, err := Canonicalize(raw)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	// No HTML escaping; control characters use the minimal escape set.
	want := `{"name":"a<b>&\"\\\tz"}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCanonicalizeNumbers(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"n":1}`, `{"n":1}`},
		{`{"n":1.0}`, `{"n":1}`},
		{`{"n":-0}`, `{"n":0}`},
		{`{"n":0.5}`, `{"n":0.5}`},
		{`{"n":1024}`, `{"n":1024}`},
	}
	for _, tc := range cases {
		got, err := Canonicalize([]byte(tc.in))
		if err != nil {
			t.Fatalf("Canonicalize(%s): %v", tc.in, err)
		}
		if string(got) != tc.want {
			t.Fatalf("Canonicalize(%s): got %s want %s", tc.in, got, tc.want)
		}
	}
}

func TestCanonicalizeRejectsNonObjects(t *testing.T) {
	for _, in := range []string{`[1,2,3]`, `"str"`, `42`, `null`, `{} trailing`, `{bad`} {
		if _, err := Canonicalize([]byte(in)); err == nil {
			t.Fatalf("Canonicalize(%s): expected error", in)
		}
	}
}
