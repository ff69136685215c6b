// Package testkit provides the conformance suite every KV backend must
// pass. Backends run it from their own tests so the atomic-claim and set
// semantics stay identical across memkv, filekv and grpckv.
package testkit

import (
	"bytes"
	"context"
	"reflect"
	"sync"
	"testing"

	"xdao.co/wasmreg/storage"
)

// NewKV constructs a fresh, empty KV for a test. The returned KV MUST be
// isolated from other tests.
type NewKV func(t *testing.T) storage.KV

func RunKVConformance(t *testing.T, newKV NewKV) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		kv := newKV(t)
		if _, err := kv.Get(ctx, "absent"); !storage.IsNotFound(err) {
			t.Fatalf("Get missing: got err=%v want ErrNotFound", err)
		}
	})

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		kv := newKV(t)
		want := []byte(`{"id":"com.example.app"}`)
		if err := kv.Put(ctx, "entity:com.example.app@1.0.0", want); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := kv.Get(ctx, "entity:com.example.app@1.0.0")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Get bytes mismatch")
		}

		// Put replaces.
		if err := kv.Put(ctx, "entity:com.example.app@1.0.0", []byte("v2")); err != nil {
			t.Fatalf("Put replace: %v", err)
		}
		got, err = kv.Get(ctx, "entity:com.example.app@1.0.0")
		if err != nil {
			t.Fatalf("Get after replace: %v", err)
		}
		if string(got) != "v2" {
			t.Fatalf("Put did not replace: %q", got)
		}
	})

	t.Run("PutIfAbsentClaim", func(t *testing.T) {
		kv := newKV(t)
		created, err := kv.PutIfAbsent(ctx, "claim", []byte("first"))
		if err != nil || !created {
			t.Fatalf("first claim: created=%v err=%v", created, err)
		}
		created, err = kv.PutIfAbsent(ctx, "claim", []byte("second"))
		if err != nil {
			t.Fatalf("second claim: %v", err)
		}
		if created {
			t.Fatalf("second claim succeeded")
		}
		got, err := kv.Get(ctx, "claim")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(got) != "first" {
			t.Fatalf("losing claim mutated the value: %q", got)
		}
	})

	t.Run("ConcurrentClaim", func(t *testing.T) {
		kv := newKV(t)
		const n = 32
		var wg sync.WaitGroup
		wins := make(chan int, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				created, err := kv.PutIfAbsent(ctx, "race", []byte{byte(i)})
				if err != nil {
					t.Errorf("PutIfAbsent: %v", err)
					return
				}
				if created {
					wins <- i
				}
			}(i)
		}
		wg.Wait()
		close(wins)
		var winners []int
		for w := range wins {
			winners = append(winners, w)
		}
		if len(winners) != 1 {
			t.Fatalf("expected exactly 1 winner, got %d", len(winners))
		}
		got, err := kv.Get(ctx, "race")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(got) != 1 || got[0] != byte(winners[0]) {
			t.Fatalf("stored value does not match the winner")
		}
	})

	t.Run("SetSemantics", func(t *testing.T) {
		kv := newKV(t)
		members, err := kv.SetMembers(ctx, "versions:absent")
		if err != nil {
			t.Fatalf("SetMembers absent: %v", err)
		}
		if len(members) != 0 {
			t.Fatalf("absent set not empty: %v", members)
		}

		if err := kv.SetAdd(ctx, "versions:x", "1.0.0", "0.9.0"); err != nil {
			t.Fatalf("SetAdd: %v", err)
		}
		if err := kv.SetAdd(ctx, "versions:x", "1.0.0", "2.0.0"); err != nil {
			t.Fatalf("SetAdd dup: %v", err)
		}
		members, err = kv.SetMembers(ctx, "versions:x")
		if err != nil {
			t.Fatalf("SetMembers: %v", err)
		}
		want := []string{"0.9.0", "1.0.0", "2.0.0"}
		if !reflect.DeepEqual(members, want) {
			t.Fatalf("SetMembers: got %v want %v", members, want)
		}
	})

	t.Run("EmptyKeyRejected", func(t *testing.T) {
		kv := newKV(t)
		if _, err := kv.Get(ctx, ""); err == nil {
			t.Fatalf("Get with empty key succeeded")
		}
		if err := kv.Put(ctx, "", nil); err == nil {
			t.Fatalf("Put with empty key succeeded")
		}
	})
}
