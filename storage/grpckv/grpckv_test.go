package grpckv

import (
	"net"
	"testing"

	"google.golang.org/grpc"

	"xdao.co/wasmreg/storage"
	"xdao.co/wasmreg/storage/memkv"
	"xdao.co/wasmreg/storage/testkit"
)

// startLoopback runs a KV server over a real TCP loopback listener and
// returns a connected client.
func startLoopback(t *testing.T, kv storage.KV) *Client {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := grpc.NewServer()
	RegisterKVServer(srv, NewServer(kv))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial(lis.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestConformance(t *testing.T) {
	testkit.RunKVConformance(t, func(t *testing.T) storage.KV {
		return startLoopback(t, memkv.New())
	})
}
