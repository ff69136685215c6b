package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"xdao.co/wasmreg/storage/grpckv"
	"xdao.co/wasmreg/storage/kvregistry"

	_ "xdao.co/wasmreg/storage/filekv"
	_ "xdao.co/wasmreg/storage/memkv"
)

func main() {
	fs := flag.NewFlagSet("wasmreg-kvd", flag.ExitOnError)
	listen := fs.String("listen", "127.0.0.1:7711", "listen address")
	backend := fs.String("backend", "file", "KV backend name (see --list-backends)")
	listBackends := fs.Bool("list-backends", false, "List supported backends and exit")

	kvregistry.RegisterFlags(fs, kvregistry.UsageDaemon)

	_ = fs.Parse(os.Args[1:])
	if *listBackends {
		for _, b := range kvregistry.List(kvregistry.UsageDaemon) {
			if b.Description == "" {
				_, _ = fmt.Fprintf(os.Stdout, "%s\n", b.Name)
				continue
			}
			_, _ = fmt.Fprintf(os.Stdout, "%s\t%s\n", b.Name, b.Description)
		}
		return
	}

	kv, closeFn, err := kvregistry.Open(*backend, kvregistry.UsageDaemon)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if closeFn != nil {
		defer closeFn()
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer lis.Close()

	s := grpc.NewServer()
	grpckv.RegisterKVServer(s, grpckv.NewServer(kv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "wasmreg-kvd listening on %s (backend=%s)\n", lis.Addr().String(), *backend)
		errCh <- s.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case <-ctx.Done():
		// Drain in-flight KV calls before exiting.
		fmt.Fprintln(os.Stderr, "wasmreg-kvd shutting down")
		s.GracefulStop()
		<-errCh
	}
}
