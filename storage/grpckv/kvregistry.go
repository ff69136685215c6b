package grpckv

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"xdao.co/wasmreg/storage"
	"xdao.co/wasmreg/storage/kvregistry"
)

var (
	flagTarget  string
	flagTimeout time.Duration
)

func init() {
	kvregistry.MustRegister(kvregistry.Backend{
		Name:        "grpc",
		Description: "gRPC KV client (talks to a KV gRPC daemon, e.g. wasmreg-kvd)",
		Usage:       kvregistry.UsageCLI | kvregistry.UsageDaemon,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagTarget, "grpc-target", "", "gRPC target host:port (for --backend=grpc)")
			fs.DurationVar(&flagTimeout, "grpc-timeout", DefaultTimeout, "Per-RPC timeout (for --backend=grpc)")
		},
		Open: func() (storage.KV, func() error, error) {
			target := strings.TrimSpace(flagTarget)
			if target == "" {
				return nil, nil, fmt.Errorf("missing --grpc-target")
			}
			client, err := Dial(target, WithTimeout(flagTimeout))
			if err != nil {
				return nil, nil, err
			}
			return client, client.Close, nil
		},
	})
}
