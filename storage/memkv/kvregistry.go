package memkv

import (
	"flag"

	"xdao.co/wasmreg/storage"
	"xdao.co/wasmreg/storage/kvregistry"
)

func init() {
	kvregistry.MustRegister(kvregistry.Backend{
		Name:        "mem",
		Description: "In-memory KV (contents are lost on exit)",
		Usage:       kvregistry.UsageCLI | kvregistry.UsageDaemon,
		RegisterFlags: func(fs *flag.FlagSet) {},
		Open: func() (storage.KV, func() error, error) {
			return New(), nil, nil
		},
	})
}
