package filekv

import (
	"flag"
	"fmt"

	"xdao.co/wasmreg/storage"
	"xdao.co/wasmreg/storage/kvregistry"
)

var (
	flagFileRoot string
)

func init() {
	kvregistry.MustRegister(kvregistry.Backend{
		Name:        "file",
		Description: "Filesystem KV (directory)",
		Usage:       kvregistry.UsageCLI | kvregistry.UsageDaemon,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagFileRoot, "file-root", "", "Filesystem KV root directory (for --backend=file)")
		},
		Open: func() (storage.KV, func() error, error) {
			if flagFileRoot == "" {
				return nil, nil, fmt.Errorf("missing --file-root")
			}
			kv, err := New(flagFileRoot)
			return kv, nil, err
		},
	})
}
