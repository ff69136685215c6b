package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"xdao.co/wasmreg/resolver"
)

// duration wraps time.Duration for TOML decoding ("30s", "1m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type config struct {
	Listen  string `toml:"listen"`
	Backend string `toml:"backend"`

	Limits struct {
		MaxDocumentBytes int `toml:"max_document_bytes"`
		MaxInterfaces    int `toml:"max_interfaces"`
		MaxDependencies  int `toml:"max_dependencies"`
	} `toml:"limits"`

	Signature struct {
		RequireSignedManifests bool `toml:"require_signed_manifests"`
		RequireSignedBundles   bool `toml:"require_signed_bundles"`
	} `toml:"signature"`

	Resolver struct {
		MaxDepth      int      `toml:"max_depth"`
		MissingPolicy string   `toml:"missing_policy"`
		CacheTTL      duration `toml:"cache_ttl"`
	} `toml:"resolver"`

	Log struct {
		Level  string `toml:"level"`
		Pretty bool   `toml:"pretty"`
	} `toml:"log"`
}

func defaultConfig() config {
	var c config
	c.Listen = "127.0.0.1:8420"
	c.Backend = "mem"
	c.Resolver.MissingPolicy = "advise"
	c.Log.Level = "info"
	return c
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults unchanged.
func loadConfig(path string) (config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

func (c config) missingPolicy() (resolver.MissingPolicy, error) {
	switch c.Resolver.MissingPolicy {
	case "", "advise":
		return resolver.MissingAdvise, nil
	case "block":
		return resolver.MissingBlock, nil
	default:
		return 0, fmt.Errorf("config: missing_policy %q (expected advise or block)", c.Resolver.MissingPolicy)
	}
}
