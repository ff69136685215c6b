// wasmregd is the registry daemon: an HTTP API over a pluggable KV
// backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"xdao.co/wasmreg/httpapi"
	"xdao.co/wasmreg/manifest"
	"xdao.co/wasmreg/registry"
	"xdao.co/wasmreg/resolver"
	"xdao.co/wasmreg/signature"
	"xdao.co/wasmreg/storage/kvregistry"

	_ "xdao.co/wasmreg/storage/filekv"
	_ "xdao.co/wasmreg/storage/grpckv"
	_ "xdao.co/wasmreg/storage/memkv"
)

func main() {
	fs := flag.NewFlagSet("wasmregd", flag.ExitOnError)
	configPath := fs.String("config", "", "TOML config file")
	listen := fs.String("listen", "", "listen address (overrides config)")
	backend := fs.String("backend", "", "KV backend name (overrides config)")
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

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *backend != "" {
		cfg.Backend = *backend
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func newLogger(cfg config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("config: log level %q: %w", cfg.Log.Level, err)
	}
	var log zerolog.Logger
	if cfg.Log.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger(), nil
}

func run(cfg config, log zerolog.Logger) error {
	missing, err := cfg.missingPolicy()
	if err != nil {
		return err
	}

	kv, closeFn, err := kvregistry.Open(cfg.Backend, kvregistry.UsageDaemon)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer func() { _ = closeFn() }()
	}

	store := registry.New(kv, registry.Config{
		Limits: manifest.Limits{
			MaxInterfaces:   cfg.Limits.MaxInterfaces,
			MaxDependencies: cfg.Limits.MaxDependencies,
		},
		Policy: func(schema manifest.Schema) signature.Policy {
			switch schema {
			case manifest.SchemaManifest:
				return signature.Policy{AllowUnsigned: !cfg.Signature.RequireSignedManifests}
			default:
				return signature.Policy{AllowUnsigned: !cfg.Signature.RequireSignedBundles}
			}
		},
		MaxDocumentBytes: cfg.Limits.MaxDocumentBytes,
		Logger:           log.With().Str("component", "registry").Logger(),
	})

	res := resolver.New(store, resolver.Options{
		MaxDepth: cfg.Resolver.MaxDepth,
		Missing:  missing,
		CacheTTL: cfg.Resolver.CacheTTL.Duration,
	})
	store.OnPublish(res.Invalidate)

	api := httpapi.New(store, res, log.With().Str("component", "http").Logger())
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Str("backend", cfg.Backend).Msg("wasmregd listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
