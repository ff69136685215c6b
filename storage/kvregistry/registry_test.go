package kvregistry

import (
	"flag"
	"strings"
	"testing"

	"xdao.co/wasmreg/storage"
)

func testBackend(name string, usage Usage) Backend {
	return Backend{
		Name:          name,
		Usage:         usage,
		RegisterFlags: func(fs *flag.FlagSet) {},
		Open:          func() (storage.KV, func() error, error) { return nil, nil, nil },
	}
}

func TestRegisterRejectsUnsafeNames(t *testing.T) {
	for _, name := range []string{"", "File", "9mem", "a b", "-grpc"} {
		if err := Register(testBackend(name, UsageDaemon)); err == nil {
			t.Fatalf("Register accepted name %q", name)
		}
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	b := testBackend("dup-test", UsageDaemon)
	if err := Register(b); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := Register(b); err == nil {
		t.Fatalf("duplicate registration accepted")
	}
}

func TestOpenUnknownListsSupported(t *testing.T) {
	if err := Register(testBackend("open-test", UsageDaemon)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, _, err := Open("open-test-missing", UsageDaemon)
	if err == nil || !strings.Contains(err.Error(), "open-test") {
		t.Fatalf("unknown-backend error does not name supported backends: %v", err)
	}
}

func TestOpenHonorsUsageGate(t *testing.T) {
	if err := Register(testBackend("cli-only-test", UsageCLI)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, _, err := Open("cli-only-test", UsageDaemon); err == nil {
		t.Fatalf("CLI-only backend opened in a daemon")
	}
	if _, _, err := Open("cli-only-test", UsageCLI); err != nil {
		t.Fatalf("Open: %v", err)
	}
}
