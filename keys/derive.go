package keys

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/ed25519"
	"golang.org/x/crypto/hkdf"
)

// CheckName validates a keystore identifier or project label.
func CheckName(name string) error {
	if name == "" {
		return errors.New("name cannot be empty")
	}
	for _, char := range name {
		if (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') || (char >= '0' && char <= '9') || char == '-' || char == '_' || char == '.' {
			continue
		}
		return fmt.Errorf("invalid character %q in name", char)
	}
	return nil
}

// DeriveProjectSeed deterministically derives a per-project Ed25519 seed
// from a publisher's root seed using HKDF-SHA256.
//
// Derived keys let a publisher sign each project with a distinct key while
// backing up only the root seed.
func DeriveProjectSeed(rootSeed []byte, project string) ([]byte, error) {
	if len(rootSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("root seed must be %d bytes", ed25519.SeedSize)
	}
	if err := CheckName(project); err != nil {
		return nil, err
	}

	r := hkdf.New(sha256.New, rootSeed, nil, []byte("wasmreg-keys-v1/project:"+project))
	out := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
