package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cloudflare/circl/sign/ed25519"
)

// KeyStore is a simple filesystem-backed key manager for the CLI.
//
// Seeds are stored hex-encoded, one file per key, mode 0600. Project keys
// derive deterministically from the root seed (see DeriveProjectSeed), so
// only root seeds need backing up.
type KeyStore struct {
	Directory string
}

// DefaultDirectory returns ~/.wasmreg/keys.
func DefaultDirectory() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".wasmreg", "keys"), nil
}

// Open returns a keystore rooted at directory, or the default location
// when directory is empty.
func Open(directory string) (*KeyStore, error) {
	if directory == "" {
		var err error
		directory, err = DefaultDirectory()
		if err != nil {
			return nil, err
		}
	}
	return &KeyStore{Directory: directory}, nil
}

func (ks *KeyStore) rootKeyPath(name string) string {
	return filepath.Join(ks.Directory, name, "root.key")
}

func (ks *KeyStore) projectKeyPath(name, project string) string {
	return filepath.Join(ks.Directory, name, "projects", project+".key")
}

// ParseSeedHex decodes a hex seed string, with or without a 0x prefix.
func ParseSeedHex(seedHex string) ([]byte, error) {
	seedHex = strings.TrimSpace(seedHex)
	seedHex = strings.TrimPrefix(seedHex, "0x")
	data, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, err
	}
	if len(data) != ed25519.SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", ed25519.SeedSize, len(data))
	}
	return data, nil
}

func (ks *KeyStore) saveSeed(path string, seed []byte, overwrite bool) error {
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("expected seed length of %d bytes", ed25519.SeedSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		return err
	}
	return file.Close()
}

func (ks *KeyStore) loadSeed(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeedHex(strings.TrimSpace(string(data)))
}

// InitRootKey stores seed as the root key for name and returns the wire
// public key string.
func (ks *KeyStore) InitRootKey(name string, seed []byte, overwrite bool) (pubKey string, path string, err error) {
	if err := CheckName(name); err != nil {
		return "", "", err
	}
	path = ks.rootKeyPath(name)
	if err := ks.saveSeed(path, seed, overwrite); err != nil {
		return "", "", err
	}
	return PublicKeyString(FromSeed(seed).Public().(ed25519.PublicKey)), path, nil
}

// DeriveProjectKey derives and stores the project key for name/project.
func (ks *KeyStore) DeriveProjectKey(name, project string, overwrite bool) (pubKey string, path string, err error) {
	if err := CheckName(name); err != nil {
		return "", "", err
	}
	rootSeed, err := ks.loadSeed(ks.rootKeyPath(name))
	if err != nil {
		return "", "", err
	}
	seed, err := DeriveProjectSeed(rootSeed, project)
	if err != nil {
		return "", "", err
	}
	path = ks.projectKeyPath(name, project)
	if err := ks.saveSeed(path, seed, overwrite); err != nil {
		return "", "", err
	}
	return PublicKeyString(FromSeed(seed).Public().(ed25519.PublicKey)), path, nil
}

// LoadSigningKey resolves a private key from, in order of precedence: an
// explicit hex seed, a seed file path, or a stored name (+optional
// project).
func (ks *KeyStore) LoadSigningKey(seedHex, name, project, keyFile string) (ed25519.PrivateKey, error) {
	if seedHex != "" {
		seed, err := ParseSeedHex(seedHex)
		if err != nil {
			return nil, err
		}
		return FromSeed(seed), nil
	}
	if keyFile != "" {
		seed, err := ks.loadSeed(keyFile)
		if err != nil {
			return nil, err
		}
		return FromSeed(seed), nil
	}
	if name != "" {
		if err := CheckName(name); err != nil {
			return nil, err
		}
		path := ks.rootKeyPath(name)
		if project != "" {
			if err := CheckName(project); err != nil {
				return nil, err
			}
			path = ks.projectKeyPath(name, project)
		}
		seed, err := ks.loadSeed(path)
		if err != nil {
			return nil, err
		}
		return FromSeed(seed), nil
	}
	return nil, errors.New("no signer provided")
}

// List returns the stored key names with their derived project labels.
func (ks *KeyStore) List() (map[string][]string, error) {
	entries, err := os.ReadDir(ks.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	out := make(map[string][]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		var projects []string
		projEntries, perr := os.ReadDir(filepath.Join(ks.Directory, name, "projects"))
		if perr == nil {
			for _, pe := range projEntries {
				if pe.IsDir() {
					continue
				}
				if strings.HasSuffix(pe.Name(), ".key") {
					projects = append(projects, strings.TrimSuffix(pe.Name(), ".key"))
				}
			}
			sort.Strings(projects)
		}
		out[name] = projects
	}
	return out, nil
}
