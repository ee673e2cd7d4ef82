package core

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

// Keystore is a single Ed25519 identity persisted as a hex-encoded 32-byte
// seed on disk (spec §6.5), mode 0600, parent directories created on
// demand — the same file-ownership discipline the teacher's ledger WAL and
// blob cache use.
type Keystore struct {
	path string
}

func NewKeystore(path string) *Keystore {
	return &Keystore{path: path}
}

// Load reads the keystore file and derives the full Ed25519 private key
// from its seed.
func (k *Keystore) Load() (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(k.path)
	if err != nil {
		return nil, NewError(ErrKindInit, "read keystore", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, NewError(ErrKindInit, "decode keystore seed", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, NewError(ErrKindInit, "keystore seed has wrong length", nil)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Generate creates a fresh Ed25519 identity and writes its seed to the
// keystore path, failing if a file already exists there.
func (k *Keystore) Generate() (ed25519.PrivateKey, error) {
	if dir := filepath.Dir(k.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, NewError(ErrKindInit, "create keystore directory", err)
		}
	}
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, NewError(ErrKindInit, "generate ed25519 key", err)
	}
	seed := priv.Seed()
	f, err := os.OpenFile(k.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, NewError(ErrKindInit, "create keystore file", err)
	}
	defer f.Close()
	if _, err := f.WriteString(hex.EncodeToString(seed)); err != nil {
		return nil, NewError(ErrKindInit, "write keystore file", err)
	}
	return priv, nil
}

// LoadOrGenerate loads the existing identity at path, or generates and
// persists a new one if none exists yet.
func (k *Keystore) LoadOrGenerate() (ed25519.PrivateKey, error) {
	if _, err := os.Stat(k.path); err == nil {
		return k.Load()
	} else if !os.IsNotExist(err) {
		return nil, NewError(ErrKindInit, "stat keystore file", err)
	}
	return k.Generate()
}
