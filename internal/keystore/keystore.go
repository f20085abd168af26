// Package keystore owns the installation's long-lived key pair.
package keystore

import (
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pliu/peerchat/internal/hybrid"
	"go.uber.org/zap"
)

const (
	PublicKeyFile  = "public_key.pem"
	PrivateKeyFile = "private_key.pem"
)

// KeyStore loads the key pair from dir, creating it on first use. The private
// key never leaves the process through this type except as a signing or
// decryption handle.
type KeyStore struct {
	dir string
	log *zap.Logger

	mu      sync.Mutex
	priv    *rsa.PrivateKey
	pubPEM  string
	created bool

	// generate is replaced in tests to avoid slow key generation.
	generate func() (*rsa.PrivateKey, error)
}

func New(dir string, log *zap.Logger) *KeyStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &KeyStore{dir: dir, log: log, generate: hybrid.GenerateKey}
}

// GetOrCreate returns the key pair, loading it from disk if both files are
// present and the private key parses, and generating a fresh pair otherwise.
// Unparseable prior material is moved aside, not deleted.
func (ks *KeyStore) GetOrCreate() (*rsa.PrivateKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.priv != nil {
		return ks.priv, nil
	}

	pubPath := filepath.Join(ks.dir, PublicKeyFile)
	privPath := filepath.Join(ks.dir, PrivateKeyFile)

	priv, err := load(privPath, pubPath)
	if err == nil {
		ks.priv = priv
		ks.pubPEM, _ = hybrid.MarshalPublicKey(&priv.PublicKey)
		return priv, nil
	}
	if moved := ks.quarantine(privPath, pubPath); moved > 0 {
		ks.log.Warn("existing key material unusable, generating a new identity key",
			zap.String("dir", ks.dir), zap.Int("moved_aside", moved), zap.Error(err))
	}

	priv, err = ks.generate()
	if err != nil {
		return nil, err
	}
	pubPEM, err := hybrid.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	privPEM, err := hybrid.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(ks.dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := writeFileAtomic(privPath, []byte(privPEM), 0o600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	if err := writeFileAtomic(pubPath, []byte(pubPEM), 0o644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}

	ks.log.Info("generated identity key", zap.String("dir", ks.dir))
	ks.priv = priv
	ks.pubPEM = pubPEM
	ks.created = true
	return priv, nil
}

// PublicKeyExport returns the PEM encoded public key for sharing.
func (ks *KeyStore) PublicKeyExport() (string, error) {
	if _, err := ks.GetOrCreate(); err != nil {
		return "", err
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.pubPEM, nil
}

// Created reports whether the last GetOrCreate generated new key material.
func (ks *KeyStore) Created() bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.created
}

func load(privPath, pubPath string) (*rsa.PrivateKey, error) {
	if _, err := os.Stat(pubPath); err != nil {
		return nil, err
	}
	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		return nil, err
	}
	return hybrid.ParsePrivateKey(string(privPEM))
}

// quarantine renames whichever of paths exist and returns how many it moved.
func (ks *KeyStore) quarantine(paths ...string) int {
	suffix := fmt.Sprintf(".corrupt-%d", time.Now().Unix())
	moved := 0
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := os.Rename(p, p+suffix); err != nil {
			ks.log.Warn("could not move aside key file", zap.String("path", p), zap.Error(err))
			continue
		}
		moved++
	}
	return moved
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file; enforce it. Best effort on
	// platforms without POSIX permissions.
	_ = os.Chmod(tmp, perm)
	return os.Rename(tmp, path)
}
