package filestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	cc "github.com/and161185/tasktracker/internal/crypto/clientcrypto"
	"github.com/and161185/tasktracker/internal/errs"
	"github.com/and161185/tasktracker/internal/repository"
)

// KeyFileName is the master key file inside the state directory.
const KeyFileName = "seal.key"

// Sealed encrypts every value of the wrapped store at rest.
// Each key gets its own HKDF subkey and the key name is bound as AAD,
// so values cannot be swapped between keys.
type Sealed struct {
	inner  repository.SessionStore
	master []byte
}

// NewSealed wraps inner with the given 32-byte master key.
func NewSealed(inner repository.SessionStore, master []byte) (*Sealed, error) {
	if len(master) != cc.KeyLen {
		return nil, errors.New("filestore: bad master key length")
	}
	return &Sealed{inner: inner, master: append([]byte(nil), master...)}, nil
}

// Get opens the stored value; a value that fails authentication is reported as errs.ErrCorrupt.
func (s *Sealed) Get(ctx context.Context, key string) (string, error) {
	enc, err := s.inner.Get(ctx, key)
	if err != nil {
		return "", err
	}
	blob, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("%w: %s: bad encoding", errs.ErrCorrupt, key)
	}
	k, err := cc.DeriveKey(s.master, []byte(key))
	if err != nil {
		return "", err
	}
	pt, err := cc.Open(k, []byte(key), blob)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", errs.ErrCorrupt, key, err)
	}
	return string(pt), nil
}

// Set seals value and stores it under key.
func (s *Sealed) Set(ctx context.Context, key, value string) error {
	k, err := cc.DeriveKey(s.master, []byte(key))
	if err != nil {
		return err
	}
	blob, err := cc.Seal(k, []byte(key), []byte(value))
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, base64.StdEncoding.EncodeToString(blob))
}

// Delete removes key from the wrapped store.
func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

// LoadOrCreateKey reads the master key from dir, generating it on first use.
func LoadOrCreateKey(dir string) ([]byte, error) {
	path := filepath.Join(dir, KeyFileName)
	b, err := os.ReadFile(path)
	if err == nil {
		if len(b) != cc.KeyLen {
			return nil, fmt.Errorf("%w: %s has %d bytes", errs.ErrCorrupt, path, len(b))
		}
		return b, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	key, err := cc.Rand(cc.KeyLen)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
