// Package credential keeps callers' own engine keys sealed at rest.
package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

import (
	"golang.org/x/crypto/nacl/secretbox"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/store"
)

const nonceSize = 24

var (
	ErrBadSecret = errors.New("credential: secret must be 32 bytes (raw or hex)")
	ErrCorrupt   = errors.New("credential: sealed value cannot be opened")
	ErrEmpty     = errors.New("credential: empty key")
)

// Vault seals and opens values with NaCl secretbox.
type Vault struct {
	key [32]byte
}

// NewVault accepts a 64 character hex string or a raw 32 byte string.
func NewVault(secret string) (*Vault, error) {
	var v Vault
	if b, err := hex.DecodeString(secret); err == nil && len(b) == 32 {
		copy(v.key[:], b)
		return &v, nil
	}
	if len(secret) == 32 {
		copy(v.key[:], secret)
		return &v, nil
	}
	return nil, ErrBadSecret
}

// RandomVault uses a process-local key; sealed values do not survive a
// restart.
func RandomVault() (*Vault, error) {
	var v Vault
	if _, err := io.ReadFull(rand.Reader, v.key[:]); err != nil {
		return nil, err
	}
	return &v, nil
}

func (v *Vault) Seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("credential: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &v.key), nil
}

func (v *Vault) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrCorrupt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &v.key)
	if !ok {
		return nil, ErrCorrupt
	}
	return out, nil
}

// Backend is the persistence the Manager needs.
type Backend interface {
	PutCredential(ctx context.Context, subject string, sealed []byte) error
	GetCredential(ctx context.Context, subject string) ([]byte, error)
	DeleteCredential(ctx context.Context, subject string) error
}

// Manager stores one personal key per authenticated subject.
type Manager struct {
	backend Backend
	vault   *Vault
}

func NewManager(backend Backend, vault *Vault) *Manager {
	return &Manager{backend: backend, vault: vault}
}

func (m *Manager) Put(ctx context.Context, subject, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmpty
	}
	sealed, err := m.vault.Seal([]byte(key))
	if err != nil {
		return err
	}
	return m.backend.PutCredential(ctx, subject, sealed)
}

// Get returns the stored key and whether one exists.
func (m *Manager) Get(ctx context.Context, subject string) (string, bool, error) {
	sealed, err := m.backend.GetCredential(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	plain, err := m.vault.Open(sealed)
	if err != nil {
		return "", false, err
	}
	return string(plain), true, nil
}

// Delete removes the stored key. A missing key is not an error.
func (m *Manager) Delete(ctx context.Context, subject string) error {
	err := m.backend.DeleteCredential(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// Mask renders a key for display.
func Mask(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:3] + "..." + key[len(key)-4:]
}
