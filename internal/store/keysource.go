package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/scrypt"
)

// KeyringService is the OS keyring service name used for master keys.
const KeyringService = "malauth"

// Passphrase stretching parameters.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// KeySource supplies the 32-byte master key that seals token records.
type KeySource interface {
	Key(ctx context.Context) ([]byte, error)
	ID() string
}

// StaticKey is a fixed master key, for tests and embedding.
type StaticKey []byte

// Key returns a copy of the key.
func (k StaticKey) Key(context.Context) ([]byte, error) {
	if len(k) != MasterKeySize {
		return nil, errMasterKeyLength
	}
	return append([]byte(nil), k...), nil
}

func (StaticKey) ID() string { return "static" }

// FileKeySource keeps a base64 master key in a 0600 file, created on first use.
type FileKeySource struct {
	Path string
}

func (f *FileKeySource) ID() string { return "file:" + f.Path }

func (f *FileKeySource) Key(context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err == nil {
		return decodeMasterKey(string(data))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	key, err := newMasterKey()
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(f.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		// another process won the race; use its key
		data, err = os.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		return decodeMasterKey(string(data))
	}
	if err != nil {
		return nil, fmt.Errorf("create key file: %w", err)
	}
	if _, err = file.WriteString(base64.StdEncoding.EncodeToString(key) + "\n"); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("write key file: %w", err)
	}
	if err = file.Sync(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("sync key file: %w", err)
	}
	if err = file.Close(); err != nil {
		return nil, fmt.Errorf("close key file: %w", err)
	}
	log.Infof("created master key file %s", f.Path)
	return key, nil
}

// KeyringKeySource keeps a base64 master key in the OS keyring.
type KeyringKeySource struct {
	Service string
	User    string
}

func (k *KeyringKeySource) ID() string { return "keyring:" + k.service() + "/" + k.User }

func (k *KeyringKeySource) service() string {
	if k.Service == "" {
		return KeyringService
	}
	return k.Service
}

func (k *KeyringKeySource) Key(context.Context) ([]byte, error) {
	secret, err := keyring.Get(k.service(), k.User)
	if err == nil {
		return decodeMasterKey(secret)
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	key, err := newMasterKey()
	if err != nil {
		return nil, err
	}
	if err = keyring.Set(k.service(), k.User, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	log.Infof("stored new master key in the OS keyring (%s)", k.service())
	return key, nil
}

// PassphraseKeySource stretches a passphrase with scrypt. The salt binds the
// key to the client id, so the same passphrase yields distinct keys per client.
type PassphraseKeySource struct {
	Passphrase string
	ClientID   string

	once sync.Once
	key  []byte
	err  error
}

func (p *PassphraseKeySource) ID() string { return "passphrase" }

func (p *PassphraseKeySource) Key(context.Context) ([]byte, error) {
	p.once.Do(func() {
		if p.Passphrase == "" {
			p.err = errors.New("passphrase is empty")
			return
		}
		salt := []byte("malauth/" + strings.TrimSpace(p.ClientID))
		p.key, p.err = scrypt.Key([]byte(p.Passphrase), salt, scryptN, scryptR, scryptP, MasterKeySize)
	})
	if p.err != nil {
		return nil, p.err
	}
	return append([]byte(nil), p.key...), nil
}

// AutoKeySource prefers an existing key file, then the keyring. Only a write
// falls back to creating the key file when the keyring cannot be reached, so
// a keyring outage while reading never replaces the key of a saved record.
// Once resolved, the choice sticks for the lifetime of the value.
type AutoKeySource struct {
	Keyring *KeyringKeySource
	File    *FileKeySource

	mu     sync.Mutex
	chosen KeySource
}

func (a *AutoKeySource) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.chosen != nil {
		return a.chosen.ID()
	}
	return "auto"
}

// Key resolves the master key for reading. A keyring failure is returned
// and nothing is chosen, so a later call tries the keyring again.
func (a *AutoKeySource) Key(ctx context.Context) ([]byte, error) {
	return a.resolve(ctx, false)
}

// SealingKey resolves the master key for writing a record.
func (a *AutoKeySource) SealingKey(ctx context.Context) ([]byte, error) {
	return a.resolve(ctx, true)
}

func (a *AutoKeySource) resolve(ctx context.Context, create bool) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.chosen != nil {
		return a.chosen.Key(ctx)
	}

	if _, err := os.Stat(a.File.Path); err == nil {
		a.chosen = a.File
		return a.File.Key(ctx)
	}
	key, err := a.Keyring.Key(ctx)
	if err == nil {
		a.chosen = a.Keyring
		return key, nil
	}
	if !create {
		return nil, err
	}
	log.WithError(err).Warn("OS keyring unavailable, falling back to a key file")
	a.chosen = a.File
	return a.File.Key(ctx)
}

// sealingKeySource is implemented by key sources that create fallback key
// material only when a record is written.
type sealingKeySource interface {
	SealingKey(ctx context.Context) ([]byte, error)
}

func sealingKey(ctx context.Context, keys KeySource) ([]byte, error) {
	if sk, ok := keys.(sealingKeySource); ok {
		return sk.SealingKey(ctx)
	}
	return keys.Key(ctx)
}

func newMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	return key, nil
}

func decodeMasterKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != MasterKeySize {
		return nil, errMasterKeyLength
	}
	return key, nil
}
