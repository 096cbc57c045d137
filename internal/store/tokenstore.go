// Package store persists MyAnimeList token sets as sealed records and keeps
// the current token in memory for the session coordinator.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/malclient/malauth/internal/auth/mal"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound reports that no usable token record exists. Corrupt or
// undecryptable records also match it, wrapping a storage error as well.
var ErrNotFound = errors.New("token record not found")

// TokenStore owns the TokenSet: an in-memory copy guarded by an RWMutex and a
// sealed record in a Backend. Writes are serialised.
type TokenStore struct {
	backend Backend
	keys    KeySource

	mu      sync.RWMutex
	current *mal.TokenSet

	writeMu sync.Mutex
	// lastDigest is the hash of the record last read or written here.
	lastDigest [sha256.Size]byte
}

// New creates a store over backend, sealing records with the key from keys.
func New(backend Backend, keys KeySource) *TokenStore {
	return &TokenStore{backend: backend, keys: keys}
}

// Backend returns the persistence backend.
func (s *TokenStore) Backend() Backend { return s.backend }

// KeySourceID describes where the master key lives.
func (s *TokenStore) KeySourceID() string { return s.keys.ID() }

// Load reads and decrypts the persisted record and makes it the current token.
func (s *TokenStore) Load(ctx context.Context) (*mal.TokenSet, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ts, err := s.readRecord(ctx)
	if err != nil {
		return nil, err
	}
	s.setCurrent(ts)
	return ts.Clone(), nil
}

// readRecord returns the decoded record without touching the in-memory token.
func (s *TokenStore) readRecord(ctx context.Context) (*mal.TokenSet, error) {
	data, err := s.backend.Read(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, notFoundBecause(err)
	}
	ts, err := s.decode(ctx, data)
	if err != nil {
		return nil, err
	}
	s.lastDigest = sha256.Sum256(data)
	return ts, nil
}

func (s *TokenStore) decode(ctx context.Context, data []byte) (*mal.TokenSet, error) {
	key, err := s.keys.Key(ctx)
	if err != nil {
		return nil, notFoundBecause(fmt.Errorf("master key: %w", err))
	}
	plaintext, err := openRecord(key, data)
	if err != nil {
		return nil, notFoundBecause(err)
	}
	var ts mal.TokenSet
	if err = json.Unmarshal(plaintext, &ts); err != nil {
		return nil, notFoundBecause(fmt.Errorf("decode token record: %w", err))
	}
	if ts.AccessToken == "" && ts.RefreshToken == "" {
		return nil, notFoundBecause(errors.New("token record is empty"))
	}
	return &ts, nil
}

// Save makes ts the current token, then seals and writes it. On a storage
// failure the in-memory token remains in place and usable.
func (s *TokenStore) Save(ctx context.Context, ts *mal.TokenSet) error {
	if ts == nil {
		return mal.NewAuthenticationError(mal.ErrStorage, errors.New("nil token set"))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.setCurrent(ts.Clone())

	plaintext, err := json.Marshal(ts)
	if err != nil {
		return mal.NewAuthenticationError(mal.ErrStorage, err)
	}
	key, err := sealingKey(ctx, s.keys)
	if err != nil {
		return mal.NewAuthenticationError(mal.ErrStorage, fmt.Errorf("master key: %w", err))
	}
	record, err := sealRecord(key, plaintext)
	if err != nil {
		return mal.NewAuthenticationError(mal.ErrStorage, err)
	}
	if err = s.backend.Write(ctx, record); err != nil {
		return mal.NewAuthenticationError(mal.ErrStorage, err)
	}
	s.lastDigest = sha256.Sum256(record)
	log.WithField("backend", s.backend.Name()).Debug("token record saved")
	return nil
}

// Current returns a copy of the in-memory token without any I/O.
func (s *TokenStore) Current() (*mal.TokenSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, false
	}
	return s.current.Clone(), true
}

// Clear drops the in-memory token and deletes the record.
func (s *TokenStore) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.setCurrent(nil)
	s.lastDigest = [sha256.Size]byte{}
	if err := s.backend.Delete(ctx); err != nil {
		return mal.NewAuthenticationError(mal.ErrStorage, err)
	}
	return nil
}

func (s *TokenStore) setCurrent(ts *mal.TokenSet) {
	s.mu.Lock()
	s.current = ts
	s.mu.Unlock()
}

func notFoundBecause(cause error) error {
	return fmt.Errorf("%w: %w", ErrNotFound, mal.NewAuthenticationError(mal.ErrStorage, cause))
}
