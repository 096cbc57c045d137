package store

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/malclient/malauth/internal/auth/mal"
	log "github.com/sirupsen/logrus"
)

// ErrWatchUnsupported is returned by Watch for backends other than file.
var ErrWatchUnsupported = errors.New("backend does not support change notification")

const watchDebounce = 150 * time.Millisecond

// Watch follows the record file and hands every token written by another
// process to onChange, after making it the current token. Writes made by
// this store are recognised by content hash and skipped. Setup errors are
// returned; the watch itself runs until ctx ends.
func (s *TokenStore) Watch(ctx context.Context, onChange func(*mal.TokenSet)) error {
	fb, ok := s.backend.(*FileBackend)
	if !ok {
		return ErrWatchUnsupported
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	dir := filepath.Dir(fb.Path())
	if err = watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	s.writeMu.Lock()
	if data, errRead := fb.Read(ctx); errRead == nil {
		s.lastDigest = sha256.Sum256(data)
	}
	s.writeMu.Unlock()

	go s.watchLoop(ctx, watcher, fb.Path(), onChange)
	return nil
}

func (s *TokenStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, onChange func(*mal.TokenSet)) {
	defer func() { _ = watcher.Close() }()

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(watchDebounce)
		case errWatch, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(errWatch).Warn("token file watcher error")
		case <-timer.C:
			if ts := s.reloadIfChanged(ctx); ts != nil && onChange != nil {
				onChange(ts)
			}
		}
	}
}

// reloadIfChanged adopts the on-disk record when its hash differs from the
// last one this store read or wrote. It returns nil when nothing changed.
func (s *TokenStore) reloadIfChanged(ctx context.Context) *mal.TokenSet {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := s.backend.Read(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.WithError(err).Debug("token file changed but could not be read")
		}
		return nil
	}
	digest := sha256.Sum256(data)
	if digest == s.lastDigest {
		return nil
	}
	ts, err := s.decode(ctx, data)
	if err != nil {
		log.WithError(err).Warn("ignoring token file written by another process")
		return nil
	}
	s.lastDigest = digest
	s.setCurrent(ts)
	log.WithField("backend", s.backend.Name()).Info("adopted token refreshed by another process")
	return ts.Clone()
}
