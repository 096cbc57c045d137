package store

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/malclient/malauth/internal/auth/mal"
	"github.com/malclient/malauth/internal/config"
	"github.com/malclient/malauth/internal/util"
)

// Open builds the backend and key source selected by cfg for clientID. The
// record is named after the client fingerprint so several clients can share
// one data directory, table, bucket or repository.
func Open(ctx context.Context, cfg *config.Config, clientID string) (*TokenStore, error) {
	fingerprint := mal.ClientCredentials{ClientID: clientID}.Fingerprint()
	dataDir, err := util.ExpandPath(cfg.ResolvedDataDir())
	if err != nil {
		return nil, err
	}
	recordName := fingerprint + ".bin"
	ts := cfg.TokenStore

	var backend Backend
	switch ts.Type {
	case config.StoreFile, "":
		path := filepath.Join(dataDir, "tokens", recordName)
		if ts.Path != "" {
			if path, err = util.ExpandPath(ts.Path); err != nil {
				return nil, err
			}
		}
		backend = NewFileBackend(path)
	case config.StoreMemory:
		backend = NewMemoryBackend()
	case config.StorePostgres:
		backend, err = NewPostgresBackend(ctx, PostgresBackendConfig{
			DSN:      ts.Postgres.DSN,
			Schema:   ts.Postgres.Schema,
			Table:    ts.Postgres.Table,
			RecordID: fingerprint,
		})
	case config.StoreObject:
		useSSL := true
		if ts.Object.UseSSL != nil {
			useSSL = *ts.Object.UseSSL
		}
		backend, err = NewObjectBackend(ObjectBackendConfig{
			Endpoint:   ts.Object.Endpoint,
			Bucket:     ts.Object.Bucket,
			AccessKey:  ts.Object.AccessKey,
			SecretKey:  ts.Object.SecretKey,
			Region:     ts.Object.Region,
			Prefix:     ts.Object.Prefix,
			ObjectName: "tokens/" + recordName,
			UseSSL:     useSSL,
			PathStyle:  ts.Object.PathStyle,
		})
	case config.StoreGit:
		localPath := filepath.Join(dataDir, "gitstore")
		if ts.Git.LocalPath != "" {
			if localPath, err = util.ExpandPath(ts.Git.LocalPath); err != nil {
				return nil, err
			}
		}
		backend, err = NewGitBackend(GitBackendConfig{
			Remote:     ts.Git.URL,
			Username:   ts.Git.Username,
			Password:   ts.Git.Token,
			LocalPath:  localPath,
			RecordPath: "tokens/" + recordName,
		})
	default:
		return nil, fmt.Errorf("unknown token store type %q", ts.Type)
	}
	if err != nil {
		return nil, err
	}

	keys, err := newKeySource(ts, dataDir, clientID, fingerprint)
	if err != nil {
		if closer, ok := backend.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, err
	}
	return New(backend, keys), nil
}

func newKeySource(ts config.TokenStoreConfig, dataDir, clientID, fingerprint string) (KeySource, error) {
	keyFile := filepath.Join(dataDir, "master.key")
	if ts.KeyFile != "" {
		expanded, err := util.ExpandPath(ts.KeyFile)
		if err != nil {
			return nil, err
		}
		keyFile = expanded
	}
	switch ts.KeySource {
	case config.KeySourceFile:
		return &FileKeySource{Path: keyFile}, nil
	case config.KeySourceKeyring:
		return &KeyringKeySource{User: fingerprint}, nil
	case config.KeySourcePassphrase:
		return &PassphraseKeySource{Passphrase: ts.Passphrase, ClientID: clientID}, nil
	case config.KeySourceAuto, "":
		return &AutoKeySource{
			Keyring: &KeyringKeySource{User: fingerprint},
			File:    &FileKeySource{Path: keyFile},
		}, nil
	default:
		return nil, fmt.Errorf("unknown key source %q", ts.KeySource)
	}
}

// Close releases backend resources such as database connections.
func (s *TokenStore) Close() error {
	if closer, ok := s.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
