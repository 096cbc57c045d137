package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/malclient/malauth/internal/auth/mal"
	"github.com/malclient/malauth/internal/config"
	"github.com/malclient/malauth/internal/store"
	"github.com/malclient/malauth/internal/util"
	log "github.com/sirupsen/logrus"
)

const tokenEndpointTimeout = 30 * time.Second

// Session bundles the Coordinator with the store it persists to.
type Session struct {
	Coordinator *Coordinator
	Tokens      *store.TokenStore
	HTTPClient  *http.Client
}

// OpenSession opens the configured token store and builds a Coordinator for
// cfg. When token-store.watch is set, records written by other processes are
// adopted until ctx ends.
func OpenSession(ctx context.Context, cfg *config.Config) (*Session, error) {
	tokens, err := store.Open(ctx, cfg, cfg.ClientID)
	if err != nil {
		return nil, mal.NewAuthenticationError(mal.ErrStorage, err)
	}

	httpClient := util.SetProxy(&cfg.SDKConfig, &http.Client{Timeout: tokenEndpointTimeout})
	pkceMethod := mal.MethodPlain
	if strings.EqualFold(cfg.PKCEMethod, mal.MethodS256) {
		pkceMethod = mal.MethodS256
	}

	coordinator, err := NewCoordinator(ctx, mal.ClientCredentials{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
	}, tokens,
		WithHTTPClient(httpClient),
		WithEndpoints(cfg.AuthURL, cfg.TokenURL),
		WithPKCEMethod(pkceMethod),
		WithRefreshSkew(cfg.RefreshSkew()),
		WithCallbackTimeout(cfg.CallbackTimeout()),
		WithRefreshOnStart(cfg.RefreshOnStart),
		WithStateChange(func(from, to State) {
			log.WithFields(log.Fields{"previous": from.String(), "state": to.String()}).Debug("auth state")
		}),
	)
	if err != nil {
		_ = tokens.Close()
		return nil, err
	}

	s := &Session{Coordinator: coordinator, Tokens: tokens, HTTPClient: httpClient}
	if cfg.TokenStore.Watch {
		s.watch(ctx)
	}
	return s, nil
}

func (s *Session) watch(ctx context.Context) {
	err := s.Tokens.Watch(ctx, func(ts *mal.TokenSet) {
		if errAdopt := s.Coordinator.Adopt(ctx, ts); errAdopt != nil {
			log.WithError(errAdopt).Warn("could not adopt token written by another process")
			return
		}
		log.WithField("expires_at", ts.ExpiresAt.Format(time.RFC3339)).Info("adopted token written by another process")
	})
	switch {
	case errors.Is(err, store.ErrWatchUnsupported):
		log.WithField("backend", s.Tokens.Backend().Name()).Debug("token store does not support watching")
	case err != nil:
		log.WithError(err).Warn("failed to watch token store")
	}
}

// Location describes where the sealed record lives, for user-facing output.
func (s *Session) Location() string {
	if fb, ok := s.Tokens.Backend().(*store.FileBackend); ok {
		return fb.Path()
	}
	return ""
}

// Close releases the store backend.
func (s *Session) Close() {
	if err := s.Tokens.Close(); err != nil {
		log.WithError(err).Warn("failed to close token store")
	}
}
