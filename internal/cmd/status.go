package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/malclient/malauth/internal/config"
	"github.com/malclient/malauth/internal/util"
	sdkAuth "github.com/malclient/malauth/sdk/auth"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DoPrintToken writes a valid access token to w, refreshing it when needed.
func DoPrintToken(ctx context.Context, cfg *config.Config, w io.Writer) error {
	session, err := sdkAuth.OpenSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	token, err := session.Coordinator.GetValidToken(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// DoStatus describes the held session without touching the network.
func DoStatus(ctx context.Context, cfg *config.Config, w io.Writer, asJSON bool) error {
	session, err := sdkAuth.OpenSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	doc, err := statusDocument(session, time.Now(), cfg.RefreshSkew())
	if err != nil {
		return err
	}
	if asJSON {
		_, err = fmt.Fprintln(w, doc)
		return err
	}
	return writeStatusText(w, doc)
}

type statusField struct {
	path  string
	value any
}

func statusDocument(session *sdkAuth.Session, now time.Time, skew time.Duration) (string, error) {
	fields := []statusField{
		{"state", session.Coordinator.State().String()},
		{"store.backend", session.Tokens.Backend().Name()},
		{"store.key_source", session.Tokens.KeySourceID()},
	}
	if location := session.Location(); location != "" {
		fields = append(fields, statusField{"store.location", location})
	}
	if ts, ok := session.Coordinator.Token(); ok {
		fields = append(fields,
			statusField{"authenticated", true},
			statusField{"token.type", ts.TokenType},
			statusField{"token.access_token", util.HideAPIKey(ts.AccessToken)},
			statusField{"token.expires_at", ts.ExpiresAt.UTC().Format(time.RFC3339)},
			statusField{"token.expires_in_seconds", int64(ts.ExpiresAt.Sub(now).Seconds())},
			statusField{"token.expired", !ts.Valid(now, skew)},
			statusField{"token.has_refresh_token", ts.RefreshToken != ""},
		)
	} else {
		fields = append(fields, statusField{"authenticated", false})
	}

	doc := "{}"
	for _, f := range fields {
		var err error
		if doc, err = sjson.Set(doc, f.path, f.value); err != nil {
			return "", fmt.Errorf("build status document: %w", err)
		}
	}
	return doc, nil
}

func writeStatusText(w io.Writer, doc string) error {
	parsed := gjson.Parse(doc)
	lines := []string{
		fmt.Sprintf("State:        %s", parsed.Get("state").String()),
		fmt.Sprintf("Token store:  %s (%s)", parsed.Get("store.backend").String(), parsed.Get("store.key_source").String()),
	}
	if loc := parsed.Get("store.location"); loc.Exists() {
		lines = append(lines, fmt.Sprintf("Record:       %s", loc.String()))
	}
	if parsed.Get("authenticated").Bool() {
		expiry := parsed.Get("token.expires_at").String()
		if parsed.Get("token.expired").Bool() {
			expiry += " (expired, will refresh on next use)"
		}
		lines = append(lines,
			fmt.Sprintf("Access token: %s", parsed.Get("token.access_token").String()),
			fmt.Sprintf("Expires at:   %s", expiry),
		)
	} else {
		lines = append(lines, "Not logged in. Run with -login.")
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// DoLogout removes the held session from memory and the token store.
func DoLogout(ctx context.Context, cfg *config.Config, w io.Writer) error {
	session, err := sdkAuth.OpenSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	if err = session.Coordinator.Logout(ctx); err != nil {
		return err
	}
	log.Info("session cleared")
	_, err = fmt.Fprintln(w, "Logged out.")
	return err
}
