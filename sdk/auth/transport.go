package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/malclient/malauth/internal/logging"
	"github.com/malclient/malauth/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// maxErrorBody bounds how much of a 401 body is read for diagnostics.
const maxErrorBody = 4 << 10

// TokenSource supplies bearer tokens to a Transport. *Coordinator
// implements it.
type TokenSource interface {
	GetValidToken(ctx context.Context) (string, error)
	OnUnauthorized(ctx context.Context, rejectedToken string) (string, error)
}

// Transport authorizes outgoing requests with a bearer token. A 401 answer
// triggers one OnUnauthorized call and a single retry with the new token.
type Transport struct {
	Source TokenSource
	// Base is the underlying transport; http.DefaultTransport when nil.
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper. Each request is tagged with a
// request ID, kept when the caller already set one, so a refresh it triggers
// logs under the same ID.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, _ := logging.EnsureRequestID(req.Context())
	req = req.WithContext(ctx)
	token, err := t.Source.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := t.base().RoundTrip(authorize(req, token))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		// the body was consumed and cannot be replayed
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	logUnauthorized(ctx, req, resp, token, body)

	token, err = t.Source.OnUnauthorized(ctx, token)
	if err != nil {
		return nil, err
	}

	retry := authorize(req, token)
	if req.GetBody != nil {
		retry.Body, err = req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
	}
	return t.base().RoundTrip(retry)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// authorize clones req with the bearer header set; RoundTrippers must not
// modify the caller's request.
func authorize(req *http.Request, token string) *http.Request {
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+token)
	return out
}

func logUnauthorized(ctx context.Context, req *http.Request, resp *http.Response, token string, body []byte) {
	fields := log.Fields{
		"method":        req.Method,
		"path":          req.URL.Path,
		"authorization": util.MaskAuthorizationHeader("Bearer " + token),
	}
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		if v := parsed.Get("error"); v.Exists() {
			fields["error"] = v.String()
		}
		if v := parsed.Get("message"); v.Exists() {
			fields["message"] = v.String()
		}
	}
	if challenge := strings.TrimSpace(resp.Header.Get("WWW-Authenticate")); challenge != "" {
		fields["challenge"] = challenge
	}
	logging.Entry(ctx).WithFields(fields).Info("request rejected with 401, refreshing token")
}

// Client returns an *http.Client that authorizes requests through c. The
// base client's transport, timeout and redirect policy are kept.
func (c *Coordinator) Client(base *http.Client) *http.Client {
	out := &http.Client{}
	if base != nil {
		*out = *base
	}
	out.Transport = &Transport{Source: c, Base: out.Transport}
	return out
}
