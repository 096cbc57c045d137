package logging

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type requestIDKey struct{}

const ginRequestIDKey = "malauth.request_id"

// GenerateRequestID returns the first 8 hex characters of a random UUID.
func GenerateRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// WithRequestID returns a new context with the request ID attached.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID returns the request ID carried by ctx, or "".
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// EnsureRequestID returns ctx tagged with a request ID, generating one when
// the caller did not set it.
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if id := GetRequestID(ctx); id != "" {
		return ctx, id
	}
	id := GenerateRequestID()
	return WithRequestID(ctx, id), id
}

// Entry returns a log entry carrying the request ID of ctx, if any, so the
// formatter prints it in the id column.
func Entry(ctx context.Context) *log.Entry {
	if id := GetRequestID(ctx); id != "" {
		return log.WithField("request_id", id)
	}
	return log.NewEntry(log.StandardLogger())
}

// tagGinRequest assigns a fresh request ID to both the Gin context and the
// request context.
func tagGinRequest(c *gin.Context) string {
	id := GenerateRequestID()
	c.Set(ginRequestIDKey, id)
	c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), id))
	return id
}

// GetGinRequestID returns the request ID assigned by GinLogrusLogger.
func GetGinRequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(ginRequestIDKey)
}
