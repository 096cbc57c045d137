// Package logging configures logrus for malauth and provides the Gin
// middleware used by the OAuth callback listener.
package logging

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/malclient/malauth/internal/util"
	log "github.com/sirupsen/logrus"
)

// GinLogrusLogger logs one line per callback request through logrus and tags
// the request context with a short request ID. Query strings are masked so
// authorization codes and states never reach the log.
//
// Output format: [2026-03-01 12:00:00] [a1b2c3d4] [warn ] 400 |  1ms | 127.0.0.1 | GET "/callback?state=abcd...wxyz"
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := util.MaskSensitiveQuery(c.Request.URL.RawQuery)

		requestID := tagGinRequest(c)

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		latency := time.Since(start).Truncate(time.Millisecond)
		statusCode := c.Writer.Status()

		logLine := fmt.Sprintf("%3d | %8v | %15s | %-7s \"%s\"", statusCode, latency, c.ClientIP(), c.Request.Method, path)
		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			logLine = logLine + " | " + errorMessage
		}

		entry := log.WithField("request_id", requestID)
		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error(logLine)
		case statusCode >= http.StatusBadRequest:
			entry.Warn(logLine)
		default:
			entry.Info(logLine)
		}
	}
}

// GinLogrusRecovery returns a Gin middleware handler that recovers from panics and logs
// them using logrus. When a panic occurs, it captures the panic value, stack trace,
// and request path, then returns a 500 Internal Server Error response to the client.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			// Let net/http handle ErrAbortHandler so the connection is aborted without noisy stack logs.
			panic(http.ErrAbortHandler)
		}

		log.WithFields(log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}).Error("recovered from panic")

		c.AbortWithStatus(http.StatusInternalServerError)
	})
}
