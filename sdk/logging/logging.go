// Package logging re-exports the logger setup for programs embedding malauth.
package logging

import internallogging "github.com/malclient/malauth/internal/logging"

// LogFormatter renders "[time] [request-id] [level] [file:line] message fields".
type LogFormatter = internallogging.LogFormatter

// SetupBaseLogger installs the formatter on the standard logrus logger.
func SetupBaseLogger() { internallogging.SetupBaseLogger() }

// ConfigureLogOutput switches between stderr and the rotating log file
// according to cfg.
var ConfigureLogOutput = internallogging.ConfigureLogOutput

// Close flushes and closes the log file, if any.
func Close() { internallogging.Close() }
