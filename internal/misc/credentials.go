package misc

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Separator used to visually group related log lines.
var credentialSeparator = strings.Repeat("-", 67)

// LogSavingCredentials tells the user where the sealed token record went.
func LogSavingCredentials(w io.Writer, backend, location string) {
	if location == "" {
		_, _ = fmt.Fprintf(w, "Saving credentials to the %s token store\n", backend)
		return
	}
	_, _ = fmt.Fprintf(w, "Saving credentials to %s (%s)\n", location, backend)
}

// LogCredentialSeparator adds a visual separator to group auth processing logs.
func LogCredentialSeparator() {
	log.Debug(credentialSeparator)
}
