package cmd

import (
	"errors"

	"github.com/malclient/malauth/internal/auth/mal"
)

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, mal.ErrPortInUse) {
		return mal.ErrPortInUse.Code
	}
	return 1
}
