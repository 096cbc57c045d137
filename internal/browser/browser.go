// Package browser opens the authorization URL in the user's web browser.
package browser

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

var linuxBrowsers = []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// OpenURL opens url in the default browser. It tries open-golang first and
// falls back to platform commands.
func OpenURL(url string) error {
	err := open.Start(url)
	if err == nil {
		log.Debug("opened URL using open-golang")
		return nil
	}
	log.Debugf("open-golang failed: %v, trying platform-specific commands", err)
	return openURLPlatformSpecific(url)
}

func openURLPlatformSpecific(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux", "freebsd", "openbsd":
		if name := firstAvailable(linuxBrowsers); name != "" {
			cmd = exec.Command(name, url)
		}
		if cmd == nil {
			return fmt.Errorf("no suitable browser found")
		}
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start browser command: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// IsAvailable reports whether a browser can plausibly be launched. On Unix
// without a display server this is false even when xdg-open is installed.
func IsAvailable() bool {
	switch runtime.GOOS {
	case "darwin":
		_, err := lookPath("open")
		return err == nil
	case "windows":
		_, err := lookPath("rundll32")
		return err == nil
	case "linux", "freebsd", "openbsd":
		if os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "" {
			return false
		}
		return firstAvailable(linuxBrowsers) != ""
	default:
		return false
	}
}

func firstAvailable(names []string) string {
	for _, name := range names {
		if _, err := lookPath(name); err == nil {
			return name
		}
	}
	return ""
}
