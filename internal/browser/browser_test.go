package browser

import (
	"errors"
	"runtime"
	"testing"
)

func TestIsAvailableWithoutDisplay(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("display detection is Unix-specific")
	}
	t.Setenv("DISPLAY", "")
	t.Setenv("WAYLAND_DISPLAY", "")
	if IsAvailable() {
		t.Fatal("expected no browser without a display")
	}
}

func TestFirstAvailable(t *testing.T) {
	orig := lookPath
	t.Cleanup(func() { lookPath = orig })
	lookPath = func(name string) (string, error) {
		if name == "firefox" {
			return "/usr/bin/firefox", nil
		}
		return "", errors.New("not found")
	}
	if got := firstAvailable(linuxBrowsers); got != "firefox" {
		t.Fatalf("firstAvailable = %q", got)
	}
}
