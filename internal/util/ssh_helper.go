package util

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var ipServices = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
}

// IsRemoteSession reports whether the process runs inside an SSH session,
// in which case the browser on the user's machine cannot reach localhost.
func IsRemoteSession() bool {
	for _, key := range []string{"SSH_CONNECTION", "SSH_CLIENT", "SSH_TTY"} {
		if strings.TrimSpace(os.Getenv(key)) != "" {
			return true
		}
	}
	return false
}

// getPublicIP returns the first answer from ipServices.
func getPublicIP(ctx context.Context) (string, error) {
	for _, service := range ipServices {
		ip, err := fetchIP(ctx, service)
		if err != nil {
			log.Debugf("public IP lookup via %s failed: %v", service, err)
			continue
		}
		return ip, nil
	}
	return "", fmt.Errorf("all IP services failed")
}

func fetchIP(ctx context.Context, service string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, service, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Debugf("close response body from %s: %v", service, closeErr)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	ip, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(ip)), nil
}

// getOutboundIP retrieves the preferred outbound IP address of this machine.
// No packets are sent; dialing UDP only selects the route.
func getOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = conn.Close()
	}()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("could not assert UDP address type")
	}
	return localAddr.IP.String(), nil
}

// GetIPAddress prefers the public address and falls back to the outbound one.
func GetIPAddress(ctx context.Context) string {
	if publicIP, err := getPublicIP(ctx); err == nil {
		return publicIP
	}
	if outboundIP, err := getOutboundIP(); err == nil {
		return outboundIP
	}
	return "127.0.0.1"
}

// PrintSSHTunnelInstructions writes the ssh -L command a remote user needs so
// the browser redirect to localhost:port reaches this machine.
func PrintSSHTunnelInstructions(ctx context.Context, w io.Writer, port int) {
	ipAddress := GetIPAddress(ctx)
	border := strings.Repeat("=", 80)
	_, _ = fmt.Fprintln(w, "The login callback listens on this machine. From a remote session, forward the port first.")
	_, _ = fmt.Fprintln(w, border)
	_, _ = fmt.Fprintln(w, "  Run this on your local machine (NOT the server):")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "  ssh -L %d:127.0.0.1:%d <user>@%s -p 22\n", port, port, ipAddress)
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "  Adjust '-p 22' if the SSH port differs. Or paste the final redirect URL here instead.")
	_, _ = fmt.Fprintln(w, border)
}
