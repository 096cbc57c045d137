package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/malclient/malauth/internal/auth/mal"
	"github.com/malclient/malauth/internal/browser"
	"github.com/malclient/malauth/internal/config"
	"github.com/malclient/malauth/internal/misc"
	"github.com/malclient/malauth/internal/util"
	sdkAuth "github.com/malclient/malauth/sdk/auth"
	log "github.com/sirupsen/logrus"
)

// DefaultManualPromptDelay is how long the listener waits alone before the
// user is offered to paste the redirect URL.
const DefaultManualPromptDelay = 15 * time.Second

// Indirections for tests.
var (
	browserAvailable = browser.IsAvailable
	openBrowser      = browser.OpenURL
	copyToClipboard  = clipboard.WriteAll
)

// LoginOptions contains options for the login process.
type LoginOptions struct {
	// NoBrowser skips opening the browser automatically.
	NoBrowser bool

	// CallbackTimeout overrides the configured wait for the redirect when > 0.
	CallbackTimeout time.Duration

	// Prompt reads one line of user input. Nil reads from stdin.
	Prompt func(prompt string) (string, error)

	// ManualPromptDelay overrides DefaultManualPromptDelay when > 0.
	ManualPromptDelay time.Duration

	// Out receives user-facing messages. Nil means stdout.
	Out io.Writer
}

type loginResult struct {
	err error
}

// DoLogin runs the interactive authorization-code login and persists the
// resulting session.
func DoLogin(ctx context.Context, cfg *config.Config, options *LoginOptions) error {
	if options == nil {
		options = &LoginOptions{}
	}
	out := options.Out
	if out == nil {
		out = os.Stdout
	}
	promptFn := options.Prompt
	if promptFn == nil {
		promptFn = stdinPrompt(out)
	}
	promptDelay := options.ManualPromptDelay
	if promptDelay <= 0 {
		promptDelay = DefaultManualPromptDelay
	}

	session, err := sdkAuth.OpenSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer session.Close()
	coordinator := session.Coordinator

	req, err := coordinator.BeginLogin()
	if err != nil {
		return err
	}
	showAuthorizationURL(ctx, out, req.URL, callbackPort(req.RedirectURI), options.NoBrowser)
	_, _ = fmt.Fprintln(out, "Waiting for MyAnimeList authorization callback...")

	listenerCh := make(chan loginResult, 1)
	go func() {
		_, errWait := coordinator.CompleteLogin(ctx, options.CallbackTimeout)
		listenerCh <- loginResult{err: errWait}
	}()

	manualCh := make(chan loginResult, 1)
	done := make(chan struct{})
	defer close(done)
	promptTimer := time.NewTimer(promptDelay)
	defer promptTimer.Stop()
	promptC := promptTimer.C

	var result loginResult
waitForCallback:
	for {
		select {
		case result = <-listenerCh:
			if promptC == nil && errors.Is(result.err, mal.ErrCancelled) && ctx.Err() == nil {
				// a pasted callback claimed the attempt; its outcome is authoritative
				result = <-manualCh
			}
			break waitForCallback
		case result = <-manualCh:
			break waitForCallback
		case <-promptC:
			promptC = nil
			go func() {
				manualCh <- promptForCallback(ctx, done, session, out, promptFn)
			}()
		}
	}

	if result.err != nil {
		if errors.Is(result.err, mal.ErrStorage) {
			_, _ = fmt.Fprintln(out, "Login succeeded but the session could not be saved; it is valid for this process only.")
		}
		log.WithError(result.err).Debug("login failed")
		return result.err
	}

	misc.LogCredentialSeparator()
	misc.LogSavingCredentials(out, session.Tokens.Backend().Name(), session.Location())
	_, _ = fmt.Fprintln(out, "MyAnimeList authentication successful!")
	return nil
}

// promptForCallback asks for the redirect URL until one completes the login
// or fails it for good. An empty line keeps waiting for the listener. When
// input ends, or the listener already owns the attempt, it parks until done.
func promptForCallback(ctx context.Context, done <-chan struct{}, session *sdkAuth.Session, out io.Writer, promptFn func(string) (string, error)) loginResult {
	for {
		input, err := promptFn("Paste the redirect URL from your browser (or press Enter to keep waiting): ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				<-done
				return loginResult{}
			}
			return loginResult{err: err}
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		_, err = session.Coordinator.CompleteLoginManual(ctx, input)
		switch {
		case err == nil:
			return loginResult{}
		case errors.Is(err, mal.ErrStateMismatch):
			_, _ = fmt.Fprintln(out, "That URL belongs to a different login attempt; paste the latest redirect URL.")
		case errors.Is(err, mal.ErrNoLoginInProgress), errors.Is(err, mal.ErrLoginInProgress):
			<-done
			return loginResult{}
		case mal.IsAuthenticationError(err):
			return loginResult{err: err}
		default:
			_, _ = fmt.Fprintf(out, "Could not read that URL: %v\n", err)
		}
	}
}

func showAuthorizationURL(ctx context.Context, out io.Writer, authURL string, port int, noBrowser bool) {
	if !noBrowser {
		if !browserAvailable() {
			log.Warn("No browser available; please open the URL manually")
		} else if err := openBrowser(authURL); err != nil {
			log.Warnf("Failed to open browser automatically: %v", err)
		} else {
			_, _ = fmt.Fprintln(out, "Opening browser for MyAnimeList authorization")
			return
		}
	}
	if util.IsRemoteSession() && port > 0 {
		util.PrintSSHTunnelInstructions(ctx, out, port)
	}
	if err := copyToClipboard(authURL); err == nil {
		_, _ = fmt.Fprintln(out, "The URL was copied to your clipboard.")
	} else {
		log.WithError(err).Debug("clipboard unavailable")
	}
	_, _ = fmt.Fprintf(out, "Visit the following URL to continue authentication:\n%s\n", authURL)
}

func callbackPort(redirectURI string) int {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return 0
	}
	_, portText, err := net.SplitHostPort(u.Host)
	if err != nil {
		return 80
	}
	port, _ := strconv.Atoi(portText)
	return port
}

func stdinPrompt(out io.Writer) func(string) (string, error) {
	reader := bufio.NewReader(os.Stdin)
	return func(prompt string) (string, error) {
		_, _ = fmt.Fprint(out, prompt)
		value, err := reader.ReadString('\n')
		if err != nil && (value == "" || !errors.Is(err, io.EOF)) {
			return "", err
		}
		return strings.TrimSpace(value), nil
	}
}
