package auth

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// RecordingRedirector is the command-line rendition of "navigate to login":
// it persists the return path to a file and logs where to log in.
type RecordingRedirector struct {
	LoginURL string
	// StatePath is where the return path is written. Empty disables
	// persistence.
	StatePath string
	Log       zerolog.Logger

	mu        sync.Mutex
	redirects int
	last      string
}

func (r *RecordingRedirector) RedirectToLogin(returnPath string) error {
	r.mu.Lock()
	r.redirects++
	r.last = returnPath
	r.mu.Unlock()

	if r.StatePath != "" {
		if err := writeReturnPath(r.StatePath, returnPath); err != nil {
			return fmt.Errorf("persist return path: %w", err)
		}
	}
	r.Log.Warn().Str("login_url", r.loginURL(returnPath)).Msg("login required")
	return nil
}

func (r *RecordingRedirector) loginURL(returnPath string) string {
	if r.LoginURL == "" || returnPath == "" {
		return r.LoginURL
	}
	sep := "?"
	if strings.Contains(r.LoginURL, "?") {
		sep = "&"
	}
	return r.LoginURL + sep + "redirect=" + url.QueryEscape(returnPath)
}

// Redirects is how many times a login redirect was requested.
func (r *RecordingRedirector) Redirects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.redirects
}

func (r *RecordingRedirector) LastPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func writeReturnPath(path, returnPath string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(returnPath+"\n"), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadReturnPath loads a path persisted by RecordingRedirector. A missing
// file yields "".
func ReadReturnPath(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
