// Package gcpauth owns the gcloud-issued access token the dispatcher sends
// with every request. The manager is written to by a single goroutine (the
// dispatch loop); Current is a plain read of the last-known token.
package gcpauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/santiamoretti/gcptelemetry/internal/gcloudcli"
)

// Error is an authentication failure, split into fatal problems (bad key
// file, revoked account) and transient ones (could not reach the token
// endpoint). Fatal errors stop the dispatch worker; transient ones are
// retried with backoff by the caller.
type Error struct {
	Fatal bool
	Err   error
}

func (e *Error) Error() string {
	if e.Fatal {
		return fmt.Sprintf("authentication failed (fatal): %v", e.Err)
	}
	return fmt.Sprintf("authentication failed (transient): %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Manager holds the current access token for one service account.
type Manager struct {
	keyFile string
	runner  gcloudcli.Runner
	token   string
}

func NewManager(keyFile string, runner gcloudcli.Runner) *Manager {
	return &Manager{keyFile: keyFile, runner: runner}
}

// Current returns the last-known access token without blocking. Empty until
// the first successful Activate or Refresh.
func (m *Manager) Current() string {
	return m.token
}

// Activate authenticates the service account and fetches an initial token.
// Called once at client construction, before the dispatch loop starts.
func (m *Manager) Activate(ctx context.Context) error {
	if err := gcloudcli.CheckInstalled(); err != nil {
		return &Error{Fatal: true, Err: err}
	}
	return m.Refresh(ctx)
}

// Refresh re-activates the service account and replaces the token. Only the
// dispatch loop calls this, so no two refreshes are ever in flight.
func (m *Manager) Refresh(ctx context.Context) error {
	if _, err := m.runner.Run(ctx, "auth", "activate-service-account", "--key-file", m.keyFile); err != nil {
		return classify(err)
	}
	token, err := m.runner.Run(ctx, "auth", "print-access-token")
	if err != nil {
		return classify(err)
	}
	if token == "" {
		return &Error{Fatal: true, Err: errors.New("gcloud returned an empty access token")}
	}
	m.token = token
	return nil
}

// classify maps a gcloud failure to fatal or transient. A clean non-zero exit
// means gcloud rejected the credentials; anything else (binary missing mid
// flight, signal, context timeout) is worth retrying.
func classify(err error) error {
	var cmdErr *gcloudcli.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Exited() && !mentionsNetwork(cmdErr.Stderr) {
		return &Error{Fatal: true, Err: err}
	}
	return &Error{Fatal: false, Err: err}
}

func mentionsNetwork(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{"connection", "network", "timeout", "temporarily unavailable", "unreachable"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
