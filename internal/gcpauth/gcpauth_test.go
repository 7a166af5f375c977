package gcpauth

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/santiamoretti/gcptelemetry/internal/gcloudcli"
)

type scriptedRunner struct {
	replies map[string]struct {
		out string
		err error
	}
	calls []string
}

func (s *scriptedRunner) Run(_ context.Context, args ...string) (string, error) {
	key := args[0] + " " + args[1]
	s.calls = append(s.calls, key)
	r := s.replies[key]
	return r.out, r.err
}

func TestRefreshStoresToken(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{replies: map[string]struct {
		out string
		err error
	}{
		"auth activate-service-account": {},
		"auth print-access-token":       {out: "ya29.token"},
	}}

	m := NewManager("/tmp/sa.json", runner)
	if m.Current() != "" {
		t.Fatalf("expected empty token before refresh")
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if m.Current() != "ya29.token" {
		t.Fatalf("token = %q, want ya29.token", m.Current())
	}
	if len(runner.calls) != 2 {
		t.Fatalf("expected activate + print-access-token, got %v", runner.calls)
	}
}

func TestRefreshEmptyTokenIsFatal(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{replies: map[string]struct {
		out string
		err error
	}{
		"auth activate-service-account": {},
		"auth print-access-token":       {out: ""},
	}}

	m := NewManager("/tmp/sa.json", runner)
	err := m.Refresh(context.Background())
	var authErr *Error
	if !errors.As(err, &authErr) || !authErr.Fatal {
		t.Fatalf("expected fatal auth error, got %v", err)
	}
}

func TestClassifyTransientOnNonExit(t *testing.T) {
	t.Parallel()

	err := classify(&gcloudcli.CommandError{
		Args: []string{"auth", "print-access-token"},
		Err:  errors.New("fork/exec gcloud: resource temporarily unavailable"),
	})
	var authErr *Error
	if !errors.As(err, &authErr) || authErr.Fatal {
		t.Fatalf("expected transient classification, got %v", err)
	}
}

func TestClassifyNetworkStderrIsTransient(t *testing.T) {
	t.Parallel()

	cmdErr := &gcloudcli.CommandError{
		Args:   []string{"auth", "activate-service-account"},
		Stderr: "ERROR: connection reset by peer",
		Err:    &exec.ExitError{},
	}
	err := classify(cmdErr)
	var authErr *Error
	if !errors.As(err, &authErr) || authErr.Fatal {
		t.Fatalf("expected transient classification for network stderr, got %v", err)
	}
}
