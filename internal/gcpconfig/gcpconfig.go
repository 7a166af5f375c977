// Package gcpconfig resolves the project id and service-account key path the
// client authenticates with. Resolution order for the project id: explicit
// argument, then GOOGLE_CLOUD_PROJECT, then the active gcloud configuration.
package gcpconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sethvargo/go-envconfig"

	"github.com/santiamoretti/gcptelemetry/internal/gcloudcli"
)

// ErrNoCredentials reports that no service-account key path could be resolved.
var ErrNoCredentials = errors.New(
	"missing credentials: set GOOGLE_APPLICATION_CREDENTIALS (or GOOGLE_CREDENTIALS) to the service-account JSON path")

type env struct {
	Project string `env:"GOOGLE_CLOUD_PROJECT"`
	// GOOGLE_APPLICATION_CREDENTIALS is the standard Google SDK variable;
	// GOOGLE_CREDENTIALS is a non-standard alias some deployments use.
	CredentialsFile  string `env:"GOOGLE_APPLICATION_CREDENTIALS"`
	CredentialsAlias string `env:"GOOGLE_CREDENTIALS"`
}

func load(ctx context.Context, lookup envconfig.Lookuper) (env, error) {
	var e env
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &e, Lookuper: lookup}); err != nil {
		return env{}, fmt.Errorf("load env config: %w", err)
	}
	return e, nil
}

// CredentialsPath returns the explicit path when non-empty, otherwise the
// first non-empty credentials env var.
func CredentialsPath(ctx context.Context, explicit string) (string, error) {
	return credentialsPath(ctx, explicit, envconfig.OsLookuper())
}

func credentialsPath(ctx context.Context, explicit string, lookup envconfig.Lookuper) (string, error) {
	if p := strings.TrimSpace(explicit); p != "" {
		return p, nil
	}
	e, err := load(ctx, lookup)
	if err != nil {
		return "", err
	}
	for _, p := range []string{e.CredentialsFile, e.CredentialsAlias} {
		if p = strings.TrimSpace(p); p != "" {
			return p, nil
		}
	}
	return "", ErrNoCredentials
}

// ResolveProjectID applies the explicit-arg / env-var / gcloud-config chain.
func ResolveProjectID(ctx context.Context, explicit string, runner gcloudcli.Runner) (string, error) {
	return resolveProjectID(ctx, explicit, runner, envconfig.OsLookuper())
}

func resolveProjectID(ctx context.Context, explicit string, runner gcloudcli.Runner, lookup envconfig.Lookuper) (string, error) {
	if p := strings.TrimSpace(explicit); p != "" {
		return p, nil
	}
	e, err := load(ctx, lookup)
	if err != nil {
		return "", err
	}
	if p := strings.TrimSpace(e.Project); p != "" {
		return p, nil
	}
	out, err := runner.Run(ctx, "config", "get-value", "project", "--quiet")
	if err != nil {
		return "", fmt.Errorf("read project from gcloud config: %w", err)
	}
	if out == "" {
		return "", errors.New("gcloud returned an empty project id")
	}
	return out, nil
}
