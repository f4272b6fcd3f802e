// Package credentials resolves the API credentials handed to runs.
package credentials

import (
	"context"
	"fmt"
	"os"
)

// Environment variable names for the credential pair.
const (
	EnvAPIToken = "TASKDECK_API_TOKEN"
	EnvAPIHost  = "TASKDECK_API_HOST"
)

// Credentials is the token/host pair every run needs.
type Credentials struct {
	Token   string
	APIHost string
}

// Valid reports whether both halves of the pair are present.
func (c Credentials) Valid() bool {
	return c.Token != "" && c.APIHost != ""
}

// AgentEnv returns the environment handed to the external agent runtime:
// the credential pair plus a derived bearer authorization value.
func (c Credentials) AgentEnv() []string {
	return []string{
		EnvAPIToken + "=" + c.Token,
		EnvAPIHost + "=" + c.APIHost,
		"AUTHORIZATION=Bearer " + c.Token,
	}
}

// Provider resolves credentials from wherever they live.
type Provider interface {
	Resolve(ctx context.Context) (Credentials, error)
}

// EnvProvider resolves credentials from environment variables,
// optionally trying a prefixed variant first.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates a new environment credentials provider.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Resolve reads the credential pair from the environment.
func (p *EnvProvider) Resolve(ctx context.Context) (Credentials, error) {
	creds := Credentials{
		Token:   p.lookup(EnvAPIToken),
		APIHost: p.lookup(EnvAPIHost),
	}
	if creds.Token == "" {
		return Credentials{}, fmt.Errorf("credential not found: %s", EnvAPIToken)
	}
	if creds.APIHost == "" {
		return Credentials{}, fmt.Errorf("credential not found: %s", EnvAPIHost)
	}
	return creds, nil
}

func (p *EnvProvider) lookup(key string) string {
	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return value
		}
	}
	return os.Getenv(key)
}

// StaticProvider returns fixed credentials; used in tests and by the
// desktop shell when credentials come from its encrypted settings store.
type StaticProvider struct {
	Creds Credentials
}

// Resolve returns the fixed credentials, failing when incomplete.
func (p *StaticProvider) Resolve(ctx context.Context) (Credentials, error) {
	if !p.Creds.Valid() {
		return Credentials{}, fmt.Errorf("credentials are incomplete")
	}
	return p.Creds, nil
}
