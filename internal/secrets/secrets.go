// Package secrets resolves trust-boundary material (the HMAC root secret,
// venue API keys) from Azure Key Vault in production, falling back to the
// environment otherwise — the teacher's Marble-secret-then-env precedence
// (infrastructure/config/loader.go's EnvOrSecret), re-grounded on
// azidentity/azcore since this repo has no enclave layer to source secrets
// from.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// Source resolves named secrets, trying a backing store before falling back
// to the environment.
type Source struct {
	client *azsecrets.Client
}

// NewSource builds a Source backed by the Key Vault at vaultURL. If
// vaultURL is empty, the returned Source only ever falls back to the
// environment.
func NewSource(vaultURL string) (*Source, error) {
	if vaultURL == "" {
		return &Source{}, nil
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: default azure credential: %w", err)
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: key vault client: %w", err)
	}
	return &Source{client: client}, nil
}

// EnvOrSecret returns the Key Vault secret named by vaultKey if a vault
// client is configured and the secret exists, otherwise the environment
// variable envKey, otherwise defaultValue.
func (s *Source) EnvOrSecret(ctx context.Context, vaultKey, envKey, defaultValue string) string {
	if s != nil && s.client != nil {
		resp, err := s.client.GetSecret(ctx, vaultKey, "", nil)
		if err == nil && resp.Value != nil && *resp.Value != "" {
			return *resp.Value
		}
	}
	return GetEnv(envKey, defaultValue)
}

// RequireEnvOrSecret is like EnvOrSecret but returns an error instead of a
// default when neither source has a value.
func (s *Source) RequireEnvOrSecret(ctx context.Context, vaultKey, envKey string) (string, error) {
	v := s.EnvOrSecret(ctx, vaultKey, envKey, "")
	if v == "" {
		return "", fmt.Errorf("secrets: required value missing (vault key %q, env %q)", vaultKey, envKey)
	}
	return v, nil
}

// GetEnv returns os.Getenv(key) or defaultValue if unset/empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool parses key as a bool, or returns defaultValue.
func GetEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvInt parses key as an int, or returns defaultValue.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

// ParseEnvDuration parses key as a duration, returning ok=false if unset or
// unparseable.
func ParseEnvDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// SplitAndTrimCSV splits a comma-separated env value into trimmed,
// non-empty entries.
func SplitAndTrimCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
