// Package credentials resolves the API key used by the transport.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

const EnvAPIKey = "NEOAPI_API_KEY"

var ErrMissingCredential = errors.New("API key must be provided either directly or through NEOAPI_API_KEY environment variable")

type env struct {
	APIKey string `env:"NEOAPI_API_KEY"`
}

// Resolve returns explicit when set, otherwise the NEOAPI_API_KEY value found
// through lookuper. A nil lookuper reads the process environment.
func Resolve(ctx context.Context, explicit string, lookuper envconfig.Lookuper) (string, error) {
	if key := strings.TrimSpace(explicit); key != "" {
		return key, nil
	}
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	var e env
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &e, Lookuper: lookuper}); err != nil {
		return "", fmt.Errorf("read %s: %w", EnvAPIKey, err)
	}
	if key := strings.TrimSpace(e.APIKey); key != "" {
		return key, nil
	}
	return "", ErrMissingCredential
}
