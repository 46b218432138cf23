// Package configgen materializes the stack's persisted configuration.
// Missing or empty critical keys are filled in; values an operator
// already set are never touched, so re-running setup is always safe.
package configgen

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"berth/internal/envfile"
	"berth/pkg/sdk/defaults"
)

const secretBytes = 32

// fixedDefaults are the non-secret keys that get a stable default
// instead of generated noise. Operators read these in service URLs.
var fixedDefaults = map[string]string{
	"POSTGRES_USER":         defaults.ServiceAccount,
	"RABBITMQ_DEFAULT_USER": defaults.ServiceAccount,
}

// GenerateSecret returns a fresh URL-safe random secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Materialize fills every missing or empty key in the config file and
// reports which keys it filled, in the order given. A key that already
// holds a non-empty value is left exactly as found.
func Materialize(path string, keys []string) ([]string, error) {
	existing, err := envfile.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	updates := make(map[string]string)
	var filled []string
	for _, key := range keys {
		if existing[key] != "" {
			continue
		}
		value, ok := fixedDefaults[key]
		if !ok {
			value, err = GenerateSecret()
			if err != nil {
				return nil, err
			}
		}
		updates[key] = value
		filled = append(filled, key)
	}
	if len(updates) == 0 {
		return nil, nil
	}

	if err := envfile.Set(path, updates); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}
	return filled, nil
}
