package llms

import (
	"fmt"
	"os"

	"github.com/promptgate/promptgate/pkg/config"
)

// ResolveAPIKey finds the key for a model. Resolution order, first hit wins:
//
//  1. the stored per-model key (decrypted with the platform secret)
//  2. <MODEL_ID>_API_KEY
//  3. <PROVIDER>_API_KEY
//
// Local providers may legitimately run keyless, so an empty result is not an
// error here; adapters that require a key reject it themselves.
func ResolveAPIKey(model *config.Model, platformSecret string) (string, error) {
	if model.APIKey != "" {
		key, err := config.DecryptAPIKey(model.APIKey, platformSecret)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt API key for model %s: %w", model.ID, err)
		}
		if key != "" {
			return key, nil
		}
	}

	if key := os.Getenv(config.EnvKey(model.ID) + "_API_KEY"); key != "" {
		return key, nil
	}
	if key := os.Getenv(config.EnvKey(string(model.Provider)) + "_API_KEY"); key != "" {
		return key, nil
	}
	return "", nil
}

// requireKey converts a missing key into an auth error for providers that
// cannot run without one.
func requireKey(model *config.Model, platformSecret string) (string, error) {
	key, err := ResolveAPIKey(model, platformSecret)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("no API key configured for model %s: set %s_API_KEY or store a key on the model",
			model.ID, config.EnvKey(model.ID))
	}
	return key, nil
}

// endpointURL expands environment placeholders in the configured URL.
func endpointURL(model *config.Model) string {
	return config.ExpandEnvVars(model.URL)
}
