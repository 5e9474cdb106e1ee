package llms

import (
	"testing"

	"github.com/promptgate/promptgate/pkg/config"
)

const testSecret = "unit-test-platform-secret"

func TestResolveAPIKeyPrefersStoredKey(t *testing.T) {
	stored, err := config.EncryptAPIKey("sk-stored", testSecret)
	if err != nil {
		t.Fatal(err)
	}
	model := &config.Model{ID: "my-model", Provider: config.ProviderOpenAI, APIKey: stored}

	t.Setenv("MY_MODEL_API_KEY", "sk-model-env")
	t.Setenv("OPENAI_API_KEY", "sk-provider-env")

	key, err := ResolveAPIKey(model, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if key != "sk-stored" {
		t.Errorf("key = %q, want the stored key", key)
	}
}

func TestResolveAPIKeyModelEnvBeatsProviderEnv(t *testing.T) {
	model := &config.Model{ID: "my-model", Provider: config.ProviderOpenAI}

	t.Setenv("MY_MODEL_API_KEY", "sk-model-env")
	t.Setenv("OPENAI_API_KEY", "sk-provider-env")

	key, err := ResolveAPIKey(model, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if key != "sk-model-env" {
		t.Errorf("key = %q, want the model-scoped env key", key)
	}
}

func TestResolveAPIKeyProviderFallback(t *testing.T) {
	model := &config.Model{ID: "other-model", Provider: config.ProviderOpenAI}
	t.Setenv("OPENAI_API_KEY", "sk-provider-env")

	key, err := ResolveAPIKey(model, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if key != "sk-provider-env" {
		t.Errorf("key = %q, want the provider env key", key)
	}
}

func TestResolveAPIKeyEmptyIsNotAnError(t *testing.T) {
	model := &config.Model{ID: "local-model", Provider: config.ProviderLocal}
	key, err := ResolveAPIKey(model, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		t.Errorf("key = %q, want empty", key)
	}
}

func TestRequireKeyRejectsEmpty(t *testing.T) {
	model := &config.Model{ID: "strict-model", Provider: config.ProviderOpenAI}
	if _, err := requireKey(model, testSecret); err == nil {
		t.Error("expected an error when no key is configured")
	}
}

func TestResolveAPIKeyBadSecret(t *testing.T) {
	stored, err := config.EncryptAPIKey("sk-stored", testSecret)
	if err != nil {
		t.Fatal(err)
	}
	model := &config.Model{ID: "my-model", Provider: config.ProviderOpenAI, APIKey: stored}
	if _, err := ResolveAPIKey(model, "wrong-secret"); err == nil {
		t.Error("expected decryption failure with the wrong secret")
	}
}
