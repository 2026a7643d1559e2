package testutil

import (
	"github.com/berry13/keycycle-proxy/internal/config"
	"github.com/berry13/keycycle-proxy/internal/keypool"
)

// SampleCredential returns a credential that serves the given models,
// pointed at baseURL (normally an httptest.Server URL).
func SampleCredential(baseURL string, models ...string) *keypool.Credential {
	if len(models) == 0 {
		models = []string{"others"}
	}
	return &keypool.Credential{
		Token:   "sk-test-credential",
		BaseURL: baseURL,
		Models:  models,
	}
}

// SampleCredentialPool returns credentials for a round-robin pool: one
// dedicated to "gpt-4", one dedicated to "claude-3", and one catch-all.
func SampleCredentialPool(baseURL string) []*keypool.Credential {
	return []*keypool.Credential{
		{Token: "sk-gpt4", BaseURL: baseURL, Models: []string{"gpt-4"}},
		{Token: "sk-claude", BaseURL: baseURL, Models: []string{"claude-3"}},
		{Token: "sk-catchall", BaseURL: baseURL, Models: []string{"others"}},
	}
}

// SampleChatCompletionBody returns a minimal chat-completion request body
// naming model.
func SampleChatCompletionBody(model string) map[string]any {
	return map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "user", "content": "hello"},
		},
	}
}

// SampleConfig returns a DefaultConfig with the given bind address and
// audit disabled, suitable for tests that spin up the dispatcher.
func SampleConfig(bindAddr string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.BindAddr = bindAddr
	cfg.Audit.Enabled = false
	cfg.Metrics.BindAddr = ""
	return cfg
}

// SampleCredentialSpecs returns the config.CredentialSpec form of
// SampleCredentialPool, for loader tests.
func SampleCredentialSpecs(baseURL string) []config.CredentialSpec {
	return []config.CredentialSpec{
		{Token: "sk-gpt4", BaseURL: baseURL, Models: []string{"gpt-4"}},
		{Token: "sk-claude", BaseURL: baseURL, Models: []string{"claude-3"}},
		{Token: "sk-catchall", BaseURL: baseURL, Models: []string{"others"}},
	}
}
