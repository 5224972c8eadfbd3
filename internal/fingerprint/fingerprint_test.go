package fingerprint

import (
	"testing"

	"github.com/tmachado/llmcall/internal/backend"
	"github.com/tmachado/llmcall/internal/model"
)

func baseConfig() backend.Config {
	return backend.Config{
		Adapter:   "anthropic",
		ModelName: "claude-3-5-sonnet-20241022",
		BaseURL:   "https://api.anthropic.com/v1",
		APIKeyEnv: "ANTHROPIC_API_KEY",
	}
}

func TestKey_Deterministic(t *testing.T) {
	cfg := baseConfig()
	params := model.DefaultParams()

	k1 := Key(cfg, "hello", params)
	k2 := Key(cfg, "hello", params)

	if k1 != k2 {
		t.Errorf("identical inputs produced different keys:\n%s\n%s", k1, k2)
	}
}

func TestKey_SensitiveInputs(t *testing.T) {
	cfg := baseConfig()
	params := model.DefaultParams()
	base := Key(cfg, "hello", params)

	t.Run("prompt", func(t *testing.T) {
		if Key(cfg, "goodbye", params) == base {
			t.Error("different prompts produced the same key")
		}
	})

	t.Run("temperature", func(t *testing.T) {
		changed := params
		changed.Temperature = 0.9
		if Key(cfg, "hello", changed) == base {
			t.Error("different temperatures produced the same key")
		}
	})

	t.Run("seed", func(t *testing.T) {
		if Key(cfg, "hello", params.WithSeed(1)) == base {
			t.Error("different seeds produced the same key")
		}
		if Key(cfg, "hello", params.WithSeed(1)) == Key(cfg, "hello", params.WithSeed(2)) {
			t.Error("seeds 1 and 2 produced the same key")
		}
	})

	t.Run("model name", func(t *testing.T) {
		changed := cfg
		changed.ModelName = "claude-3-5-haiku-20241022"
		if Key(changed, "hello", params) == base {
			t.Error("different models produced the same key")
		}
	})

	t.Run("adapter", func(t *testing.T) {
		changed := cfg
		changed.Adapter = "openai"
		if Key(changed, "hello", params) == base {
			t.Error("different adapters produced the same key")
		}
	})
}

// Locations and credentials must not invalidate cache history, and neither
// must toggling offline mode: the point of the offline flag is replaying
// entries recorded online.
func TestKey_InsensitiveInputs(t *testing.T) {
	cfg := baseConfig()
	params := model.DefaultParams()
	base := Key(cfg, "hello", params)

	t.Run("base url", func(t *testing.T) {
		changed := cfg
		changed.BaseURL = "https://proxy.internal/v1"
		if Key(changed, "hello", params) != base {
			t.Error("base URL changed the key")
		}
	})

	t.Run("api key env", func(t *testing.T) {
		changed := cfg
		changed.APIKeyEnv = "OTHER_KEY"
		if Key(changed, "hello", params) != base {
			t.Error("API key env var changed the key")
		}
	})

	t.Run("offline flag", func(t *testing.T) {
		changed := cfg
		changed.IsRunningOffline = true
		if Key(changed, "hello", params) != base {
			t.Error("offline flag changed the key")
		}
	})
}
