package secrets

import (
	"context"
	"testing"
)

func TestInMemorySecretStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySecretStore()

	if _, err := store.GetSecret(ctx, "missing"); err == nil {
		t.Error("GetSecret(missing) should fail")
	}

	store.SetSecret("API_KEY", "sk-test")
	got, err := store.GetSecret(ctx, "API_KEY")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if got != "sk-test" {
		t.Errorf("GetSecret() = %q, want %q", got, "sk-test")
	}
}

func TestInMemorySecretStore_JSON(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySecretStore()
	store.SetSecret("creds", `{"key": "sk-test", "org": "acme"}`)

	var creds struct {
		Key string `json:"key"`
		Org string `json:"org"`
	}
	if err := store.GetSecretJSON(ctx, "creds", &creds); err != nil {
		t.Fatalf("GetSecretJSON() error = %v", err)
	}
	if creds.Key != "sk-test" || creds.Org != "acme" {
		t.Errorf("creds = %+v", creds)
	}
}

func TestAPIKey_PrefersEnvironment(t *testing.T) {
	ctx := context.Background()
	t.Setenv("TEST_API_KEY", "from-env")

	store := NewInMemorySecretStore()
	store.SetSecret("TEST_API_KEY", "from-store")

	got, err := APIKey(ctx, store, "TEST_API_KEY")
	if err != nil {
		t.Fatalf("APIKey() error = %v", err)
	}
	if got != "from-env" {
		t.Errorf("APIKey() = %q, want the environment value", got)
	}
}

func TestAPIKey_FallsBackToStore(t *testing.T) {
	ctx := context.Background()
	t.Setenv("TEST_API_KEY", "")

	store := NewInMemorySecretStore()
	store.SetSecret("TEST_API_KEY", "from-store")

	got, err := APIKey(ctx, store, "TEST_API_KEY")
	if err != nil {
		t.Fatalf("APIKey() error = %v", err)
	}
	if got != "from-store" {
		t.Errorf("APIKey() = %q, want the store value", got)
	}
}

func TestAPIKey_NoStoreNoEnv(t *testing.T) {
	ctx := context.Background()
	t.Setenv("TEST_API_KEY", "")

	if _, err := APIKey(ctx, nil, "TEST_API_KEY"); err == nil {
		t.Error("APIKey() with no sources should fail")
	}
}
