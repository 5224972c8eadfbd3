package cachestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tmachado/llmcall/internal/model"
)

func sampleResult(text string) *model.CachedResult {
	return model.NewCachedResponse(&model.CostedResponse{
		Usage:     model.Usage{PromptTokens: 3, CompletionTokens: 2, DollarsUsed: 0.0001},
		Responses: []model.Response{{Text: text, StopReason: model.StopEndTurn}},
	}, nil)
}

func TestMemoryStore_GetSet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	session, err := store.Open(ctx)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer session.Close()

	_, ok, err := session.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() on empty store reported a hit")
	}

	if err := session.Set(ctx, "k1", sampleResult("hello")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := session.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() after Set() reported a miss")
	}
	if got.Response.Responses[0].Text != "hello" {
		t.Errorf("Text = %q, want %q", got.Response.Responses[0].Text, "hello")
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	session, _ := store.Open(ctx)
	defer session.Close()

	if err := session.Set(ctx, "k", sampleResult("first")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := session.Set(ctx, "k", sampleResult("second")); err != nil {
		t.Fatalf("second Set() error = %v", err)
	}

	got, _, _ := session.Get(ctx, "k")
	if got.Response.Responses[0].Text != "second" {
		t.Errorf("Text = %q, want %q", got.Response.Responses[0].Text, "second")
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStore_RejectsInvalidRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	session, _ := store.Open(ctx)
	defer session.Close()

	if err := session.Set(ctx, "k", &model.CachedResult{}); err == nil {
		t.Error("Set() accepted a record with neither response nor error")
	}
}

func TestMemoryStore_CachedError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	session, _ := store.Open(ctx)
	defer session.Close()

	record := model.NewCachedError("PromptTooLongError|300|200")
	if err := session.Set(ctx, "k", record); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := session.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got.Error != "PromptTooLongError|300|200" {
		t.Errorf("Error = %q", got.Error)
	}
	if got.Response != nil {
		t.Error("Response should be nil for an error record")
	}
}

func TestSQLiteStore_Roundtrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer store.Close()

	session, err := store.Open(ctx)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := session.Set(ctx, "k1", sampleResult("persisted")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	session.Close()

	session, err = store.Open(ctx)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer session.Close()

	got, ok, err := session.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() after reopen reported a miss")
	}
	if got.Response.Responses[0].Text != "persisted" {
		t.Errorf("Text = %q, want %q", got.Response.Responses[0].Text, "persisted")
	}

	_, ok, err = session.Get(ctx, "absent")
	if err != nil {
		t.Fatalf("Get(absent) error = %v", err)
	}
	if ok {
		t.Error("Get(absent) reported a hit")
	}
}

func TestSQLiteStore_Upsert(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer store.Close()

	session, _ := store.Open(ctx)
	defer session.Close()

	if err := session.Set(ctx, "k", sampleResult("v1")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := session.Set(ctx, "k", sampleResult("v2")); err != nil {
		t.Fatalf("second Set() error = %v", err)
	}

	got, _, _ := session.Get(ctx, "k")
	if got.Response.Responses[0].Text != "v2" {
		t.Errorf("Text = %q, want %q", got.Response.Responses[0].Text, "v2")
	}
}
