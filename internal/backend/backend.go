// Package backend defines the adapter contract each model provider
// implements. The pipeline depends only on this interface; wire-level
// request/response handling lives in the per-provider subpackages.
package backend

import (
	"context"

	"github.com/tmachado/llmcall/internal/model"
	"github.com/tmachado/llmcall/internal/stream"
)

// Config is the semantic configuration of a backend instance. A subset of
// these fields participates in cache-key derivation (see the fingerprint
// package); locations and credentials never do.
type Config struct {
	// Adapter names the provider implementation, e.g. "anthropic".
	Adapter   string
	ModelName string

	// BaseURL and APIKeyEnv identify where and how to reach the provider.
	// Both are excluded from cache keys.
	BaseURL   string
	APIKeyEnv string

	// IsCachingInputs stores the original call inputs in cache records.
	IsCachingInputs bool
	// IsRunningOffline restricts the backend to cached responses only.
	IsRunningOffline bool
	// IsConversational suppresses the missing-stop-condition advisory.
	IsConversational bool
}

// Adapter is implemented once per provider.
type Adapter interface {
	// Config returns the backend's configuration value.
	Config() Config

	// Info describes the model's pricing and context limits.
	Info() model.ModelInfo

	// Complete performs one non-streaming call. The attempt index counts
	// transient failures that preceded this call; backends report it back
	// in each response's NetworkFailureCount.
	Complete(ctx context.Context, prompt string, params model.GenerationParams, attempt int) (*model.CostedResponse, error)

	// OpenStream starts a streaming call and returns its event source.
	// Errors use the same classification as Complete.
	OpenStream(ctx context.Context, prompt string, params model.GenerationParams) (stream.Source, error)

	// CountTokens estimates the token count of text for this model.
	CountTokens(text string) int
}
