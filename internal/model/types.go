// Package model holds the shared data types for the invocation pipeline:
// generation parameters, responses with usage accounting, cached records,
// and the error taxonomy used for retry classification.
package model

import (
	"encoding/json"
	"errors"
	"math"
	"time"
)

// StopReason reports why a model stopped generating.
type StopReason string

const (
	StopEndTurn       StopReason = "end_turn"
	StopMaxTokens     StopReason = "max_tokens"
	StopStopSequence  StopReason = "stop_sequence"
	StopError         StopReason = "error"
	StopNone          StopReason = "none"
	StopContentFilter StopReason = "content_filter"
	StopToolCalls     StopReason = "tool_calls"
	StopFunctionCall  StopReason = "function_call"
)

// Finished reports whether the response ran to a natural completion.
func (s StopReason) Finished() bool {
	switch s {
	case StopContentFilter, StopMaxTokens, StopError:
		return false
	}
	return true
}

// ThinkConfig controls extended-thinking output where the backend supports it.
type ThinkConfig struct {
	// MaxTokens is a soft limit for some providers.
	MaxTokens      *int `json:"max_tokens,omitempty"`
	OutputThinking bool `json:"output_thinking"`
}

// GenerationParams are the per-call parameters for a single model invocation.
// Values are treated as immutable; use WithSeed to derive a new value.
type GenerationParams struct {
	Temperature float64 `json:"temperature"`
	Count       int     `json:"count"`
	MaxTokens   *int    `json:"max_tokens,omitempty"`
	Stop        *string `json:"stop,omitempty"`
	// Seed allows generating new responses even when caching is on.
	Seed     *int64       `json:"seed,omitempty"`
	Thinking *ThinkConfig `json:"thinking,omitempty"`
}

// DefaultParams returns the baseline generation parameters.
func DefaultParams() GenerationParams {
	return GenerationParams{Temperature: 0.2, Count: 1}
}

// WithSeed returns a copy of p with the seed set. The receiver is unchanged.
func (p GenerationParams) WithSeed(seed int64) GenerationParams {
	p.Seed = &seed
	return p
}

// Response is a single model completion.
type Response struct {
	Text       string     `json:"text"`
	TokenCount int        `json:"token_count"`
	StopReason StopReason `json:"stop_reason"`
	// NetworkFailureCount is how many transient failures preceded this
	// response. Backends report back the attempt index they were given.
	NetworkFailureCount int `json:"network_failure_count"`
}

// CachingInfo carries provider-side prompt-caching accounting.
type CachingInfo struct {
	ReadFromCache int `json:"read_from_cache"`
	// ProviderSpecific holds data that differs between providers, e.g.
	// explicit cache-write token counts.
	ProviderSpecific json.RawMessage `json:"provider_specific,omitempty"`
}

// Usage is the token and dollar accounting for one request.
type Usage struct {
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	DollarsUsed      float64      `json:"dollars_used"`
	CachingInfo      *CachingInfo `json:"caching_info,omitempty"`
}

// CostedResponse bundles responses with the usage needed for settlement.
type CostedResponse struct {
	Usage     Usage      `json:"usage"`
	Responses []Response `json:"responses"`
}

// CallInputs records the inputs of a call for optional cache retention.
type CallInputs struct {
	Prompt              string           `json:"prompt"`
	Params              GenerationParams `json:"params"`
	NetworkFailureCount int              `json:"network_failure_count,omitempty"`
}

// CachedResult is a cache record holding exactly one of a response or a
// terminal error string.
type CachedResult struct {
	Response *CostedResponse `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
	// Inputs is stored only when input retention is enabled, to bound
	// cache growth. Useful for diffing prompts in tests.
	Inputs *CallInputs `json:"inputs,omitempty"`
	// CreatedAt orders entries during inspection; it has no semantic role.
	CreatedAt time.Time `json:"created_at"`
}

// NewCachedResponse builds a cache record for a successful response.
func NewCachedResponse(resp *CostedResponse, inputs *CallInputs) *CachedResult {
	return &CachedResult{Response: resp, Inputs: inputs, CreatedAt: time.Now().UTC()}
}

// NewCachedError builds a cache record for a terminal error.
func NewCachedError(errString string) *CachedResult {
	return &CachedResult{Error: errString, CreatedAt: time.Now().UTC()}
}

// Validate enforces that exactly one of Response or Error is set.
func (c *CachedResult) Validate() error {
	if (c.Response == nil) == (c.Error == "") {
		return errors.New("cached result must hold exactly one of response or error")
	}
	return nil
}

// ModelInfo describes a model's pricing and context limits.
type ModelInfo struct {
	ModelName          string  `json:"model_name"`
	CostPerInputToken  float64 `json:"cost_per_input_token"`
	CostPerOutputToken float64 `json:"cost_per_output_token"`
	MaxInputTokens     int     `json:"max_input_tokens"`
	MaxOutputTokens    *int    `json:"max_output_tokens,omitempty"`
	// Requests and tokens per second, when the provider publishes them.
	RateLimitReq      *float64 `json:"rate_limit_req,omitempty"`
	RateLimitTok      *float64 `json:"rate_limit_tok,omitempty"`
	MaxThinkingBudget *int     `json:"max_thinking_budget,omitempty"`
}

// EstimateCost prices a request before it is made.
func (m ModelInfo) EstimateCost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)*m.CostPerInputToken + float64(completionTokens)*m.CostPerOutputToken
}

// MaxCompletionTokens is the largest completion the model can produce.
func (m ModelInfo) MaxCompletionTokens() int {
	if m.MaxOutputTokens != nil {
		return *m.MaxOutputTokens
	}
	// assume output can fill the input window
	return m.MaxInputTokens
}

// ContextWindowTokens is the total context size in tokens.
func (m ModelInfo) ContextWindowTokens() int {
	return m.MaxInputTokens + m.MaxCompletionTokens()
}

const charsPerToken = 4.5

// ApproximateTokenCount estimates tokens from text length. It is a rough
// empirical ratio used where no real tokenizer is available.
func ApproximateTokenCount(text string) int {
	return int(math.Round(float64(len(text)) / charsPerToken))
}
