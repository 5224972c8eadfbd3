// Package pipeline orchestrates a single model invocation through the
// cache-check, spend-authorization, call-with-retry, cache-write, and
// settlement state machine, for both batch and streaming delivery.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tmachado/llmcall/internal/backend"
	"github.com/tmachado/llmcall/internal/cachestore"
	"github.com/tmachado/llmcall/internal/model"
	"github.com/tmachado/llmcall/internal/ratelimit"
	"github.com/tmachado/llmcall/internal/retry"
	"github.com/tmachado/llmcall/internal/spend"
	"github.com/tmachado/llmcall/internal/stream"
)

// debugPathEnv names the optional directory where streaming calls capture
// their prompt and final completion for debugging.
const debugPathEnv = "LLM_DEBUG_PATH"

// Client runs completions against one backend adapter with transparent
// caching, bounded retry, and budget accounting.
type Client struct {
	adapter backend.Adapter
	cache   cachestore.Store
	limits  *spend.Limits
	policy  retry.Policy
	pacer   ratelimit.Pacer

	// usageExport is an optional extra completion side effect, e.g.
	// publishing usage records to a queue.
	usageExport stream.Callback

	// defaultSeed fills in a missing per-call seed; cachingDisabled is a
	// process-level kill switch layered over the per-call flag. Both are
	// administrative settings, read once at call entry.
	defaultSeed     atomic.Int64
	cachingDisabled atomic.Bool

	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithCache enables response caching through the given store.
func WithCache(store cachestore.Store) Option {
	return func(c *Client) { c.cache = store }
}

// WithLimits pins the client to a specific budget instead of the
// process-wide one.
func WithLimits(limits *spend.Limits) Option {
	return func(c *Client) { c.limits = limits }
}

// WithRetryPolicy overrides the default backoff schedule.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(c *Client) { c.policy = policy }
}

// WithPacer paces backend calls to stay under provider rate limits.
func WithPacer(pacer ratelimit.Pacer) Option {
	return func(c *Client) { c.pacer = pacer }
}

// WithUsageExport attaches an extra completion side effect that receives the
// final costed response of every successful call.
func WithUsageExport(cb stream.Callback) Option {
	return func(c *Client) { c.usageExport = cb }
}

// New builds a client around one backend adapter.
func New(adapter backend.Adapter, opts ...Option) *Client {
	c := &Client{
		adapter: adapter,
		policy:  retry.DefaultPolicy(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetDefaultSeed sets the seed filled into calls that do not specify one.
// Mutating it concurrently with in-flight calls forfeits deterministic
// seeding across a batch; callers own that coordination.
func (c *Client) SetDefaultSeed(seed int64) {
	c.defaultSeed.Store(seed)
}

// SetCachingDisabled toggles the process-level caching kill switch.
func (c *Client) SetCachingDisabled(disabled bool) {
	c.cachingDisabled.Store(disabled)
}

// CallOption adjusts a single call.
type CallOption func(*callSettings)

type callSettings struct {
	cachingEnabled bool
}

// WithoutCaching bypasses the cache for this call only: no read, no write.
func WithoutCaching() CallOption {
	return func(s *callSettings) { s.cachingEnabled = false }
}

// settings captures the per-call flags once at call entry; the caching
// decision is never re-derived mid-flight.
func (c *Client) settings(opts []CallOption) callSettings {
	s := callSettings{cachingEnabled: true}
	for _, opt := range opts {
		opt(&s)
	}
	s.cachingEnabled = s.cachingEnabled && !c.cachingDisabled.Load()
	return s
}

// limitsInUse resolves the budget for this call, preferring the client's own
// over the process-wide singleton. Nil means unmetered.
func (c *Client) limitsInUse() *spend.Limits {
	if c.limits != nil {
		return c.limits
	}
	return spend.Global()
}

// resolveParams fills defaults into the caller's parameters, returning a new
// value: a zero count means one response, and a missing seed is taken from
// the client's default so it participates in the cache key.
func (c *Client) resolveParams(params model.GenerationParams) model.GenerationParams {
	if params.Count == 0 {
		params.Count = 1
	}
	if params.Seed == nil {
		params = params.WithSeed(c.defaultSeed.Load())
	}
	return params
}

func (c *Client) warnIfNoStopCondition(params model.GenerationParams) {
	if params.Stop == nil && params.MaxTokens == nil && !c.adapter.Config().IsConversational {
		slog.Debug("neither max_tokens nor stop specified for a non-conversational model; the completion may fill the entire context window")
	}
}

// authorize reserves an upper-bound cost estimate against the budget. The
// second return value reports whether an authorization is held; in unmetered
// mode none is, and a warning is logged outside of tests.
func (c *Client) authorize(ctx context.Context, prompt string, params model.GenerationParams) (spend.Authorization, bool, error) {
	limits := c.limitsInUse()
	if limits == nil {
		if !testing.Testing() {
			slog.Warn("calling a language model with no spend limits configured; spend will not be restricted",
				"model", c.adapter.Config().ModelName)
		}
		return spend.Authorization{}, false, nil
	}

	info := c.adapter.Info()
	promptTokens := c.adapter.CountTokens(prompt)
	completionTokens := info.MaxCompletionTokens()
	if params.MaxTokens != nil {
		completionTokens = *params.MaxTokens
	}
	estimate := info.EstimateCost(promptTokens, completionTokens)

	auth, err := limits.AuthorizeSpend(ctx, estimate, map[string]any{
		"model_name":        info.ModelName,
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
	})
	if err != nil {
		return spend.Authorization{}, false, err
	}
	return auth, true, nil
}

// releaseAuth settles an unredeemed authorization at zero cost so failed or
// cancelled calls return their reservation to the budget.
func (c *Client) releaseAuth(ctx context.Context, auth spend.Authorization) {
	if err := c.limitsInUse().SettleSpend(context.WithoutCancel(ctx), auth, 0); err != nil {
		slog.Warn("failed to release spend authorization", "error", err, "authorization_id", auth.ID)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func promptStub(prompt string) string {
	const maxChars = 50
	if len(prompt) > maxChars {
		return prompt[:maxChars] + "..."
	}
	return prompt
}
