package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tmachado/llmcall/internal/fingerprint"
	"github.com/tmachado/llmcall/internal/metrics"
	"github.com/tmachado/llmcall/internal/model"
	"github.com/tmachado/llmcall/internal/telemetry"
)

// Complete runs one non-streaming call and returns the first params.Count
// responses. A cache hit may legitimately hold more responses than currently
// requested, e.g. from an earlier call with a larger count.
func (c *Client) Complete(ctx context.Context, prompt string, params model.GenerationParams, opts ...CallOption) ([]model.Response, error) {
	params = c.resolveParams(params)
	costed, err := c.CompleteWithUsage(ctx, prompt, params, opts...)
	if err != nil {
		return nil, err
	}
	n := params.Count
	if n > len(costed.Responses) {
		n = len(costed.Responses)
	}
	return costed.Responses[:n], nil
}

// CompleteWithUsage runs one non-streaming call through the full pipeline
// and returns the response together with its usage accounting.
func (c *Client) CompleteWithUsage(ctx context.Context, prompt string, params model.GenerationParams, opts ...CallOption) (*model.CostedResponse, error) {
	callID := uuid.New().String()
	cfg := c.adapter.Config()
	settings := c.settings(opts)
	params = c.resolveParams(params)
	c.warnIfNoStopCondition(params)

	slog.Debug("complete",
		"call_id", callID,
		"model", cfg.ModelName,
		"caching_enabled", settings.cachingEnabled,
		"prompt", promptStub(prompt),
	)

	ctx, span := telemetry.StartSpan(ctx, "llmcall.complete")
	defer span.End()
	telemetry.AddCallAttributes(span, cfg.Adapter, cfg.ModelName, callID)

	start := time.Now()
	resp, err := c.completeAttempts(ctx, prompt, params, settings, callID)
	status := "success"
	if err != nil {
		status = "error"
		telemetry.AddErrorAttribute(span, err)
	} else {
		telemetry.AddTokenAttributes(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		telemetry.AddCostAttribute(span, resp.Usage.DollarsUsed)
	}
	metrics.RecordRequest(cfg.Adapter, cfg.ModelName, status, time.Since(start).Seconds())
	return resp, err
}

func (c *Client) completeAttempts(ctx context.Context, prompt string, params model.GenerationParams, settings callSettings, callID string) (*model.CostedResponse, error) {
	cfg := c.adapter.Config()

	var cacheKey string
	if settings.cachingEnabled {
		if c.cache == nil {
			return nil, model.ErrUnsetCachePath
		}
		cacheKey = fingerprint.Key(cfg, prompt, params)
		cached, err := c.checkCache(ctx, cacheKey)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			metrics.RecordCacheHit(cfg.ModelName)
			return cached, nil
		}
		metrics.RecordCacheMiss(cfg.ModelName)
	}

	// A cache miss while offline is a configuration fault, not something
	// to retry.
	if cfg.IsRunningOffline {
		return nil, fmt.Errorf("%w: prompt: %s", model.ErrOfflineCacheMiss, promptStub(prompt))
	}

	auth, hasAuth, err := c.authorize(ctx, prompt, params)
	if err != nil {
		return nil, err
	}
	settled := false
	defer func() {
		if hasAuth && !settled {
			c.releaseAuth(ctx, auth)
		}
	}()

	sleepTime := c.policy.SleepTime
	var lastErrMsg string
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if c.pacer != nil {
			if err := c.pacer.Wait(ctx, cfg.ModelName); err != nil {
				return nil, err
			}
		}

		resp, err := c.adapter.Complete(ctx, prompt, params, attempt)
		if err == nil {
			if settings.cachingEnabled {
				c.writeCache(ctx, cacheKey, model.NewCachedResponse(resp, c.retainedInputs(prompt, params, attempt)))
			}
			if hasAuth {
				if err := c.limitsInUse().SettleSpend(ctx, auth, resp.Usage.DollarsUsed); err != nil {
					return nil, err
				}
				settled = true
			}
			c.exportUsage(ctx, resp)
			metrics.RecordTokens(cfg.Adapter, cfg.ModelName, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
			metrics.RecordCost(cfg.Adapter, cfg.ModelName, resp.Usage.DollarsUsed)
			return resp, nil
		}

		if model.IsPromptTooLong(err) {
			slog.Debug("prompt too long", "call_id", callID, "model", cfg.ModelName)
			if settings.cachingEnabled {
				var tooLong *model.PromptTooLongError
				errors.As(err, &tooLong)
				c.writeCache(ctx, cacheKey, model.NewCachedError(tooLong.EncodeCachedError()))
			}
			return nil, err
		}

		if model.IsTransient(err) {
			lastErrMsg = err.Error()
			if attempt < c.policy.MaxAttempts-1 {
				sleep := c.policy.Jittered(sleepTime)
				slog.Debug("transient model error, retrying",
					"call_id", callID,
					"model", cfg.ModelName,
					"sleep", sleep,
					"error", err,
				)
				metrics.RecordRetry(cfg.Adapter, cfg.ModelName)
				if err := c.sleep(ctx, sleep); err != nil {
					return nil, err
				}
				sleepTime = c.policy.Next(sleepTime)
			}
			continue
		}

		// Unclassified errors surface immediately and are never cached:
		// caching an ambiguous failure would short-circuit future
		// legitimate attempts.
		return nil, err
	}

	return nil, &model.RetryLimitError{LastErrorMessage: lastErrMsg}
}

// checkCache reads the record under key. A cached terminal error is replayed
// as the original error; a cached response is returned directly.
func (c *Client) checkCache(ctx context.Context, key string) (*model.CostedResponse, error) {
	session, err := c.cache.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	defer session.Close()

	result, ok, err := session.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	if !ok {
		return nil, nil
	}

	if result.Error != "" {
		if cachedErr, ok := model.DecodeCachedError(result.Error); ok {
			return nil, cachedErr
		}
		return nil, fmt.Errorf("unknown cached result error type: %s", result.Error)
	}
	return result.Response, nil
}

// writeCache stores a record under key. Cache writes are idempotent
// snapshots of a deterministic computation, so a failed write degrades to a
// future recomputation rather than failing the call.
func (c *Client) writeCache(ctx context.Context, key string, value *model.CachedResult) {
	session, err := c.cache.Open(ctx)
	if err != nil {
		slog.Warn("failed to open cache for write", "error", err)
		return
	}
	defer session.Close()

	if err := session.Set(ctx, key, value); err != nil {
		slog.Warn("failed to write cache entry", "error", err)
	}
}

// retainedInputs returns the call inputs for cache retention, or nil when
// input retention is off (the default, to bound cache growth).
func (c *Client) retainedInputs(prompt string, params model.GenerationParams, attempt int) *model.CallInputs {
	if !c.adapter.Config().IsCachingInputs {
		return nil
	}
	return &model.CallInputs{Prompt: prompt, Params: params, NetworkFailureCount: attempt}
}

func (c *Client) exportUsage(ctx context.Context, resp *model.CostedResponse) {
	if c.usageExport == nil {
		return
	}
	if err := c.usageExport(ctx, resp); err != nil {
		slog.Warn("usage export failed", "error", err)
	}
}
