package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/tmachado/llmcall/internal/fingerprint"
	"github.com/tmachado/llmcall/internal/metrics"
	"github.com/tmachado/llmcall/internal/model"
	"github.com/tmachado/llmcall/internal/spend"
	"github.com/tmachado/llmcall/internal/stream"
	"github.com/tmachado/llmcall/internal/telemetry"
)

// Stream runs one streaming call. On a cache hit the cached response is
// replayed as a Start/Delta/End sequence so callers see a uniform interface
// regardless of cache status. On a miss, completion callbacks (cache write,
// optional debug capture, spend settlement) fire exactly once when the
// stream's End event is observed; an abandoned stream never fires them.
func (c *Client) Stream(ctx context.Context, prompt string, params model.GenerationParams, opts ...CallOption) (*stream.Response, error) {
	callID := uuid.New().String()
	cfg := c.adapter.Config()
	settings := c.settings(opts)
	params = c.resolveParams(params)

	// Some provider APIs cannot stream multiple choices.
	if params.Count != 1 {
		return nil, fmt.Errorf("stream supports exactly one response, got count=%d", params.Count)
	}
	c.warnIfNoStopCondition(params)

	slog.Debug("stream",
		"call_id", callID,
		"model", cfg.ModelName,
		"caching_enabled", settings.cachingEnabled,
		"prompt", promptStub(prompt),
	)

	ctx, span := telemetry.StartSpan(ctx, "llmcall.stream")
	defer span.End()
	telemetry.AddCallAttributes(span, cfg.Adapter, cfg.ModelName, callID)

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
			telemetry.AddCacheAttribute(span, true)
			return stream.NewResponse(stream.CachedSource(cached), 0), nil
		}
		metrics.RecordCacheMiss(cfg.ModelName)
	}
	telemetry.AddCacheAttribute(span, false)

	if cfg.IsRunningOffline {
		return nil, fmt.Errorf("%w: prompt: %s", model.ErrOfflineCacheMiss, promptStub(prompt))
	}

	auth, hasAuth, err := c.authorize(ctx, prompt, params)
	if err != nil {
		return nil, err
	}
	handedOff := false
	defer func() {
		if hasAuth && !handedOff {
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

		src, err := c.adapter.OpenStream(ctx, prompt, params)
		if err == nil {
			var callbacks []stream.Callback
			if settings.cachingEnabled {
				callbacks = append(callbacks, c.cacheWriteCallback(cacheKey, prompt, params))
			}
			if cb, err := c.debugCaptureCallback(prompt); err != nil {
				slog.Warn("debug capture disabled", "error", err)
			} else if cb != nil {
				callbacks = append(callbacks, cb)
			}
			if hasAuth {
				callbacks = append(callbacks, c.settleCallback(auth))
				// Settlement responsibility moves to the stream.
				handedOff = true
			}
			if c.usageExport != nil {
				callbacks = append(callbacks, c.usageExport)
			}

			metrics.ActiveStreams.Inc()
			src = &gaugedSource{Source: src}
			return stream.NewResponse(src, attempt, callbacks...), nil
		}

		if model.IsPromptTooLong(err) {
			if settings.cachingEnabled {
				var tooLong *model.PromptTooLongError
				errors.As(err, &tooLong)
				c.writeCache(ctx, cacheKey, model.NewCachedError(tooLong.EncodeCachedError()))
			}
			telemetry.AddErrorAttribute(span, err)
			return nil, err
		}

		if model.IsTransient(err) {
			lastErrMsg = err.Error()
			if attempt < c.policy.MaxAttempts-1 {
				sleep := c.policy.Jittered(sleepTime)
				slog.Debug("transient model error, retrying stream",
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

		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	return nil, &model.RetryLimitError{LastErrorMessage: lastErrMsg}
}

// cacheWriteCallback stores the fully-assembled final response under the
// fingerprint computed at call entry.
func (c *Client) cacheWriteCallback(key, prompt string, params model.GenerationParams) stream.Callback {
	return func(ctx context.Context, resp *model.CostedResponse) error {
		session, err := c.cache.Open(ctx)
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		defer session.Close()

		var inputs *model.CallInputs
		if c.adapter.Config().IsCachingInputs {
			inputs = &model.CallInputs{Prompt: prompt, Params: params}
		}
		return session.Set(ctx, key, model.NewCachedResponse(resp, inputs))
	}
}

// debugCaptureCallback persists the prompt, then overwrites the file with
// prompt plus completion once the stream ends. Returns nil when no debug
// directory is configured; the environment is read once per call.
func (c *Client) debugCaptureCallback(prompt string) (stream.Callback, error) {
	debugDir := os.Getenv(debugPathEnv)
	if debugDir == "" {
		return nil, nil
	}

	outputPath := filepath.Join(debugDir, uuid.New().String()+".txt")
	// Write the prompt up front so a blown-up stream still leaves a trace.
	if err := os.WriteFile(outputPath, []byte(prompt), 0o644); err != nil {
		return nil, fmt.Errorf("write debug capture: %w", err)
	}

	return func(ctx context.Context, resp *model.CostedResponse) error {
		return os.WriteFile(outputPath, []byte(prompt+resp.Responses[0].Text), 0o644)
	}, nil
}

func (c *Client) settleCallback(auth spend.Authorization) stream.Callback {
	return func(ctx context.Context, resp *model.CostedResponse) error {
		return c.limitsInUse().SettleSpend(ctx, auth, resp.Usage.DollarsUsed)
	}
}

// gaugedSource decrements the active-streams gauge once, whether the stream
// is drained or abandoned.
type gaugedSource struct {
	stream.Source
	once sync.Once
}

func (s *gaugedSource) Recv(ctx context.Context) (stream.Event, error) {
	ev, err := s.Source.Recv(ctx)
	if err != nil {
		s.once.Do(metrics.ActiveStreams.Dec)
	}
	return ev, err
}

func (s *gaugedSource) Close() error {
	s.once.Do(metrics.ActiveStreams.Dec)
	return s.Source.Close()
}
