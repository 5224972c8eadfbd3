package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tmachado/llmcall/internal/backend"
	"github.com/tmachado/llmcall/internal/backend/anthropic"
	"github.com/tmachado/llmcall/internal/backend/bedrock"
	"github.com/tmachado/llmcall/internal/backend/openai"
	"github.com/tmachado/llmcall/internal/cachestore"
	"github.com/tmachado/llmcall/internal/config"
	"github.com/tmachado/llmcall/internal/model"
	"github.com/tmachado/llmcall/internal/notifications"
	"github.com/tmachado/llmcall/internal/pipeline"
	"github.com/tmachado/llmcall/internal/queue"
	"github.com/tmachado/llmcall/internal/ratelimit"
	"github.com/tmachado/llmcall/internal/secrets"
	"github.com/tmachado/llmcall/internal/spend"
	"github.com/tmachado/llmcall/internal/stream"
	"github.com/tmachado/llmcall/internal/telemetry"
)

func main() {
	streaming := flag.Bool("stream", false, "stream the completion to stdout as it arrives")
	count := flag.Int("count", 1, "number of responses to generate")
	maxTokens := flag.Int("max-tokens", 0, "completion token limit (0 uses the model maximum)")
	temperature := flag.Float64("temperature", 0.2, "sampling temperature")
	noCache := flag.Bool("no-cache", false, "bypass the response cache for this call")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	prompt, err := readPrompt(flag.Args())
	if err != nil {
		slog.Error("failed to read prompt", "error", err)
		os.Exit(1)
	}

	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.Init(ctx, "llmcall", cfg.OTLPEndpoint)
		if err != nil {
			slog.Warn("telemetry disabled", "error", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	adapter, err := buildAdapter(ctx, cfg)
	if err != nil {
		slog.Error("failed to build adapter", "error", err)
		os.Exit(1)
	}

	opts := []pipeline.Option{}

	switch {
	case cfg.RedisURL != "":
		store, err := cachestore.NewRedisStore(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis cache", "error", err)
			os.Exit(1)
		}
		opts = append(opts, pipeline.WithCache(store))
		slog.Info("using redis cache")
	case cfg.CachePath != "":
		store, err := cachestore.NewSQLiteStore(cfg.CachePath)
		if err != nil {
			slog.Error("failed to open cache", "error", err, "path", cfg.CachePath)
			os.Exit(1)
		}
		defer store.Close()
		opts = append(opts, pipeline.WithCache(store))
		slog.Info("using sqlite cache", "path", cfg.CachePath)
	}

	if cfg.HardCapDollars > 0 {
		limits := buildLimits(ctx, cfg)
		opts = append(opts, pipeline.WithLimits(limits))
	}

	if cfg.RequestsPerMinute > 0 {
		opts = append(opts, pipeline.WithPacer(ratelimit.NewSlidingWindowPacer(cfg.RequestsPerMinute)))
	}

	if cfg.SQSQueueURL != "" {
		exporter, err := queue.NewSQSExporter(ctx, cfg.AWSRegion, cfg.SQSQueueURL)
		if err != nil {
			slog.Warn("usage export disabled", "error", err)
		} else {
			opts = append(opts, pipeline.WithUsageExport(queue.ExportCallback(exporter, cfg.ModelName)))
		}
	}

	client := pipeline.New(adapter, opts...)

	params := model.DefaultParams()
	params.Temperature = *temperature
	params.Count = *count
	if *maxTokens > 0 {
		params.MaxTokens = maxTokens
	}

	var callOpts []pipeline.CallOption
	if *noCache {
		callOpts = append(callOpts, pipeline.WithoutCaching())
	}

	if *streaming {
		// Streams are bounded by the signal context only; a long
		// generation may legitimately outlive the request timeout.
		err = runStream(ctx, client, prompt, params, callOpts)
	} else {
		callCtx := ctx
		if cfg.RequestTimeout > 0 {
			var cancelCall context.CancelFunc
			callCtx, cancelCall = context.WithTimeout(ctx, cfg.RequestTimeout)
			defer cancelCall()
		}
		err = runComplete(callCtx, client, prompt, params, callOpts)
	}
	if err != nil {
		slog.Error("call failed", "error", err)
		os.Exit(1)
	}
}

func runComplete(ctx context.Context, client *pipeline.Client, prompt string, params model.GenerationParams, opts []pipeline.CallOption) error {
	responses, err := client.Complete(ctx, prompt, params, opts...)
	if err != nil {
		return err
	}
	for i, resp := range responses {
		if len(responses) > 1 {
			fmt.Printf("--- response %d (%s) ---\n", i+1, resp.StopReason)
		}
		fmt.Println(resp.Text)
	}
	return nil
}

func runStream(ctx context.Context, client *pipeline.Client, prompt string, params model.GenerationParams, opts []pipeline.CallOption) error {
	resp, err := client.Stream(ctx, prompt, params, opts...)
	if err != nil {
		return err
	}
	defer resp.Close()

	for {
		ev, err := resp.Recv(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if delta, ok := ev.(stream.DeltaEvent); ok {
			fmt.Print(delta.Delta)
		}
	}
	fmt.Println()
	return nil
}

func buildAdapter(ctx context.Context, cfg *config.Config) (backend.Adapter, error) {
	bcfg := backend.Config{
		Adapter:          cfg.Adapter,
		ModelName:        cfg.ModelName,
		BaseURL:          cfg.BaseURL,
		APIKeyEnv:        cfg.APIKeyEnv,
		IsCachingInputs:  cfg.CachingInputs,
		IsRunningOffline: cfg.Offline,
		IsConversational: cfg.Conversational,
	}

	if cfg.Adapter == "bedrock" {
		return bedrock.New(ctx, bcfg, cfg.AWSRegion)
	}

	var store secrets.SecretStore
	if cfg.SecretName != "" && cfg.AWSRegion != "" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Warn("secrets manager unavailable", "error", err)
		} else {
			store = sm
		}
	}
	apiKey, err := secrets.APIKey(ctx, store, cfg.APIKeyEnv)
	if err != nil && !cfg.Offline {
		return nil, err
	}

	switch cfg.Adapter {
	case "anthropic":
		return anthropic.New(bcfg, apiKey), nil
	case "openai":
		return openai.New(bcfg, apiKey), nil
	default:
		return nil, fmt.Errorf("unknown adapter: %s", cfg.Adapter)
	}
}

func buildLimits(ctx context.Context, cfg *config.Config) *spend.Limits {
	var spendOpts []spend.Option
	if cfg.WarnFraction > 0 {
		spendOpts = append(spendOpts, spend.WithWarnFraction(cfg.WarnFraction))
	}
	if cfg.DatabaseURL != "" {
		ledger, err := spend.OpenPostgresLedger(cfg.DatabaseURL)
		if err != nil {
			slog.Warn("spend ledger disabled", "error", err)
		} else {
			spendOpts = append(spendOpts, spend.WithLedger(ledger))
		}
	}

	limits := spend.NewLimits(cfg.HardCapDollars, spendOpts...)
	limits.OnAlert(spend.LogAlertHandler)

	if cfg.SNSTopicARN != "" && cfg.AWSRegion != "" {
		notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Warn("spend notifications disabled", "error", err)
		} else {
			limits.OnAlert(notifications.SpendAlertHandler(notifier))
		}
	}
	return limits
}

func readPrompt(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}
	return prompt, nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
