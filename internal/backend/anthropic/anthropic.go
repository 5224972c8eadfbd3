// Package anthropic implements the backend adapter for the Anthropic
// Messages API.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tmachado/llmcall/internal/backend"
	"github.com/tmachado/llmcall/internal/httputil"
	"github.com/tmachado/llmcall/internal/model"
	"github.com/tmachado/llmcall/internal/stream"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

var defaultMaxOutput = 8192

// catalog prices are dollars per token.
var catalog = map[string]model.ModelInfo{
	"claude-3-5-sonnet-20241022": {
		ModelName:          "claude-3-5-sonnet-20241022",
		CostPerInputToken:  3e-6,
		CostPerOutputToken: 15e-6,
		MaxInputTokens:     200000,
		MaxOutputTokens:    &defaultMaxOutput,
	},
	"claude-3-5-haiku-20241022": {
		ModelName:          "claude-3-5-haiku-20241022",
		CostPerInputToken:  0.8e-6,
		CostPerOutputToken: 4e-6,
		MaxInputTokens:     200000,
		MaxOutputTokens:    &defaultMaxOutput,
	},
	"claude-3-opus-20240229": {
		ModelName:          "claude-3-opus-20240229",
		CostPerInputToken:  15e-6,
		CostPerOutputToken: 75e-6,
		MaxInputTokens:     200000,
		MaxOutputTokens:    &defaultMaxOutput,
	},
}

type Backend struct {
	cfg          backend.Config
	info         model.ModelInfo
	apiKey       string
	client       *http.Client
	streamClient *http.Client
}

func New(cfg backend.Config, apiKey string) *Backend {
	if cfg.Adapter == "" {
		cfg.Adapter = "anthropic"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Backend{
		cfg:          cfg,
		info:         infoFor(cfg.ModelName),
		apiKey:       apiKey,
		client:       httputil.DefaultClient(),
		streamClient: httputil.StreamingClient(),
	}
}

func infoFor(name string) model.ModelInfo {
	if info, ok := catalog[name]; ok {
		return info
	}
	return model.ModelInfo{
		ModelName:       name,
		MaxInputTokens:  200000,
		MaxOutputTokens: &defaultMaxOutput,
	}
}

func (b *Backend) Config() backend.Config { return b.cfg }

func (b *Backend) Info() model.ModelInfo { return b.info }

func (b *Backend) CountTokens(text string) int {
	return model.ApproximateTokenCount(text)
}

// Complete issues one request per requested response; the Messages API has
// no multi-choice parameter.
func (b *Backend) Complete(ctx context.Context, prompt string, params model.GenerationParams, attempt int) (*model.CostedResponse, error) {
	count := params.Count
	if count < 1 {
		count = 1
	}

	result := &model.CostedResponse{}
	for i := 0; i < count; i++ {
		resp, usage, err := b.completeOne(ctx, prompt, params, attempt)
		if err != nil {
			return nil, err
		}
		result.Responses = append(result.Responses, *resp)
		result.Usage.PromptTokens += usage.PromptTokens
		result.Usage.CompletionTokens += usage.CompletionTokens
		result.Usage.DollarsUsed += usage.DollarsUsed
		if usage.CachingInfo != nil {
			if result.Usage.CachingInfo == nil {
				result.Usage.CachingInfo = &model.CachingInfo{}
			}
			result.Usage.CachingInfo.ReadFromCache += usage.CachingInfo.ReadFromCache
			result.Usage.CachingInfo.ProviderSpecific = usage.CachingInfo.ProviderSpecific
		}
	}
	return result, nil
}

func (b *Backend) completeOne(ctx context.Context, prompt string, params model.GenerationParams, attempt int) (*model.Response, *model.Usage, error) {
	body, err := json.Marshal(b.buildRequest(prompt, params, false))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := b.post(ctx, b.client, body, false)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, b.statusError(resp, prompt)
	}

	var msg messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	usage := b.toUsage(msg.Usage)
	return &model.Response{
		Text:                text,
		TokenCount:          msg.Usage.OutputTokens,
		StopReason:          mapStopReason(msg.StopReason),
		NetworkFailureCount: attempt,
	}, usage, nil
}

// OpenStream starts a streaming request and returns a source that parses
// the server-sent event sequence into Start, Delta, and End events.
func (b *Backend) OpenStream(ctx context.Context, prompt string, params model.GenerationParams) (stream.Source, error) {
	body, err := json.Marshal(b.buildRequest(prompt, params, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := b.post(ctx, b.streamClient, body, true)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		err := b.statusError(resp, prompt)
		resp.Body.Close()
		return nil, err
	}

	return &sseSource{
		backend: b,
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
	}, nil
}

func (b *Backend) post(ctx context.Context, client *http.Client, body []byte, streaming bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", b.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, backend.TransportError(b.cfg.Adapter, err)
	}
	return resp, nil
}

func (b *Backend) statusError(resp *http.Response, prompt string) error {
	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusBadRequest && bytes.Contains(bodyBytes, []byte("prompt is too long")) {
		return &model.PromptTooLongError{
			PromptTokens:    b.CountTokens(prompt),
			MaxPromptTokens: b.info.MaxInputTokens,
		}
	}
	return backend.StatusError(b.cfg.Adapter, resp.StatusCode, bodyBytes)
}

func (b *Backend) buildRequest(prompt string, params model.GenerationParams, streaming bool) messageRequest {
	maxTokens := b.info.MaxCompletionTokens()
	if params.MaxTokens != nil {
		maxTokens = *params.MaxTokens
	}

	req := messageRequest{
		Model:       b.cfg.ModelName,
		Messages:    []message{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: &params.Temperature,
		Stream:      streaming,
	}
	if params.Stop != nil {
		req.StopSequences = []string{*params.Stop}
	}
	if params.Thinking != nil && params.Thinking.OutputThinking {
		budget := maxTokens / 2
		if params.Thinking.MaxTokens != nil {
			budget = *params.Thinking.MaxTokens
		}
		req.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: budget}
		// The API rejects temperature together with thinking.
		req.Temperature = nil
	}
	return req
}

func (b *Backend) toUsage(u usage) *model.Usage {
	out := &model.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		DollarsUsed:      b.info.EstimateCost(u.InputTokens, u.OutputTokens),
	}
	if u.CacheReadInputTokens > 0 || u.CacheCreationInputTokens > 0 {
		raw, _ := json.Marshal(map[string]int{
			"cache_creation_input_tokens": u.CacheCreationInputTokens,
		})
		out.CachingInfo = &model.CachingInfo{
			ReadFromCache:    u.CacheReadInputTokens,
			ProviderSpecific: raw,
		}
	}
	return out
}

// sseSource translates the Messages API event stream. Usage arrives split
// across message_start and message_delta, so the source accumulates it and
// emits the combined total on the final event.
type sseSource struct {
	backend *Backend
	body    io.ReadCloser
	scanner *bufio.Scanner

	usage      usage
	stopReason string
	done       bool
}

func (s *sseSource) Recv(ctx context.Context) (stream.Event, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				s.usage = ev.Message.Usage
			}
			return stream.StartEvent{}, nil
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Text != "" {
				return stream.DeltaEvent{Delta: ev.Delta.Text}, nil
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				s.stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				s.usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			s.done = true
			return stream.EndEvent{
				Usage:      *s.backend.toUsage(s.usage),
				StopReason: mapStopReason(s.stopReason),
			}, nil
		case "error":
			s.done = true
			return nil, &model.TransientError{Cause: fmt.Errorf("stream error event: %s", line)}
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, &model.TransientError{Cause: fmt.Errorf("scan stream: %w", err)}
	}
	return nil, io.EOF
}

func (s *sseSource) Close() error {
	return s.body.Close()
}

func mapStopReason(reason string) model.StopReason {
	switch reason {
	case "end_turn":
		return model.StopEndTurn
	case "max_tokens":
		return model.StopMaxTokens
	case "stop_sequence":
		return model.StopStopSequence
	case "tool_use":
		return model.StopToolCalls
	case "":
		return model.StopNone
	default:
		return model.StopReason(reason)
	}
}

type messageRequest struct {
	Model         string          `json:"model"`
	Messages      []message       `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Thinking      *thinkingConfig `json:"thinking,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type messageResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type streamEvent struct {
	Type    string        `json:"type"`
	Message *messageStart `json:"message,omitempty"`
	Delta   *streamDelta  `json:"delta,omitempty"`
	Usage   *usage        `json:"usage,omitempty"`
}

type messageStart struct {
	Usage usage `json:"usage"`
}

type streamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason,omitempty"`
}
