// Package openai implements the backend adapter for OpenAI-compatible chat
// completion APIs.
package openai

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

const defaultBaseURL = "https://api.openai.com/v1"

var gptMaxOutput = 16384

var catalog = map[string]model.ModelInfo{
	"gpt-4o": {
		ModelName:          "gpt-4o",
		CostPerInputToken:  2.5e-6,
		CostPerOutputToken: 10e-6,
		MaxInputTokens:     128000,
		MaxOutputTokens:    &gptMaxOutput,
	},
	"gpt-4o-mini": {
		ModelName:          "gpt-4o-mini",
		CostPerInputToken:  0.15e-6,
		CostPerOutputToken: 0.6e-6,
		MaxInputTokens:     128000,
		MaxOutputTokens:    &gptMaxOutput,
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
		cfg.Adapter = "openai"
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
		MaxInputTokens:  128000,
		MaxOutputTokens: &gptMaxOutput,
	}
}

func (b *Backend) Config() backend.Config { return b.cfg }

func (b *Backend) Info() model.ModelInfo { return b.info }

func (b *Backend) CountTokens(text string) int {
	return model.ApproximateTokenCount(text)
}

func (b *Backend) Complete(ctx context.Context, prompt string, params model.GenerationParams, attempt int) (*model.CostedResponse, error) {
	body, err := json.Marshal(b.buildRequest(prompt, params, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := b.post(ctx, b.client, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, b.statusError(resp, prompt)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &model.CostedResponse{
		Usage: model.Usage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			DollarsUsed:      b.info.EstimateCost(chatResp.Usage.PromptTokens, chatResp.Usage.CompletionTokens),
		},
	}
	perChoiceTokens := 0
	if len(chatResp.Choices) > 0 {
		perChoiceTokens = chatResp.Usage.CompletionTokens / len(chatResp.Choices)
	}
	for _, choice := range chatResp.Choices {
		var text string
		if choice.Message != nil {
			text = choice.Message.Content
		}
		result.Responses = append(result.Responses, model.Response{
			Text:                text,
			TokenCount:          perChoiceTokens,
			StopReason:          mapFinishReason(choice.FinishReason),
			NetworkFailureCount: attempt,
		})
	}
	return result, nil
}

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
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
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
	if resp.StatusCode == http.StatusBadRequest &&
		(bytes.Contains(bodyBytes, []byte("context_length_exceeded")) ||
			bytes.Contains(bodyBytes, []byte("maximum context length"))) {
		return &model.PromptTooLongError{
			PromptTokens:    b.CountTokens(prompt),
			MaxPromptTokens: b.info.MaxInputTokens,
		}
	}
	return backend.StatusError(b.cfg.Adapter, resp.StatusCode, bodyBytes)
}

func (b *Backend) buildRequest(prompt string, params model.GenerationParams, streaming bool) chatRequest {
	count := params.Count
	if count < 1 {
		count = 1
	}

	req := chatRequest{
		Model:       b.cfg.ModelName,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: params.Temperature,
		N:           count,
		MaxTokens:   params.MaxTokens,
		Stop:        params.Stop,
		Seed:        params.Seed,
		Stream:      streaming,
	}
	if streaming {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return req
}

type sseSource struct {
	backend *Backend
	body    io.ReadCloser
	scanner *bufio.Scanner

	started      bool
	usage        *chatUsage
	finishReason string
	done         bool
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

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			s.done = true
			return s.endEvent(), nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			s.usage = chunk.Usage
		}

		if !s.started {
			s.started = true
			return stream.StartEvent{}, nil
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			s.finishReason = choice.FinishReason
		}
		if choice.Delta != nil && choice.Delta.Content != "" {
			return stream.DeltaEvent{Delta: choice.Delta.Content}, nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, &model.TransientError{Cause: fmt.Errorf("scan stream: %w", err)}
	}
	if !s.done {
		// Stream ended without [DONE]; surface whatever was collected.
		s.done = true
		return s.endEvent(), nil
	}
	return nil, io.EOF
}

func (s *sseSource) endEvent() stream.EndEvent {
	usage := model.Usage{}
	if s.usage != nil {
		usage.PromptTokens = s.usage.PromptTokens
		usage.CompletionTokens = s.usage.CompletionTokens
		usage.DollarsUsed = s.backend.info.EstimateCost(s.usage.PromptTokens, s.usage.CompletionTokens)
	}
	return stream.EndEvent{
		Usage:      usage,
		StopReason: mapFinishReason(s.finishReason),
	}
}

func (s *sseSource) Close() error {
	return s.body.Close()
}

func mapFinishReason(reason string) model.StopReason {
	switch reason {
	case "stop":
		return model.StopEndTurn
	case "length":
		return model.StopMaxTokens
	case "content_filter":
		return model.StopContentFilter
	case "tool_calls":
		return model.StopToolCalls
	case "function_call":
		return model.StopFunctionCall
	case "":
		return model.StopNone
	default:
		return model.StopReason(reason)
	}
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Temperature   float64        `json:"temperature"`
	N             int            `json:"n,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Stop          *string        `json:"stop,omitempty"`
	Seed          *int64         `json:"seed,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string    `json:"id"`
	Choices []choice  `json:"choices"`
	Usage   chatUsage `json:"usage"`
}

type choice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatDelta   `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type chatDelta struct {
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamChunk struct {
	ID      string     `json:"id"`
	Choices []choice   `json:"choices"`
	Usage   *chatUsage `json:"usage,omitempty"`
}
