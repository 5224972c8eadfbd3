// Package bedrock implements the backend adapter for Anthropic models
// served through AWS Bedrock.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/tmachado/llmcall/internal/backend"
	"github.com/tmachado/llmcall/internal/model"
	"github.com/tmachado/llmcall/internal/stream"
)

const anthropicBedrockVersion = "bedrock-2023-05-31"

var defaultMaxOutput = 8192

var catalog = map[string]model.ModelInfo{
	"anthropic.claude-3-5-sonnet-20241022-v2:0": {
		ModelName:          "anthropic.claude-3-5-sonnet-20241022-v2:0",
		CostPerInputToken:  3e-6,
		CostPerOutputToken: 15e-6,
		MaxInputTokens:     200000,
		MaxOutputTokens:    &defaultMaxOutput,
	},
	"anthropic.claude-3-5-haiku-20241022-v1:0": {
		ModelName:          "anthropic.claude-3-5-haiku-20241022-v1:0",
		CostPerInputToken:  0.8e-6,
		CostPerOutputToken: 4e-6,
		MaxInputTokens:     200000,
		MaxOutputTokens:    &defaultMaxOutput,
	},
}

type Backend struct {
	cfg    backend.Config
	info   model.ModelInfo
	client *bedrockruntime.Client
}

func New(ctx context.Context, cfg backend.Config, region string) (*Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithConfig(cfg, awsCfg), nil
}

func NewWithConfig(cfg backend.Config, awsCfg aws.Config) *Backend {
	if cfg.Adapter == "" {
		cfg.Adapter = "bedrock"
	}
	return &Backend{
		cfg:    cfg,
		info:   infoFor(cfg.ModelName),
		client: bedrockruntime.NewFromConfig(awsCfg),
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

// Complete invokes the model once per requested response; Bedrock's invoke
// API returns a single completion per call.
func (b *Backend) Complete(ctx context.Context, prompt string, params model.GenerationParams, attempt int) (*model.CostedResponse, error) {
	count := params.Count
	if count < 1 {
		count = 1
	}

	body, err := json.Marshal(b.buildRequest(prompt, params))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	result := &model.CostedResponse{}
	for i := 0; i < count; i++ {
		output, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(b.cfg.ModelName),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			return nil, b.classify(err, prompt)
		}

		var msg invokeResponse
		if err := json.Unmarshal(output.Body, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}

		var text string
		for _, block := range msg.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}

		result.Responses = append(result.Responses, model.Response{
			Text:                text,
			TokenCount:          msg.Usage.OutputTokens,
			StopReason:          mapStopReason(msg.StopReason),
			NetworkFailureCount: attempt,
		})
		result.Usage.PromptTokens += msg.Usage.InputTokens
		result.Usage.CompletionTokens += msg.Usage.OutputTokens
		result.Usage.DollarsUsed += b.info.EstimateCost(msg.Usage.InputTokens, msg.Usage.OutputTokens)
	}
	return result, nil
}

func (b *Backend) OpenStream(ctx context.Context, prompt string, params model.GenerationParams) (stream.Source, error) {
	body, err := json.Marshal(b.buildRequest(prompt, params))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(b.cfg.ModelName),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, b.classify(err, prompt)
	}

	return &eventStreamSource{
		backend: b,
		stream:  output.GetStream(),
	}, nil
}

func (b *Backend) classify(err error, prompt string) error {
	var validation *types.ValidationException
	if errors.As(err, &validation) && strings.Contains(validation.ErrorMessage(), "too long") {
		return &model.PromptTooLongError{
			PromptTokens:    b.CountTokens(prompt),
			MaxPromptTokens: b.info.MaxInputTokens,
		}
	}

	var (
		throttled   *types.ThrottlingException
		timeout     *types.ModelTimeoutException
		internal    *types.InternalServerException
		unavailable *types.ServiceUnavailableException
	)
	if errors.As(err, &throttled) || errors.As(err, &timeout) ||
		errors.As(err, &internal) || errors.As(err, &unavailable) {
		return &model.TransientError{Cause: fmt.Errorf("bedrock invoke: %w", err)}
	}

	return fmt.Errorf("bedrock invoke: %w", err)
}

func (b *Backend) buildRequest(prompt string, params model.GenerationParams) invokeRequest {
	maxTokens := b.info.MaxCompletionTokens()
	if params.MaxTokens != nil {
		maxTokens = *params.MaxTokens
	}

	req := invokeRequest{
		AnthropicVersion: anthropicBedrockVersion,
		MaxTokens:        maxTokens,
		Messages:         []message{{Role: "user", Content: prompt}},
		Temperature:      params.Temperature,
	}
	if params.Stop != nil {
		req.StopSequences = []string{*params.Stop}
	}
	return req
}

// eventStreamSource adapts the SDK's event stream. The payload inside each
// chunk follows the same shape as the direct Anthropic API.
type eventStreamSource struct {
	backend *Backend
	stream  *bedrockruntime.InvokeModelWithResponseStreamEventStream

	usage      usage
	stopReason string
	done       bool
}

func (s *eventStreamSource) Recv(ctx context.Context) (stream.Event, error) {
	if s.done {
		return nil, io.EOF
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-s.stream.Events():
			if !ok {
				if err := s.stream.Err(); err != nil {
					return nil, &model.TransientError{Cause: fmt.Errorf("bedrock stream: %w", err)}
				}
				return nil, io.EOF
			}

			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			var ev chunkEvent
			if err := json.Unmarshal(chunk.Value.Bytes, &ev); err != nil {
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
					Usage: model.Usage{
						PromptTokens:     s.usage.InputTokens,
						CompletionTokens: s.usage.OutputTokens,
						DollarsUsed:      s.backend.info.EstimateCost(s.usage.InputTokens, s.usage.OutputTokens),
					},
					StopReason: mapStopReason(s.stopReason),
				}, nil
			}
		}
	}
}

func (s *eventStreamSource) Close() error {
	return s.stream.Close()
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

type invokeRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []message `json:"messages"`
	Temperature      float64   `json:"temperature"`
	StopSequences    []string  `json:"stop_sequences,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type invokeResponse struct {
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
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type chunkEvent struct {
	Type    string        `json:"type"`
	Message *messageStart `json:"message,omitempty"`
	Delta   *chunkDelta   `json:"delta,omitempty"`
	Usage   *usage        `json:"usage,omitempty"`
}

type messageStart struct {
	Usage usage `json:"usage"`
}

type chunkDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason,omitempty"`
}
