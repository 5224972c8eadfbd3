package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tmachado/llmcall/internal/backend"
	"github.com/tmachado/llmcall/internal/model"
	"github.com/tmachado/llmcall/internal/stream"
)

func newTestBackend(serverURL string) *Backend {
	return New(backend.Config{
		ModelName: "claude-3-5-haiku-20241022",
		BaseURL:   serverURL,
	}, "test-key")
}

func TestComplete(t *testing.T) {
	var gotReq messageRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}

		json.NewEncoder(w).Encode(messageResponse{
			ID:         "msg_1",
			Content:    []contentBlock{{Type: "text", Text: "Hi there"}},
			StopReason: "end_turn",
			Usage:      usage{InputTokens: 1, OutputTokens: 2},
		})
	}))
	defer server.Close()

	b := newTestBackend(server.URL)
	resp, err := b.Complete(context.Background(), "Hello", model.DefaultParams(), 0)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if gotReq.Model != "claude-3-5-haiku-20241022" {
		t.Errorf("request model = %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Content != "Hello" {
		t.Errorf("request messages = %+v", gotReq.Messages)
	}

	if len(resp.Responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(resp.Responses))
	}
	if resp.Responses[0].Text != "Hi there" {
		t.Errorf("Text = %q, want %q", resp.Responses[0].Text, "Hi there")
	}
	if resp.Responses[0].StopReason != model.StopEndTurn {
		t.Errorf("StopReason = %q, want %q", resp.Responses[0].StopReason, model.StopEndTurn)
	}
	if resp.Usage.PromptTokens != 1 || resp.Usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestComplete_MultipleResponses(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(messageResponse{
			Content:    []contentBlock{{Type: "text", Text: fmt.Sprintf("reply %d", calls)}},
			StopReason: "end_turn",
			Usage:      usage{InputTokens: 1, OutputTokens: 2},
		})
	}))
	defer server.Close()

	b := newTestBackend(server.URL)
	params := model.DefaultParams()
	params.Count = 3

	resp, err := b.Complete(context.Background(), "Hello", params, 0)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("backend calls = %d, want 3", calls)
	}
	if len(resp.Responses) != 3 {
		t.Errorf("responses = %d, want 3", len(resp.Responses))
	}
	if resp.Usage.CompletionTokens != 6 {
		t.Errorf("CompletionTokens = %d, want summed 6", resp.Usage.CompletionTokens)
	}
}

func TestComplete_RateLimitIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"type":"error","error":{"type":"rate_limit_error"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	b := newTestBackend(server.URL)
	_, err := b.Complete(context.Background(), "Hello", model.DefaultParams(), 0)
	if !model.IsTransient(err) {
		t.Errorf("429 error = %v, want transient", err)
	}
}

func TestComplete_PromptTooLong(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long: 250000 tokens > 200000 maximum"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	b := newTestBackend(server.URL)
	_, err := b.Complete(context.Background(), "Hello", model.DefaultParams(), 0)

	var tooLong *model.PromptTooLongError
	if !errors.As(err, &tooLong) {
		t.Fatalf("error = %v, want PromptTooLongError", err)
	}
	if tooLong.MaxPromptTokens != 200000 {
		t.Errorf("MaxPromptTokens = %d, want 200000", tooLong.MaxPromptTokens)
	}
}

func TestOpenStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, `data: {"type":"message_start","message":{"usage":{"input_tokens":1,"output_tokens":0}}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":" there"}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"message_stop"}`+"\n\n")
	}))
	defer server.Close()

	b := newTestBackend(server.URL)
	src, err := b.OpenStream(context.Background(), "Hello", model.DefaultParams())
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}

	resp := stream.NewResponse(src, 0)
	final, err := resp.FinalMessage(context.Background())
	if err != nil {
		t.Fatalf("FinalMessage() error = %v", err)
	}
	if final.Text != "Hi there" {
		t.Errorf("Text = %q, want %q", final.Text, "Hi there")
	}
	if final.StopReason != model.StopEndTurn {
		t.Errorf("StopReason = %q, want %q", final.StopReason, model.StopEndTurn)
	}
	if final.TokenCount != 2 {
		t.Errorf("TokenCount = %d, want 2", final.TokenCount)
	}
}

func TestOpenStream_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"type":"error","error":{"type":"overloaded_error"}}`, 529)
	}))
	defer server.Close()

	b := newTestBackend(server.URL)
	_, err := b.OpenStream(context.Background(), "Hello", model.DefaultParams())
	if !model.IsTransient(err) {
		t.Errorf("529 error = %v, want transient", err)
	}
}

func TestSSESource_EOFAfterStop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"type":"message_start","message":{"usage":{"input_tokens":1,"output_tokens":0}}}`+"\n\n")
		fmt.Fprint(w, `data: {"type":"message_stop"}`+"\n\n")
	}))
	defer server.Close()

	b := newTestBackend(server.URL)
	src, err := b.OpenStream(context.Background(), "Hello", model.DefaultParams())
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer src.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := src.Recv(ctx); err != nil {
			t.Fatalf("Recv() %d error = %v", i, err)
		}
	}
	if _, err := src.Recv(ctx); err != io.EOF {
		t.Errorf("Recv() after stop = %v, want io.EOF", err)
	}
}

func TestBuildRequest_ThinkingDisablesTemperature(t *testing.T) {
	b := newTestBackend("http://example.invalid")
	params := model.DefaultParams()
	params.Thinking = &model.ThinkConfig{OutputThinking: true}

	req := b.buildRequest("Hello", params, false)
	if req.Thinking == nil {
		t.Fatal("Thinking not set")
	}
	if req.Temperature != nil {
		t.Error("Temperature should be omitted when thinking is enabled")
	}
}
