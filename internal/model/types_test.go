package model

import (
	"testing"
)

func TestStopReason_Finished(t *testing.T) {
	tests := []struct {
		reason   StopReason
		finished bool
	}{
		{StopEndTurn, true},
		{StopStopSequence, true},
		{StopToolCalls, true},
		{StopNone, true},
		{StopMaxTokens, false},
		{StopContentFilter, false},
		{StopError, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.Finished(); got != tt.finished {
				t.Errorf("Finished() = %v, want %v", got, tt.finished)
			}
		})
	}
}

func TestDefaultParams(t *testing.T) {
	params := DefaultParams()

	if params.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", params.Temperature)
	}
	if params.Count != 1 {
		t.Errorf("Count = %v, want 1", params.Count)
	}
	if params.Seed != nil {
		t.Error("Seed should default to nil")
	}
}

func TestGenerationParams_WithSeed(t *testing.T) {
	base := DefaultParams()
	seeded := base.WithSeed(42)

	if base.Seed != nil {
		t.Error("WithSeed() mutated the receiver")
	}
	if seeded.Seed == nil || *seeded.Seed != 42 {
		t.Errorf("seeded.Seed = %v, want 42", seeded.Seed)
	}

	reseeded := seeded.WithSeed(7)
	if *seeded.Seed != 42 {
		t.Error("second WithSeed() mutated the first copy")
	}
	if *reseeded.Seed != 7 {
		t.Errorf("reseeded.Seed = %v, want 7", *reseeded.Seed)
	}
}

func TestCachedResult_Validate(t *testing.T) {
	resp := &CostedResponse{Responses: []Response{{Text: "ok"}}}

	tests := []struct {
		name    string
		result  *CachedResult
		wantErr bool
	}{
		{"response only", &CachedResult{Response: resp}, false},
		{"error only", &CachedResult{Error: "PromptTooLongError|10|5"}, false},
		{"both set", &CachedResult{Response: resp, Error: "x"}, true},
		{"neither set", &CachedResult{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.result.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewCachedResponse(t *testing.T) {
	resp := &CostedResponse{Responses: []Response{{Text: "hi"}}}
	result := NewCachedResponse(resp, nil)

	if err := result.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if result.Response != resp {
		t.Error("Response not set")
	}
	if result.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestModelInfo_EstimateCost(t *testing.T) {
	info := ModelInfo{
		CostPerInputToken:  2e-6,
		CostPerOutputToken: 10e-6,
	}

	got := info.EstimateCost(1000, 500)
	want := 0.002 + 0.005
	if diff := got - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("EstimateCost(1000, 500) = %v, want %v", got, want)
	}
}

func TestModelInfo_MaxCompletionTokens(t *testing.T) {
	maxOut := 4096
	withLimit := ModelInfo{MaxInputTokens: 100000, MaxOutputTokens: &maxOut}
	if got := withLimit.MaxCompletionTokens(); got != 4096 {
		t.Errorf("MaxCompletionTokens() = %v, want 4096", got)
	}

	withoutLimit := ModelInfo{MaxInputTokens: 100000}
	if got := withoutLimit.MaxCompletionTokens(); got != 100000 {
		t.Errorf("MaxCompletionTokens() = %v, want 100000", got)
	}
}

func TestApproximateTokenCount(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"hi", 0},
		{"hello", 1},
		{"a somewhat longer sentence for counting", 9},
	}

	for _, tt := range tests {
		if got := ApproximateTokenCount(tt.text); got != tt.want {
			t.Errorf("ApproximateTokenCount(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
