package backend

import (
	"errors"
	"net/http"
	"testing"

	"github.com/tmachado/llmcall/internal/model"
)

func TestStatusError_Classification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"request timeout", http.StatusRequestTimeout, true},
		{"conflict", http.StatusConflict, true},
		{"internal error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"overloaded", 529, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
		{"not found", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := StatusError("test", tt.status, []byte("body"))
			if got := model.IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient(status %d) = %v, want %v", tt.status, got, tt.transient)
			}
		})
	}
}

func TestTransportError_IsTransient(t *testing.T) {
	cause := errors.New("connection refused")
	err := TransportError("test", cause)

	if !model.IsTransient(err) {
		t.Error("IsTransient(TransportError) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("TransportError does not wrap its cause")
	}
}
