// Package fingerprint derives deterministic cache keys for model requests.
// Two calls with identical semantic inputs always produce identical keys,
// across process restarts; volatile configuration (cache locations, base
// URLs, credentials) never participates.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tmachado/llmcall/internal/backend"
	"github.com/tmachado/llmcall/internal/model"
)

// keyEnvelope is the structured serialization that becomes the cache key.
// Field order is fixed by the struct, so the output is stable without any
// map iteration. The offline flag is pinned to a constant so toggling it
// does not invalidate history.
type keyEnvelope struct {
	Adapter          string `json:"adapter"`
	ModelName        string `json:"model_name"`
	IsCachingInputs  bool   `json:"is_caching_inputs"`
	IsRunningOffline bool   `json:"is_running_offline"`
	IsConversational bool   `json:"is_conversational"`
	RequestSHA256    string `json:"request_sha256"`
}

// requestArgs is the call-site portion of the key. The call ID and the
// caching-enabled flag are deliberately absent: neither changes the
// semantics of the request.
type requestArgs struct {
	Prompt string                 `json:"prompt"`
	Params model.GenerationParams `json:"params"`
}

// Key derives the cache key for one request. Deterministic, no I/O.
func Key(cfg backend.Config, prompt string, params model.GenerationParams) string {
	args, err := json.Marshal(requestArgs{Prompt: prompt, Params: params})
	if err != nil {
		// GenerationParams contains only marshalable fields; reaching
		// this means the type itself is broken.
		panic(fmt.Sprintf("fingerprint: marshal request args: %v", err))
	}
	sum := sha256.Sum256(args)

	env := keyEnvelope{
		Adapter:          cfg.Adapter,
		ModelName:        cfg.ModelName,
		IsCachingInputs:  cfg.IsCachingInputs,
		IsRunningOffline: true,
		IsConversational: cfg.IsConversational,
		RequestSHA256:    hex.EncodeToString(sum[:]),
	}
	key, err := json.Marshal(env)
	if err != nil {
		panic(fmt.Sprintf("fingerprint: marshal key envelope: %v", err))
	}
	return string(key)
}
