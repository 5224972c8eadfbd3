package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrOfflineCacheMiss means a backend configured to run only from
	// cache had no entry for the request.
	ErrOfflineCacheMiss = errors.New("running offline but no cached response for this query")
	// ErrStreamProtocol means a stream produced events out of order.
	ErrStreamProtocol = errors.New("stream protocol violation")
	// ErrUnsetCachePath means caching was requested without a cache store.
	ErrUnsetCachePath = errors.New("cache store must be configured to use prompt-response caching")
)

const cachedErrorSep = "|"

// promptTooLongName is the stable prefix for cached prompt-too-long records.
// Cache entries written by older builds must keep decoding, so it never
// changes even if the type is renamed.
const promptTooLongName = "PromptTooLongError"

// PromptTooLongError means the prompt exceeded the model's context window.
// It is terminal and cacheable: retrying the same prompt cannot succeed.
type PromptTooLongError struct {
	PromptTokens    int
	MaxPromptTokens int
}

func (e *PromptTooLongError) Error() string {
	return fmt.Sprintf("prompt too long: %d tokens, model accepts at most %d", e.PromptTokens, e.MaxPromptTokens)
}

// RequiredReductionFraction is how much the prompt must shrink to fit.
func (e *PromptTooLongError) RequiredReductionFraction() float64 {
	return float64(e.MaxPromptTokens) / float64(e.PromptTokens)
}

// EncodeCachedError serializes e for storage in a cache record.
func (e *PromptTooLongError) EncodeCachedError() string {
	return strings.Join([]string{promptTooLongName, strconv.Itoa(e.PromptTokens), strconv.Itoa(e.MaxPromptTokens)}, cachedErrorSep)
}

// IsCachedPromptTooLong reports whether a cached error string encodes a
// prompt-too-long error.
func IsCachedPromptTooLong(s string) bool {
	return strings.HasPrefix(s, promptTooLongName+cachedErrorSep)
}

// DecodeCachedError rebuilds the terminal error stored in a cache record.
func DecodeCachedError(s string) (error, bool) {
	parts := strings.Split(s, cachedErrorSep)
	if len(parts) >= 3 && parts[0] == promptTooLongName {
		promptTokens, err1 := strconv.Atoi(parts[1])
		maxTokens, err2 := strconv.Atoi(parts[2])
		if err1 == nil && err2 == nil {
			return &PromptTooLongError{PromptTokens: promptTokens, MaxPromptTokens: maxTokens}, true
		}
	}
	return nil, false
}

// TransientError wraps a failure worth retrying: connectivity loss, rate
// limiting short of quota exhaustion, upstream 5xx.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient model error: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// RetryLimitError is raised when the attempt budget is exhausted. It carries
// the last transient failure's message for diagnosis.
type RetryLimitError struct {
	LastErrorMessage string
}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("retry limit reached, last error: %s", e.LastErrorMessage)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPromptTooLong reports whether err is the terminal prompt-too-long kind.
func IsPromptTooLong(err error) bool {
	var pe *PromptTooLongError
	return errors.As(err, &pe)
}
