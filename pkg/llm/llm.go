package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the model input, oldest first.
type Message struct {
	Role    string
	Content string
}

// Request is everything a provider needs to produce one assistant reply.
type Request struct {
	// Model overrides the provider's configured model when set.
	Model    string
	System   string
	Messages []Message
	// Temperature is left to the provider default when nil.
	Temperature *float32
	MaxTokens   int
}

// ChatModel is the boundary to a chat-completion provider. Concrete providers
// stay behind it so the orchestrator can run against a substitute.
type ChatModel interface {
	Generate(ctx context.Context, req Request) (string, error)
	// Stream yields text increments in order. The sequence is finite and can
	// be ranged over once; a non-nil error ends it.
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

var (
	ErrProvider = errors.New("provider error")
	ErrTimeout  = errors.New("provider timeout")
)

const (
	CodeProvider  = "provider_error"
	CodeTimeout   = "provider_timeout"
	CodeRateLimit = "provider_rate_limited"
	CodeAuth      = "provider_unauthorized"
)

// ProviderError describes a failed provider call. It matches ErrProvider, and
// ErrTimeout as well when Code is CodeTimeout.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (http %d): %v", e.Provider, e.Code, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Code, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	if e.Code == CodeTimeout {
		return []error{ErrTimeout, ErrProvider, e.Err}
	}
	return []error{ErrProvider, e.Err}
}

// Classify wraps err from provider into a ProviderError using the HTTP
// status when known. Context deadlines become timeouts.
func Classify(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	out := &ProviderError{Provider: provider, StatusCode: status, Code: CodeProvider, Err: err}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Code = CodeTimeout
	case status == 429:
		out.Code = CodeRateLimit
		out.Retryable = true
	case status == 401 || status == 403:
		out.Code = CodeAuth
	case status >= 500:
		out.Retryable = true
	}
	return out
}

// Timeout builds a timeout error for provider.
func Timeout(provider string, err error) error {
	return &ProviderError{Provider: provider, Code: CodeTimeout, Err: err}
}

// Float32 returns a pointer to v, for Request.Temperature.
func Float32(v float32) *float32 { return &v }
