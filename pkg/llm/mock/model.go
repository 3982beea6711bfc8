// Package mock provides a deterministic llm.ChatModel for tests and for
// running the service without provider credentials (LLM_PROVIDER=mock).
package mock

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/artem13815/chatrelay/pkg/llm"
)

const providerName = "mock"

// Model replies through Reply, or echoes the last user message when Reply is nil.
// Stream splits the reply after every space.
type Model struct {
	// Reply receives the 1-based call number.
	Reply func(call int, req llm.Request) (string, error)
	// Delay is slept before every chunk and honours ctx.
	Delay time.Duration
	// StreamErr is yielded after StreamErrAfter chunks when set.
	StreamErr      error
	StreamErrAfter int

	mu       sync.Mutex
	requests []llm.Request
}

var _ llm.ChatModel = (*Model)(nil)

func New() *Model { return &Model{} }

// Echo builds the default reply for req.
func Echo(req llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return fmt.Sprintf("You said: %s", req.Messages[i].Content)
		}
	}
	return "Hello"
}

// Requests returns a copy of every request seen so far.
func (m *Model) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *Model) reply(req llm.Request) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	call := len(m.requests)
	m.mu.Unlock()
	if m.Reply == nil {
		return Echo(req), nil
	}
	return m.Reply(call, req)
}

func (m *Model) wait(ctx context.Context) error {
	if m.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(m.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Model) Generate(ctx context.Context, req llm.Request) (string, error) {
	text, err := m.reply(req)
	if err != nil {
		return "", llm.Classify(providerName, 0, err)
	}
	if err := m.wait(ctx); err != nil {
		return "", llm.Classify(providerName, 0, err)
	}
	return text, nil
}

func (m *Model) Stream(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		text, err := m.reply(req)
		if err != nil {
			yield("", llm.Classify(providerName, 0, err))
			return
		}
		for i, chunk := range strings.SplitAfter(text, " ") {
			if m.StreamErr != nil && i == m.StreamErrAfter {
				yield("", llm.Classify(providerName, 0, m.StreamErr))
				return
			}
			if err := m.wait(ctx); err != nil {
				yield("", llm.Classify(providerName, 0, err))
				return
			}
			if chunk == "" {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}
