// Package tokens estimates how much of a model's input budget text consumes.
package tokens

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates the token cost of a piece of text.
type Counter interface {
	Count(text string) int
}

// MessageOverhead approximates role markers and separators around each message.
const MessageOverhead = 4

// MessageCost is the cost of one chat message including its overhead.
func MessageCost(c Counter, role, content string) int {
	return MessageOverhead + c.Count(role) + c.Count(content)
}

// Heuristic assumes roughly four runes per token. It is deterministic and
// needs no vocabulary files.
type Heuristic struct{}

func (Heuristic) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// Tiktoken counts with a BPE encoding such as cl100k_base.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding. The vocabulary is fetched and cached
// by tiktoken-go on first use.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// New returns the counter named by kind, falling back to Heuristic when the
// tiktoken vocabulary cannot be loaded.
func New(kind string) (Counter, error) {
	switch kind {
	case "", "heuristic":
		return Heuristic{}, nil
	case "tiktoken":
		tk, err := NewTiktoken("cl100k_base")
		if err != nil {
			return Heuristic{}, err
		}
		return tk, nil
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", kind)
	}
}
