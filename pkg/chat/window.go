package chat

import (
	"github.com/artem13815/chatrelay/pkg/llm"
	"github.com/artem13815/chatrelay/pkg/tokens"
)

// WindowPolicy bounds the prior turns sent to the model. Zero values disable
// the respective bound.
type WindowPolicy struct {
	MaxTurns    int
	TokenBudget int
}

// WindowStats summarizes a built window.
type WindowStats struct {
	Turns   int `json:"turns"`
	Tokens  int `json:"tokens"`
	Budget  int `json:"budget"`
	Skipped int `json:"skipped"`
}

// Window is the derived, read-only model input: prior complete turns, oldest first.
type Window struct {
	Turns []Turn
	Stats WindowStats
}

// fetchLimit is how many stored turns to read so that MaxTurns complete turns
// are usually available even after pending or failed ones are skipped.
func (p WindowPolicy) fetchLimit() int {
	if p.MaxTurns <= 0 {
		return historyScanLimit
	}
	return 2*p.MaxTurns + 2
}

const historyScanLimit = 500

// BuildWindow walks history newest to oldest and keeps complete turns while
// both bounds hold. reserved is budget already spent elsewhere (system prompt,
// the new user message). Selection stops at the first turn that does not fit
// so the window is always a contiguous suffix of the usable history.
//
// A user turn is usable only when the assistant turn after it completed, and
// the window never opens with an assistant turn, so roles strictly alternate
// starting from user.
func BuildWindow(history []Turn, p WindowPolicy, counter tokens.Counter, reserved int) Window {
	if counter == nil {
		counter = tokens.Heuristic{}
	}
	budget := p.TokenBudget
	if budget > 0 {
		budget -= reserved
	}

	usable := make([]Turn, 0, len(history))
	for i, t := range history {
		if t.Status != StatusComplete {
			continue
		}
		if t.Role == RoleUser && !answered(history, i) {
			continue
		}
		usable = append(usable, t)
	}

	costs := make([]int, len(usable))
	total, start := 0, len(usable)
	for i := len(usable) - 1; i >= 0; i-- {
		if p.MaxTurns > 0 && len(usable)-i > p.MaxTurns {
			break
		}
		costs[i] = tokens.MessageCost(counter, string(usable[i].Role), usable[i].Content)
		if p.TokenBudget > 0 && total+costs[i] > budget {
			break
		}
		total += costs[i]
		start = i
	}
	for start < len(usable) && usable[start].Role != RoleUser {
		total -= costs[start]
		start++
	}

	turns := usable[start:]
	return Window{
		Turns: turns,
		Stats: WindowStats{
			Turns:   len(turns),
			Tokens:  total,
			Budget:  p.TokenBudget,
			Skipped: len(history) - len(turns),
		},
	}
}

// answered reports whether the user turn at i is followed by a complete
// assistant turn.
func answered(history []Turn, i int) bool {
	next := i + 1
	if next >= len(history) {
		return false
	}
	return history[next].Role == RoleAssistant && history[next].Status == StatusComplete
}

// Messages converts the window plus the new user content into model input.
func (w Window) Messages(userContent string) []llm.Message {
	out := make([]llm.Message, 0, len(w.Turns)+1)
	for _, t := range w.Turns {
		out = append(out, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	return append(out, llm.Message{Role: llm.RoleUser, Content: userContent})
}
