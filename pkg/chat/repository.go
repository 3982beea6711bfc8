package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors returned by repositories and the use case.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrTurnNotFound         = errors.New("turn not found")
	ErrTurnFinalized        = errors.New("turn already finalized")
)

// Repository is the conversation store port. Implementations assign turn
// sequence indices atomically: two concurrent appends to one conversation
// never receive the same index.
type Repository interface {
	// CreateConversation stores c and appends initial turns in the same unit of work.
	CreateConversation(ctx context.Context, c Conversation, initial ...Turn) ([]Turn, error)
	GetConversation(ctx context.Context, id uuid.UUID) (Conversation, error)
	ListConversations(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]Conversation, error)

	AppendTurn(ctx context.Context, conversationID uuid.UUID, t Turn) (Turn, error)
	// AppendTurns assigns consecutive indices to turns, all or nothing.
	AppendTurns(ctx context.Context, conversationID uuid.UUID, turns ...Turn) ([]Turn, error)
	// FinalizeTurn moves a pending turn to a terminal status.
	FinalizeTurn(ctx context.Context, id uuid.UUID, content string, status Status, reason string) (Turn, error)
	// ListTurns returns the most recent limit turns oldest first; limit <= 0 returns all.
	ListTurns(ctx context.Context, conversationID uuid.UUID, limit int) ([]Turn, error)

	// FailStalePending marks turns left pending since before as failed.
	FailStalePending(ctx context.Context, before time.Time) (int64, error)
}
