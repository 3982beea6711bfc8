package chat

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle state of a turn. Complete and failed are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool { return s == StatusComplete || s == StatusFailed }

// Conversation is an ordered thread of turns owned by one user.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Turn is one message within a conversation. Seq is gapless and starts at 0.
type Turn struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversationId"`
	Seq            int        `json:"seq"`
	Role           Role       `json:"role"`
	Content        string     `json:"content"`
	Status         Status     `json:"status"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}
