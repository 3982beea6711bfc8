package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/artem13815/chatrelay/pkg/chat"
)

// ConversationRepository implements chat.Repository in process memory. A
// single mutex serializes index assignment.
type ConversationRepository struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]chat.Conversation
	turns         map[uuid.UUID][]chat.Turn
	index         map[uuid.UUID]uuid.UUID // turn id -> conversation id
	now           func() time.Time
}

var _ chat.Repository = (*ConversationRepository)(nil)

func NewConversationRepository() *ConversationRepository {
	return &ConversationRepository{
		conversations: make(map[uuid.UUID]chat.Conversation),
		turns:         make(map[uuid.UUID][]chat.Turn),
		index:         make(map[uuid.UUID]uuid.UUID),
		now:           time.Now,
	}
}

func (r *ConversationRepository) CreateConversation(ctx context.Context, c chat.Conversation, initial ...chat.Turn) ([]chat.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[c.ID] = c
	return r.appendLocked(c.ID, initial), nil
}

func (r *ConversationRepository) GetConversation(ctx context.Context, id uuid.UUID) (chat.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[id]
	if !ok {
		return chat.Conversation{}, chat.ErrConversationNotFound
	}
	return c, nil
}

func (r *ConversationRepository) ListConversations(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]chat.Conversation, error) {
	r.mu.RLock()
	out := make([]chat.Conversation, 0)
	for _, c := range r.conversations {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return []chat.Conversation{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ConversationRepository) AppendTurn(ctx context.Context, conversationID uuid.UUID, t chat.Turn) (chat.Turn, error) {
	out, err := r.AppendTurns(ctx, conversationID, t)
	if err != nil {
		return chat.Turn{}, err
	}
	return out[0], nil
}

func (r *ConversationRepository) AppendTurns(ctx context.Context, conversationID uuid.UUID, turns ...chat.Turn) ([]chat.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[conversationID]; !ok {
		return nil, chat.ErrConversationNotFound
	}
	return r.appendLocked(conversationID, turns), nil
}

func (r *ConversationRepository) appendLocked(conversationID uuid.UUID, turns []chat.Turn) []chat.Turn {
	next := len(r.turns[conversationID])
	out := make([]chat.Turn, len(turns))
	for i, t := range turns {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = r.now().UTC()
		}
		t.ConversationID = conversationID
		t.Seq = next + i
		r.index[t.ID] = conversationID
		out[i] = t
	}
	r.turns[conversationID] = append(r.turns[conversationID], out...)
	return out
}

func (r *ConversationRepository) FinalizeTurn(ctx context.Context, id uuid.UUID, content string, status chat.Status, reason string) (chat.Turn, error) {
	if err := ctx.Err(); err != nil {
		return chat.Turn{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	convID, ok := r.index[id]
	if !ok {
		return chat.Turn{}, chat.ErrTurnNotFound
	}
	turns := r.turns[convID]
	for i := range turns {
		if turns[i].ID != id {
			continue
		}
		if turns[i].Status.Terminal() {
			return chat.Turn{}, chat.ErrTurnFinalized
		}
		now := r.now().UTC()
		turns[i].Content = content
		turns[i].Status = status
		turns[i].Error = reason
		turns[i].CompletedAt = &now
		return turns[i], nil
	}
	return chat.Turn{}, chat.ErrTurnNotFound
}

func (r *ConversationRepository) ListTurns(ctx context.Context, conversationID uuid.UUID, limit int) ([]chat.Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.conversations[conversationID]; !ok {
		return nil, chat.ErrConversationNotFound
	}
	turns := r.turns[conversationID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]chat.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (r *ConversationRepository) FailStalePending(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	now := r.now().UTC()
	for _, turns := range r.turns {
		for i := range turns {
			if turns[i].Status == chat.StatusPending && turns[i].CreatedAt.Before(before) {
				turns[i].Status = chat.StatusFailed
				turns[i].Error = "abandoned"
				turns[i].CompletedAt = &now
				n++
			}
		}
	}
	return n, nil
}
