package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/artem13815/chatrelay/pkg/chat"
)

// abandonedReason marks turns failed by FailStalePending.
const abandonedReason = "abandoned"

// ConversationRepository implements chat.Repository backed by PostgreSQL (pgx).
// Sequence indices come from conversations.next_seq, which is bumped under a
// row lock inside the same transaction that inserts the turns.
type ConversationRepository struct {
	pool *pgxpool.Pool
}

var _ chat.Repository = (*ConversationRepository)(nil)

// NewConversationRepository expects the schema to be migrated already (see storage/postgres.Migrate).
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

const turnColumns = `id, conversation_id, seq, role, content, status, error, created_at, completed_at`

func (r *ConversationRepository) CreateConversation(ctx context.Context, c chat.Conversation, initial ...chat.Turn) ([]chat.Turn, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO conversations (id, owner_id, next_seq, created_at)
		VALUES ($1, $2, 0, $3)
	`, c.ID, c.OwnerID, c.CreatedAt); err != nil {
		return nil, err
	}
	out, err := appendTx(ctx, tx, c.ID, initial)
	if err != nil {
		return nil, err
	}
	return out, tx.Commit(ctx)
}

func (r *ConversationRepository) GetConversation(ctx context.Context, id uuid.UUID) (chat.Conversation, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, created_at FROM conversations WHERE id = $1
	`, id)
	var c chat.Conversation
	if err := row.Scan(&c.ID, &c.OwnerID, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chat.Conversation{}, chat.ErrConversationNotFound
		}
		return chat.Conversation{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (r *ConversationRepository) ListConversations(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]chat.Conversation, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_id, created_at
		FROM conversations
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, ownerID, lim, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chat.Conversation, 0)
	for rows.Next() {
		var c chat.Conversation
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ConversationRepository) AppendTurn(ctx context.Context, conversationID uuid.UUID, t chat.Turn) (chat.Turn, error) {
	out, err := r.AppendTurns(ctx, conversationID, t)
	if err != nil {
		return chat.Turn{}, err
	}
	return out[0], nil
}

func (r *ConversationRepository) AppendTurns(ctx context.Context, conversationID uuid.UUID, turns ...chat.Turn) ([]chat.Turn, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out, err := appendTx(ctx, tx, conversationID, turns)
	if err != nil {
		return nil, err
	}
	return out, tx.Commit(ctx)
}

// appendTx reserves len(turns) consecutive indices and inserts the turns.
// The UPDATE holds the conversation row lock until the transaction ends, so
// concurrent writers to one conversation are serialized here.
func appendTx(ctx context.Context, tx pgx.Tx, conversationID uuid.UUID, turns []chat.Turn) ([]chat.Turn, error) {
	if len(turns) == 0 {
		return []chat.Turn{}, nil
	}
	var first int
	err := tx.QueryRow(ctx, `
		UPDATE conversations SET next_seq = next_seq + $2
		WHERE id = $1
		RETURNING next_seq - $2
	`, conversationID, len(turns)).Scan(&first)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, chat.ErrConversationNotFound
		}
		return nil, err
	}

	out := make([]chat.Turn, len(turns))
	for i, t := range turns {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}
		t.ConversationID = conversationID
		t.Seq = first + i
		if _, err := tx.Exec(ctx, `
			INSERT INTO turns (`+turnColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, t.ID, t.ConversationID, t.Seq, string(t.Role), t.Content, string(t.Status), t.Error, t.CreatedAt, t.CompletedAt); err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func (r *ConversationRepository) FinalizeTurn(ctx context.Context, id uuid.UUID, content string, status chat.Status, reason string) (chat.Turn, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE turns
		SET content = $2, status = $3, error = $4, completed_at = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING `+turnColumns, id, content, string(status), reason, time.Now().UTC())
	t, err := scanTurn(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return chat.Turn{}, err
	}
	// Nothing updated: either the turn is missing or it is already terminal.
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM turns WHERE id = $1)`, id).Scan(&exists); err != nil {
		return chat.Turn{}, err
	}
	if exists {
		return chat.Turn{}, chat.ErrTurnFinalized
	}
	return chat.Turn{}, chat.ErrTurnNotFound
}

func (r *ConversationRepository) ListTurns(ctx context.Context, conversationID uuid.UUID, limit int) ([]chat.Turn, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+turnColumns+` FROM (
			SELECT `+turnColumns+` FROM turns
			WHERE conversation_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`, conversationID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chat.Turn, 0)
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := r.GetConversation(ctx, conversationID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *ConversationRepository) FailStalePending(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE turns
		SET status = 'failed', error = $2, completed_at = now()
		WHERE status = 'pending' AND created_at < $1
	`, before, abandonedReason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanTurn(row pgx.Row) (chat.Turn, error) {
	var (
		t      chat.Turn
		role   string
		status string
	)
	if err := row.Scan(&t.ID, &t.ConversationID, &t.Seq, &role, &t.Content, &status, &t.Error, &t.CreatedAt, &t.CompletedAt); err != nil {
		return chat.Turn{}, err
	}
	t.Role = chat.Role(role)
	t.Status = chat.Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	if t.CompletedAt != nil {
		utc := t.CompletedAt.UTC()
		t.CompletedAt = &utc
	}
	return t, nil
}
