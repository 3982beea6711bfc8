package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/artem13815/chatrelay/pkg/llm"
	"github.com/artem13815/chatrelay/pkg/tokens"
)

// UseCase оркестрирует ходы диалога и читает данные в пределах владельца.
type UseCase interface {
	// SubmitTurn records a user turn, generates the paired assistant turn and
	// commits it. A nil sink selects a single non-streamed provider call.
	SubmitTurn(ctx context.Context, in SubmitInput, sink Sink) (Result, error)
	// Validate runs the input checks of SubmitTurn without touching the store.
	Validate(in SubmitInput) error
	// GetConversation and ListTurns allow the owner, or any admin actor, to read.
	GetConversation(ctx context.Context, actorID uuid.UUID, isAdmin bool, id uuid.UUID) (Conversation, error)
	ListConversations(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]Conversation, error)
	ListTurns(ctx context.Context, actorID uuid.UUID, isAdmin bool, id uuid.UUID, limit int) ([]Turn, error)
	// RecoverPending fails assistant turns left pending for longer than olderThan.
	RecoverPending(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SubmitInput is one user message. A nil ConversationID starts a new conversation.
type SubmitInput struct {
	ConversationID uuid.UUID
	OwnerID        uuid.UUID
	Content        string
	Temperature    *float32
	MaxTokens      int
	// Model overrides the configured provider model for this turn.
	Model string
}

// Result carries both committed turns of a submission.
type Result struct {
	Conversation  Conversation
	UserTurn      Turn
	AssistantTurn Turn
	Window        WindowStats
}

// Sink receives assistant text increments as they arrive. Returning an error
// detaches the caller: later increments are only buffered.
type Sink func(delta string) error

type Options struct {
	SystemPrompt    string
	Window          WindowPolicy
	Counter         tokens.Counter
	GenerateTimeout time.Duration
	// ProviderRetries applies only while nothing has reached the caller.
	ProviderRetries int
	CommitRetries   int
	RetryBackoff    time.Duration
	// CancelOnDisconnect aborts generation when the caller goes away instead
	// of finishing it for the record.
	CancelOnDisconnect bool
	MaxContentRunes    int
}

func DefaultOptions() Options {
	return Options{
		Window:          WindowPolicy{TokenBudget: 4000},
		Counter:         tokens.Heuristic{},
		GenerateTimeout: 60 * time.Second,
		ProviderRetries: 1,
		CommitRetries:   3,
		RetryBackoff:    100 * time.Millisecond,
		MaxContentRunes: 32000,
	}
}

const (
	commitTimeout = 10 * time.Second
	maxModelLen   = 200
)

type service struct {
	repo  Repository
	model llm.ChatModel
	opts  Options
	now   func() time.Time
}

func NewService(repo Repository, model llm.ChatModel, opts Options) UseCase {
	if opts.Counter == nil {
		opts.Counter = tokens.Heuristic{}
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Millisecond
	}
	return &service{repo: repo, model: model, opts: opts, now: time.Now}
}

func (s *service) Validate(in SubmitInput) error {
	if in.OwnerID == uuid.Nil {
		return ValidationError("owner is required")
	}
	if strings.TrimSpace(in.Content) == "" {
		return ValidationError("content must not be empty")
	}
	if s.opts.MaxContentRunes > 0 && utf8.RuneCountInString(in.Content) > s.opts.MaxContentRunes {
		return ValidationError(fmt.Sprintf("content exceeds %d characters", s.opts.MaxContentRunes))
	}
	if in.Temperature != nil && (*in.Temperature < 0 || *in.Temperature > 2) {
		return ValidationError("temperature must be within [0, 2]")
	}
	if in.MaxTokens < 0 {
		return ValidationError("maxTokens must not be negative")
	}
	if len(in.Model) > maxModelLen || strings.ContainsFunc(in.Model, unicode.IsSpace) {
		return ValidationError("model must be a provider model id")
	}
	return nil
}

func (s *service) SubmitTurn(ctx context.Context, in SubmitInput, sink Sink) (Result, error) {
	if err := s.Validate(in); err != nil {
		return Result{}, err
	}

	conv, history, isNew, err := s.resolve(ctx, in)
	if err != nil {
		return Result{}, err
	}
	log := zerolog.Ctx(ctx).With().Str("conversation_id", conv.ID.String()).Logger()

	reserved := tokens.MessageCost(s.opts.Counter, llm.RoleUser, in.Content)
	if s.opts.SystemPrompt != "" {
		reserved += tokens.MessageCost(s.opts.Counter, llm.RoleSystem, s.opts.SystemPrompt)
	}
	window := BuildWindow(history, s.opts.Window, s.opts.Counter, reserved)

	now := s.now().UTC()
	user := Turn{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Role:           RoleUser,
		Content:        in.Content,
		Status:         StatusComplete,
		CreatedAt:      now,
		CompletedAt:    &now,
	}
	reply := Turn{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Role:           RoleAssistant,
		Status:         StatusPending,
		CreatedAt:      now,
	}
	var pair []Turn
	if isNew {
		pair, err = s.repo.CreateConversation(ctx, conv, user, reply)
	} else {
		pair, err = s.repo.AppendTurns(ctx, conv.ID, user, reply)
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to record user turn")
		return Result{}, storeErr("append turns", err)
	}
	res := Result{Conversation: conv, UserTurn: pair[0], AssistantTurn: pair[1], Window: window.Stats}
	log.Debug().
		Int("seq", res.UserTurn.Seq).
		Int("window_turns", window.Stats.Turns).
		Int("window_tokens", window.Stats.Tokens).
		Bool("stream", sink != nil).
		Msg("user turn recorded")

	req := llm.Request{
		Model:       in.Model,
		System:      s.opts.SystemPrompt,
		Messages:    window.Messages(in.Content),
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
	}
	text, genErr := s.generate(ctx, req, sink)

	status, reason := StatusComplete, ""
	if genErr != nil {
		status, reason = StatusFailed, failureReason(genErr)
		log.Warn().Err(genErr).Str("reason", reason).Msg("generation failed")
	}
	final, err := s.finalize(ctx, res.AssistantTurn.ID, text, status, reason)
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("failed to commit assistant turn")
		res.AssistantTurn.Content = text
		if genErr != nil {
			return res, errors.Join(genErr, storeErr("finalize turn", err))
		}
		return res, storeErr("finalize turn", err)
	}
	res.AssistantTurn = final
	if genErr != nil {
		return res, genErr
	}
	log.Info().Int("seq", final.Seq).Int("chars", utf8.RuneCountInString(text)).Msg("turn committed")
	return res, nil
}

func (s *service) resolve(ctx context.Context, in SubmitInput) (Conversation, []Turn, bool, error) {
	if in.ConversationID == uuid.Nil {
		conv := Conversation{ID: uuid.New(), OwnerID: in.OwnerID, CreatedAt: s.now().UTC()}
		return conv, nil, true, nil
	}
	// Only the owner may write to a conversation.
	conv, err := s.GetConversation(ctx, in.OwnerID, false, in.ConversationID)
	if err != nil {
		return Conversation{}, nil, false, err
	}
	history, err := s.repo.ListTurns(ctx, conv.ID, s.opts.Window.fetchLimit())
	if err != nil {
		return Conversation{}, nil, false, storeErr("list turns", err)
	}
	return conv, history, false, nil
}

// generate runs the provider call under its own deadline. The caller's
// cancellation only reaches the provider when CancelOnDisconnect is set.
func (s *service) generate(ctx context.Context, req llm.Request, sink Sink) (string, error) {
	base := ctx
	if !s.opts.CancelOnDisconnect {
		base = context.WithoutCancel(ctx)
	}
	genCtx, cancel := base, context.CancelFunc(func() {})
	if s.opts.GenerateTimeout > 0 {
		genCtx, cancel = context.WithTimeout(base, s.opts.GenerateTimeout)
	}
	defer cancel()
	log := zerolog.Ctx(ctx)

	var (
		buf      strings.Builder
		received int
		detached bool
		attempt  int
	)
	err := retry.Do(genCtx, s.backoff(s.opts.ProviderRetries), func(ctx context.Context) error {
		attempt++
		buf.Reset()
		var err error
		if sink == nil {
			var text string
			text, err = s.model.Generate(ctx, req)
			buf.WriteString(text)
		} else {
			err = s.consume(ctx, req, sink, &buf, &received, &detached)
		}
		if err == nil {
			return nil
		}
		if received == 0 && isRetryable(err) {
			log.Warn().Err(err).Int("attempt", attempt).Msg("provider call failed, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return buf.String(), nil
	}

	switch {
	case errors.Is(err, ErrCallerGone):
	case errors.Is(genCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, llm.ErrTimeout):
		err = llm.Timeout("orchestrator", err)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		err = ErrCallerGone
	case !errors.Is(err, llm.ErrProvider):
		err = llm.Classify("orchestrator", 0, err)
	}
	return buf.String(), err
}

func (s *service) consume(ctx context.Context, req llm.Request, sink Sink, buf *strings.Builder, received *int, detached *bool) error {
	for delta, err := range s.model.Stream(ctx, req) {
		if err != nil {
			return err
		}
		buf.WriteString(delta)
		*received++
		if *detached {
			continue
		}
		if err := sink(delta); err != nil {
			*detached = true
			zerolog.Ctx(ctx).Info().Err(err).Msg("caller detached from stream")
			if s.opts.CancelOnDisconnect {
				return ErrCallerGone
			}
		}
	}
	return nil
}

// finalize commits the assistant turn on a context detached from the caller,
// retrying transient store failures.
func (s *service) finalize(ctx context.Context, id uuid.UUID, content string, status Status, reason string) (Turn, error) {
	log := zerolog.Ctx(ctx)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	var out Turn
	attempt := 0
	err := retry.Do(ctx, s.backoff(s.opts.CommitRetries), func(ctx context.Context) error {
		attempt++
		t, err := s.repo.FinalizeTurn(ctx, id, content, status, reason)
		if err == nil {
			out = t
			return nil
		}
		if errors.Is(err, ErrTurnFinalized) || errors.Is(err, ErrTurnNotFound) {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("commit failed, retrying")
		return retry.RetryableError(err)
	})
	return out, err
}

func (s *service) backoff(retries int) retry.Backoff {
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), retry.NewExponential(s.opts.RetryBackoff))
}

func isRetryable(err error) bool {
	var pe *llm.ProviderError
	return errors.As(err, &pe) && pe.Retryable
}

// failureReason is the short code stored on a failed turn. Provider messages
// are kept out of storage.
func failureReason(err error) string {
	if errors.Is(err, ErrCallerGone) {
		return "caller_disconnected"
	}
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		if errors.Is(err, llm.ErrTimeout) {
			return llm.CodeTimeout
		}
		return pe.Code
	}
	return llm.CodeProvider
}

func (s *service) GetConversation(ctx context.Context, actorID uuid.UUID, isAdmin bool, id uuid.UUID) (Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, storeErr("get conversation", err)
	}
	if conv.OwnerID != actorID && !isAdmin {
		return Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (s *service) ListConversations(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]Conversation, error) {
	items, err := s.repo.ListConversations(ctx, ownerID, limit, offset)
	return items, storeErr("list conversations", err)
}

func (s *service) ListTurns(ctx context.Context, actorID uuid.UUID, isAdmin bool, id uuid.UUID, limit int) ([]Turn, error) {
	if _, err := s.GetConversation(ctx, actorID, isAdmin, id); err != nil {
		return nil, err
	}
	items, err := s.repo.ListTurns(ctx, id, limit)
	return items, storeErr("list turns", err)
}

func (s *service) RecoverPending(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.repo.FailStalePending(ctx, s.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, storeErr("fail stale turns", err)
	}
	if n > 0 {
		zerolog.Ctx(ctx).Warn().Int64("turns", n).Msg("failed abandoned pending turns")
	}
	return n, nil
}
