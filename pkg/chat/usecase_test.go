package chat_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artem13815/chatrelay/pkg/chat"
	"github.com/artem13815/chatrelay/pkg/llm"
	"github.com/artem13815/chatrelay/pkg/llm/mock"
	"github.com/artem13815/chatrelay/pkg/repository/memory"
)

func testOptions() chat.Options {
	opts := chat.DefaultOptions()
	opts.RetryBackoff = time.Millisecond
	opts.GenerateTimeout = 2 * time.Second
	return opts
}

func newService(t *testing.T, opts chat.Options) (chat.UseCase, *memory.ConversationRepository, *mock.Model) {
	t.Helper()
	repo := memory.NewConversationRepository()
	model := mock.New()
	return chat.NewService(repo, model, opts), repo, model
}

func collect(parts *[]string) chat.Sink {
	return func(delta string) error {
		*parts = append(*parts, delta)
		return nil
	}
}

func TestSubmitTurnStartsConversation(t *testing.T) {
	svc, repo, _ := newService(t, testOptions())
	owner := uuid.New()

	res, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{OwnerID: owner, Content: "hello"}, nil)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, res.Conversation.ID)
	assert.Equal(t, owner, res.Conversation.OwnerID)
	assert.Equal(t, 0, res.UserTurn.Seq)
	assert.Equal(t, chat.StatusComplete, res.UserTurn.Status)
	assert.Equal(t, 1, res.AssistantTurn.Seq)
	assert.Equal(t, chat.StatusComplete, res.AssistantTurn.Status)
	assert.Equal(t, "You said: hello", res.AssistantTurn.Content)

	turns, err := repo.ListTurns(context.Background(), res.Conversation.ID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, res.AssistantTurn, turns[1])
}

func TestSubmitTurnStreamMatchesNonStreamed(t *testing.T) {
	svc, _, _ := newService(t, testOptions())
	owner := uuid.New()

	plain, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{OwnerID: owner, Content: "hello world"}, nil)
	require.NoError(t, err)

	var parts []string
	streamed, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{OwnerID: owner, Content: "hello world"}, collect(&parts))
	require.NoError(t, err)

	assert.Equal(t, []string{"You ", "said: ", "hello ", "world"}, parts)
	assert.Equal(t, strings.Join(parts, ""), streamed.AssistantTurn.Content)
	assert.Equal(t, plain.AssistantTurn.Content, streamed.AssistantTurn.Content)
}

func TestSubmitTurnPassesRequestOptions(t *testing.T) {
	svc, _, model := newService(t, testOptions())

	_, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{
		OwnerID: uuid.New(), Content: "hi", Model: "openai/gpt-4o-mini", Temperature: llm.Float32(0), MaxTokens: 32,
	}, nil)
	require.NoError(t, err)

	reqs := model.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "openai/gpt-4o-mini", reqs[0].Model)
	require.NotNil(t, reqs[0].Temperature)
	assert.Zero(t, *reqs[0].Temperature)
	assert.Equal(t, 32, reqs[0].MaxTokens)
}

func TestSubmitTurnRejectsInvalidInput(t *testing.T) {
	svc, repo, model := newService(t, testOptions())
	owner := uuid.New()

	cases := map[string]chat.SubmitInput{
		"empty":       {OwnerID: owner, Content: ""},
		"blank":       {OwnerID: owner, Content: "  \n\t"},
		"no owner":    {Content: "hi"},
		"temperature": {OwnerID: owner, Content: "hi", Temperature: llm.Float32(3)},
		"max tokens":  {OwnerID: owner, Content: "hi", MaxTokens: -1},
		"model":       {OwnerID: owner, Content: "hi", Model: "gpt 4"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.SubmitTurn(context.Background(), in, nil)
			var verr chat.ValidationError
			assert.True(t, errors.As(err, &verr), "got %v", err)
		})
	}

	items, err := repo.ListConversations(context.Background(), owner, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, model.Requests())
}

func TestSubmitTurnProviderFailure(t *testing.T) {
	svc, repo, model := newService(t, testOptions())
	model.Reply = func(int, llm.Request) (string, error) { return "", errors.New("boom") }

	res, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{OwnerID: uuid.New(), Content: "hi"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrProvider)

	turns, err := repo.ListTurns(context.Background(), res.Conversation.ID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, chat.StatusComplete, turns[0].Status)
	assert.Equal(t, "hi", turns[0].Content)
	assert.Equal(t, chat.StatusFailed, turns[1].Status)
	assert.Equal(t, llm.CodeProvider, turns[1].Error)
	assert.NotContains(t, turns[1].Error, "boom")
}

func TestSubmitTurnConcurrentPairsStayAdjacent(t *testing.T) {
	svc, repo, _ := newService(t, testOptions())
	owner := uuid.New()
	first, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{OwnerID: owner, Content: "start"}, nil)
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{
				ConversationID: first.Conversation.ID,
				OwnerID:        owner,
				Content:        fmt.Sprintf("message %d", i),
			}, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	turns, err := repo.ListTurns(context.Background(), first.Conversation.ID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2*(callers+1))
	for i := 0; i < len(turns); i += 2 {
		user, reply := turns[i], turns[i+1]
		assert.Equal(t, i, user.Seq)
		assert.Equal(t, chat.RoleUser, user.Role)
		assert.Equal(t, chat.RoleAssistant, reply.Role)
		assert.Equal(t, "You said: "+user.Content, reply.Content)
	}
}

func TestSubmitTurnWindowLimitsPriorTurns(t *testing.T) {
	opts := testOptions()
	opts.Window = chat.WindowPolicy{MaxTurns: 2}
	opts.SystemPrompt = "be brief"
	svc, _, model := newService(t, opts)
	owner := uuid.New()

	var convID uuid.UUID
	for i := 0; i < 4; i++ {
		res, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{
			ConversationID: convID, OwnerID: owner, Content: fmt.Sprintf("q%d", i),
		}, nil)
		require.NoError(t, err)
		convID = res.Conversation.ID
	}

	reqs := model.Requests()
	require.Len(t, reqs, 4)
	assert.Len(t, reqs[0].Messages, 1)
	last := reqs[3]
	assert.Equal(t, "be brief", last.System)
	require.Len(t, last.Messages, 3)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "q2"}, last.Messages[0])
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: "You said: q2"}, last.Messages[1])
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "q3"}, last.Messages[2])
}

func TestSubmitTurnFailedTurnsStayOutOfContext(t *testing.T) {
	svc, _, model := newService(t, testOptions())
	model.Reply = func(call int, req llm.Request) (string, error) {
		if call == 1 {
			return "", errors.New("boom")
		}
		return mock.Echo(req), nil
	}
	owner := uuid.New()

	res, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{OwnerID: owner, Content: "first"}, nil)
	require.Error(t, err)
	_, err = svc.SubmitTurn(context.Background(), chat.SubmitInput{
		ConversationID: res.Conversation.ID, OwnerID: owner, Content: "second",
	}, nil)
	require.NoError(t, err)

	reqs := model.Requests()
	require.Len(t, reqs, 2)
	// The unanswered "first" is dropped along with its failed reply.
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "second"},
	}, reqs[1].Messages)
}

func TestSubmitTurnTimeout(t *testing.T) {
	opts := testOptions()
	opts.GenerateTimeout = 20 * time.Millisecond
	svc, repo, model := newService(t, opts)
	model.Delay = time.Second

	res, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{OwnerID: uuid.New(), Content: "hi"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrTimeout)
	assert.ErrorIs(t, err, llm.ErrProvider)

	turns, err := repo.ListTurns(context.Background(), res.Conversation.ID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, chat.StatusFailed, turns[1].Status)
	assert.Equal(t, llm.CodeTimeout, turns[1].Error)
}

func TestSubmitTurnCallerLeavesStreamKeepsGenerating(t *testing.T) {
	svc, repo, _ := newService(t, testOptions())

	calls := 0
	sink := func(string) error {
		calls++
		return errors.New("broken pipe")
	}
	res, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{OwnerID: uuid.New(), Content: "hello world"}, sink)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	turns, err := repo.ListTurns(context.Background(), res.Conversation.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusComplete, turns[1].Status)
	assert.Equal(t, "You said: hello world", turns[1].Content)
}

func TestSubmitTurnCanceledContextStillCommits(t *testing.T) {
	svc, repo, model := newService(t, testOptions())
	model.Delay = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	sink := func(string) error {
		cancel()
		return nil
	}
	res, err := svc.SubmitTurn(ctx, chat.SubmitInput{OwnerID: uuid.New(), Content: "hello world"}, sink)
	require.NoError(t, err)

	turns, err := repo.ListTurns(context.Background(), res.Conversation.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusComplete, turns[1].Status)
	assert.Equal(t, "You said: hello world", turns[1].Content)
}

func TestSubmitTurnCancelOnDisconnect(t *testing.T) {
	opts := testOptions()
	opts.CancelOnDisconnect = true
	svc, repo, _ := newService(t, opts)

	sink := func(string) error { return errors.New("broken pipe") }
	res, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{OwnerID: uuid.New(), Content: "hello world"}, sink)
	require.ErrorIs(t, err, chat.ErrCallerGone)

	turns, err := repo.ListTurns(context.Background(), res.Conversation.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusFailed, turns[1].Status)
	assert.Equal(t, "caller_disconnected", turns[1].Error)
}

func TestSubmitTurnRetriesProviderBeforeFirstChunk(t *testing.T) {
	svc, _, model := newService(t, testOptions())
	model.Reply = func(call int, req llm.Request) (string, error) {
		if call == 1 {
			return "", &llm.ProviderError{Provider: "mock", Code: llm.CodeProvider, StatusCode: 503, Retryable: true, Err: errors.New("unavailable")}
		}
		return "ok then", nil
	}

	var parts []string
	res, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{OwnerID: uuid.New(), Content: "hi"}, collect(&parts))
	require.NoError(t, err)
	assert.Equal(t, "ok then", res.AssistantTurn.Content)
	assert.Equal(t, []string{"ok ", "then"}, parts)
	assert.Len(t, model.Requests(), 2)
}

func TestSubmitTurnNoRetryAfterPartialStream(t *testing.T) {
	svc, _, model := newService(t, testOptions())
	model.StreamErr = &llm.ProviderError{Provider: "mock", Code: llm.CodeProvider, Retryable: true, Err: errors.New("reset")}
	model.StreamErrAfter = 1

	var parts []string
	res, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{OwnerID: uuid.New(), Content: "hello world"}, collect(&parts))
	require.ErrorIs(t, err, llm.ErrProvider)
	assert.Equal(t, []string{"You "}, parts)
	assert.Len(t, model.Requests(), 1)
	assert.Equal(t, chat.StatusFailed, res.AssistantTurn.Status)
}

type flakyRepo struct {
	*memory.ConversationRepository
	failures int32
	calls    atomic.Int32
}

func (r *flakyRepo) FinalizeTurn(ctx context.Context, id uuid.UUID, content string, status chat.Status, reason string) (chat.Turn, error) {
	if r.calls.Add(1) <= r.failures {
		return chat.Turn{}, errors.New("connection reset")
	}
	return r.ConversationRepository.FinalizeTurn(ctx, id, content, status, reason)
}

func TestSubmitTurnRetriesCommit(t *testing.T) {
	repo := &flakyRepo{ConversationRepository: memory.NewConversationRepository(), failures: 2}
	svc := chat.NewService(repo, mock.New(), testOptions())

	res, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{OwnerID: uuid.New(), Content: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusComplete, res.AssistantTurn.Status)
	assert.EqualValues(t, 3, repo.calls.Load())
}

func TestSubmitTurnCommitFailure(t *testing.T) {
	repo := &flakyRepo{ConversationRepository: memory.NewConversationRepository(), failures: 100}
	svc := chat.NewService(repo, mock.New(), testOptions())

	res, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{OwnerID: uuid.New(), Content: "hi"}, nil)
	var serr *chat.StoreError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, "You said: hi", res.AssistantTurn.Content)
	assert.EqualValues(t, 4, repo.calls.Load())

	turns, err := repo.ListTurns(context.Background(), res.Conversation.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusComplete, turns[0].Status)
	assert.Equal(t, chat.StatusPending, turns[1].Status)
}

func TestRunRecoveryFailsTurnAfterLostCommit(t *testing.T) {
	repo := &flakyRepo{ConversationRepository: memory.NewConversationRepository(), failures: 100}
	svc := chat.NewService(repo, mock.New(), testOptions())

	res, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{OwnerID: uuid.New(), Content: "hi"}, nil)
	var serr *chat.StoreError
	require.True(t, errors.As(err, &serr), "got %v", err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		chat.RunRecovery(ctx, svc, 5*time.Millisecond, time.Millisecond)
	}()

	assert.Eventually(t, func() bool {
		turns, err := repo.ListTurns(context.Background(), res.Conversation.ID, 0)
		return err == nil && len(turns) == 2 && turns[1].Status == chat.StatusFailed
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recovery loop did not stop after cancel")
	}

	turns, err := repo.ListTurns(context.Background(), res.Conversation.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "abandoned", turns[1].Error)
	assert.NotNil(t, turns[1].CompletedAt)
	assert.Equal(t, chat.StatusComplete, turns[0].Status)
}

func TestRunRecoveryDisabled(t *testing.T) {
	svc, _, _ := newService(t, testOptions())
	done := make(chan struct{})
	go func() {
		defer close(done)
		chat.RunRecovery(context.Background(), svc, 0, time.Minute)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled recovery should return immediately")
	}
}

func TestSubmitTurnUnknownConversation(t *testing.T) {
	svc, _, model := newService(t, testOptions())

	_, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{
		ConversationID: uuid.New(), OwnerID: uuid.New(), Content: "hi",
	}, nil)
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)
	assert.Empty(t, model.Requests())
}

func TestConversationsAreOwnerScoped(t *testing.T) {
	svc, repo, _ := newService(t, testOptions())
	owner, stranger := uuid.New(), uuid.New()
	res, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{OwnerID: owner, Content: "hi"}, nil)
	require.NoError(t, err)
	id := res.Conversation.ID

	_, err = svc.SubmitTurn(context.Background(), chat.SubmitInput{ConversationID: id, OwnerID: stranger, Content: "hi"}, nil)
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)
	_, err = svc.GetConversation(context.Background(), stranger, false, id)
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)
	_, err = svc.ListTurns(context.Background(), stranger, false, id, 0)
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)

	turns, err := svc.ListTurns(context.Background(), owner, false, id, 0)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
	stored, err := repo.ListTurns(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	items, err := svc.ListConversations(context.Background(), stranger, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
	items, err = svc.ListConversations(context.Background(), owner, 10, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestAdminReadsAnyConversation(t *testing.T) {
	svc, _, model := newService(t, testOptions())
	owner, admin := uuid.New(), uuid.New()
	res, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{OwnerID: owner, Content: "hi"}, nil)
	require.NoError(t, err)
	id := res.Conversation.ID

	conv, err := svc.GetConversation(context.Background(), admin, true, id)
	require.NoError(t, err)
	assert.Equal(t, owner, conv.OwnerID)
	turns, err := svc.ListTurns(context.Background(), admin, true, id, 0)
	require.NoError(t, err)
	assert.Len(t, turns, 2)

	// Reads only: an admin cannot post into someone else's conversation.
	_, err = svc.SubmitTurn(context.Background(), chat.SubmitInput{ConversationID: id, OwnerID: admin, Content: "hey"}, nil)
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)
	assert.Len(t, model.Requests(), 1)
}

func TestRecoverPending(t *testing.T) {
	svc, repo, _ := newService(t, testOptions())
	c := chat.Conversation{ID: uuid.New(), OwnerID: uuid.New()}
	_, err := repo.CreateConversation(context.Background(), c,
		chat.Turn{Role: chat.RoleUser, Content: "hi", Status: chat.StatusComplete, CreatedAt: time.Now().Add(-time.Hour)},
		chat.Turn{Role: chat.RoleAssistant, Status: chat.StatusPending, CreatedAt: time.Now().Add(-time.Hour)},
	)
	require.NoError(t, err)

	n, err := svc.RecoverPending(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = svc.RecoverPending(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitTurnTwoConcurrentOnEmptyConversation(t *testing.T) {
	svc, repo, model := newService(t, testOptions())
	model.Delay = 2 * time.Millisecond
	owner := uuid.New()
	c := chat.Conversation{ID: uuid.New(), OwnerID: owner}
	_, err := repo.CreateConversation(context.Background(), c)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, text := range []string{"left", "right"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			_, err := svc.SubmitTurn(context.Background(), chat.SubmitInput{ConversationID: c.ID, OwnerID: owner, Content: text}, nil)
			assert.NoError(t, err)
		}(text)
	}
	wg.Wait()

	turns, err := repo.ListTurns(context.Background(), c.ID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	for i, tr := range turns {
		assert.Equal(t, i, tr.Seq)
		assert.Equal(t, chat.StatusComplete, tr.Status)
	}
	assert.Equal(t, "You said: "+turns[0].Content, turns[1].Content)
	assert.Equal(t, "You said: "+turns[2].Content, turns[3].Content)
}
