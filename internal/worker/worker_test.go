package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-stream/internal/broker"
	"go-chat-stream/internal/llm"
	"go-chat-stream/internal/models"
	"go-chat-stream/internal/queue"
	"go-chat-stream/internal/store"
)

type fakeBackend struct {
	mu       sync.Mutex
	tokens   []string
	err      error
	title    string
	titleErr error
	streamed []llm.ChatCompletionRequest
	titled   []llm.ChatCompletionRequest
	gate     chan struct{}
}

func (f *fakeBackend) Complete(ctx context.Context, req llm.ChatCompletionRequest) (string, error) {
	f.mu.Lock()
	f.titled = append(f.titled, req)
	f.mu.Unlock()
	if f.titleErr != nil {
		return "", f.titleErr
	}
	return f.title, nil
}

func (f *fakeBackend) Stream(ctx context.Context, req llm.ChatCompletionRequest, onToken func(string) error) error {
	f.mu.Lock()
	f.streamed = append(f.streamed, req)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	for _, tok := range f.tokens {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBackend) streamCalls() []llm.ChatCompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.ChatCompletionRequest(nil), f.streamed...)
}

func (f *fakeBackend) titleCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.titled)
}

type fixture struct {
	store   *store.SQLStore
	broker  *broker.MemoryBroker
	backend *fakeBackend
	proc    *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	b := broker.NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })

	backend := &fakeBackend{title: "Greeting Exchange"}
	proc := NewProcessor(s, backend, b, Defaults{Model: "qwen3:8b", Temperature: 0.7, MaxTokens: 2048}, time.Second)
	return &fixture{store: s, broker: b, backend: backend, proc: proc}
}

func (f *fixture) conversation(t *testing.T, conv models.Conversation) models.Conversation {
	t.Helper()
	if conv.UserID == "" {
		conv.UserID = "alice"
	}
	created, err := f.store.CreateConversation(context.Background(), conv)
	require.NoError(t, err)
	return created
}

func (f *fixture) message(t *testing.T, convID string, role models.Role, content string) models.Message {
	t.Helper()
	msg, err := f.store.CreateMessage(context.Background(), convID, role, content)
	require.NoError(t, err)
	return msg
}

func (f *fixture) subscribe(t *testing.T, convID string) broker.Subscription {
	t.Helper()
	sub, err := f.broker.Subscribe(context.Background(), convID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

// drain reads events until a terminal one arrives.
func drain(t *testing.T, sub broker.Subscription) []models.StreamEvent {
	t.Helper()
	var events []models.StreamEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed early")
			events = append(events, ev)
			if ev.Terminal() {
				return events
			}
		case <-timeout:
			t.Fatalf("no terminal event after %d events", len(events))
		}
	}
}

func TestProcessFollowUpMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, models.Conversation{})
	f.message(t, conv.ID, models.RoleUser, "Hi")
	msg := f.message(t, conv.ID, models.RoleUser, "What's 2+2?")
	f.backend.tokens = []string{"4", "."}

	sub := f.subscribe(t, conv.ID)
	job := models.Job{ID: "job-1", ConversationID: conv.ID, MessageID: msg.ID}
	require.NoError(t, f.proc.Process(ctx, job))
	f.proc.Wait()

	assert.Equal(t, []models.StreamEvent{models.Token("4"), models.Token("."), models.Done()}, drain(t, sub))

	calls := f.backend.streamCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []models.PromptMessage{
		{Role: models.RoleUser, Content: "Hi"},
		{Role: models.RoleUser, Content: "What's 2+2?"},
	}, calls[0].Messages)

	history, err := f.store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.RoleAssistant, history[2].Role)
	assert.Equal(t, "4.", history[2].Content)
	assert.Zero(t, f.backend.titleCalls())
}

func TestProcessPartialStreamFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, models.Conversation{})
	f.message(t, conv.ID, models.RoleUser, "Hi")
	f.message(t, conv.ID, models.RoleAssistant, "Hello!")
	f.message(t, conv.ID, models.RoleUser, "Tell me a story")
	backend := &partialBackend{tokens: []string{"Once", " upon"}, err: models.ErrMalformedUpstreamEvent}
	proc := NewProcessor(f.store, backend, f.broker, Defaults{}, time.Second)

	sub := f.subscribe(t, conv.ID)
	err := proc.Process(ctx, models.Job{ID: "job-1", ConversationID: conv.ID})
	assert.ErrorIs(t, err, models.ErrMalformedUpstreamEvent)

	events := drain(t, sub)
	require.Len(t, events, 3)
	assert.Equal(t, models.Token("Once"), events[0])
	assert.Equal(t, models.EventError, events[2].Type)

	history, err := f.store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

type partialBackend struct {
	tokens []string
	err    error
}

func (b *partialBackend) Complete(ctx context.Context, req llm.ChatCompletionRequest) (string, error) {
	return "", nil
}

func (b *partialBackend) Stream(ctx context.Context, req llm.ChatCompletionRequest, onToken func(string) error) error {
	for _, tok := range b.tokens {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return b.err
}

func TestProcessBackendFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, models.Conversation{})
	f.message(t, conv.ID, models.RoleUser, "Hi")
	f.backend.err = fmt.Errorf("%w: LLM error 503: overloaded", models.ErrBackendUnavailable)

	sub := f.subscribe(t, conv.ID)
	err := f.proc.Process(ctx, models.Job{ID: "job-1", ConversationID: conv.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrJobFatal)
	assert.ErrorIs(t, err, models.ErrBackendUnavailable)

	events := drain(t, sub)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventError, events[0].Type)
	assert.Contains(t, events[0].Message, "503")

	history, err := f.store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestProcessMissingConversation(t *testing.T) {
	f := newFixture(t)
	convID := "00000000-0000-0000-0000-000000000000"
	sub := f.subscribe(t, convID)

	err := f.proc.Process(context.Background(), models.Job{ID: "job-1", ConversationID: convID})
	assert.ErrorIs(t, err, models.ErrConversationNotFound)

	events := drain(t, sub)
	assert.Equal(t, []models.StreamEvent{models.Error(models.ErrConversationNotFound.Error())}, events)
	assert.Empty(t, f.backend.streamCalls())
}

func TestProcessUsesConversationSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	modelID, err := f.store.EnsureModel(ctx, "llama3:70b", "")
	require.NoError(t, err)
	prompt := "You are terse."
	temperature := 0.1
	maxTokens := 64
	conv := f.conversation(t, models.Conversation{ModelID: &modelID, SystemPrompt: &prompt, Temperature: &temperature, MaxTokens: &maxTokens})
	f.message(t, conv.ID, models.RoleUser, "Hi")

	require.NoError(t, f.proc.Process(ctx, models.Job{ID: "job-1", ConversationID: conv.ID}))
	f.proc.Wait()

	calls := f.backend.streamCalls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, "llama3:70b", req.Model)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.1, *req.Temperature)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 64, *req.MaxTokens)
	assert.Equal(t, models.PromptMessage{Role: models.RoleSystem, Content: prompt}, req.Messages[0])
}

func TestProcessAppliesDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, models.Conversation{})
	f.message(t, conv.ID, models.RoleUser, "Hi")

	require.NoError(t, f.proc.Process(ctx, models.Job{ID: "job-1", ConversationID: conv.ID}))
	f.proc.Wait()

	req := f.backend.streamCalls()[0]
	assert.Equal(t, "qwen3:8b", req.Model)
	assert.Equal(t, 0.7, *req.Temperature)
	assert.Equal(t, 2048, *req.MaxTokens)
	assert.Len(t, req.Messages, 1)
}

func TestProcessTitlesFirstExchange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, models.Conversation{})
	f.message(t, conv.ID, models.RoleUser, "Hi")
	f.backend.tokens = []string{"Hello", "!"}
	f.backend.title = "<think>hmm</think>\n\"Friendly Greeting Between Two Parties Today Here.\""

	require.NoError(t, f.proc.Process(ctx, models.Job{ID: "job-1", ConversationID: conv.ID}))
	f.proc.Wait()

	assert.Equal(t, 1, f.backend.titleCalls())
	got, err := f.store.OwnedConversation(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Friendly Greeting Between Two Parties Today", got.Title)
}

func TestProcessTitleFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, models.Conversation{})
	f.message(t, conv.ID, models.RoleUser, "Hi")
	f.backend.tokens = []string{"Hello", "!"}
	f.backend.titleErr = fmt.Errorf("%w: LLM error 500: boom", models.ErrBackendUnavailable)

	sub := f.subscribe(t, conv.ID)
	require.NoError(t, f.proc.Process(ctx, models.Job{ID: "job-1", ConversationID: conv.ID}))
	f.proc.Wait()

	assert.Equal(t, []models.StreamEvent{models.Token("Hello"), models.Token("!"), models.Done()}, drain(t, sub))
	assert.Equal(t, 1, f.backend.titleCalls())

	history, err := f.store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Hello!", history[1].Content)

	got, err := f.store.OwnedConversation(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "New Conversation", got.Title)
}

func TestProcessEmptyTitleIsSwallowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, models.Conversation{})
	f.message(t, conv.ID, models.RoleUser, "Hi")
	f.backend.title = "<think>nothing useful</think>"

	require.NoError(t, f.proc.Process(ctx, models.Job{ID: "job-1", ConversationID: conv.ID}))
	f.proc.Wait()

	got, err := f.store.OwnedConversation(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "New Conversation", got.Title)
}

func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, models.Conversation{})
	f.message(t, conv.ID, models.RoleUser, "Hi")
	f.backend.tokens = []string{"Hello"}

	job := models.Job{ID: "job-1", ConversationID: conv.ID}
	require.NoError(t, f.proc.Process(ctx, job))
	f.proc.Wait()
	require.NoError(t, f.proc.Process(ctx, job))
	f.proc.Wait()

	history, err := f.store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, 1, f.backend.titleCalls())
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"Weekend Hiking Plans", "Weekend Hiking Plans"},
		{"<think>\nlet me think\n</think>\n\nTitle: \"Cooking Pasta Tips\"", "Cooking Pasta Tips"},
		{"one two three four five six seven eight", "one two three four five six"},
		{"Debugging Go Channels.", "Debugging Go Channels"},
		{"<think>only thoughts</think>", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanTitle(tt.raw), tt.raw)
	}
}

func TestFirstExchange(t *testing.T) {
	user := models.Message{Role: models.RoleUser}
	assistant := models.Message{Role: models.RoleAssistant}
	assert.True(t, firstExchange([]models.Message{user}))
	assert.False(t, firstExchange([]models.Message{user, assistant, user}))
	assert.False(t, firstExchange(nil))
}

func TestWorkerPoolRunsJobsOneAtATime(t *testing.T) {
	f := newFixture(t)
	q := queue.NewMemoryQueue(1)
	gate := make(chan struct{})
	f.backend.gate = gate
	f.backend.tokens = []string{"ok"}

	first := f.conversation(t, models.Conversation{})
	f.message(t, first.ID, models.RoleUser, "one")
	second := f.conversation(t, models.Conversation{})
	f.message(t, second.ID, models.RoleUser, "two")

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewWorkerPool(ctx, 1, f.proc, q, 5*time.Second)
	require.NoError(t, pool.Init())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()

	require.NoError(t, q.Enqueue(ctx, models.Job{ConversationID: first.ID}))
	require.NoError(t, q.Enqueue(ctx, models.Job{ConversationID: second.ID}))

	require.Eventually(t, func() bool { return len(f.backend.streamCalls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	// The second job stays queued while the first one runs.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.backend.streamCalls(), 1)

	close(gate)
	require.Eventually(t, func() bool {
		pending, _ := q.Pending(ctx, second.ID)
		return !pending
	}, 2*time.Second, 10*time.Millisecond)

	calls := f.backend.streamCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "one", calls[0].Messages[0].Content)
	assert.Equal(t, "two", calls[1].Messages[0].Content)

	cancel()
	<-done
	pool.Stop()
	f.proc.Wait()
}

func TestWorkerPoolFailsJobs(t *testing.T) {
	f := newFixture(t)
	q := queue.NewMemoryQueue(2)
	f.backend.err = models.ErrBackendUnavailable

	conv := f.conversation(t, models.Conversation{})
	f.message(t, conv.ID, models.RoleUser, "Hi")

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewWorkerPool(ctx, 1, f.proc, q, time.Second)
	require.NoError(t, pool.Init())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()

	require.NoError(t, q.Enqueue(ctx, models.Job{ConversationID: conv.ID}))
	require.Eventually(t, func() bool { return len(q.Failed()) == 1 }, 2*time.Second, 10*time.Millisecond)

	failed := q.Failed()[0]
	assert.Equal(t, 1, failed.Job.Attempts)
	assert.Contains(t, failed.Reason, models.ErrBackendUnavailable.Error())
	assert.Len(t, f.backend.streamCalls(), 2)

	pending, err := q.Pending(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, pending)

	cancel()
	<-done
	pool.Stop()
}

// cancellingQueue cancels the pool context while a job is being handed out.
type cancellingQueue struct {
	*queue.MemoryQueue
	cancel context.CancelFunc
}

func (q cancellingQueue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	d, err := q.MemoryQueue.Dequeue(ctx)
	q.cancel()
	return d, err
}

func TestWorkerPoolFinishesJobDequeuedDuringShutdown(t *testing.T) {
	f := newFixture(t)
	f.backend.tokens = []string{"ok"}
	conv := f.conversation(t, models.Conversation{})
	f.message(t, conv.ID, models.RoleUser, "Hi")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := queue.NewMemoryQueue(1)
	require.NoError(t, q.Enqueue(ctx, models.Job{ConversationID: conv.ID}))

	pool := NewWorkerPool(ctx, 1, f.proc, cancellingQueue{MemoryQueue: q, cancel: cancel}, time.Second)
	require.NoError(t, pool.Init())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	pool.Stop()
	f.proc.Wait()

	assert.Len(t, f.backend.streamCalls(), 1)
	pending, err := q.Pending(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.False(t, pending)
	history, err := f.store.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
