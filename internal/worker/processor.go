package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go-chat-stream/internal/broker"
	"go-chat-stream/internal/llm"
	"go-chat-stream/internal/models"
	"go-chat-stream/internal/sender"
)

// ConversationStore is what the processor reads and writes for one job.
type ConversationStore interface {
	ConversationContext(ctx context.Context, conversationID string) (models.ConversationContext, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	SaveAssistantMessage(ctx context.Context, conversationID, jobID, content string) (models.Message, bool, error)
	UpdateTitle(ctx context.Context, conversationID, title string) error
}

// Defaults apply when a conversation leaves a setting unset.
type Defaults struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Processor turns one job into a streamed and persisted assistant reply.
type Processor struct {
	store        ConversationStore
	backend      llm.Backend
	broker       broker.Broker
	defaults     Defaults
	titleTimeout time.Duration

	titles sync.WaitGroup
}

func NewProcessor(store ConversationStore, backend llm.Backend, b broker.Broker, defaults Defaults, titleTimeout time.Duration) *Processor {
	if defaults.Model == "" {
		defaults.Model = "qwen3:8b"
	}
	if defaults.MaxTokens == 0 {
		defaults.MaxTokens = 2048
	}
	if titleTimeout <= 0 {
		titleTimeout = 30 * time.Second
	}
	return &Processor{
		store:        store,
		backend:      backend,
		broker:       b,
		defaults:     defaults,
		titleTimeout: titleTimeout,
	}
}

// Process runs the job. Tokens are published to the conversation channel as the
// backend produces them; Done is published before the reply is persisted. Any
// failure before that publishes Error instead and nothing is persisted. Errors
// returned wrap models.ErrJobFatal.
func (p *Processor) Process(ctx context.Context, job models.Job) error {
	out := sender.NewSender(p.broker, job.ConversationID, job.ID)

	req, history, err := p.prepare(ctx, job)
	if err != nil {
		return p.fail(ctx, out, job, err)
	}

	slog.Info("Streaming from backend", "jobID", job.ID, "conversationID", job.ConversationID, "model", req.Model, "messages", len(req.Messages))
	var content strings.Builder
	err = p.backend.Stream(ctx, req, func(token string) error {
		out.Token(ctx, token)
		content.WriteString(token)
		return nil
	})
	if err != nil {
		return p.fail(ctx, out, job, err)
	}

	out.Done(ctx)

	// Done is already out, so a persistence failure is reported to the queue only.
	saved, created, err := p.store.SaveAssistantMessage(ctx, job.ConversationID, job.ID, content.String())
	if err != nil {
		return fmt.Errorf("%w: job %s: save assistant message: %w", models.ErrJobFatal, job.ID, err)
	}
	sent, dropped := out.Stats()
	slog.Info("Saved assistant message", "jobID", job.ID, "messageID", saved.ID, "created", created, "published", sent, "dropped", dropped)

	if created && firstExchange(history) {
		p.titleAsync(job, req.Model, history, content.String())
	}
	return nil
}

func (p *Processor) prepare(ctx context.Context, job models.Job) (llm.ChatCompletionRequest, []models.Message, error) {
	cc, err := p.store.ConversationContext(ctx, job.ConversationID)
	if err != nil {
		return llm.ChatCompletionRequest{}, nil, err
	}
	history, err := p.store.ListMessages(ctx, job.ConversationID)
	if err != nil {
		return llm.ChatCompletionRequest{}, nil, err
	}
	return p.request(cc, history), history, nil
}

func (p *Processor) request(cc models.ConversationContext, history []models.Message) llm.ChatCompletionRequest {
	prompt := make([]models.PromptMessage, 0, len(history)+1)
	if cc.SystemPrompt != nil && *cc.SystemPrompt != "" {
		prompt = append(prompt, models.PromptMessage{Role: models.RoleSystem, Content: *cc.SystemPrompt})
	}
	for _, m := range history {
		prompt = append(prompt, models.PromptMessage{Role: m.Role, Content: m.Content})
	}

	model := cc.ModelIdentifier
	if model == "" {
		model = p.defaults.Model
	}
	temperature := p.defaults.Temperature
	if cc.Temperature != nil {
		temperature = *cc.Temperature
	}
	maxTokens := p.defaults.MaxTokens
	if cc.MaxTokens != nil {
		maxTokens = *cc.MaxTokens
	}
	return llm.ChatCompletionRequest{
		Model:       model,
		Messages:    prompt,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}
}

func (p *Processor) fail(ctx context.Context, out *sender.Sender, job models.Job, cause error) error {
	// The job context may be what failed; the subscriber still gets told.
	out.Error(context.WithoutCancel(ctx), publicMessage(cause))
	return fmt.Errorf("%w: job %s: %w", models.ErrJobFatal, job.ID, cause)
}

func publicMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrConversationNotFound):
		return models.ErrConversationNotFound.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "inference timed out"
	default:
		return err.Error()
	}
}

// firstExchange reports whether history holds exactly one user message and no reply yet.
func firstExchange(history []models.Message) bool {
	users := 0
	for _, m := range history {
		switch m.Role {
		case models.RoleUser:
			users++
		case models.RoleAssistant:
			return false
		}
	}
	return users == 1
}

// Wait blocks until background title generations have finished.
func (p *Processor) Wait() {
	p.titles.Wait()
}
