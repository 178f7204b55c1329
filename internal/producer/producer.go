package producer

import (
	"context"
	"fmt"
	"log/slog"

	"go-chat-stream/internal/models"
	"go-chat-stream/internal/queue"
)

type MessageStore interface {
	OwnedConversation(ctx context.Context, userID, conversationID string) (models.Conversation, error)
	CreateMessage(ctx context.Context, conversationID string, role models.Role, content string) (models.Message, error)
}

type Producer struct {
	store MessageStore
	queue queue.QueueService
}

func NewProducer(store MessageStore, qs queue.QueueService) *Producer {
	return &Producer{store: store, queue: qs}
}

// CreateMessage stores a user message and enqueues the job that answers it.
// A conversation the user does not own yields models.ErrConversationNotFound.
func (p *Producer) CreateMessage(ctx context.Context, userID, conversationID, content string) (models.Message, error) {
	if _, err := p.store.OwnedConversation(ctx, userID, conversationID); err != nil {
		return models.Message{}, err
	}
	msg, err := p.store.CreateMessage(ctx, conversationID, models.RoleUser, content)
	if err != nil {
		return models.Message{}, err
	}
	job := models.Job{ConversationID: conversationID, MessageID: msg.ID}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		return models.Message{}, fmt.Errorf("enqueue job for message %s: %w", msg.ID, err)
	}
	slog.Info("Enqueued inference job", "conversationID", conversationID, "messageID", msg.ID)
	return msg, nil
}
