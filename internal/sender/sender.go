package sender

import (
	"context"
	"log/slog"

	"go-chat-stream/internal/broker"
	"go-chat-stream/internal/models"
)

type SenderService interface {
	Send(ctx context.Context, event models.StreamEvent) error
}

// Sender publishes one job's events onto its conversation channel, one at a
// time and in call order. Publishing is best-effort: failures are logged and
// never abort the job.
type Sender struct {
	broker         broker.Broker
	conversationID string
	jobID          string
	sent           int
	dropped        int
}

func NewSender(b broker.Broker, conversationID, jobID string) *Sender {
	return &Sender{broker: b, conversationID: conversationID, jobID: jobID}
}

func (s *Sender) Send(ctx context.Context, event models.StreamEvent) error {
	if err := s.broker.Publish(ctx, s.conversationID, event); err != nil {
		s.dropped++
		slog.Warn("Failed to publish stream event", "jobID", s.jobID, "conversationID", s.conversationID, "type", event.Type, "error", err)
		return err
	}
	s.sent++
	return nil
}

func (s *Sender) Token(ctx context.Context, text string) { _ = s.Send(ctx, models.Token(text)) }

func (s *Sender) Done(ctx context.Context) { _ = s.Send(ctx, models.Done()) }

func (s *Sender) Error(ctx context.Context, message string) { _ = s.Send(ctx, models.Error(message)) }

// Stats returns how many events were published and how many failed to publish.
func (s *Sender) Stats() (sent, dropped int) { return s.sent, s.dropped }
