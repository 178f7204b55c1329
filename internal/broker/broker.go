package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"go-chat-stream/internal/models"
)

// Broker fans stream events out to whoever is watching a conversation.
// Events published while nobody is subscribed are dropped.
type Broker interface {
	Publish(ctx context.Context, conversationID string, event models.StreamEvent) error
	// Subscribe returns once the subscription is live. Each call owns a dedicated
	// handle that must be released with Close.
	Subscribe(ctx context.Context, conversationID string) (Subscription, error)
	Close() error
}

type Subscription interface {
	// Events is closed when the subscription ends.
	Events() <-chan models.StreamEvent
	Close() error
}

type frame struct {
	Token *string `json:"token,omitempty"`
	Done  bool    `json:"done,omitempty"`
	Error *string `json:"error,omitempty"`
}

// Encode renders an event as its wire frame: {"token":...}, {"done":true} or {"error":...}.
func Encode(event models.StreamEvent) ([]byte, error) {
	var f frame
	switch event.Type {
	case models.EventToken:
		f.Token = &event.Text
	case models.EventDone:
		f.Done = true
	case models.EventError:
		f.Error = &event.Message
	default:
		return nil, fmt.Errorf("unknown event type %q", event.Type)
	}
	return json.Marshal(f)
}

func Decode(data []byte) (models.StreamEvent, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return models.StreamEvent{}, fmt.Errorf("decode stream event: %w", err)
	}
	switch {
	case f.Token != nil:
		return models.Token(*f.Token), nil
	case f.Error != nil:
		return models.Error(*f.Error), nil
	case f.Done:
		return models.Done(), nil
	default:
		return models.StreamEvent{}, fmt.Errorf("decode stream event: empty frame %s", data)
	}
}
