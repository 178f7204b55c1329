package models

type EventType string

const (
	EventToken EventType = "token"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// StreamEvent is one item of a conversation's live channel.
type StreamEvent struct {
	Type    EventType
	Text    string // Token only
	Message string // Error only
}

func Token(text string) StreamEvent { return StreamEvent{Type: EventToken, Text: text} }

func Done() StreamEvent { return StreamEvent{Type: EventDone} }

func Error(message string) StreamEvent { return StreamEvent{Type: EventError, Message: message} }

// Terminal reports whether the event closes the logical stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// ChannelName returns the pub/sub channel carrying a conversation's live stream.
func ChannelName(conversationID string) string {
	return "stream:" + conversationID
}
