package models

import (
	"context"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Job asks the worker to generate the assistant's next reply for a conversation.
type Job struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	Attempts       int       `json:"attempts"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

type Conversation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Title        string    `json:"title"`
	ModelID      *string   `json:"modelId,omitempty"`
	SystemPrompt *string   `json:"systemPrompt,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	MaxTokens    *int      `json:"maxTokens,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ConversationContext is the read-only view the worker loads at job start.
// ModelIdentifier is empty when the conversation has no model assigned.
type ConversationContext struct {
	ID              string
	SystemPrompt    *string
	Temperature     *float64
	MaxTokens       *int
	ModelIdentifier string
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	JobID          string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
}

type PromptMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type JobRequest struct {
	Job    Job
	JobCtx context.Context
	Result chan<- error // where to report completion
}
