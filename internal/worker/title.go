package worker

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"go-chat-stream/internal/llm"
	"go-chat-stream/internal/models"
)

const maxTitleWords = 6

const titlePrompt = "You write short titles for chat conversations. " +
	"Reply with a title of at most 6 words. No quotes, no punctuation at the end, nothing else."

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// titleAsync names the conversation after its first exchange. It runs detached
// from the job and its failures are only logged.
func (p *Processor) titleAsync(job models.Job, model string, history []models.Message, reply string) {
	var question string
	for _, m := range history {
		if m.Role == models.RoleUser {
			question = m.Content
		}
	}

	p.titles.Add(1)
	go func() {
		defer p.titles.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.titleTimeout)
		defer cancel()

		title, err := p.generateTitle(ctx, model, question, reply)
		if err == nil {
			err = p.store.UpdateTitle(ctx, job.ConversationID, title)
		}
		if err != nil {
			slog.Warn("Title generation failed", "jobID", job.ID, "conversationID", job.ConversationID, "error", fmt.Errorf("%w: %w", models.ErrTitleGeneration, err))
			return
		}
		slog.Info("Conversation titled", "conversationID", job.ConversationID, "title", title)
	}()
}

func (p *Processor) generateTitle(ctx context.Context, model, question, reply string) (string, error) {
	raw, err := p.backend.Complete(ctx, llm.ChatCompletionRequest{
		Model: model,
		Messages: []models.PromptMessage{
			{Role: models.RoleSystem, Content: titlePrompt},
			{Role: models.RoleUser, Content: "User: " + question + "\nAssistant: " + reply},
		},
	})
	if err != nil {
		return "", err
	}
	title := cleanTitle(raw)
	if title == "" {
		return "", fmt.Errorf("backend returned an empty title")
	}
	return title, nil
}

// cleanTitle keeps the first non-empty line of the reply, without reasoning
// blocks or wrapping quotes, cut to maxTitleWords words.
func cleanTitle(raw string) string {
	raw = thinkBlock.ReplaceAllString(raw, "")
	var line string
	for _, l := range strings.Split(raw, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	line = strings.TrimPrefix(line, "Title:")
	words := strings.Fields(strings.Trim(line, " \"'`*"))
	if len(words) > maxTitleWords {
		words = words[:maxTitleWords]
	}
	return strings.TrimRight(strings.Join(words, " "), ".!?,;:\"'")
}
