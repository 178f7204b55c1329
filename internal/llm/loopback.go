package llm

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tjarratt/babble"
)

var _ Backend = (*Loopback)(nil)

// fallbackWords is used when the host has no system dictionary for babble.
var fallbackWords = []string{
	"amber", "harbor", "lantern", "meadow", "orbit", "pepper", "quiet", "river",
	"signal", "timber", "velvet", "willow", "copper", "drift", "ember", "fable",
}

// Loopback is a local backend that streams babble words, for development
// without a model server.
type Loopback struct {
	Words int           // words per streamed reply
	Delay time.Duration // pause between tokens

	mu      sync.Mutex
	babbler babble.Babbler
}

func NewLoopback(words int, delay time.Duration) *Loopback {
	if words <= 0 {
		words = 12
	}
	return &Loopback{Words: words, Delay: delay, babbler: newBabbler()}
}

func newBabbler() (b babble.Babbler) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("System dictionary unavailable, using built-in word list", "error", r)
			b = babble.Babbler{Words: fallbackWords}
		}
	}()
	return babble.NewBabbler()
}

func (l *Loopback) words(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.babbler.Count = n
	l.babbler.Separator = " "
	return strings.Fields(l.babbler.Babble())
}

// Complete returns a three-word phrase.
func (l *Loopback) Complete(ctx context.Context, req ChatCompletionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return strings.Join(l.words(3), " "), nil
}

func (l *Loopback) Stream(ctx context.Context, req ChatCompletionRequest, onToken func(string) error) error {
	for i, w := range l.words(l.Words) {
		token := w
		if i > 0 {
			token = " " + w
		}
		if l.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.Delay):
			}
		}
		if err := onToken(token); err != nil {
			return err
		}
	}
	return nil
}
