package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// defaultCompleteTimeout bounds a single completion call when the caller's
// context carries no deadline. Expansion and extraction both run against
// rate-limited SaaS endpoints and must never hang a worker.
const defaultCompleteTimeout = 30 * time.Second

// Completer is the minimal text-generation interface consumed by the query
// expander and the knowledge writer: one prompt in, one text out.
// Implementations must be safe to call from multiple goroutines.
type Completer interface {
	// Complete sends a single-turn prompt to the generation model and
	// returns the response text.
	Complete(ctx context.Context, prompt string) (string, error)
}

// ModelCompleter adapts an eino ChatModel to the Completer interface.
type ModelCompleter struct {
	// chatModel is the underlying generation backend.
	chatModel model.BaseChatModel

	// timeout is applied per call when the context has no deadline.
	timeout time.Duration
}

// NewCompleter wraps an eino ChatModel as a Completer. timeout bounds each
// call; 0 selects the default.
func NewCompleter(chatModel model.BaseChatModel, timeout time.Duration) (*ModelCompleter, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("provider: chat model must not be nil")
	}
	if timeout <= 0 {
		timeout = defaultCompleteTimeout
	}
	return &ModelCompleter{chatModel: chatModel, timeout: timeout}, nil
}

// Complete sends prompt as a single user message and returns the trimmed
// response content.
func (c *ModelCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.chatModel.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return "", fmt.Errorf("provider: completion failed: %w", err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", fmt.Errorf("provider: completion returned empty content")
	}
	return strings.TrimSpace(msg.Content), nil
}
