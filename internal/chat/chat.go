// Package chat drives a single grounded conversation turn: it asks the
// retrieval engine for knowledge-base context, builds the prompt, calls the
// chat model, persists both sides of the exchange, and hands the finished
// turn to the background knowledge writer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/kbchat-go/internal/budget"
	"github.com/54b3r/kbchat-go/internal/engine"
	"github.com/54b3r/kbchat-go/internal/logging"
	"github.com/54b3r/kbchat-go/internal/rag"
	"github.com/54b3r/kbchat-go/internal/store"
)

// defaultInstructions is the assistant persona used when the operator has not
// configured custom instructions. The answer-naturally rules matter: the
// assistant must never tell the user that its knowledge came from a retrieval
// step.
const defaultInstructions = `You are a knowledgeable virtual assistant for this organisation.
Provide helpful, accurate, and natural answers in a professional tone.
Use the context provided below as your primary source of information.
Answer questions naturally and conversationally, as if you are a knowledgeable
team member speaking directly to the user.
DO NOT mention "knowledge base", "according to our knowledge base", "based on
the information provided", or similar phrases. Simply answer the question
naturally using the information provided.
If the context does not fully answer the question, provide a helpful response
based on what you know, but do not state where the information comes from.
Stay concise and to the point, highlight next steps when relevant, and offer
to connect the user with a human when appropriate.`

// groundedRules is appended to the system prompt when retrieval produced
// context for this turn.
const groundedRules = `INSTRUCTIONS:
- Answer the question naturally using the context information above
- Write as if you are a knowledgeable team member having a conversation
- DO NOT mention "context", "information provided", or "sources"
- If the context directly answers the question, use that information naturally
- If the context is partially relevant, combine it with your knowledge seamlessly
- Always be accurate and professional`

// noContextRules is appended when retrieval found nothing relevant.
const noContextRules = `Provide a helpful, natural, and professional answer.
If you are unsure about organisation-specific information, suggest the user
contact the team directly. Answer conversationally as a team member would.`

const (
	// defaultHistoryDepth is the number of prior turns (user+assistant pairs)
	// injected per query when the caller does not override it.
	defaultHistoryDepth = 10
)

// Config holds the dependencies required to construct an Assistant.
type Config struct {
	// ChatModel is the LLM backend constructed by the provider factory.
	ChatModel model.BaseChatModel

	// Engine builds the grounding context and accepts training candidates.
	Engine *engine.Engine

	// History is the optional conversation store used to persist and replay
	// prior turns. If nil, each query is stateless.
	History store.ConversationStore

	// Instructions overrides the default assistant persona when non-empty.
	Instructions string

	// HistoryDepth is the number of prior turns (user+assistant pairs) to
	// inject per query. Defaults to 10 if zero.
	HistoryDepth int

	// MaxContextTokens is the estimated token budget for the full input
	// (system prompt + grounding context + history + user message). History
	// is trimmed oldest-first to fit. Defaults to
	// budget.DefaultMaxContextTokens if zero.
	MaxContextTokens int
}

// Assistant answers user questions grounded in the knowledge base.
type Assistant struct {
	chatModel        model.BaseChatModel
	engine           *engine.Engine
	history          store.ConversationStore
	instructions     string
	historyDepth     int
	maxContextTokens int
}

// New constructs an Assistant from the provided Config.
func New(cfg *Config) (*Assistant, error) {
	if cfg == nil {
		return nil, fmt.Errorf("chat: config must not be nil")
	}
	if cfg.ChatModel == nil {
		return nil, fmt.Errorf("chat: ChatModel must not be nil")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("chat: Engine must not be nil")
	}

	instructions := strings.TrimSpace(cfg.Instructions)
	if instructions == "" {
		instructions = defaultInstructions
	}

	depth := cfg.HistoryDepth
	if depth <= 0 {
		depth = defaultHistoryDepth
	}

	maxCtx := cfg.MaxContextTokens
	if maxCtx <= 0 {
		maxCtx = budget.DefaultMaxContextTokens
	}

	return &Assistant{
		chatModel:        cfg.ChatModel,
		engine:           cfg.Engine,
		history:          cfg.History,
		instructions:     instructions,
		historyDepth:     depth,
		maxContextTokens: maxCtx,
	}, nil
}

// Reply answers a single user message and returns the full assistant
// response. The exchange is persisted and offered to the knowledge writer
// before returning.
func (a *Assistant) Reply(ctx context.Context, conversationID, userMessage string) (string, error) {
	messages, bundle, err := a.buildMessages(ctx, conversationID, userMessage)
	if err != nil {
		return "", err
	}

	out, err := a.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("chat: generate failed: %w", err)
	}
	if out == nil || out.Content == "" {
		return "", fmt.Errorf("chat: model returned no text")
	}

	a.finishTurn(ctx, conversationID, userMessage, out.Content, bundle)
	return out.Content, nil
}

// Stream answers a single user message, writing content chunks to w as they
// arrive, and returns the full assistant response. The exchange is persisted
// and offered to the knowledge writer after the stream completes.
func (a *Assistant) Stream(ctx context.Context, conversationID, userMessage string, w io.Writer) (string, error) {
	messages, bundle, err := a.buildMessages(ctx, conversationID, userMessage)
	if err != nil {
		return "", err
	}

	sr, err := a.chatModel.Stream(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("chat: stream failed: %w", err)
	}
	defer sr.Close()

	var sb strings.Builder
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("chat: stream receive error: %w", err)
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		sb.WriteString(msg.Content)
		if _, err := io.WriteString(w, msg.Content); err != nil {
			return "", fmt.Errorf("chat: write error: %w", err)
		}
	}

	reply := sb.String()
	if reply == "" {
		return "", fmt.Errorf("chat: model returned no text")
	}

	a.finishTurn(ctx, conversationID, userMessage, reply, bundle)
	return reply, nil
}

// buildMessages assembles the model input for one turn: system prompt with
// optional grounding context, trimmed conversation history, then the user
// message.
func (a *Assistant) buildMessages(ctx context.Context, conversationID, userMessage string) ([]*schema.Message, *rag.ContextBundle, error) {
	log := logging.FromContext(ctx)

	// Retrieval failure is non-fatal at this layer: a degraded answer beats
	// no answer. The turn proceeds ungrounded and is not offered for training.
	bundle, err := a.engine.BuildContext(ctx, userMessage)
	if err != nil {
		log.Warn("chat: context retrieval failed, continuing without context",
			slog.Any("error", err))
		bundle = &rag.ContextBundle{}
	}

	messages := []*schema.Message{
		schema.SystemMessage(a.systemPrompt(bundle)),
	}

	var historyMsgs []*schema.Message
	if a.history != nil {
		prior, err := a.history.Recent(ctx, conversationID, a.historyDepth*2)
		if err != nil {
			log.Warn("chat: failed to load prior messages", slog.Any("error", err))
		} else {
			for _, m := range prior {
				switch m.Role {
				case store.RoleUser:
					historyMsgs = append(historyMsgs, schema.UserMessage(m.Content))
				case store.RoleAssistant:
					historyMsgs = append(historyMsgs, schema.AssistantMessage(m.Content, nil))
				}
			}
		}
	}

	fixed := append([]*schema.Message{}, messages...)
	fixed = append(fixed, schema.UserMessage(userMessage))

	before := len(historyMsgs)
	historyMsgs = budget.TrimHistory(fixed, historyMsgs, a.maxContextTokens)
	if dropped := before - len(historyMsgs); dropped > 0 {
		log.Warn("chat: dropped history messages to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(historyMsgs)),
			slog.Int("max_tokens", a.maxContextTokens),
		)
	}

	result := make([]*schema.Message, 0, 2+len(historyMsgs))
	result = append(result, messages[0])
	result = append(result, historyMsgs...)
	result = append(result, schema.UserMessage(userMessage))
	return result, bundle, nil
}

// systemPrompt renders the full system prompt for this turn: instructions,
// current date, the grounding context when retrieval found one, and the
// matching answer rules.
func (a *Assistant) systemPrompt(bundle *rag.ContextBundle) string {
	now := time.Now()

	var sb strings.Builder
	sb.WriteString(a.instructions)
	sb.WriteString("\n\nCURRENT DATE AND TIME:\n")
	fmt.Fprintf(&sb, "- Today is %s, %s\n", now.Format("Monday"), now.Format("January 2, 2006"))
	fmt.Fprintf(&sb, "- Current time: %s\n", now.Format("3:04 PM"))
	sb.WriteString("- Use this when answering questions about dates, times, or scheduling.\n\n")

	if bundle != nil && bundle.HasContext {
		sb.WriteString("CONTEXT INFORMATION:\n")
		sb.WriteString(bundle.Rendered)
		sb.WriteString("\n")
		sb.WriteString(groundedRules)
	} else {
		sb.WriteString(noContextRules)
	}
	return sb.String()
}

// finishTurn persists the exchange and offers it to the knowledge writer.
// Both are best-effort: a history failure is logged, never surfaced, and
// training is fire-and-forget by contract.
func (a *Assistant) finishTurn(ctx context.Context, conversationID, question, answer string, bundle *rag.ContextBundle) {
	log := logging.FromContext(ctx)

	if a.history != nil {
		if err := a.history.Append(ctx, conversationID, store.RoleUser, question); err != nil {
			log.Warn("chat: failed to persist user message", slog.Any("error", err))
		}
		if err := a.history.Append(ctx, conversationID, store.RoleAssistant, answer); err != nil {
			log.Warn("chat: failed to persist assistant message", slog.Any("error", err))
		}
	}

	hadContext := bundle != nil && bundle.HasContext
	a.engine.ScheduleTraining(question, answer, hadContext, conversationID)
}
