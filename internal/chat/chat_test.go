package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/kbchat-go/internal/engine"
	"github.com/54b3r/kbchat-go/internal/rag"
	"github.com/54b3r/kbchat-go/internal/store"
)

// fakeChatModel returns a canned reply and records the messages it was given.
type fakeChatModel struct {
	mu      sync.Mutex
	reply   string
	chunks  []string
	err     error
	gotMsgs []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotMsgs = in
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotMsgs = in
	if f.err != nil {
		return nil, f.err
	}
	msgs := make([]*schema.Message, len(f.chunks))
	for i, c := range f.chunks {
		msgs[i] = schema.AssistantMessage(c, nil)
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func (f *fakeChatModel) messages() []*schema.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotMsgs
}

// fakeEmbedder encodes each text as a one-dimensional vector of its length.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

// fakeVectorStore returns the same matches for every query.
type fakeVectorStore struct {
	matches []rag.Match
}

func (f *fakeVectorStore) Query(context.Context, []float32, int, float64) ([]rag.Match, error) {
	return f.matches, nil
}
func (f *fakeVectorStore) Upsert(context.Context, []rag.KnowledgeChunk, [][]float32) error {
	return nil
}
func (f *fakeVectorStore) Delete(context.Context, []string) error { return nil }
func (f *fakeVectorStore) Close() error                           { return nil }

// fakeHistory records appends and replays preset prior messages.
type fakeHistory struct {
	mu       sync.Mutex
	prior    []store.Message
	appended []store.Message
}

func (f *fakeHistory) Append(_ context.Context, _ string, role store.Role, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, store.Message{Role: role, Content: content})
	return nil
}

func (f *fakeHistory) Recent(context.Context, string, int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prior, nil
}

func (f *fakeHistory) Close() error { return nil }

func (f *fakeHistory) appendedMessages() []store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Message{}, f.appended...)
}

func newTestAssistant(t *testing.T, cm model.BaseChatModel, matches []rag.Match, history store.ConversationStore) *Assistant {
	t.Helper()
	log := slog.Default()
	eng, err := engine.New(engine.DefaultSettings(), fakeEmbedder{}, &fakeVectorStore{matches: matches}, nil, nil, log)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	a, err := New(&Config{ChatModel: cm, Engine: eng, History: history})
	if err != nil {
		t.Fatalf("chat.New: %v", err)
	}
	return a
}

func systemContent(t *testing.T, msgs []*schema.Message) string {
	t.Helper()
	if len(msgs) == 0 || msgs[0].Role != schema.System {
		t.Fatalf("first message is not a system message: %v", msgs)
	}
	return msgs[0].Content
}

func TestReply_GroundedTurn(t *testing.T) {
	t.Parallel()

	cm := &fakeChatModel{reply: "We ship on Thursdays."}
	history := &fakeHistory{}
	matches := []rag.Match{{ID: "a", Score: 0.9, Source: "handbook.md", Text: "Releases go out every Thursday."}}
	a := newTestAssistant(t, cm, matches, history)

	reply, err := a.Reply(context.Background(), "conv-1", "when do we release?")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply != "We ship on Thursdays." {
		t.Errorf("reply = %q", reply)
	}

	sys := systemContent(t, cm.messages())
	if !strings.Contains(sys, "CONTEXT INFORMATION:") {
		t.Error("system prompt missing grounding context section")
	}
	if !strings.Contains(sys, "Releases go out every Thursday.") {
		t.Error("system prompt missing retrieved text")
	}

	appended := history.appendedMessages()
	if len(appended) != 2 {
		t.Fatalf("appended %d messages, want 2", len(appended))
	}
	if appended[0].Role != store.RoleUser || appended[1].Role != store.RoleAssistant {
		t.Errorf("appended roles = %v, %v", appended[0].Role, appended[1].Role)
	}
}

func TestReply_NoContextTurn(t *testing.T) {
	t.Parallel()

	cm := &fakeChatModel{reply: "I am not sure, best to ask the team."}
	a := newTestAssistant(t, cm, nil, &fakeHistory{})

	if _, err := a.Reply(context.Background(), "conv-1", "what is the wifi password?"); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	sys := systemContent(t, cm.messages())
	if strings.Contains(sys, "CONTEXT INFORMATION:") {
		t.Error("system prompt has a context section for an unmatched query")
	}
	if !strings.Contains(sys, "contact the team directly") {
		t.Error("system prompt missing the no-context rules")
	}
}

func TestReply_HistoryInjected(t *testing.T) {
	t.Parallel()

	cm := &fakeChatModel{reply: "As I said, Thursdays."}
	history := &fakeHistory{prior: []store.Message{
		{Role: store.RoleUser, Content: "when do we release?"},
		{Role: store.RoleAssistant, Content: "We ship on Thursdays."},
	}}
	a := newTestAssistant(t, cm, nil, history)

	if _, err := a.Reply(context.Background(), "conv-1", "remind me again?"); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	msgs := cm.messages()
	// system, 2 history, user
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4: %v", len(msgs), msgs)
	}
	if msgs[1].Role != schema.User || msgs[1].Content != "when do we release?" {
		t.Errorf("msgs[1] = %v", msgs[1])
	}
	if msgs[2].Role != schema.Assistant {
		t.Errorf("msgs[2].Role = %v", msgs[2].Role)
	}
	if msgs[3].Role != schema.User || msgs[3].Content != "remind me again?" {
		t.Errorf("msgs[3] = %v", msgs[3])
	}
}

func TestReply_ModelFailureNotPersisted(t *testing.T) {
	t.Parallel()

	cm := &fakeChatModel{err: fmt.Errorf("backend unavailable")}
	history := &fakeHistory{}
	a := newTestAssistant(t, cm, nil, history)

	if _, err := a.Reply(context.Background(), "conv-1", "hello"); err == nil {
		t.Fatal("want error from model failure")
	}
	if got := history.appendedMessages(); len(got) != 0 {
		t.Errorf("failed turn persisted: %v", got)
	}
}

func TestStream_WritesChunksAndPersists(t *testing.T) {
	t.Parallel()

	cm := &fakeChatModel{chunks: []string{"We ship ", "on ", "Thursdays."}}
	history := &fakeHistory{}
	a := newTestAssistant(t, cm, nil, history)

	var sink strings.Builder
	reply, err := a.Stream(context.Background(), "conv-1", "when do we release?", &sink)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if reply != "We ship on Thursdays." {
		t.Errorf("reply = %q", reply)
	}
	if sink.String() != reply {
		t.Errorf("streamed %q, returned %q", sink.String(), reply)
	}

	appended := history.appendedMessages()
	if len(appended) != 2 || appended[1].Content != reply {
		t.Errorf("appended = %v", appended)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	log := slog.Default()
	eng, err := engine.New(engine.DefaultSettings(), fakeEmbedder{}, &fakeVectorStore{}, nil, nil, log)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	if _, err := New(nil); err == nil {
		t.Error("nil config accepted")
	}
	if _, err := New(&Config{Engine: eng}); err == nil {
		t.Error("nil chat model accepted")
	}
	if _, err := New(&Config{ChatModel: &fakeChatModel{}}); err == nil {
		t.Error("nil engine accepted")
	}
}
