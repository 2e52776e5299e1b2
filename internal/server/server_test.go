package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/kbchat-go/internal/rag"
)

// fakeResponder streams a canned reply in fixed-size chunks.
type fakeResponder struct {
	mu      sync.Mutex
	reply   string
	err     error
	gotMsg  string
	gotConv string
}

func (f *fakeResponder) Stream(_ context.Context, conversationID, userMessage string, w io.Writer) (string, error) {
	f.mu.Lock()
	f.gotMsg = userMessage
	f.gotConv = conversationID
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if _, err := io.WriteString(w, f.reply); err != nil {
		return "", err
	}
	return f.reply, nil
}

// fakeEngine serves canned context bundles and records training candidates.
type fakeEngine struct {
	mu        sync.Mutex
	bundle    *rag.ContextBundle
	err       error
	scheduled []string
}

func (f *fakeEngine) BuildContext(_ context.Context, query string) (*rag.ContextBundle, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.bundle != nil {
		return f.bundle, nil
	}
	return &rag.ContextBundle{}, nil
}

func (f *fakeEngine) ScheduleTraining(question, _ string, _ bool, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, question)
}

func (f *fakeEngine) scheduledQuestions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.scheduled...)
}

// newTestServer builds a Server with fakes and an isolated metrics registry.
func newTestServer() *Server {
	reg := prometheus.NewRegistry()
	return &Server{
		responder: &fakeResponder{reply: "hello"},
		engine:    &fakeEngine{},
		cfg: &Config{
			ChatTimeout:     time.Minute,
			MetricsRegistry: reg,
			MetricsGatherer: reg,
		},
		log:     slog.Default(),
		metrics: newServerMetrics(reg),
	}
}

func TestHandleChat_StreamsSSE(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	fr := &fakeResponder{reply: "We ship on Thursdays."}
	s.responder = fr

	body := strings.NewReader(`{"message":"when do we release?","conversationId":"conv-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", body)
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	out := w.Body.String()
	if !strings.Contains(out, "data: We ship on Thursdays.") {
		t.Errorf("missing streamed data frame:\n%s", out)
	}
	if !strings.Contains(out, "event: done") {
		t.Errorf("missing done event:\n%s", out)
	}
	if fr.gotConv != "conv-1" || fr.gotMsg != "when do we release?" {
		t.Errorf("responder got conv=%q msg=%q", fr.gotConv, fr.gotMsg)
	}
}

// Requests without a conversationId must still reach the responder with a
// usable id: history rows and auto-learned knowledge from different anonymous
// clients must never pool under "".
func TestHandleChat_GeneratesConversationID(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	fr := &fakeResponder{reply: "ok"}
	s.responder = fr

	seen := make(map[string]bool)
	for range 2 {
		body := strings.NewReader(`{"message":"when do we release?"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/chat", body)
		s.handleChat(httptest.NewRecorder(), req)

		if fr.gotConv == "" {
			t.Fatal("responder received empty conversation id")
		}
		seen[fr.gotConv] = true
	}
	if len(seen) != 2 {
		t.Errorf("anonymous turns shared a conversation id: got %d distinct, want 2", len(seen))
	}
}

func TestHandleChat_MissingMessage(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{}`))
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("want 400, got %d", w.Code)
	}
}

func TestHandleChat_StreamErrorEmitsErrorEvent(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	s.responder = &fakeResponder{err: fmt.Errorf("backend unavailable")}

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi"}`))
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	out := w.Body.String()
	if !strings.Contains(out, "event: error") {
		t.Errorf("missing error event:\n%s", out)
	}
	if strings.Contains(out, "event: done") {
		t.Errorf("done event present on failed stream:\n%s", out)
	}
}

func TestHandleContext_ReturnsBundle(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	s.engine = &fakeEngine{bundle: &rag.ContextBundle{
		Matches:    []rag.Match{{ID: "a", Score: 0.9, Source: "handbook.md", Text: "Releases go out Thursday."}},
		Rendered:   "Source: handbook.md\nReleases go out Thursday.\n\n",
		Sources:    []string{"handbook.md"},
		HasContext: true,
	}}

	req := httptest.NewRequest(http.MethodPost, "/api/context", strings.NewReader(`{"query":"release day"}`))
	w := httptest.NewRecorder()

	s.handleContext(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp contextResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.HasContext || len(resp.Matches) != 1 || resp.Matches[0].ID != "a" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Sources[0] != "handbook.md" {
		t.Errorf("sources = %v", resp.Sources)
	}
}

func TestHandleContext_EmptyQueryRejected(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/context", strings.NewReader(`{"query":""}`))
	w := httptest.NewRecorder()

	s.handleContext(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("want 400, got %d", w.Code)
	}
}

func TestHandleContext_RetrievalFailure(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	s.engine = &fakeEngine{err: fmt.Errorf("qdrant unreachable")}

	req := httptest.NewRequest(http.MethodPost, "/api/context", strings.NewReader(`{"query":"anything"}`))
	w := httptest.NewRecorder()

	s.handleContext(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("want 502, got %d", w.Code)
	}
}

func TestHandleTrain_SchedulesAndAccepts(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	fe := &fakeEngine{}
	s.engine = fe

	body := strings.NewReader(`{"question":"who leads platform?","answer":"Priya leads the platform team.","hadContext":true,"conversationId":"conv-2"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/train", body)
	w := httptest.NewRecorder()

	s.handleTrain(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("want 202, got %d: %s", w.Code, w.Body.String())
	}
	if got := fe.scheduledQuestions(); len(got) != 1 || got[0] != "who leads platform?" {
		t.Errorf("scheduled = %v", got)
	}
}

func TestHandleTrain_MissingFieldsRejected(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	fe := &fakeEngine{}
	s.engine = fe

	req := httptest.NewRequest(http.MethodPost, "/api/train", strings.NewReader(`{"question":"only a question"}`))
	w := httptest.NewRecorder()

	s.handleTrain(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("want 400, got %d", w.Code)
	}
	if got := fe.scheduledQuestions(); len(got) != 0 {
		t.Errorf("rejected request still scheduled: %v", got)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, &fakeEngine{}, nil); err == nil {
		t.Error("nil responder accepted")
	}
	if _, err := New(&fakeResponder{}, nil, nil); err == nil {
		t.Error("nil engine accepted")
	}
}
