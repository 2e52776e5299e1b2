package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/kbchat-go/internal/rag"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// ChatTimeout caps the end-to-end duration of one /api/chat request,
	// including retrieval and the full model stream. Defaults to 5 minutes.
	ChatTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server's Prometheus metric registrations.
	// If nil, prometheus.DefaultRegisterer is used.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs the GET /metrics endpoint. If nil,
	// prometheus.DefaultGatherer is used.
	MetricsGatherer prometheus.Gatherer
}

// responder is the interface handleChat calls to stream an assistant reply.
// *chat.Assistant satisfies it; tests inject a fake.
type responder interface {
	// Stream writes the assistant's reply for userMessage to w as it is
	// generated and returns the full reply text.
	Stream(ctx context.Context, conversationID, userMessage string, w io.Writer) (string, error)
}

// retrievalEngine is the interface the context and train endpoints call.
// *engine.Engine satisfies it; tests inject a fake.
type retrievalEngine interface {
	// BuildContext assembles the grounding context for a query.
	BuildContext(ctx context.Context, query string) (*rag.ContextBundle, error)
	// ScheduleTraining offers a finished exchange to the knowledge writer.
	ScheduleTraining(question, answer string, hadContext bool, conversationID string)
}

// Server is the HTTP server that exposes the knowledge chat assistant.
type Server struct {
	// responder streams chat replies; the assistant in production, a fake in tests.
	responder responder
	// engine serves the context and train endpoints.
	engine retrievalEngine
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
	// metrics holds the Prometheus metrics owned by this server instance.
	metrics *serverMetrics
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	// Message is the user's natural language question.
	Message string `json:"message"`
	// ConversationID groups turns into one conversation. Optional; an empty
	// value makes the turn stateless.
	ConversationID string `json:"conversationId"`
}

// contextRequest is the JSON body for POST /api/context.
type contextRequest struct {
	// Query is the text to retrieve grounding context for.
	Query string `json:"query"`
}

// contextResponse is the JSON response for POST /api/context.
type contextResponse struct {
	// HasContext is false when retrieval found nothing relevant.
	HasContext bool `json:"hasContext"`
	// Context is the assembled grounding text.
	Context string `json:"context"`
	// Sources lists the source label of each included match.
	Sources []string `json:"sources"`
	// Matches carries the individual matches behind the assembled context.
	Matches []matchResponse `json:"matches"`
}

// matchResponse is one retrieved chunk in a contextResponse.
type matchResponse struct {
	// ID is the vector store point ID.
	ID string `json:"id"`
	// Score is the similarity score in [0, 1].
	Score float64 `json:"score"`
	// Source is the human-readable source label.
	Source string `json:"source"`
	// Text is the chunk content.
	Text string `json:"text"`
}

// trainRequest is the JSON body for POST /api/train.
type trainRequest struct {
	// Question is the user message of the exchange.
	Question string `json:"question"`
	// Answer is the assistant reply of the exchange.
	Answer string `json:"answer"`
	// HadContext reports whether the answer was grounded in retrieved context.
	HadContext bool `json:"hadContext"`
	// ConversationID identifies the conversation the exchange belongs to.
	ConversationID string `json:"conversationId"`
}
