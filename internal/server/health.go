package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/54b3r/kbchat-go/internal/logging"
)

// probeTimeout bounds each dependency probe during a readiness check so a
// hung model or vector-store endpoint cannot stall /api/ready.
const probeTimeout = 5 * time.Second

// Pinger is implemented by dependencies that can report their own
// reachability: the chat model and the vector store register one each at
// startup. Ping returns nil when the dependency answers, a descriptive error
// otherwise, and must be safe for concurrent use.
type Pinger interface {
	Ping(ctx context.Context) error

	// Name labels the dependency in readiness responses ("ollama", "qdrant").
	Name() string
}

// readyCheck is the per-dependency entry in the /api/ready body.
type readyCheck struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// readyResponse is the JSON body of GET /api/ready. Ready is true only when
// every registered probe succeeded.
type readyResponse struct {
	Ready  bool         `json:"ready"`
	Checks []readyCheck `json:"checks"`
}

// handleReady handles GET /api/ready. Each registered Pinger is probed in
// turn under probeTimeout; any failure turns the response into a 503 but the
// remaining probes still run, so the body always lists every dependency.
// Liveness (/api/health) stays separate and never touches dependencies.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	resp := readyResponse{Ready: true}

	for _, p := range s.pingers {
		probeCtx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.Ping(probeCtx)
		cancel()

		check := readyCheck{Name: p.Name(), OK: err == nil}
		if err != nil {
			check.Error = err.Error()
			resp.Ready = false
			log.Warn("readiness probe failed",
				slog.String("dependency", p.Name()),
				slog.Any("error", err),
			)
		}
		resp.Checks = append(resp.Checks, check)
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("ready encode error", slog.Any("error", err))
	}
}
