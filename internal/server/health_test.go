package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakePinger is a canned-result Pinger for readiness tests.
type fakePinger struct {
	name string
	err  error
}

func (f *fakePinger) Name() string                 { return f.name }
func (f *fakePinger) Ping(_ context.Context) error { return f.err }

func readyRequest(t *testing.T, s *Server) (*httptest.ResponseRecorder, readyResponse) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	w := httptest.NewRecorder()
	s.handleReady(w, req)

	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode ready response: %v", err)
	}
	return w, resp
}

// GET /api/health is pure liveness: 200 and {"status":"ok"} no matter what
// state the dependencies are in.
func TestHandleHealth_OK(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d — body: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status: expected %q, got %q", "ok", body["status"])
	}
}

func TestHandleReady_NoPingers(t *testing.T) {
	t.Parallel()

	w, resp := readyRequest(t, newTestServer())

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	if !resp.Ready {
		t.Errorf("expected ready:true with no pingers")
	}
	if len(resp.Checks) != 0 {
		t.Errorf("expected 0 checks, got %d", len(resp.Checks))
	}
}

// TestHandleReady_ProbeOutcomes covers the 200/503 split: ready only when
// every registered dependency answers, with per-check errors surfaced in the
// body either way.
func TestHandleReady_ProbeOutcomes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		modelErr   error
		storeErr   error
		wantStatus int
		wantReady  bool
	}{
		{"all healthy", nil, nil, http.StatusOK, true},
		{"store down", nil, errors.New("connection refused"), http.StatusServiceUnavailable, false},
		{"model down", errors.New("timeout"), nil, http.StatusServiceUnavailable, false},
		{"both down", errors.New("timeout"), errors.New("connection refused"), http.StatusServiceUnavailable, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := newTestServer()
			s.pingers = []Pinger{
				&fakePinger{name: "ollama", err: tc.modelErr},
				&fakePinger{name: "qdrant", err: tc.storeErr},
			}
			w, resp := readyRequest(t, s)

			if w.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d — body: %s", tc.wantStatus, w.Code, w.Body.String())
			}
			if resp.Ready != tc.wantReady {
				t.Errorf("ready: expected %v, got %v", tc.wantReady, resp.Ready)
			}
			if len(resp.Checks) != 2 {
				t.Fatalf("expected 2 checks, got %d", len(resp.Checks))
			}

			byName := map[string]readyCheck{}
			for _, c := range resp.Checks {
				byName[c.Name] = c
			}
			for name, wantErr := range map[string]error{"ollama": tc.modelErr, "qdrant": tc.storeErr} {
				c, found := byName[name]
				if !found {
					t.Fatalf("check %q missing from response", name)
				}
				if c.OK != (wantErr == nil) {
					t.Errorf("check %q: expected ok:%v", name, wantErr == nil)
				}
				if wantErr != nil && c.Error == "" {
					t.Errorf("check %q: expected non-empty error", name)
				}
				if wantErr == nil && c.Error != "" {
					t.Errorf("check %q: expected no error, got %q", name, c.Error)
				}
			}
		})
	}
}

// The readiness body stays JSON even on failure so probes can always parse it.
func TestHandleReady_ContentType(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	s.pingers = []Pinger{&fakePinger{name: "ollama", err: errors.New("down")}}
	w, _ := readyRequest(t, s)

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
}
