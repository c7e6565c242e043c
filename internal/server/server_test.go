package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oculair/graphiti-gateway/internal/agenttracker"
	"github.com/oculair/graphiti-gateway/internal/httpx"
	"github.com/oculair/graphiti-gateway/internal/webhook"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	tracker := agenttracker.New(httpx.New("http://example.invalid", "", 0), nil, nil, 1, nil)
	h := webhook.New(tracker, nil, nil, nil, nil, nil, "", nil)
	return New("127.0.0.1:0", h, tracker, nil)
}

func TestHandleHealthReportsHealthy(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" || body["service"] != "webhook-server" {
		t.Errorf("health body = %v", body)
	}
}

func TestHandleAgentTrackerStatusAndReset(t *testing.T) {
	s := newTestServer(t)
	s.tracker.TrackAndNotify("agent-status-test")
	s.tracker.Wait()

	req := httptest.NewRequest(http.MethodGet, "/agent-tracker/status", nil)
	rec := httptest.NewRecorder()
	s.mux().ServeHTTP(rec, req)

	var status agenttracker.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.AgentCount != 1 {
		t.Fatalf("AgentCount = %d, want 1", status.AgentCount)
	}

	resetReq := httptest.NewRequest(http.MethodPost, "/agent-tracker/reset", nil)
	resetRec := httptest.NewRecorder()
	s.mux().ServeHTTP(resetRec, resetReq)
	if resetRec.Code != http.StatusOK {
		t.Fatalf("reset status = %d, want 200", resetRec.Code)
	}
	if s.tracker.KnownCount() != 0 {
		t.Errorf("KnownCount() after reset = %d, want 0", s.tracker.KnownCount())
	}
}

func TestHandleAgentTrackerResetRejectsGet(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/agent-tracker/reset", nil)
	rec := httptest.NewRecorder()
	s.mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
