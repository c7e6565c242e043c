package agenttracker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oculair/graphiti-gateway/internal/httpx"
)

func newTestTracker(t *testing.T, lettaHandler, matrixHandler, registryHandler http.HandlerFunc) *Tracker {
	t.Helper()
	lettaSrv := httptest.NewServer(lettaHandler)
	matrixSrv := httptest.NewServer(matrixHandler)
	registrySrv := httptest.NewServer(registryHandler)
	t.Cleanup(func() {
		lettaSrv.Close()
		matrixSrv.Close()
		registrySrv.Close()
	})

	letta := httpx.New(lettaSrv.URL, "", 2*time.Second)
	matrix := httpx.New(matrixSrv.URL, "", 2*time.Second)
	registry := httpx.New(registrySrv.URL, "", 2*time.Second)
	return New(letta, matrix, registry, 4, nil)
}

func TestTrackAndNotifyFirstSightingFiresOnce(t *testing.T) {
	var matrixCalls, registerCalls int32

	tr := newTestTracker(t,
		func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(agentDetails{ID: "agent-alpha", Name: "Alpha", System: "You are expert in billing disputes."})
		},
		func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&matrixCalls, 1)
		},
		func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&registerCalls, 1)
		},
	)

	tr.TrackAndNotify("agent-alpha")
	tr.TrackAndNotify("agent-alpha")
	tr.TrackAndNotify("agent-alpha")
	tr.Wait()

	if got := atomic.LoadInt32(&matrixCalls); got != 1 {
		t.Errorf("matrix calls = %d, want exactly 1", got)
	}
	if got := atomic.LoadInt32(&registerCalls); got != 1 {
		t.Errorf("register calls = %d, want exactly 1", got)
	}
	if tr.KnownCount() != 1 {
		t.Errorf("KnownCount() = %d, want 1", tr.KnownCount())
	}
}

func TestTrackAndNotifyIgnoresNonAgentPrefix(t *testing.T) {
	tr := newTestTracker(t,
		func(w http.ResponseWriter, r *http.Request) { t.Error("letta should not be called") },
		func(w http.ResponseWriter, r *http.Request) { t.Error("matrix should not be called") },
		func(w http.ResponseWriter, r *http.Request) { t.Error("registry should not be called") },
	)
	tr.TrackAndNotify("user-123")
	tr.Wait()
	if tr.KnownCount() != 0 {
		t.Errorf("KnownCount() = %d, want 0", tr.KnownCount())
	}
}

func TestTrackAndNotifyConcurrentRaceFiresExactlyOnce(t *testing.T) {
	var registerCalls int32
	tr := newTestTracker(t,
		func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(agentDetails{ID: "agent-race", Name: "Race"})
		},
		func(w http.ResponseWriter, r *http.Request) {},
		func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&registerCalls, 1)
		},
	)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.TrackAndNotify("agent-race")
		}()
	}
	wg.Wait()
	tr.Wait()

	if got := atomic.LoadInt32(&registerCalls); got != 1 {
		t.Errorf("register calls under race = %d, want exactly 1", got)
	}
}

func TestReset(t *testing.T) {
	tr := newTestTracker(t,
		func(w http.ResponseWriter, r *http.Request) { json.NewEncoder(w).Encode(agentDetails{}) },
		func(w http.ResponseWriter, r *http.Request) {},
		func(w http.ResponseWriter, r *http.Request) {},
	)
	tr.TrackAndNotify("agent-reset-me")
	tr.Wait()
	if tr.KnownCount() != 1 {
		t.Fatalf("KnownCount() = %d, want 1 before reset", tr.KnownCount())
	}
	tr.Reset()
	if tr.KnownCount() != 0 {
		t.Errorf("KnownCount() after Reset() = %d, want 0", tr.KnownCount())
	}
}

func TestStatusReportsSortedKnownAgents(t *testing.T) {
	tr := newTestTracker(t,
		func(w http.ResponseWriter, r *http.Request) { json.NewEncoder(w).Encode(agentDetails{}) },
		func(w http.ResponseWriter, r *http.Request) {},
		func(w http.ResponseWriter, r *http.Request) {},
	)
	tr.TrackAndNotify("agent-zeta")
	tr.TrackAndNotify("agent-alpha")
	tr.Wait()

	status := tr.Status(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	if status.AgentCount != 2 {
		t.Fatalf("AgentCount = %d, want 2", status.AgentCount)
	}
	if status.KnownAgents[0] != "agent-alpha" || status.KnownAgents[1] != "agent-zeta" {
		t.Errorf("KnownAgents = %v, want sorted order", status.KnownAgents)
	}
}

func TestExtractCapabilitiesFindsIndicatorPhrases(t *testing.T) {
	caps := extractCapabilities("You are expert in billing disputes and specialized in fraud detection.")
	if len(caps) != 2 {
		t.Fatalf("extractCapabilities() = %v, want 2 hints", caps)
	}
	if !strings.Contains(caps[0], "billing disputes") {
		t.Errorf("extractCapabilities()[0] = %q, want to mention billing disputes", caps[0])
	}
}

func TestExtractCapabilitiesNoMatch(t *testing.T) {
	if caps := extractCapabilities("A generic assistant."); len(caps) != 0 {
		t.Errorf("extractCapabilities() = %v, want empty", caps)
	}
}
