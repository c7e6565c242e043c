// Package agenttracker guards the one-shot "first sighting" side effects
// for a new agent: a best-effort chat notification and a registration
// call to the agent-discovery service. Both run off the request path on
// a bounded worker pool.
package agenttracker

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oculair/graphiti-gateway/internal/httpx"
)

const agentIDPrefix = "agent-"

var capabilityIndicators = []string{
	"expert in", "specialized in", "specializes in", "skilled in",
	"proficient in", "focuses on", "trained in", "capable of",
}

var capabilityTail = regexp.MustCompile(`^[^.;\n]*`)

// Tracker maintains the known-agents set and dispatches the
// notify-then-register side effect exactly once per agent ID per
// process lifetime.
type Tracker struct {
	letta    *httpx.Client
	matrix   *httpx.Client
	registry *httpx.Client
	log      *slog.Logger

	mu    sync.Mutex
	known map[string]struct{}

	pool chan struct{}
	wg   sync.WaitGroup
}

// New builds a Tracker. poolSize bounds how many notify-and-register
// tasks may run concurrently; additional dispatches block until a slot
// frees up rather than growing goroutines unbounded.
func New(letta, matrix, registry *httpx.Client, poolSize int, log *slog.Logger) *Tracker {
	if poolSize <= 0 {
		poolSize = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		letta:    letta,
		matrix:   matrix,
		registry: registry,
		log:      log,
		known:    make(map[string]struct{}),
		pool:     make(chan struct{}, poolSize),
	}
}

// TrackAndNotify performs the compare-and-set membership check and, only
// on a genuine first sighting, dispatches the background side effect.
// The insert happens synchronously under the lock before the background
// task is queued, so two concurrent calls for the same new agent can
// never both dispatch.
func (t *Tracker) TrackAndNotify(agentID string) {
	if !strings.HasPrefix(agentID, agentIDPrefix) {
		return
	}
	if !t.markKnown(agentID) {
		return
	}
	t.dispatch(agentID)
}

func (t *Tracker) markKnown(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.known[agentID]; seen {
		return false
	}
	t.known[agentID] = struct{}{}
	return true
}

func (t *Tracker) dispatch(agentID string) {
	t.wg.Add(1)
	t.pool <- struct{}{}
	go func() {
		defer t.wg.Done()
		defer func() { <-t.pool }()
		t.notifyAndRegister(agentID)
	}()
}

// notifyAndRegister runs the two side effects serially, each against its
// own background context so the request's own context cancelling (the
// response has already been sent) doesn't cut them short.
func (t *Tracker) notifyAndRegister(agentID string) {
	t.notifyMatrix(agentID)
	t.registerAgent(agentID)
}

func (t *Tracker) notifyMatrix(agentID string) {
	if t.matrix == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	body := map[string]any{"agent_id": agentID, "timestamp": time.Now().UTC().Format(time.RFC3339)}
	if _, err := t.matrix.Do(ctx, httpx.Request{
		Method: http.MethodPost,
		Path:   "/webhook/new-agent",
		Body:   body,
	}, nil); err != nil {
		t.log.Warn("matrix new-agent notify failed", "agent_id", agentID, "error", err)
	}
}

type agentDetails struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	System string `json:"system"`
}

func (t *Tracker) registerAgent(agentID string) {
	if t.letta == nil || t.registry == nil {
		return
	}
	fetchCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var details agentDetails
	if _, err := t.letta.Do(fetchCtx, httpx.Request{
		Method:  http.MethodGet,
		Path:    "/agents/" + agentID,
		AgentID: agentID,
	}, &details); err != nil {
		t.log.Warn("fetch agent details failed", "agent_id", agentID, "error", err)
		return
	}

	name := details.Name
	if name == "" {
		name = agentID
	}
	capabilities := extractCapabilities(details.System)

	now := time.Now().UTC().Format(time.RFC3339)
	payload := map[string]any{
		"agent_id":     agentID,
		"name":         name,
		"description":  truncateDescription(details.System, 280),
		"capabilities": capabilities,
		"status":       "active",
		"tags":         []string{},
		"created_at":   now,
		"updated_at":   now,
	}

	registerCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if status, err := t.registry.Do(registerCtx, httpx.Request{
		Method: http.MethodPost,
		Path:   "/api/v1/agents/register",
		Body:   payload,
	}, nil); err != nil && status != http.StatusConflict {
		t.log.Warn("agent-registry register failed", "agent_id", agentID, "error", err)
	}
}

// extractCapabilities scans a system prompt for the fixed indicator
// vocabulary ("expert in", "specialized in", …) and captures the clause
// following each match as a capability hint.
func extractCapabilities(systemPrompt string) []string {
	lower := strings.ToLower(systemPrompt)
	var hints []string
	seen := make(map[string]struct{})
	for _, indicator := range capabilityIndicators {
		idx := strings.Index(lower, indicator)
		if idx < 0 {
			continue
		}
		tail := systemPrompt[idx+len(indicator):]
		clause := strings.TrimSpace(capabilityTail.FindString(tail))
		if clause == "" {
			continue
		}
		if len(clause) > 80 {
			clause = clause[:80]
		}
		if _, dup := seen[clause]; dup {
			continue
		}
		seen[clause] = struct{}{}
		hints = append(hints, clause)
	}
	return hints
}

func truncateDescription(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Status reports the known-agents set for the /agent-tracker/status
// endpoint.
type Status struct {
	KnownAgents []string  `json:"known_agents"`
	AgentCount  int       `json:"agent_count"`
	Timestamp   time.Time `json:"timestamp"`
}

// Status returns a snapshot of the known-agents set.
func (t *Tracker) Status(now time.Time) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	agents := make([]string, 0, len(t.known))
	for id := range t.known {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	return Status{KnownAgents: agents, AgentCount: len(agents), Timestamp: now}
}

// Reset clears the known-agents set, allowing registration to re-fire on
// next sighting. Exposed for the test-support /agent-tracker/reset
// endpoint.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.known = make(map[string]struct{})
}

// Wait blocks until all dispatched side-effect tasks have finished,
// for clean process shutdown.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// KnownCount reports how many agents are currently tracked, used in
// diagnostics and tests.
func (t *Tracker) KnownCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.known)
}
