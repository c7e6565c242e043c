// Package webhook implements the orchestrator handler that turns a
// single agent-platform webhook into the enrichment pipeline: track the
// agent, fan out to the enrichment sources, reconcile the context and
// agent-discovery blocks, run tool selection, and publish the tool
// inventory snapshot.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oculair/graphiti-gateway/internal/agenttracker"
	"github.com/oculair/graphiti-gateway/internal/enrichment"
	"github.com/oculair/graphiti-gateway/internal/memoryblock"
	"github.com/oculair/graphiti-gateway/internal/toolinventory"
	"github.com/oculair/graphiti-gateway/internal/toolselector"
)

const maxBodyBytes = 2 << 20 // 2MiB, generous for a chat-turn payload

// Handler is the orchestrator for POST /webhook and /webhook/letta.
type Handler struct {
	Tracker       *agenttracker.Tracker
	Enricher      *enrichment.Enricher
	Registry      *enrichment.AgentRegistry
	Blocks        *memoryblock.Manager
	ToolSelector  *toolselector.Selector
	ToolInventory *toolinventory.Tracker
	FindToolsID   string
	Log           *slog.Logger
}

// New builds a Handler. log defaults to slog.Default() when nil.
func New(
	tracker *agenttracker.Tracker,
	enricher *enrichment.Enricher,
	registry *enrichment.AgentRegistry,
	blocks *memoryblock.Manager,
	selector *toolselector.Selector,
	inventory *toolinventory.Tracker,
	findToolsID string,
	log *slog.Logger,
) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Tracker:       tracker,
		Enricher:      enricher,
		Registry:      registry,
		Blocks:        blocks,
		ToolSelector:  selector,
		ToolInventory: inventory,
		FindToolsID:   findToolsID,
		Log:           log,
	}
}

// incoming mirrors the shapes seen across the agent platform's webhook
// payloads: a flat {type, prompt, agent_id} body, or the fuller
// {response:{agent_id}, request:{path, body:{messages}}} envelope.
type incoming struct {
	Type     string          `json:"type"`
	Prompt   json.RawMessage `json:"prompt"`
	AgentID  string          `json:"agent_id"`
	Response struct {
		AgentID string `json:"agent_id"`
	} `json:"response"`
	Request struct {
		Path string `json:"path"`
		Body struct {
			Messages []message `json:"messages"`
		} `json:"body"`
	} `json:"request"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ServeHTTP implements the 7-step orchestration pipeline.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		h.Log.Error("read webhook body failed", "error", err)
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	defer r.Body.Close()

	var in incoming
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "could not parse request body as JSON")
		return
	}

	agentID := extractAgentID(in)
	prompt := extractPrompt(in)

	if prompt == "" {
		writeError(w, http.StatusBadRequest, "missing 'prompt' field and no valid user message found")
		return
	}
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "missing agent_id")
		return
	}

	ctx := r.Context()
	h.Log.Info("webhook received", "agent_id", agentID, "type", in.Type)

	if h.Tracker != nil {
		h.Tracker.TrackAndNotify(agentID)
	}

	h.enrichContext(ctx, agentID, prompt, in.Type)
	h.discoverAgents(ctx, agentID, prompt)
	h.selectTools(ctx, agentID, prompt)

	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "webhook processed"})
}

func (h *Handler) enrichContext(ctx context.Context, agentID, prompt, eventType string) {
	if h.Enricher == nil || h.Blocks == nil {
		return
	}
	rendered := h.Enricher.Enrich(ctx, prompt)
	if rendered == "" {
		return
	}
	_, err := h.Blocks.CreateOrUpdate(ctx, memoryblock.Data{
		Label: "graphiti_context",
		Value: rendered,
		Metadata: map[string]any{
			"source":     "webhook",
			"event_type": eventType,
		},
	}, agentID)
	if err != nil {
		h.Log.Warn("graphiti_context block update failed", "agent_id", agentID, "error", err)
	}
}

func (h *Handler) discoverAgents(ctx context.Context, agentID, prompt string) {
	if h.Registry == nil || h.Blocks == nil {
		return
	}
	rendered := h.Registry.Fetch(ctx, prompt)
	if rendered == "" {
		return
	}
	_, err := h.Blocks.CreateOrUpdate(ctx, memoryblock.Data{
		Label:    "available_agents",
		Value:    rendered,
		Metadata: map[string]any{"source": "agent_registry"},
	}, agentID)
	if err != nil {
		h.Log.Warn("available_agents block update failed", "agent_id", agentID, "error", err)
	}
}

func (h *Handler) selectTools(ctx context.Context, agentID, prompt string) {
	if h.ToolSelector == nil {
		return
	}
	resp, err := h.ToolSelector.Attach(ctx, agentID, prompt, h.FindToolsID)
	if err != nil {
		h.Log.Warn("tool-selector attach failed", "agent_id", agentID, "error", err)
		return
	}
	if resp == nil || !resp.Success {
		return
	}

	if h.ToolInventory != nil {
		reason := toolinventory.AttachmentReason(prompt)
		for _, a := range resp.Details.SuccessfulAttachments {
			h.ToolInventory.RecordAttachment(agentID, toolinventory.Attachment{
				ToolID:    a.ToolID,
				ToolName:  a.ToolName,
				Reason:    reason,
				Score:     a.Score,
				Timestamp: time.Now(),
			})
		}
	}

	h.publishToolInventory(ctx, agentID)
}

func (h *Handler) publishToolInventory(ctx context.Context, agentID string) {
	if h.ToolInventory == nil || h.Blocks == nil {
		return
	}
	tools := h.ToolInventory.FetchTools(ctx, agentID)
	snapshot := h.ToolInventory.Render(agentID, tools, time.Now())
	if _, err := h.Blocks.CreateToolInventory(ctx, agentID, snapshot); err != nil {
		h.Log.Warn("tool inventory block publish failed", "agent_id", agentID, "error", err)
	}
}

// extractAgentID prefers response.agent_id, then the top-level agent_id
// field, and finally scans request.path for an ".../agents/agent-.../..."
// segment.
func extractAgentID(in incoming) string {
	if in.Response.AgentID != "" {
		return in.Response.AgentID
	}
	if in.AgentID != "" {
		return in.AgentID
	}
	if !strings.Contains(in.Request.Path, "agents") {
		return ""
	}
	parts := strings.Split(in.Request.Path, "/")
	for i, p := range parts {
		if p == "agents" && i+1 < len(parts) && strings.HasPrefix(parts[i+1], "agent-") {
			return parts[i+1]
		}
	}
	return ""
}

// extractPrompt prefers the top-level prompt field (string or structured
// {type:"text",text:...} list), falling back to the last user message's
// content in the same shapes.
func extractPrompt(in incoming) string {
	if p := decodePromptValue(in.Prompt); p != "" {
		return p
	}
	for i := len(in.Request.Body.Messages) - 1; i >= 0; i-- {
		msg := in.Request.Body.Messages[i]
		if msg.Role != "user" {
			continue
		}
		if p := decodePromptValue(msg.Content); p != "" {
			return p
		}
		break
	}
	return ""
}

// decodePromptValue handles a prompt/content field that may be a bare
// JSON string or a list of {type:"text", text:...} parts.
func decodePromptValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, part := range parts {
			if part.Type == "text" && part.Text != "" {
				if b.Len() > 0 {
					b.WriteString(" ")
				}
				b.WriteString(part.Text)
			}
		}
		return strings.TrimSpace(b.String())
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
