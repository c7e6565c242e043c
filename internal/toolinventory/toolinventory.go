// Package toolinventory fetches an agent's currently attached tools,
// categorizes them, and renders the human-readable snapshot that backs
// the available_tools memory block. It also tracks, per agent, the
// ring buffer of recently auto-attached tools surfaced at the top of
// that snapshot.
package toolinventory

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oculair/graphiti-gateway/internal/httpx"
)

const maxRenderBytes = 4500
const renderTruncatedBytes = 4450

// categoryMapping maps an MCP server name to a display category, the
// way the platform's own tool list groups third-party tool servers.
var categoryMapping = map[string]string{
	"Searxng":            "Web Search",
	"bookstack":          "Knowledge & Docs",
	"ghost":              "Content Publishing",
	"postiz":             "Social Media",
	"huly":               "Project Management",
	"vibekanban":         "Project Management",
	"vibekanban_system":  "Project Management",
	"filesystem":         "Filesystem",
	"penpot":             "Design",
	"photoprism":         "Media",
	"graphiti":           "Knowledge Graph",
	"lettachat":          "Communication",
	"matrix":             "Communication",
	"agent_registry":     "Agent Discovery",
	"fin":                "Finance",
	"komodo":             "DevOps",
	"claude-code-mcp":    "Code Execution",
	"opencode":           "Code Execution",
	"Letta_code":         "Code Execution",
	"payloadcms":         "CMS",
	"resume":             "Personal Data",
	"context7":           "Documentation",
	"letta":              "Agent Management",
	"lettatoolsselector": "Tool Management",
}

var coreToolNames = map[string]struct{}{
	"send_message":             {},
	"conversation_search":      {},
	"conversation_search_date": {},
	"archival_memory_insert":   {},
	"archival_memory_search":   {},
	"core_memory_append":      {},
	"core_memory_replace":     {},
}

var priorityCategories = []string{
	"Core", "Web Search", "Communication", "Knowledge Graph",
	"Project Management", "Code Execution",
}

// Tool mirrors the subset of the platform's tool record this package
// cares about.
type Tool struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	MCPServer   string         `json:"mcp_server_name,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata_,omitempty"`
}

// Attachment is one entry in the per-agent recent-attachments ring buffer.
type Attachment struct {
	ToolName  string
	ToolID    string
	Reason    string
	Score     float64
	Timestamp time.Time
}

// Tracker fetches tool inventories and maintains the recent-attachments
// ring buffer. The buffer is guarded by a single mutex: write volume per
// agent is small enough that per-agent locks would be premature.
type Tracker struct {
	client *httpx.Client

	mu      sync.Mutex
	recents map[string][]Attachment
}

// New builds a Tracker over the given authenticated client.
func New(client *httpx.Client) *Tracker {
	return &Tracker{
		client:  client,
		recents: make(map[string][]Attachment),
	}
}

// FetchTools retrieves the tools currently attached to an agent. Any
// failure returns an empty slice rather than an error, matching the
// "downstream unavailable" error-handling policy for enrichment-adjacent
// reads.
func (t *Tracker) FetchTools(ctx context.Context, agentID string) []Tool {
	if agentID == "" {
		return nil
	}
	var tools []Tool
	if _, err := t.client.Do(ctx, httpx.Request{
		Method:  http.MethodGet,
		Path:    fmt.Sprintf("/agents/%s/tools", agentID),
		AgentID: agentID,
	}, &tools); err != nil {
		return nil
	}
	return tools
}

// RecordAttachment pushes a new attachment onto the front of the
// per-agent ring buffer, capped at 10 entries.
func (t *Tracker) RecordAttachment(agentID string, a Attachment) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := append([]Attachment{a}, t.recents[agentID]...)
	if len(list) > 10 {
		list = list[:10]
	}
	t.recents[agentID] = list
}

// RecentAttachments returns up to limit of the agent's most recent
// attachments, newest first.
func (t *Tracker) RecentAttachments(agentID string, limit int) []Attachment {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.recents[agentID]
	if len(list) > limit {
		list = list[:limit]
	}
	out := make([]Attachment, len(list))
	copy(out, list)
	return out
}

// AttachmentReason builds the "auto: '<first three words>'" reason string
// from the prompt that triggered a tool-selector call.
func AttachmentReason(prompt string) string {
	fields := strings.Fields(prompt)
	if len(fields) == 0 {
		return "auto"
	}
	if len(fields) > 3 {
		fields = fields[:3]
	}
	return fmt.Sprintf("auto: '%s'", strings.ToLower(strings.Join(fields, " ")))
}

func categorize(tool Tool) string {
	name := strings.ToLower(tool.Name)
	if _, ok := coreToolNames[name]; ok {
		return "Core"
	}

	serverName := tool.MCPServer
	if serverName == "" {
		if mcp, ok := tool.Metadata["mcp"].(map[string]any); ok {
			if sn, ok := mcp["server_name"].(string); ok {
				serverName = sn
			}
		}
	}
	if serverName != "" {
		if cat, ok := categoryMapping[serverName]; ok {
			return cat
		}
	}

	for _, tag := range tool.Tags {
		tagLower := strings.ToLower(tag)
		if idx := strings.Index(tagLower, "mcp:"); idx >= 0 {
			mcpName := tagLower[idx+len("mcp:"):]
			if cat, ok := categoryMapping[mcpName]; ok {
				return cat
			}
		}
	}

	return "Other"
}

func categorizeAll(tools []Tool) map[string][]Tool {
	categorized := make(map[string][]Tool)
	for _, tool := range tools {
		cat := categorize(tool)
		categorized[cat] = append(categorized[cat], tool)
	}
	return categorized
}

func formatToolEntry(tool Tool) string {
	description := tool.Description
	if len(description) > 80 {
		description = description[:77] + "..."
	}
	if description != "" {
		return fmt.Sprintf("• %s - %s", tool.Name, description)
	}
	return fmt.Sprintf("• %s", tool.Name)
}

// Render produces the compact, human-readable snapshot used as the
// available_tools block value. It is never cumulative: each call renders
// the full inventory from the current tool set.
func (t *Tracker) Render(agentID string, tools []Tool, now time.Time) string {
	if len(tools) == 0 {
		return "\U0001F6E0️ Available Tools: None currently attached."
	}

	categorized := categorizeAll(tools)
	recent := t.RecentAttachments(agentID, 3)
	recentIDs := make(map[string]struct{}, len(recent))
	for _, r := range recent {
		recentIDs[r.ToolID] = struct{}{}
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("\U0001F6E0️ Available Tools (%d total)\n", len(tools)))

	if len(recent) > 0 {
		lines = append(lines, "═══ Recently Attached ═══")
		for _, a := range recent {
			lines = append(lines, fmt.Sprintf("• %s", a.ToolName))
			lines = append(lines, fmt.Sprintf("  └─ [%s • score: %.0f%% • %s]",
				a.Reason, a.Score, a.Timestamp.Format("2006-01-02 15:04")))
		}
		lines = append(lines, "")
	}

	shown := make(map[string]struct{})
	renderCategory := func(cat string) {
		tools := categorized[cat]
		if len(tools) == 0 {
			return
		}
		lines = append(lines, fmt.Sprintf("═══ %s ═══", cat))
		top := tools
		if len(top) > 5 {
			top = top[:5]
		}
		for _, tool := range top {
			if _, skip := recentIDs[tool.ID]; skip {
				continue
			}
			lines = append(lines, formatToolEntry(tool))
		}
		lines = append(lines, "")
	}

	for _, cat := range priorityCategories {
		if _, ok := categorized[cat]; ok {
			renderCategory(cat)
			shown[cat] = struct{}{}
		}
	}

	remaining := make([]string, 0, len(categorized))
	for cat := range categorized {
		if _, ok := shown[cat]; !ok {
			remaining = append(remaining, cat)
		}
	}
	sort.Strings(remaining)
	for _, cat := range remaining {
		renderCategory(cat)
	}

	lines = append(lines, fmt.Sprintf("[Last updated: %s]", now.UTC().Format("2006-01-02 15:04:05 UTC")))

	rendered := strings.Join(lines, "\n")
	if len(rendered) > maxRenderBytes {
		rendered = rendered[:renderTruncatedBytes] + "\n...\n[Content truncated]"
	}
	return rendered
}
