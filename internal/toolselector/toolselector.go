// Package toolselector wraps the external tool-selector RPC that
// attaches semantically-matching tools to an agent for the current
// prompt, expanding the "*" keep_tools wildcard convention before the
// call goes out.
package toolselector

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/oculair/graphiti-gateway/internal/httpx"
)

const (
	attachTimeout     = 15 * time.Second
	agentToolsTimeout = 15 * time.Second
	resultLimit       = 3
	minScore          = 70
)

// Attachment is one successfully-attached tool as reported by the
// tool-selector service.
type Attachment struct {
	ToolID   string  `json:"tool_id"`
	ToolName string  `json:"tool_name"`
	Score    float64 `json:"score"`
}

// Details carries the three outcome lists the tool-selector returns.
type Details struct {
	SuccessfulAttachments []Attachment `json:"successful_attachments"`
	DetachedTools         []string     `json:"detached_tools"`
	PreservedTools        []string     `json:"preserved_tools"`
}

// Response is the tool-selector's /attach response.
type Response struct {
	Success bool    `json:"success"`
	Details Details `json:"details"`
}

// Selector calls the tool-selector service and resolves its keep_tools
// wildcard against the agent platform's current tool list.
type Selector struct {
	selector *httpx.Client
	letta    *httpx.Client
}

// New builds a Selector. selector points at the tool-selector service;
// letta points at the agent platform, used only to expand the "*"
// keep_tools wildcard.
func New(selector, letta *httpx.Client) *Selector {
	return &Selector{selector: selector, letta: letta}
}

type agentTool struct {
	ID string `json:"id"`
}

func (s *Selector) currentToolIDs(ctx context.Context, agentID string) []string {
	ctx, cancel := context.WithTimeout(ctx, agentToolsTimeout)
	defer cancel()

	var tools []agentTool
	if _, err := s.letta.Do(ctx, httpx.Request{
		Method:  http.MethodGet,
		Path:    fmt.Sprintf("/agents/%s/tools", agentID),
		AgentID: agentID,
	}, &tools); err != nil {
		return nil
	}
	ids := make([]string, 0, len(tools))
	for _, t := range tools {
		if t.ID != "" {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// resolveKeepTools expands the "*" wildcard into the agent's currently
// attached tool IDs and unions the result with any explicit IDs,
// deduplicated by ID with first-occurrence order preserved.
func (s *Selector) resolveKeepTools(ctx context.Context, agentID string, keepTools []string) []string {
	seen := make(map[string]struct{})
	resolved := make([]string, 0, len(keepTools))

	add := func(id string) {
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		resolved = append(resolved, id)
	}

	for _, kt := range keepTools {
		if kt == "*" {
			for _, id := range s.currentToolIDs(ctx, agentID) {
				add(id)
			}
			continue
		}
		add(kt)
	}
	return resolved
}

// Attach calls the tool-selector's /attach endpoint for the given
// prompt and agent, protecting findToolsID (and everything currently
// attached) from detachment.
func (s *Selector) Attach(ctx context.Context, agentID, prompt, findToolsID string) (*Response, error) {
	keepTools := s.resolveKeepTools(ctx, agentID, []string{"*", findToolsID})

	body := map[string]any{
		"query":             prompt,
		"agent_id":          agentID,
		"keep_tools":        keepTools,
		"limit":             resultLimit,
		"min_score":         minScore,
		"return_structured": true,
	}

	ctx, cancel := context.WithTimeout(ctx, attachTimeout)
	defer cancel()

	var resp Response
	if _, err := s.selector.Do(ctx, httpx.Request{
		Method: http.MethodPost,
		Path:   "/attach",
		Body:   body,
	}, &resp); err != nil {
		return nil, fmt.Errorf("tool-selector attach: %w", err)
	}
	return &resp, nil
}
