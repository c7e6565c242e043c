// Package memoryblock implements the find/attach/update/create-or-update
// state machine that reconciles a channel's memory block against the
// agent platform's core-memory API.
package memoryblock

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/oculair/graphiti-gateway/internal/contextutil"
	"github.com/oculair/graphiti-gateway/internal/httpx"
)

// ToolInventoryLabel is the fixed label used for the snapshot-only tool
// inventory block.
const ToolInventoryLabel = "available_tools"

// Block mirrors the agent platform's block record.
type Block struct {
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Value    string         `json:"value"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Data is the caller-supplied payload for a create-or-update call.
type Data struct {
	Label    string
	Value    string
	Metadata map[string]any
}

// Manager talks to the agent platform's block endpoints.
type Manager struct {
	client *httpx.Client
}

// New builds a Manager over the given authenticated client.
func New(client *httpx.Client) *Manager {
	return &Manager{client: client}
}

// blocksEnvelope accepts either a bare list or a {"blocks": [...]} wrapper,
// since the platform's various endpoints aren't consistent about it.
type blocksEnvelope struct {
	Blocks []Block `json:"blocks"`
}

func decodeBlockList(raw json.RawMessage) []Block {
	if len(raw) == 0 {
		return nil
	}
	var wrapped blocksEnvelope
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Blocks) > 0 {
		return wrapped.Blocks
	}
	var bare []Block
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare
	}
	return nil
}

// Find performs the two-stage lookup: the agent's attached core-memory
// blocks first, then the global block list. Any HTTP or parse failure
// collapses to (nil, false); the caller cannot distinguish "definitely
// absent" from "lookup failed" because the create path tolerates both.
func (m *Manager) Find(ctx context.Context, agentID, label string) (*Block, bool) {
	if agentID != "" {
		var raw json.RawMessage
		_, err := m.client.Do(ctx, httpx.Request{
			Method:  http.MethodGet,
			Path:    fmt.Sprintf("/agents/%s/core-memory/blocks", agentID),
			AgentID: agentID,
		}, &raw)
		if err == nil {
			for _, b := range decodeBlockList(raw) {
				if b.Label == label {
					block := b
					return &block, true
				}
			}
		}
	}

	var raw json.RawMessage
	_, err := m.client.Do(ctx, httpx.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/blocks?label=%s&templates_only=false", label),
	}, &raw)
	if err != nil {
		return nil, false
	}
	list := decodeBlockList(raw)
	if len(list) == 0 {
		return nil, false
	}
	block := list[0]
	return &block, false
}

// Attach puts the block into the agent's core-memory set. A 409 Conflict
// means the block is already attached and is treated as success.
func (m *Manager) Attach(ctx context.Context, agentID, blockID string) bool {
	status, err := m.client.Do(ctx, httpx.Request{
		Method:  http.MethodPatch,
		Path:    fmt.Sprintf("/agents/%s/core-memory/blocks/attach/%s", agentID, blockID),
		AgentID: agentID,
	}, nil)
	if err == nil {
		return true
	}
	return status == http.StatusConflict
}

// Update fetches the current value (using existing if supplied), appends
// the new content via the cumulative-append algorithm, and PATCHes the
// result back.
func (m *Manager) Update(ctx context.Context, blockID string, data Data, agentID string, existing *Block) (*Block, error) {
	current := existing
	if current == nil {
		var fetched Block
		if _, err := m.client.Do(ctx, httpx.Request{
			Method:  http.MethodGet,
			Path:    "/blocks/" + blockID,
			AgentID: agentID,
		}, &fetched); err != nil {
			return nil, fmt.Errorf("fetch block %s: %w", blockID, err)
		}
		current = &fetched
	}

	newValue := contextutil.Append(current.Value, data.Value)
	patch := struct {
		Value    string         `json:"value"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}{Value: newValue, Metadata: data.Metadata}

	var updated Block
	if _, err := m.client.Do(ctx, httpx.Request{
		Method:  http.MethodPatch,
		Path:    "/blocks/" + blockID,
		Body:    patch,
		AgentID: agentID,
	}, &updated); err != nil {
		return nil, fmt.Errorf("update block %s: %w", blockID, err)
	}
	return &updated, nil
}

// CreateOrUpdate is the state-machine reconciler described in the block
// ownership lifecycle: unknown -> (create+attach) -> attached;
// global-unattached -> (attach+update) -> attached; attached -> (update).
func (m *Manager) CreateOrUpdate(ctx context.Context, data Data, agentID string) (*Block, error) {
	if agentID != "" {
		block, attached := m.Find(ctx, agentID, data.Label)
		if block != nil {
			if !attached {
				m.Attach(ctx, agentID, block.ID)
			}
			return m.Update(ctx, block.ID, data, agentID, block)
		}
	}

	created, err := m.create(ctx, data)
	if err != nil {
		return nil, err
	}
	if agentID != "" && created.ID != "" {
		m.Attach(ctx, agentID, created.ID)
	}
	return created, nil
}

// CreateToolInventory is CreateOrUpdate's snapshot-only sibling: it never
// calls the cumulative-append algorithm, instead overwriting the block's
// value directly with content on every call.
func (m *Manager) CreateToolInventory(ctx context.Context, agentID, content string) (*Block, error) {
	data := Data{
		Label:    ToolInventoryLabel,
		Value:    content,
		Metadata: map[string]any{"source": "tool_inventory", "type": "snapshot"},
	}

	if agentID != "" {
		block, attached := m.Find(ctx, agentID, ToolInventoryLabel)
		if block != nil {
			if !attached {
				m.Attach(ctx, agentID, block.ID)
			}
			return m.overwrite(ctx, block.ID, content, data.Metadata, agentID)
		}
	}

	created, err := m.create(ctx, data)
	if err != nil {
		return nil, err
	}
	if agentID != "" && created.ID != "" {
		m.Attach(ctx, agentID, created.ID)
	}
	return created, nil
}

func (m *Manager) overwrite(ctx context.Context, blockID, value string, metadata map[string]any, agentID string) (*Block, error) {
	patch := struct {
		Value    string         `json:"value"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}{Value: value, Metadata: metadata}

	var updated Block
	if _, err := m.client.Do(ctx, httpx.Request{
		Method:  http.MethodPatch,
		Path:    "/blocks/" + blockID,
		Body:    patch,
		AgentID: agentID,
	}, &updated); err != nil {
		return nil, fmt.Errorf("overwrite block %s: %w", blockID, err)
	}
	return &updated, nil
}

func (m *Manager) create(ctx context.Context, data Data) (*Block, error) {
	payload := struct {
		Label    string         `json:"label"`
		Value    string         `json:"value"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}{Label: data.Label, Value: data.Value, Metadata: data.Metadata}

	var created Block
	if _, err := m.client.Do(ctx, httpx.Request{
		Method: http.MethodPost,
		Path:   "/blocks",
		Body:   payload,
	}, &created); err != nil {
		return nil, fmt.Errorf("create block %s: %w", data.Label, err)
	}
	return &created, nil
}
