// Package toolhost defines the engine's view of the orchestrator's tool
// catalog: a read-only descriptor listing plus a single Execute entry
// point, matching the "capability server" contract the engine's source
// system exposes over its own transport.
package toolhost

import (
	"context"
	"encoding/json"
)

// Descriptor is the engine's read-only copy of a tool's identity. Field
// names mirror the orchestrator's listTools() response.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"parameters"`
}

// Host is the engine's view of the orchestrator's tool catalog and
// execution entry point. internal/agent.ToolExecutor depends only on the
// Execute method (via the narrower ToolRunner interface); the Tool Selector
// and catalog-refresh gate depend on ListTools.
type Host interface {
	// ListTools returns the current tool catalog. Callers are expected to
	// cache the result and refresh on a TTL; Host implementations do not
	// cache internally.
	ListTools(ctx context.Context) ([]Descriptor, error)

	// Execute invokes a named tool with JSON-encoded parameters and returns
	// its result. params must validate against the tool's Schema; Host
	// implementations are not required to validate this themselves.
	Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error)
}

// Result mirrors agent.ToolResult so toolhost has no dependency on the
// agent package; internal/agent/engine.go adapts between the two at the
// call site.
type Result struct {
	Content   string     `json:"content"`
	IsError   bool       `json:"is_error,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Artifact is a file or media byproduct of a tool execution.
type Artifact struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
}

// ErrNotFound is returned by ListTools/Execute implementations that can
// distinguish "tool not in catalog" from other execution failures.
type ErrNotFound struct {
	Name string
}

func (e *ErrNotFound) Error() string {
	return "toolhost: tool not found: " + e.Name
}
