package mcp

import (
	"context"
	"encoding/json"

	"github.com/null-create/mdt-mcp/pkg/validate"
)

// Annotations are behavioral hints about a tool. They are advisory for the
// client and never change how the server dispatches the call.
type Annotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    bool   `json:"readOnlyHint"`
	DestructiveHint bool   `json:"destructiveHint"`
	IdempotentHint  bool   `json:"idempotentHint"`
	OpenWorldHint   bool   `json:"openWorldHint"`
}

// SessionContext is what a tool handler sees of the session that invoked it.
type SessionContext struct {
	SessionID string

	// Push queues an asynchronous notification for the session's client. It
	// never blocks on the client and is safe to call after the handler
	// returns.
	Push func(method string, params any) error
}

// ToolHandler runs a tool. params have already been validated against the
// tool's input schema.
type ToolHandler func(ctx context.Context, sc SessionContext, params json.RawMessage) (any, error)

// TextResult is a handler result with a human-readable rendering. The
// rendering becomes the text content of the call result and the value itself
// is sent as structured content.
type TextResult interface {
	ResultText() string
}

// ToolDefinition is one invocable operation. Definitions are immutable once
// registered and shared by every concurrent invocation.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Annotations Annotations
	Handler     ToolHandler

	schema      *validate.Schema
	fingerprint string
}

// Fingerprint is the SHA-256 of the canonical input schema, set at registration.
func (d *ToolDefinition) Fingerprint() string { return d.fingerprint }

// ToolDescription is the discovery view of a tool sent to clients.
type ToolDescription struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Annotations Annotations     `json:"annotations"`
}

// Describe returns the discovery view of the definition.
func (d *ToolDefinition) Describe() ToolDescription {
	return ToolDescription{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: d.InputSchema,
		Annotations: d.Annotations,
	}
}
