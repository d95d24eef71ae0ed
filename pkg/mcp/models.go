package mcp

import "encoding/json"

// Protocol versions this server can negotiate, newest first.
const (
	Version20250618 = "2025-06-18"
	Version20250326 = "2025-03-26"
	Version20241105 = "2024-11-05"

	LatestVersion = Version20250618
)

var supportedVersions = []string{Version20250618, Version20250326, Version20241105}

// SupportedVersion reports whether v is a protocol version this server speaks.
func SupportedVersion(v string) bool {
	for _, s := range supportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

// NegotiateVersion returns the client's version when supported and the
// latest version otherwise. A client that cannot speak it must disconnect.
func NegotiateVersion(requested string) string {
	if SupportedVersion(requested) {
		return requested
	}
	return LatestVersion
}

// Method names handled by the server.
const (
	MethodInitialize    = "initialize"
	MethodPing          = "ping"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	NotifyInitialized   = "notifications/initialized"
	NotifyCancelled     = "notifications/cancelled"
	NotifyTicketChanged = "notifications/tickets/changed"
)

// Implementation describes the name and version of an MCP implementation.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolCapabilities defines the capabilities related to tools
type ToolCapabilities struct {
	ListChanged bool `json:"listChanged"`
}

type LoggingCapabilities struct{}

// ServerCapabilities defines the capabilities of the server
type ServerCapabilities struct {
	Logging *LoggingCapabilities `json:"logging,omitempty"`
	Tools   *ToolCapabilities    `json:"tools,omitempty"`
}

// InitializeParams represents parameters for the initialize method
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      Implementation  `json:"clientInfo"`
}

type Result struct {
	// This result property is reserved by the protocol to allow clients and
	// servers to attach additional metadata to their responses.
	Meta map[string]any `json:"_meta,omitempty"`
}

// InitializeResult is sent after receiving an initialize request from the
// client. The session id is echoed in _meta.sessionId so transports without
// headers can still present it.
type InitializeResult struct {
	Result
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ListToolsResult answers tools/list.
type ListToolsResult struct {
	Tools []ToolDescription `json:"tools"`
}

// CallToolParams is the params object of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Content is one block of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult answers tools/call.
type CallToolResult struct {
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError,omitempty"`
}

// CancelledParams is the params object of notifications/cancelled.
type CancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}
