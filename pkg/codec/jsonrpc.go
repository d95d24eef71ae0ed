package codec

import (
	"bytes"
	"encoding/json"
)

// Supported JSON-RPC version
const JsonRPCVersion string = "2.0"

// JSON-RPC 2.0 standard error codes
const (
	PARSE_ERROR      = -32700
	INVALID_REQUEST  = -32600
	METHOD_NOT_FOUND = -32601
	INVALID_PARAMS   = -32602
	INTERNAL_ERROR   = -32603
)

// Server error codes
const (
	HANDLER_ERROR     = -32000
	SESSION_ERROR     = -32001
	DUPLICATE_REQUEST = -32002
)

var rpcErrorMessages = map[int]string{
	PARSE_ERROR:       "Parse error",
	INVALID_REQUEST:   "Invalid Request",
	METHOD_NOT_FOUND:  "Method not found",
	INVALID_PARAMS:    "Invalid params",
	INTERNAL_ERROR:    "Internal error",
	HANDLER_ERROR:     "Tool error",
	SESSION_ERROR:     "Session error",
	DUPLICATE_REQUEST: "Duplicate request id",
}

// JSONRPCMessage is one of *JSONRPCRequest, *JSONRPCNotification or
// *JSONRPCResponse.
type JSONRPCMessage interface {
	isMessage()
}

// ID is a request id kept as its original JSON so it is echoed back exactly.
// The zero ID marshals as null.
type ID struct {
	raw json.RawMessage
}

// NewID wraps a string or integer id.
func NewID(v any) ID {
	b, _ := json.Marshal(v)
	return ID{raw: b}
}

func (id ID) IsZero() bool { return len(id.raw) == 0 }

// String is a stable key for the id. "7" and 7 are distinct ids.
func (id ID) String() string { return string(id.raw) }

func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	id.raw = append(json.RawMessage(nil), bytes.TrimSpace(data)...)
	return nil
}

// validID accepts strings and numbers only.
func validID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch c := raw[0]; {
	case c == '"':
		var s string
		return json.Unmarshal(raw, &s) == nil
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		return json.Unmarshal(raw, &n) == nil
	}
	return false
}

type JSONRPCRequest struct {
	ID     ID
	Method string
	Params json.RawMessage
}

func (*JSONRPCRequest) isMessage() {}

type JSONRPCNotification struct {
	Method string
	Params json.RawMessage
}

func (*JSONRPCNotification) isMessage() {}

type JSONRPCResponse struct {
	ID     ID
	Result json.RawMessage
	Error  *JSONRPCError
}

func (*JSONRPCResponse) isMessage() {}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (r *JSONRPCError) Error() string { return r.Message }

// NewError builds an error object, using the standard message for code when
// message is empty.
func NewError(code int, message string, data any) *JSONRPCError {
	if message == "" {
		message = rpcErrorMessages[code]
	}
	return &JSONRPCError{Code: code, Message: message, Data: data}
}

// NewResult marshals v into a success response for id.
func NewResult(id ID, v any) (*JSONRPCResponse, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &JSONRPCResponse{ID: id, Result: b}, nil
}

func NewErrorResponse(id ID, rpcErr *JSONRPCError) *JSONRPCResponse {
	return &JSONRPCResponse{ID: id, Error: rpcErr}
}

// NewNotification marshals params into a notification.
func NewNotification(method string, params any) (*JSONRPCNotification, error) {
	n := &JSONRPCNotification{Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		n.Params = b
	}
	return n, nil
}
