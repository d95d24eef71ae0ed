package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeErrorKind classifies why a frame could not be decoded.
type DecodeErrorKind string

const (
	KindParse   DecodeErrorKind = "parse"
	KindInvalid DecodeErrorKind = "invalid"
	KindVersion DecodeErrorKind = "version"
)

// DecodeError is returned by Decode. ID is set when the frame was valid JSON
// carrying a usable id, so the error response can reference it.
type DecodeError struct {
	Kind   DecodeErrorKind
	Reason string
	ID     ID
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Kind, e.Reason)
}

// RPCError maps the decode failure onto its JSON-RPC error object.
func (e *DecodeError) RPCError() *JSONRPCError {
	if e.Kind == KindParse {
		return NewError(PARSE_ERROR, "", e.Reason)
	}
	return NewError(INVALID_REQUEST, "", e.Reason)
}

// Response builds the error response sent back for an undecodable frame.
func (e *DecodeError) Response() *JSONRPCResponse {
	return NewErrorResponse(e.ID, e.RPCError())
}

type envelope struct {
	JSONRPC *string         `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *JSONRPCError   `json:"error"`
}

// Decode parses one framed message. Batches are not accepted.
func Decode(raw []byte) (JSONRPCMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, &DecodeError{Kind: KindParse, Reason: "empty message"}
	}
	if raw[0] != '{' {
		switch {
		case !json.Valid(raw):
			return nil, &DecodeError{Kind: KindParse, Reason: "malformed JSON"}
		case raw[0] == '[':
			return nil, &DecodeError{Kind: KindInvalid, Reason: "batch requests are not supported"}
		}
		return nil, &DecodeError{Kind: KindInvalid, Reason: "message must be a JSON object"}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Kind: KindParse, Reason: err.Error()}
	}

	var id ID
	hasID := env.ID != nil
	if hasID && validID(env.ID) {
		id = ID{raw: append(json.RawMessage(nil), env.ID...)}
	}

	if env.JSONRPC == nil || *env.JSONRPC != JsonRPCVersion {
		return nil, &DecodeError{Kind: KindVersion, Reason: `jsonrpc must be "2.0"`, ID: id}
	}
	if hasID && id.IsZero() {
		return nil, &DecodeError{Kind: KindInvalid, Reason: "id must be a string or number"}
	}

	if env.Method != nil {
		if *env.Method == "" {
			return nil, &DecodeError{Kind: KindInvalid, Reason: "method must not be empty", ID: id}
		}
		if !validParams(env.Params) {
			return nil, &DecodeError{Kind: KindInvalid, Reason: "params must be an object or array", ID: id}
		}
		if !hasID {
			return &JSONRPCNotification{Method: *env.Method, Params: env.Params}, nil
		}
		return &JSONRPCRequest{ID: id, Method: *env.Method, Params: env.Params}, nil
	}

	if !hasID {
		return nil, &DecodeError{Kind: KindInvalid, Reason: "message has neither method nor id"}
	}
	if (env.Result == nil) == (env.Error == nil) {
		return nil, &DecodeError{Kind: KindInvalid, Reason: "response must carry exactly one of result or error", ID: id}
	}
	return &JSONRPCResponse{ID: id, Result: env.Result, Error: env.Error}, nil
}

func validParams(p json.RawMessage) bool {
	p = bytes.TrimSpace(p)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return true
	}
	return p[0] == '{' || p[0] == '['
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// Encode serializes msg as a single JSON object with no trailing newline.
func Encode(msg JSONRPCMessage) ([]byte, error) {
	w := wireMessage{JSONRPC: JsonRPCVersion}
	switch m := msg.(type) {
	case *JSONRPCRequest:
		w.ID, w.Method, w.Params = &m.ID, m.Method, m.Params
	case *JSONRPCNotification:
		w.Method, w.Params = m.Method, m.Params
	case *JSONRPCResponse:
		id := m.ID
		w.ID = &id
		switch {
		case m.Error != nil:
			w.Error = m.Error
		case m.Result == nil:
			w.Result = json.RawMessage("null")
		default:
			w.Result = m.Result
		}
	default:
		return nil, fmt.Errorf("cannot encode %T", msg)
	}
	return json.Marshal(w)
}
