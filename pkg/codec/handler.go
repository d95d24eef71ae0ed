package codec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/null-create/mdt-mcp/pkg/mcp"
	"github.com/null-create/mdt-mcp/pkg/session"
	"github.com/null-create/mdt-mcp/pkg/stream"
	"github.com/null-create/mdt-mcp/pkg/validate"
)

// Invocation is the audit record of one tool call.
type Invocation struct {
	SessionID string
	RequestID string
	Tool      string
	Params    json.RawMessage
	Outcome   string
	ErrorCode int
	StartedAt time.Time
	Duration  time.Duration
}

// Tool call outcomes.
const (
	OutcomeOK            = "ok"
	OutcomeUnknownTool   = "unknown_tool"
	OutcomeInvalidParams = "invalid_params"
	OutcomeHandlerError  = "handler_error"
	OutcomeDiscarded     = "discarded"
)

// Recorder receives every tool invocation outcome. It is called from its own
// goroutine and must not assume the request context is still live.
type Recorder interface {
	Record(ctx context.Context, inv Invocation) error
}

// Observer is notified of protocol level events for metrics.
type Observer interface {
	ToolCall(tool, outcome string)
	DecodeError(kind string)
}

type noopObserver struct{}

func (noopObserver) ToolCall(string, string) {}
func (noopObserver) DecodeError(string)      {}

type Options struct {
	Registry     *mcp.ToolRegistry
	Sessions     *session.Store
	Streams      *stream.Controller
	ServerInfo   mcp.Implementation
	Instructions string
	Recorder     Recorder
	Observer     Observer
	Logger       *slog.Logger
}

// Handler turns decoded messages into responses. It is shared by every
// transport so a tool behaves the same no matter how it was reached.
type Handler struct {
	registry     *mcp.ToolRegistry
	sessions     *session.Store
	streams      *stream.Controller
	info         mcp.Implementation
	instructions string
	recorder     Recorder
	observer     Observer
	log          *slog.Logger
}

func NewHandler(opts Options) *Handler {
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		registry:     opts.Registry,
		sessions:     opts.Sessions,
		streams:      opts.Streams,
		info:         opts.ServerInfo,
		instructions: opts.Instructions,
		recorder:     opts.Recorder,
		observer:     opts.Observer,
		log:          opts.Logger.With("component", "codec"),
	}
}

func (h *Handler) Sessions() *session.Store   { return h.sessions }
func (h *Handler) Streams() *stream.Controller { return h.streams }
func (h *Handler) Registry() *mcp.ToolRegistry { return h.registry }

// Decode wraps the package Decode and reports failures to the observer.
func (h *Handler) Decode(raw []byte) (JSONRPCMessage, error) {
	msg, err := Decode(raw)
	var de *DecodeError
	if errors.As(err, &de) {
		h.observer.DecodeError(string(de.Kind))
		h.log.Debug("undecodable message", "kind", de.Kind, "reason", de.Reason)
	}
	return msg, err
}

// Initialize performs the handshake: it creates a session for the negotiated
// protocol version and activates it once the response is built. The new
// session id is returned alongside the response and echoed in
// result._meta.sessionId.
func (h *Handler) Initialize(req *JSONRPCRequest) (*JSONRPCResponse, string) {
	var params mcp.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewErrorResponse(req.ID, NewError(INVALID_PARAMS, "", err.Error())), ""
		}
	}
	version := mcp.NegotiateVersion(params.ProtocolVersion)
	info := h.sessions.Create(version)

	result := mcp.InitializeResult{
		Result:          mcp.Result{Meta: map[string]any{"sessionId": info.ID}},
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Logging: &mcp.LoggingCapabilities{},
			Tools:   &mcp.ToolCapabilities{ListChanged: false},
		},
		ServerInfo:   h.info,
		Instructions: h.instructions,
	}
	resp, err := NewResult(req.ID, result)
	if err != nil {
		_ = h.sessions.Terminate(info.ID)
		return NewErrorResponse(req.ID, NewError(INTERNAL_ERROR, "", nil)), ""
	}
	if err := h.sessions.Activate(info.ID); err != nil {
		return NewErrorResponse(req.ID, h.sessionError(err)), ""
	}

	h.log.Info("session initialized",
		"session", info.ID,
		"requested_version", params.ProtocolVersion,
		"version", version,
		"client", params.ClientInfo.Name,
	)
	return resp, info.ID
}

// HandleRequest runs a request for an established session. A nil response
// means the session was terminated while the request ran and the result was
// discarded.
func (h *Handler) HandleRequest(ctx context.Context, sessionID string, req *JSONRPCRequest) (resp *JSONRPCResponse) {
	if req.Method == mcp.MethodInitialize {
		return NewErrorResponse(req.ID, NewError(INVALID_REQUEST, "session already initialized", nil))
	}

	reqCtx, err := h.sessions.BeginRequest(ctx, sessionID, req.ID.String())
	if err != nil {
		return NewErrorResponse(req.ID, h.sessionError(err))
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic while handling request", "session", sessionID, "method", req.Method, "panic", r)
			resp = NewErrorResponse(req.ID, NewError(INTERNAL_ERROR, "", nil))
		}
		if !h.sessions.EndRequest(sessionID, req.ID.String()) {
			h.log.Info("discarding response for terminated session", "session", sessionID, "id", req.ID.String())
			resp = nil
		}
	}()

	switch req.Method {
	case mcp.MethodPing:
		return h.result(req.ID, struct{}{})
	case mcp.MethodToolsList:
		return h.result(req.ID, mcp.ListToolsResult{Tools: h.registry.ListTools()})
	case mcp.MethodToolsCall:
		var params mcp.CallToolParams
		if err := json.Unmarshal(validate.Normalize(req.Params), &params); err != nil || params.Name == "" {
			return NewErrorResponse(req.ID, NewError(INVALID_PARAMS, "tools/call requires a tool name", nil))
		}
		out, rpcErr := h.invoke(reqCtx, sessionID, req.ID, params.Name, params.Arguments)
		if rpcErr != nil {
			return NewErrorResponse(req.ID, rpcErr)
		}
		return h.result(req.ID, toolResult(out))
	}

	if h.registry.HasTool(req.Method) {
		out, rpcErr := h.invoke(reqCtx, sessionID, req.ID, req.Method, req.Params)
		if rpcErr != nil {
			return NewErrorResponse(req.ID, rpcErr)
		}
		return h.result(req.ID, out)
	}
	return NewErrorResponse(req.ID, NewError(METHOD_NOT_FOUND, "", map[string]string{"method": req.Method}))
}

// HandleNotification applies a client notification. A notification naming a
// registered tool runs it like a request but nothing is sent back; failures
// are only logged. Other unknown methods are ignored.
func (h *Handler) HandleNotification(ctx context.Context, sessionID string, n *JSONRPCNotification) {
	if sessionID != "" {
		if err := h.sessions.Touch(sessionID); err != nil {
			h.log.Debug("notification for unusable session", "session", sessionID, "method", n.Method, "error", err)
			return
		}
	}

	switch n.Method {
	case mcp.NotifyInitialized:
	case mcp.NotifyCancelled:
		var params mcp.CancelledParams
		if err := json.Unmarshal(validate.Normalize(n.Params), &params); err != nil || len(params.RequestID) == 0 {
			h.log.Debug("malformed cancellation", "session", sessionID)
			return
		}
		var id ID
		_ = id.UnmarshalJSON(params.RequestID)
		if h.sessions.CancelRequest(sessionID, id.String()) {
			h.log.Info("request cancelled by client", "session", sessionID, "id", id.String(), "reason", params.Reason)
		}
	default:
		if !h.registry.HasTool(n.Method) {
			h.log.Debug("ignoring notification", "session", sessionID, "method", n.Method)
			return
		}
		h.notifyTool(ctx, sessionID, n)
	}
}

func (h *Handler) notifyTool(ctx context.Context, sessionID string, n *JSONRPCNotification) {
	if _, rpcErr := h.invoke(ctx, sessionID, ID{}, n.Method, n.Params); rpcErr != nil {
		h.log.Warn("tool notification failed",
			"session", sessionID,
			"tool", n.Method,
			"code", rpcErr.Code,
			"message", rpcErr.Message,
		)
	}
}

// HandleResponse accepts a client response. The server never sends requests,
// so these are only logged.
func (h *Handler) HandleResponse(sessionID string, r *JSONRPCResponse) {
	h.log.Debug("ignoring client response", "session", sessionID, "id", r.ID.String())
}

// Push queues a notification on the session's event stream.
func (h *Handler) Push(sessionID, method string, params any) error {
	n, err := NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	b, err := Encode(n)
	if err != nil {
		return err
	}
	_, err = h.streams.Push(sessionID, b)
	return err
}

func (h *Handler) sessionContext(sessionID string) mcp.SessionContext {
	return mcp.SessionContext{
		SessionID: sessionID,
		Push: func(method string, params any) error {
			return h.Push(sessionID, method, params)
		},
	}
}

func (h *Handler) invoke(ctx context.Context, sessionID string, id ID, tool string, params json.RawMessage) (any, *JSONRPCError) {
	start := time.Now()
	out, err := h.registry.Dispatch(ctx, tool, params, h.sessionContext(sessionID))

	inv := Invocation{
		SessionID: sessionID,
		RequestID: id.String(),
		Tool:      tool,
		Params:    params,
		Outcome:   OutcomeOK,
		StartedAt: start,
		Duration:  time.Since(start),
	}

	var rpcErr *JSONRPCError
	if err != nil {
		rpcErr = h.toolError(sessionID, id, tool, err)
		inv.ErrorCode = rpcErr.Code
		inv.Outcome = outcomeOf(err)
	} else if info, gerr := h.sessions.Get(sessionID); gerr != nil || info.State != session.StateActive {
		inv.Outcome = OutcomeDiscarded
	}
	h.observer.ToolCall(tool, inv.Outcome)
	h.record(ctx, inv)
	return out, rpcErr
}

func (h *Handler) record(ctx context.Context, inv Invocation) {
	if h.recorder == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := h.recorder.Record(ctx, inv); err != nil {
			h.log.Warn("failed to record invocation", "tool", inv.Tool, "error", err)
		}
	}()
}

func outcomeOf(err error) string {
	var (
		unknown *mcp.UnknownToolError
		invalid *mcp.InvalidParamsError
	)
	switch {
	case errors.As(err, &unknown):
		return OutcomeUnknownTool
	case errors.As(err, &invalid):
		return OutcomeInvalidParams
	}
	return OutcomeHandlerError
}

// toolError maps a Dispatch error onto the client-facing error object. The
// cause of a handler error is only logged.
func (h *Handler) toolError(sessionID string, id ID, tool string, err error) *JSONRPCError {
	var (
		unknown *mcp.UnknownToolError
		invalid *mcp.InvalidParamsError
		handler *mcp.HandlerError
	)
	switch {
	case errors.As(err, &unknown):
		return NewError(METHOD_NOT_FOUND, unknown.Error(), map[string]string{"tool": unknown.Name})
	case errors.As(err, &invalid):
		data := map[string]any{"tool": invalid.Tool}
		if f := invalid.Field(); f != "" {
			data["field"] = f
			data["errors"] = invalid.Fields
		}
		return NewError(INVALID_PARAMS, invalid.Error(), data)
	case errors.As(err, &handler):
		if handler.Cause != nil {
			h.log.Error("tool handler failed",
				"session", sessionID,
				"id", id.String(),
				"tool", tool,
				"code", handler.Code,
				"error", handler.Cause,
			)
		}
		return NewError(HANDLER_ERROR, handler.Message, map[string]string{"code": handler.Code})
	}
	h.log.Error("unexpected dispatch error", "session", sessionID, "tool", tool, "error", err)
	return NewError(INTERNAL_ERROR, "", nil)
}

func (h *Handler) sessionError(err error) *JSONRPCError {
	if errors.Is(err, session.ErrDuplicateRequest) {
		return NewError(DUPLICATE_REQUEST, "", nil)
	}
	reason := "session error"
	var serr *session.Error
	if errors.As(err, &serr) {
		reason = serr.Err.Error()
	}
	return NewError(SESSION_ERROR, "", map[string]string{"reason": reason})
}

func (h *Handler) result(id ID, v any) *JSONRPCResponse {
	resp, err := NewResult(id, v)
	if err != nil {
		h.log.Error("failed to encode result", "id", id.String(), "error", err)
		return NewErrorResponse(id, NewError(INTERNAL_ERROR, "", nil))
	}
	return resp
}

// toolResult wraps a handler result in the tools/call result shape: the JSON
// text as a content block plus the structured value.
func toolResult(out any) mcp.CallToolResult {
	var text string
	if tr, ok := out.(mcp.TextResult); ok {
		text = tr.ResultText()
	} else if b, err := json.Marshal(out); err == nil {
		text = string(b)
	} else {
		text = fmt.Sprint(out)
	}
	return mcp.CallToolResult{
		Content:           []mcp.Content{{Type: "text", Text: text}},
		StructuredContent: out,
	}
}
