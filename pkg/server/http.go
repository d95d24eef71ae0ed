package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/null-create/mdt-mcp/pkg/codec"
	"github.com/null-create/mdt-mcp/pkg/mcp"
	"github.com/null-create/mdt-mcp/pkg/session"
	"github.com/null-create/mdt-mcp/pkg/stream"
)

const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "MCP-Protocol-Version"
	HeaderLastEventID     = "Last-Event-ID"
)

const (
	// maxBodyBytes bounds a single submitted message.
	maxBodyBytes = 4 << 20
	// DefaultKeepAlive is the idle interval after which an SSE comment is
	// written to keep intermediaries from closing the stream.
	DefaultKeepAlive = 15 * time.Second
)

// HTTPTransport serves the MCP endpoint: POST submits a message, GET opens or
// resumes the server-sent event stream and DELETE ends the session.
type HTTPTransport struct {
	handler   *codec.Handler
	keepAlive time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	streams map[*stream.Handle]struct{}
}

func NewHTTPTransport(h *codec.Handler, keepAlive time.Duration, log *slog.Logger) *HTTPTransport {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPTransport{
		handler:   h,
		keepAlive: keepAlive,
		log:       log.With("component", "http"),
		streams:   make(map[*stream.Handle]struct{}),
	}
}

// CloseStreams detaches every open event stream. Sessions stay resumable.
func (t *HTTPTransport) CloseStreams() {
	t.mu.Lock()
	handles := make([]*stream.Handle, 0, len(t.streams))
	for h := range t.streams {
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for _, h := range handles {
		t.handler.Streams().Close(h)
	}
}

// HandlePost decodes one submitted message and answers it.
func (t *HTTPTransport) HandlePost(w http.ResponseWriter, r *http.Request) {
	version := r.Header.Get(HeaderProtocolVersion)
	if version != "" && !mcp.SupportedVersion(version) {
		t.writeError(w, http.StatusBadRequest, codec.ID{}, codec.INVALID_REQUEST,
			fmt.Sprintf("unsupported protocol version %q", version))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			t.writeError(w, http.StatusRequestEntityTooLarge, codec.ID{}, codec.INVALID_REQUEST, "request body too large")
			return
		}
		t.writeError(w, http.StatusBadRequest, codec.ID{}, codec.PARSE_ERROR, "could not read request body")
		return
	}

	msg, err := t.handler.Decode(body)
	if err != nil {
		var de *codec.DecodeError
		if errors.As(err, &de) {
			t.writeMessage(w, http.StatusBadRequest, de.Response())
			return
		}
		t.writeError(w, http.StatusBadRequest, codec.ID{}, codec.INVALID_REQUEST, "")
		return
	}

	if req, ok := msg.(*codec.JSONRPCRequest); ok && req.Method == mcp.MethodInitialize {
		resp, sid := t.handler.Initialize(req)
		if sid != "" {
			w.Header().Set(HeaderSessionID, sid)
		}
		t.writeMessage(w, http.StatusOK, resp)
		return
	}

	var id codec.ID
	if req, ok := msg.(*codec.JSONRPCRequest); ok {
		id = req.ID
	}
	sid, status, reason := t.session(r, version)
	if status != 0 {
		t.writeError(w, status, id, codec.SESSION_ERROR, reason)
		return
	}

	switch m := msg.(type) {
	case *codec.JSONRPCNotification:
		t.handler.HandleNotification(r.Context(), sid, m)
		w.WriteHeader(http.StatusAccepted)
	case *codec.JSONRPCResponse:
		t.handler.HandleResponse(sid, m)
		w.WriteHeader(http.StatusAccepted)
	case *codec.JSONRPCRequest:
		resp := t.handler.HandleRequest(r.Context(), sid, m)
		if resp == nil {
			t.writeError(w, http.StatusNotFound, m.ID, codec.SESSION_ERROR, "session terminated")
			return
		}
		t.writeMessage(w, http.StatusOK, resp)
	}
}

// HandleStream opens, or resumes when Last-Event-ID is present, the event
// stream of a session and writes events until the client goes away or the
// stream is replaced.
func (t *HTTPTransport) HandleStream(w http.ResponseWriter, r *http.Request) {
	if accept := r.Header.Get("Accept"); accept != "" &&
		!strings.Contains(accept, "text/event-stream") && !strings.Contains(accept, "*/*") {
		t.writeError(w, http.StatusNotAcceptable, codec.ID{}, codec.INVALID_REQUEST, "client must accept text/event-stream")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.writeError(w, http.StatusInternalServerError, codec.ID{}, codec.INTERNAL_ERROR, "streaming unsupported")
		return
	}

	sid, status, reason := t.session(r, r.Header.Get(HeaderProtocolVersion))
	if status != 0 {
		t.writeError(w, status, codec.ID{}, codec.SESSION_ERROR, reason)
		return
	}

	var (
		h   *stream.Handle
		err error
	)
	if last := r.Header.Get(HeaderLastEventID); last != "" {
		n, perr := strconv.ParseUint(strings.TrimSpace(last), 10, 64)
		if perr != nil {
			t.writeError(w, http.StatusBadRequest, codec.ID{}, codec.SESSION_ERROR, "malformed Last-Event-ID")
			return
		}
		h, err = t.handler.Streams().Resume(sid, n)
	} else {
		h, err = t.handler.Streams().Open(sid)
	}
	if err != nil {
		t.writeError(w, streamStatus(err), codec.ID{}, codec.SESSION_ERROR, reasonOf(err))
		return
	}
	t.track(h)
	defer t.untrack(h)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(HeaderSessionID, sid)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		next, cancel := context.WithTimeout(ctx, t.keepAlive)
		ev, err := h.Next(next)
		cancel()
		switch {
		case err == nil:
			if _, err := fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", ev.ID, ev.Payload); err != nil {
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
		default:
			if ctx.Err() == nil {
				t.log.Debug("event stream ended", "session", sid, "reason", err)
			}
			return
		}
		flusher.Flush()
	}
}

// HandleDelete terminates the session named by the request header.
func (t *HTTPTransport) HandleDelete(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(HeaderSessionID)
	if sid == "" {
		t.writeError(w, http.StatusBadRequest, codec.ID{}, codec.SESSION_ERROR, "missing "+HeaderSessionID+" header")
		return
	}
	if err := t.handler.Sessions().Terminate(sid); err != nil {
		t.writeError(w, http.StatusNotFound, codec.ID{}, codec.SESSION_ERROR, reasonOf(err))
		return
	}
	t.log.Info("session terminated by client", "session", sid)
	w.WriteHeader(http.StatusNoContent)
}

// session resolves the session header of r. A non-zero status means the
// request must be refused with it.
func (t *HTTPTransport) session(r *http.Request, version string) (string, int, string) {
	sid := r.Header.Get(HeaderSessionID)
	if sid == "" {
		return "", http.StatusBadRequest, "missing " + HeaderSessionID + " header"
	}
	info, err := t.handler.Sessions().Get(sid)
	if err != nil {
		return "", http.StatusNotFound, reasonOf(err)
	}
	switch info.State {
	case session.StateTerminated:
		return "", http.StatusNotFound, session.ErrTerminated.Error()
	case session.StateInitializing:
		return "", http.StatusBadRequest, session.ErrNotActive.Error()
	}
	if version != "" && version != info.ProtocolVersion {
		return "", http.StatusBadRequest,
			fmt.Sprintf("protocol version %q does not match negotiated %q", version, info.ProtocolVersion)
	}
	return sid, 0, ""
}

func streamStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrTerminated),
		errors.Is(err, session.ErrResumeExpired):
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func reasonOf(err error) string {
	var serr *session.Error
	if errors.As(err, &serr) {
		return serr.Err.Error()
	}
	return err.Error()
}

func (t *HTTPTransport) track(h *stream.Handle) {
	t.mu.Lock()
	t.streams[h] = struct{}{}
	t.mu.Unlock()
}

func (t *HTTPTransport) untrack(h *stream.Handle) {
	t.mu.Lock()
	delete(t.streams, h)
	t.mu.Unlock()
	t.handler.Streams().Close(h)
}

func (t *HTTPTransport) writeError(w http.ResponseWriter, status int, id codec.ID, code int, reason string) {
	var data any
	if reason != "" {
		data = map[string]string{"reason": reason}
	}
	t.writeMessage(w, status, codec.NewErrorResponse(id, codec.NewError(code, "", data)))
}

func (t *HTTPTransport) writeMessage(w http.ResponseWriter, status int, msg codec.JSONRPCMessage) {
	b, err := codec.Encode(msg)
	if err != nil {
		t.log.Error("failed to encode message", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
