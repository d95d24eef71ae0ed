package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/null-create/mdt-mcp/pkg/codec"
	"github.com/null-create/mdt-mcp/pkg/mcp"
	"github.com/null-create/mdt-mcp/pkg/session"
	"github.com/null-create/mdt-mcp/pkg/stream"
)

// StdioTransport serves one client over newline-delimited JSON. Messages are
// handled one at a time in arrival order.
type StdioTransport struct {
	handler *codec.Handler
	in      io.Reader
	out     io.Writer
	log     *slog.Logger

	writeMu sync.Mutex
	w       *bufio.Writer

	sessionID string
	pump      *pump
}

func NewStdioTransport(h *codec.Handler, in io.Reader, out io.Writer, log *slog.Logger) *StdioTransport {
	if log == nil {
		log = slog.Default()
	}
	return &StdioTransport{
		handler: h,
		in:      in,
		out:     out,
		w:       bufio.NewWriter(out),
		log:     log.With("component", "stdio"),
	}
}

type line struct {
	data []byte
	err  error
}

// Serve reads until EOF or until ctx is done. The session in use when the
// client goes away is terminated.
func (s *StdioTransport) Serve(ctx context.Context) error {
	lines := make(chan line)
	go s.read(ctx, lines)

	defer s.endSession()

	s.log.Info("persistent channel ready")
	for {
		select {
		case <-ctx.Done():
			return nil
		case l := <-lines:
			if len(bytes.TrimSpace(l.data)) > 0 {
				s.handle(ctx, l.data)
			}
			if l.err != nil {
				if errors.Is(l.err, io.EOF) {
					s.log.Info("client closed the persistent channel")
					return nil
				}
				return l.err
			}
		}
	}
}

// read frames the input on newlines. It stops at the first read error.
func (s *StdioTransport) read(ctx context.Context, lines chan<- line) {
	reader := bufio.NewReader(s.in)
	for {
		data, err := reader.ReadBytes('\n') // framing logic (newline-delimited)
		select {
		case lines <- line{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *StdioTransport) handle(ctx context.Context, raw []byte) {
	msg, err := s.handler.Decode(raw)
	if err != nil {
		var de *codec.DecodeError
		if errors.As(err, &de) {
			s.write(de.Response())
		}
		return
	}

	switch m := msg.(type) {
	case *codec.JSONRPCRequest:
		if m.Method == mcp.MethodInitialize {
			resp, sid := s.handler.Initialize(m)
			if sid != "" {
				s.switchSession(sid)
			}
			s.write(resp)
			return
		}
		sid, err := s.ensureSession()
		if err != nil {
			s.log.Error("could not start implicit session", "error", err)
			s.write(codec.NewErrorResponse(m.ID, codec.NewError(codec.INTERNAL_ERROR, "", nil)))
			return
		}
		resp := s.handler.HandleRequest(ctx, sid, m)
		if resp != nil && resp.Error != nil && resp.Error.Code == codec.SESSION_ERROR {
			// The session ended between the check and the dispatch.
			if next, err := s.ensureSession(); err == nil && next != sid {
				resp = s.handler.HandleRequest(ctx, next, m)
			}
		}
		if resp != nil {
			s.write(resp)
		}
	case *codec.JSONRPCNotification:
		sid, err := s.ensureSession()
		if err != nil {
			s.log.Error("could not start implicit session", "error", err)
			return
		}
		s.handler.HandleNotification(ctx, sid, m)
	case *codec.JSONRPCResponse:
		s.handler.HandleResponse(s.sessionID, m)
	}
}

// ensureSession returns a usable session for the channel. Clients that skip
// the handshake get one implicitly, and so does a channel whose session was
// reaped or terminated while the client stayed connected.
func (s *StdioTransport) ensureSession() (string, error) {
	sessions := s.handler.Sessions()
	if s.sessionID != "" {
		info, err := sessions.Get(s.sessionID)
		if err == nil && info.State == session.StateActive {
			return s.sessionID, nil
		}
		s.log.Info("session ended under an open channel, starting a new one", "session", s.sessionID)
		s.stopPump()
		s.sessionID = ""
	}

	info := sessions.Create(mcp.LatestVersion)
	if err := sessions.Activate(info.ID); err != nil {
		return "", err
	}
	s.log.Debug("implicit session started", "session", info.ID)
	s.switchSession(info.ID)
	return info.ID, nil
}

// pump forwards one session's pushed events to the channel.
type pump struct {
	sessionID string
	done      chan struct{}

	mu      sync.Mutex
	h       *stream.Handle
	stopped bool
}

// switchSession makes sid current and forwards its pushed events. The
// previous session is left to the reaper.
func (s *StdioTransport) switchSession(sid string) {
	s.stopPump()
	s.sessionID = sid

	h, err := s.handler.Streams().Open(sid)
	if err != nil {
		s.log.Warn("could not open event stream", "session", sid, "error", err)
		return
	}
	p := &pump{sessionID: sid, h: h, done: make(chan struct{})}
	s.pump = p
	go s.forward(p)
}

func (s *StdioTransport) forward(p *pump) {
	defer close(p.done)
	h := p.h
	for {
		ev, err := h.Next(context.Background())
		if err == nil {
			s.writeRaw(ev.Payload)
			continue
		}
		if !errors.Is(err, stream.ErrOverflow) {
			if !errors.Is(err, stream.ErrClosed) {
				s.log.Debug("event stream ended", "session", p.sessionID, "error", err)
			}
			return
		}

		// The channel fell behind. Everything already handed to h has been
		// written, so reopening picks up exactly the undelivered events.
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return
		}
		next, oerr := s.handler.Streams().Open(p.sessionID)
		if oerr != nil {
			p.mu.Unlock()
			s.log.Warn("could not reopen event stream", "session", p.sessionID, "error", oerr)
			return
		}
		p.h = next
		p.mu.Unlock()
		s.log.Debug("event stream reopened after overflow", "session", p.sessionID)
		h = next
	}
}

func (s *StdioTransport) stopPump() {
	p := s.pump
	if p == nil {
		return
	}
	p.mu.Lock()
	p.stopped = true
	h := p.h
	p.mu.Unlock()

	s.handler.Streams().Close(h)
	<-p.done
	s.pump = nil
}

func (s *StdioTransport) endSession() {
	s.stopPump()
	if s.sessionID != "" {
		_ = s.handler.Sessions().Terminate(s.sessionID)
		s.sessionID = ""
	}
}

func (s *StdioTransport) write(msg codec.JSONRPCMessage) {
	b, err := codec.Encode(msg)
	if err != nil {
		s.log.Error("failed to encode message", "error", err)
		return
	}
	s.writeRaw(b)
}

func (s *StdioTransport) writeRaw(b []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.w.Write(b)
	s.w.WriteByte('\n')
	if err := s.w.Flush(); err != nil {
		s.log.Error("failed to write to persistent channel", "error", err)
	}
}
