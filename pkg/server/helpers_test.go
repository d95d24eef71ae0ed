package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/null-create/mdt-mcp/pkg/codec"
	"github.com/null-create/mdt-mcp/pkg/logger"
	"github.com/null-create/mdt-mcp/pkg/mcp"
	"github.com/null-create/mdt-mcp/pkg/security"
	"github.com/null-create/mdt-mcp/pkg/session"
	"github.com/null-create/mdt-mcp/pkg/stream"
	"github.com/null-create/mdt-mcp/pkg/ticket"
	"github.com/null-create/mdt-mcp/pkg/tools"
)

const (
	initializeMsg = `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"test","version":"1"}}}`
	echoCall      = `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`
	createCall    = `{"jsonrpc":"2.0","id":2,"method":"create_cr","params":{"project":"MDT","title":"Add search","type":"Feature Enhancement"}}`
)

// wire is the generic shape of anything the server writes.
type wire struct {
	ID     json.RawMessage     `json:"id"`
	Method string              `json:"method"`
	Params json.RawMessage     `json:"params"`
	Result json.RawMessage     `json:"result"`
	Error  *codec.JSONRPCError `json:"error"`
}

type handlerOptions struct {
	clock  clockwork.Clock
	buffer int
}

func newTestHandler(t *testing.T) *codec.Handler {
	return newTestHandlerWith(t, handlerOptions{})
}

func newTestHandlerWith(t *testing.T, opts handlerOptions) *codec.Handler {
	t.Helper()
	reg := mcp.NewToolRegistry()
	require.NoError(t, tools.Register(reg, ticket.NewMemoryStore()))

	store := session.NewStore(session.Options{Clock: opts.clock, Logger: logger.Discard()})
	return codec.NewHandler(codec.Options{
		Registry:   reg,
		Sessions:   store,
		Streams:    stream.NewController(store, opts.buffer, logger.Discard()),
		ServerInfo: mcp.Implementation{Name: "mdt-mcp", Version: "test"},
		Logger:     logger.Discard(),
	})
}

func newTestGate(t *testing.T) *security.Gate {
	t.Helper()
	g, err := security.NewGate(security.GateOptions{
		AllowedOrigins: []string{"http://localhost:*"},
		Logger:         logger.Discard(),
	})
	require.NoError(t, err)
	return g
}

func newTestRouter(t *testing.T, h *codec.Handler) (http.Handler, *HTTPTransport) {
	t.Helper()
	return newTestRouterWithGate(t, h, newTestGate(t))
}

func newTestRouterWithGate(t *testing.T, h *codec.Handler, gate *security.Gate) (http.Handler, *HTTPTransport) {
	t.Helper()
	tr := NewHTTPTransport(h, 50*time.Millisecond, logger.Discard())
	return NewRouter(RouterOptions{
		Path:      "/mcp",
		Transport: tr,
		Gate:      gate,
		Logger:    logger.Discard(),
	}), tr
}

func newTestServer(t *testing.T, h *codec.Handler) *httptest.Server {
	t.Helper()
	return newTestServerWithGate(t, h, newTestGate(t))
}

func newTestServerWithGate(t *testing.T, h *codec.Handler, gate *security.Gate) *httptest.Server {
	t.Helper()
	router, tr := newTestRouterWithGate(t, h, gate)
	srv := httptest.NewUnstartedServer(router)
	srv.Config.RegisterOnShutdown(tr.CloseStreams)
	srv.Start()
	t.Cleanup(func() {
		tr.CloseStreams()
		srv.Close()
	})
	return srv
}

func post(t *testing.T, srv *httptest.Server, headers map[string]string, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func initHTTP(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, _ := post(t, srv, nil, initializeMsg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sid := resp.Header.Get(HeaderSessionID)
	require.NotEmpty(t, sid)
	return sid
}

func decodeWire(t *testing.T, b []byte) wire {
	t.Helper()
	var w wire
	require.NoError(t, json.Unmarshal(b, &w))
	return w
}

// stdioClient drives a StdioTransport through pipes.
type stdioClient struct {
	in    *io.PipeWriter
	lines chan []byte
}

func startStdio(t *testing.T, h *codec.Handler) *stdioClient {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	tr := NewStdioTransport(h, inR, outW, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Serve(ctx)
	}()

	c := &stdioClient{in: inW, lines: make(chan []byte, 16)}
	go func() {
		r := bufio.NewReader(outR)
		for {
			line, err := r.ReadBytes('\n')
			if len(line) > 0 {
				c.lines <- line
			}
			if err != nil {
				close(c.lines)
				return
			}
		}
	}()

	t.Cleanup(func() {
		inW.Close()
		cancel()
		<-done
		outR.Close()
	})
	return c
}

func (c *stdioClient) send(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(c.in, line+"\n")
	require.NoError(t, err)
}

func (c *stdioClient) recv(t *testing.T) wire {
	t.Helper()
	select {
	case line, ok := <-c.lines:
		require.True(t, ok, "persistent channel closed")
		return decodeWire(t, line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return wire{}
}
