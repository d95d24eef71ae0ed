package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/null-create/mdt-mcp/pkg/codec"
)

func TestStdioHandshakeAndCall(t *testing.T) {
	c := startStdio(t, newTestHandler(t))

	c.send(t, initializeMsg)
	init := c.recv(t)
	require.Nil(t, init.Error)
	assert.JSONEq(t, `0`, string(init.ID))
	assert.Contains(t, string(init.Result), `"protocolVersion":"2025-06-18"`)

	c.send(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	c.send(t, echoCall)
	resp := c.recv(t)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `1`, string(resp.ID))
	assert.Contains(t, string(resp.Result), `"structuredContent":{"text":"hi"}`)
}

func TestStdioImplicitSession(t *testing.T) {
	h := newTestHandler(t)
	c := startStdio(t, h)

	c.send(t, `{"jsonrpc":"2.0","id":1,"method":"echo","params":{"text":"hi"}}`)
	resp := c.recv(t)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `1`, string(resp.ID))
	assert.JSONEq(t, `{"text":"hi"}`, string(resp.Result))

	c.send(t, `{"jsonrpc":"2.0","id":"a","method":"echo","params":{"text":"again"}}`)
	resp = c.recv(t)
	assert.JSONEq(t, `"a"`, string(resp.ID))
	assert.Equal(t, 1, h.Sessions().Live())
}

func TestStdioDecodeErrors(t *testing.T) {
	c := startStdio(t, newTestHandler(t))

	tests := []struct {
		line string
		code int
	}{
		{`not json`, codec.PARSE_ERROR},
		{`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, codec.INVALID_REQUEST},
		{`{"jsonrpc":"1.0","id":1,"method":"ping"}`, codec.INVALID_REQUEST},
	}
	for _, tt := range tests {
		c.send(t, tt.line)
		resp := c.recv(t)
		require.NotNil(t, resp.Error, tt.line)
		assert.Equal(t, tt.code, resp.Error.Code, tt.line)
	}

	// The channel survives bad input.
	c.send(t, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	resp := c.recv(t)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `7`, string(resp.ID))
}

func TestStdioForwardsPushedNotifications(t *testing.T) {
	c := startStdio(t, newTestHandler(t))
	c.send(t, initializeMsg)
	c.recv(t)

	c.send(t, createCall)

	var gotResponse, gotNotification bool
	for i := 0; i < 2; i++ {
		msg := c.recv(t)
		switch {
		case msg.Method == "notifications/tickets/changed":
			gotNotification = true
			assert.Contains(t, string(msg.Params), `"action":"created"`)
		case len(msg.ID) > 0:
			gotResponse = true
			assert.Nil(t, msg.Error)
		}
	}
	assert.True(t, gotResponse)
	assert.True(t, gotNotification)
}

func TestStdioEOFTerminatesSession(t *testing.T) {
	h := newTestHandler(t)
	c := startStdio(t, h)
	c.send(t, initializeMsg)
	c.recv(t)
	require.Equal(t, 1, h.Sessions().Live())

	require.NoError(t, c.in.Close())
	require.Eventually(t, func() bool { return h.Sessions().Live() == 0 }, testWait, testTick)
}

// An identical call over both transports yields byte-identical results.
func TestTransportParity(t *testing.T) {
	h := newTestHandler(t)

	c := startStdio(t, h)
	c.send(t, initializeMsg)
	c.recv(t)
	c.send(t, echoCall)
	overStdio := c.recv(t)

	srv := newTestServer(t, h)
	sid := initHTTP(t, srv)
	resp, body := post(t, srv, map[string]string{HeaderSessionID: sid}, echoCall)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	overHTTP := decodeWire(t, body)

	require.Nil(t, overStdio.Error)
	require.Nil(t, overHTTP.Error)
	assert.Equal(t, string(overStdio.ID), string(overHTTP.ID))
	assert.Equal(t, string(overStdio.Result), string(overHTTP.Result))

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(overHTTP.Result, &result))
	require.Len(t, result.Content, 1)
	assert.JSONEq(t, `{"text":"hi"}`, result.Content[0].Text)
}

func TestStdioRecoversAfterSessionReaped(t *testing.T) {
	clk := clockwork.NewFakeClock()
	h := newTestHandlerWith(t, handlerOptions{clock: clk})
	c := startStdio(t, h)

	c.send(t, `{"jsonrpc":"2.0","id":1,"method":"echo","params":{"text":"hi"}}`)
	require.Nil(t, c.recv(t).Error)

	clk.Advance(2 * time.Hour)
	require.Equal(t, 1, h.Sessions().Reap())
	require.Zero(t, h.Sessions().Live())

	for i := 2; i <= 3; i++ {
		c.send(t, `{"jsonrpc":"2.0","id":2,"method":"echo","params":{"text":"again"}}`)
		resp := c.recv(t)
		require.Nil(t, resp.Error, "request %d after reap", i)
		assert.JSONEq(t, `{"text":"again"}`, string(resp.Result))
	}
	assert.Equal(t, 1, h.Sessions().Live())

	// Pushes reach the channel through the replacement session.
	c.send(t, createCall)
	var methods []string
	for i := 0; i < 2; i++ {
		msg := c.recv(t)
		require.Nil(t, msg.Error)
		methods = append(methods, msg.Method)
	}
	assert.Contains(t, methods, "notifications/tickets/changed")
}

func TestStdioReopensStreamAfterOverflow(t *testing.T) {
	h := newTestHandlerWith(t, handlerOptions{buffer: 1})
	c := startStdio(t, h)

	c.send(t, initializeMsg)
	var init struct {
		Meta map[string]string `json:"_meta"`
	}
	require.NoError(t, json.Unmarshal(c.recv(t).Result, &init))
	sid := init.Meta["sessionId"]
	require.NotEmpty(t, sid)

	const n = 64
	for i := 0; i < n; i++ {
		require.NoError(t, h.Push(sid, "notifications/message", map[string]int{"n": i}))
	}
	for i := 0; i < n; i++ {
		msg := c.recv(t)
		require.Equal(t, "notifications/message", msg.Method)
		var p struct {
			N int `json:"n"`
		}
		require.NoError(t, json.Unmarshal(msg.Params, &p))
		require.Equal(t, i, p.N)
	}
	assert.Equal(t, 1, h.Sessions().Live())
}

func TestStdioToolNotificationRunsWithoutReply(t *testing.T) {
	h := newTestHandler(t)
	c := startStdio(t, h)

	c.send(t, `{"jsonrpc":"2.0","method":"create_cr","params":{"project":"MDT","title":"Quiet","type":"Bug Fix"}}`)
	pushed := c.recv(t)
	assert.Equal(t, "notifications/tickets/changed", pushed.Method)
	assert.Contains(t, string(pushed.Params), `"key":"MDT-001"`)

	// The next frame answers the next request: the notification got no reply.
	c.send(t, `{"jsonrpc":"2.0","id":5,"method":"get_cr","params":{"key":"MDT-001"}}`)
	resp := c.recv(t)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `5`, string(resp.ID))
	assert.Contains(t, string(resp.Result), `"title":"Quiet"`)
}
