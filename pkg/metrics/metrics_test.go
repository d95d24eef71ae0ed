package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New(func() int { return 3 })

	m.ToolCall("echo", "ok")
	m.ToolCall("echo", "ok")
	m.ToolCall("get_cr", "handler_error")
	m.DecodeError("parse")
	m.Rejected("origin_not_allowed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("echo", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("get_cr", "handler_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeErrors.WithLabelValues("parse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("origin_not_allowed")))
}

func TestHandler(t *testing.T) {
	m := New(func() int { return 2 })
	m.ToolCall("echo", "ok")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `mdt_mcp_tool_calls_total{outcome="ok",tool="echo"} 1`)
	assert.Contains(t, rr.Body.String(), "mdt_mcp_live_sessions 2")
}
