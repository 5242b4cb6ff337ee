package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveBackendCall("chatbot/ask", "ok", 120*time.Millisecond)
	m.ObserveBackendCall("chatbot/ask", "quota_exceeded", time.Millisecond)
	m.LinkOutcome("linked")
	m.CommandHandled("ask", "ok")
	m.StatesSwept(3)
	m.StatesSwept(0)

	require.Equal(t, 1.0, testutil.ToFloat64(m.backendCalls.WithLabelValues("chatbot/ask", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.backendCalls.WithLabelValues("chatbot/ask", "quota_exceeded")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.linkOutcomes.WithLabelValues("linked")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.sweptStates))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.CommandHandled("link", "ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `helpme_commands_total{command="link",result="ok"} 1`)
	require.Contains(t, string(body), "go_goroutines")
}
