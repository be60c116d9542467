package relay

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu       sync.Mutex
	payloads []any
}

func (c *captured) add(p any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
}

func newTestRelay(t *testing.T) (*Relay, *captured) {
	t.Helper()
	r := New("/socket.io/")
	t.Cleanup(func() { _ = r.Close() })

	out := &captured{}
	r.broadcast = out.add
	return r, out
}

func TestHandleDMXBroadcasts(t *testing.T) {
	r, out := newTestRelay(t)

	frame := map[string]any{"universe": "stage", "data": []any{255.0, 0.0, 12.0}}
	var acked []any
	r.handleDMX("sock-1", frame, func(args ...any) { acked = args })

	require.Equal(t, []any{frame}, out.payloads)
	require.Equal(t, int64(1), r.Relayed())
	require.Len(t, acked, 1)
	require.Equal(t, map[string]any{"success": true}, acked[0])
}

func TestHandleDMXIgnoresEmptyEvents(t *testing.T) {
	r, out := newTestRelay(t)

	r.handleDMX("sock-1")
	var acked []any
	r.handleDMX("sock-1", func(args ...any) { acked = args })

	require.Empty(t, out.payloads)
	require.Zero(t, r.Relayed())
	require.Equal(t, []any{map[string]any{"success": false}}, acked)
}

func TestGetFirstAnyWithAck(t *testing.T) {
	payload, ack := getFirstAnyWithAck(nil)
	require.Nil(t, payload)
	require.Nil(t, ack)

	payload, ack = getFirstAnyWithAck([]any{"a", "b"})
	require.Equal(t, "a", payload)
	require.Nil(t, ack)

	called := false
	payload, ack = getFirstAnyWithAck([]any{"a", func(...any) { called = true }})
	require.Equal(t, "a", payload)
	require.NotNil(t, ack)
	ack()
	require.True(t, called)
}

func TestUniverseOf(t *testing.T) {
	require.Equal(t, "stage", universeOf(map[string]any{"universe": "stage"}))
	require.Equal(t, "3", universeOf(map[string]any{"universe": 3.0}))
	require.Equal(t, "?", universeOf(map[string]any{}))
	require.Equal(t, "?", universeOf("raw"))
}

func TestHandlerAnswersPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r, _ := newTestRelay(t)

	router := gin.New()
	router.Any("/socket.io/*any", r.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/socket.io/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
