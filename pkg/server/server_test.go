package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commentkit/pkg/config"
	"commentkit/pkg/logger"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			HTTP: config.HTTPConfig{Addr: "127.0.0.1:0", Timeout: "5s", Mode: gin.TestMode},
			GRPC: config.GRPCConfig{Addr: "127.0.0.1:0"},
		},
	}
}

func TestNewGinEngine_Health(t *testing.T) {
	engine := NewGinEngine(gin.TestMode)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestServerManager_EnableOnce(t *testing.T) {
	sm := NewServerManager(testConfig(), logger.NewKratosLogger(logger.NewNopLogger()))

	http1 := sm.EnableHTTP()
	assert.Same(t, http1, sm.EnableHTTP())

	ws := sm.EnableWebSocket()
	assert.Same(t, ws, sm.EnableWebSocket())
	assert.Same(t, http1.GetEngine(), ws.engine)

	grpc1 := sm.EnableGRPC()
	assert.Same(t, grpc1, sm.EnableGRPC())
	assert.Len(t, sm.servers, 3)
}

func TestWebSocketServer_PathParam(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	ws := NewWebSocketServerWrapper(engine, logger.NewKratosLogger(logger.NewNopLogger()))

	got := make(chan string, 1)
	ws.RegisterHandler("/rooms/:room/ws", WebSocketHandlerFunc(func(conn *websocket.Conn, r *http.Request) {
		got <- PathParam(r, "room")
	}))

	ts := httptest.NewServer(engine)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rooms/42/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://blog.example"}})
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	assert.Equal(t, "42", <-got)
}
