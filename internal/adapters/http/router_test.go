package http_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adapterhttp "github.com/roomcast/roomcast/internal/adapters/http"
	"github.com/roomcast/roomcast/internal/adapters/signal"
	"github.com/roomcast/roomcast/internal/app"
	"github.com/roomcast/roomcast/internal/config"
)

func testRouter(password string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Mode:        "release",
		StaticPath:  "./testdata",
		Secret:      "test-secret",
		Password:    password,
		STUNServers: []string{"stun:stun.example.org:3478"},
	}
	ctl := signal.NewController(app.NewRegistry(), 0, 0)
	return adapterhttp.SetupRouter(cfg, ctl)
}

func TestVerifyPasswordAccepts(t *testing.T) {
	r := testRouter("hunter2")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/verify-password", strings.NewReader(`{"password":"hunter2"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
	assert.NotEmpty(t, w.Result().Cookies(), "session cookie set")
}

func TestVerifyPasswordRejects(t *testing.T) {
	r := testRouter("hunter2")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/verify-password", strings.NewReader(`{"password":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)
}

func TestSignalEndpointRequiresGate(t *testing.T) {
	r := testRouter("hunter2")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/ws/signal", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSignalEndpointAcceptsAuthorizedSession(t *testing.T) {
	r := testRouter("hunter2")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/verify-password", strings.NewReader(`{"password":"hunter2"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// Replay the session cookie; the request is not a websocket handshake,
	// so passing the gate surfaces as an upgrade failure, not a 401.
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/api/ws/signal", nil)
	for _, c := range w.Result().Cookies() {
		req2.AddCookie(c)
	}
	r.ServeHTTP(w2, req2)

	assert.NotEqual(t, http.StatusUnauthorized, w2.Code)
}

func TestICEConfigListsConfiguredServers(t *testing.T) {
	r := testRouter("")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/ice-config", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"iceServers":[{"urls":"stun:stun.example.org:3478"}]}`, w.Body.String())
}

func TestOpenRoomWithoutPassword(t *testing.T) {
	r := testRouter("")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/ws/signal", nil)
	r.ServeHTTP(w, req)

	assert.NotEqual(t, http.StatusUnauthorized, w.Code)
}
