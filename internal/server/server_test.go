package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiflis-io/tiflis-hub/internal/auth"
	"github.com/tiflis-io/tiflis-hub/internal/config"
	"github.com/tiflis-io/tiflis-hub/internal/device"
	"github.com/tiflis-io/tiflis-hub/internal/hub"
	"github.com/tiflis-io/tiflis-hub/internal/protocol"
	"github.com/tiflis-io/tiflis-hub/internal/speech"
)

const testSecret = "test-secret"

// fakeHub records the server's calls and mimics the two replies the real
// hub sends synchronously enough to matter here: auth.success on connect
// and pong for pings.
type fakeHub struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
	delivered   []protocol.ClientMessage
	stats       hub.Stats
}

func (f *fakeHub) Connect(deviceID string, t device.Transport) {
	f.mu.Lock()
	f.connects = append(f.connects, deviceID)
	f.mu.Unlock()

	payload, _ := json.Marshal(protocol.AuthSuccessMessage{
		Type:     protocol.MsgAuthSuccess,
		DeviceID: deviceID,
	})
	t.SendPriority(payload)
}

func (f *fakeHub) Disconnect(deviceID string, t device.Transport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, deviceID)
}

func (f *fakeHub) Deliver(deviceID string, t device.Transport, msg protocol.ClientMessage) {
	f.mu.Lock()
	f.delivered = append(f.delivered, msg)
	f.mu.Unlock()

	if _, ok := msg.(protocol.PingMessage); ok {
		payload, _ := json.Marshal(protocol.PongMessage{Type: protocol.MsgPong})
		t.SendPriority(payload)
	}
}

func (f *fakeHub) Stats() hub.Stats { return f.stats }

func (f *fakeHub) connected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connects...)
}

func (f *fakeHub) disconnected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnects...)
}

func (f *fakeHub) deliveredMessages() []protocol.ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ClientMessage(nil), f.delivered...)
}

func testConfig() *config.Config {
	return &config.Config{
		Listen:  config.ListenConfig{Host: "127.0.0.1", Port: 0},
		Auth:    config.AuthConfig{Mode: "secret", Secret: testSecret},
		Origins: []string{"*"},
		Speech:  config.SpeechConfig{CacheTTL: time.Minute},
		WS:      config.WSConfig{ReadBufferSize: 1024, WriteBufferSize: 1024, SendBuffer: 64},
		HTTP:    config.HTTPConfig{ReadTimeout: 5 * time.Second, IdleTimeout: 30 * time.Second},
	}
}

type serverFixture struct {
	srv *Server
	ts  *httptest.Server
	hub *fakeHub
}

func newServerFixture(t *testing.T, mutate ...func(*config.Config, *Deps)) *serverFixture {
	t.Helper()

	cfg := testConfig()
	deps := Deps{
		Hub:      &fakeHub{},
		Verifier: auth.NewSecretVerifier(testSecret),
	}
	for _, m := range mutate {
		m(cfg, &deps)
	}

	srv := New(cfg, deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &serverFixture{srv: srv, ts: ts, hub: deps.Hub.(*fakeHub)}
}

func (f *serverFixture) dial(t *testing.T, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func (f *serverFixture) dialAndAuth(t *testing.T, deviceID string) *websocket.Conn {
	t.Helper()

	conn, _, err := f.dial(t, nil)
	require.NoError(t, err)

	token, err := auth.NewDeviceToken(testSecret, deviceID, time.Minute)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(protocol.AuthMessage{
		Type:     protocol.MsgAuth,
		Token:    token,
		DeviceID: deviceID,
	}))

	var success protocol.AuthSuccessMessage
	require.NoError(t, conn.ReadJSON(&success))
	require.Equal(t, protocol.MsgAuthSuccess, success.Type)
	require.Equal(t, deviceID, success.DeviceID)
	return conn
}

func TestWSAuthSuccess(t *testing.T) {
	f := newServerFixture(t)

	conn := f.dialAndAuth(t, "phone-1")
	assert.Equal(t, []string{"phone-1"}, f.hub.connected())

	require.NoError(t, conn.WriteJSON(protocol.SyncRequest{Type: protocol.MsgSync}))
	require.Eventually(t, func() bool {
		for _, m := range f.hub.deliveredMessages() {
			if _, ok := m.(protocol.SyncRequest); ok {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSAuthInvalidToken(t *testing.T) {
	f := newServerFixture(t)

	conn, _, err := f.dial(t, nil)
	require.NoError(t, err)

	token, err := auth.NewDeviceToken("wrong-secret", "phone-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(protocol.AuthMessage{
		Type:     protocol.MsgAuth,
		Token:    token,
		DeviceID: "phone-1",
	}))

	var errMsg protocol.ErrorMessage
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, protocol.MsgError, errMsg.Type)
	assert.Equal(t, protocol.CodeAuthFailed, errMsg.Code)

	// The server closes the connection after a failed handshake.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, f.hub.connected())
}

func TestWSAuthFirstMessageMustBeAuth(t *testing.T) {
	f := newServerFixture(t)

	conn, _, err := f.dial(t, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(protocol.SyncRequest{Type: protocol.MsgSync}))

	var errMsg protocol.ErrorMessage
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, protocol.CodeNotAuthenticated, errMsg.Code)
	assert.Empty(t, f.hub.connected())
}

func TestWSAuthDeviceIDMismatch(t *testing.T) {
	f := newServerFixture(t)

	conn, _, err := f.dial(t, nil)
	require.NoError(t, err)

	// The token pins device "tablet-1" but the client claims "phone-9".
	token, err := auth.NewDeviceToken(testSecret, "tablet-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(protocol.AuthMessage{
		Type:     protocol.MsgAuth,
		Token:    token,
		DeviceID: "phone-9",
	}))

	var errMsg protocol.ErrorMessage
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, protocol.CodeAuthFailed, errMsg.Code)
	assert.Contains(t, errMsg.Message, "different device")
	assert.Empty(t, f.hub.connected())
}

func TestWSAuthTimeout(t *testing.T) {
	f := newServerFixture(t)
	f.srv.authTimeout = 100 * time.Millisecond

	conn, _, err := f.dial(t, nil)
	require.NoError(t, err)

	// Send nothing; the server must give up on us.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, f.hub.connected())
}

func TestWSMalformedFrameKeepsConnectionOpen(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dialAndAuth(t, "phone-1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	var errMsg protocol.ErrorMessage
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, protocol.CodeInvalidMessage, errMsg.Code)

	// Still open: a ping round-trips.
	require.NoError(t, conn.WriteJSON(protocol.PingMessage{Type: protocol.MsgPing}))
	var pong protocol.PongMessage
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, protocol.MsgPong, pong.Type)
}

func TestWSDisconnectReachesHub(t *testing.T) {
	f := newServerFixture(t)

	conn := f.dialAndAuth(t, "phone-1")
	conn.Close()

	require.Eventually(t, func() bool {
		d := f.hub.disconnected()
		return len(d) == 1 && d[0] == "phone-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSOriginRejected(t *testing.T) {
	f := newServerFixture(t, func(cfg *config.Config, _ *Deps) {
		cfg.Origins = []string{"https://app.tiflis.io"}
	})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := f.dial(t, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Allowed origin still connects.
	header = http.Header{"Origin": []string{"https://app.tiflis.io"}}
	conn, _, err := f.dial(t, header)
	require.NoError(t, err)
	conn.Close()
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t, func(_ *config.Config, deps *Deps) {
		deps.Hub = &fakeHub{stats: hub.Stats{Devices: 3, Sessions: 2}}
	})

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status   string `json:"status"`
		Devices  int    `json:"devices"`
		Sessions int    `json:"sessions"`
		Uptime   string `json:"uptime"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 3, body.Devices)
	assert.Equal(t, 2, body.Sessions)
	assert.NotEmpty(t, body.Uptime)
}

func TestAudioEndpoint(t *testing.T) {
	cache := speech.NewCache(time.Minute)
	t.Cleanup(cache.Shutdown)

	f := newServerFixture(t, func(_ *config.Config, deps *Deps) {
		deps.Audio = cache
	})

	id := cache.Put([]byte("RIFF-fake-wav"), "audio/wav")

	resp, err := http.Get(f.ts.URL + "/audio/" + id)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Equal(t, "private, max-age=60", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "RIFF-fake-wav", string(body))

	resp, err = http.Get(f.ts.URL + "/audio/no-such-clip")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAudioEndpointWithoutCache(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.ts.URL + "/audio/anything")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		allowed []string
		want    bool
	}{
		{"wildcard matches anything", "https://whatever.com", []string{"*"}, true},
		{"exact match", "https://app.tiflis.io", []string{"https://app.tiflis.io"}, true},
		{"exact mismatch", "https://evil.example", []string{"https://app.tiflis.io"}, false},
		{"subdomain wildcard matches", "https://staging.tiflis.io", []string{"https://*.tiflis.io"}, true},
		{"subdomain wildcard rejects other domain", "https://evil.example", []string{"https://*.tiflis.io"}, false},
		{"wildcard must not cross a slash", "https://evil.example/.tiflis.io", []string{"https://*.tiflis.io"}, false},
		{"second pattern wins", "http://localhost:5173", []string{"https://app.tiflis.io", "http://localhost:5173"}, true},
		{"empty allowlist rejects", "https://app.tiflis.io", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, originAllowed(tt.origin, tt.allowed))
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	f := newServerFixture(t, func(cfg *config.Config, _ *Deps) {
		cfg.Origins = []string{"https://*.tiflis.io"}
	})

	t.Run("preflight from allowed origin", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, f.ts.URL+"/health", nil)
		req.Header.Set("Origin", "https://app.tiflis.io")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "https://app.tiflis.io", resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight from disallowed origin", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, f.ts.URL+"/health", nil)
		req.Header.Set("Origin", "https://evil.example")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("headers on a plain GET", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/health", nil)
		req.Header.Set("Origin", "https://app.tiflis.io")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "https://app.tiflis.io", resp.Header.Get("Access-Control-Allow-Origin"))
	})
}

func TestWildcardMatch(t *testing.T) {
	assert.True(t, wildcardMatch("https://a.b.tiflis.io", "https://*.tiflis.io"))
	assert.False(t, wildcardMatch("https://tiflis.io.evil.example", "https://*.tiflis.io"))
	assert.False(t, wildcardMatch("https://app.tiflis.io", "no-wildcard-here"))
}

func TestServerStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.Listen.Port = freePort(t)

	srv := New(cfg, Deps{Hub: &fakeHub{}, Verifier: auth.NewSecretVerifier(testSecret)})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/health", cfg.Addr()))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 25*time.Millisecond)

	ctx, cancel := contextWithTimeout(t)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func contextWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 3*time.Second)
}
