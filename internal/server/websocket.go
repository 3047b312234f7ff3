package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiflis-io/tiflis-hub/internal/auth"
	"github.com/tiflis-io/tiflis-hub/internal/device"
	"github.com/tiflis-io/tiflis-hub/internal/protocol"
)

const (
	// defaultAuthTimeout bounds how long a fresh connection may take to
	// present its auth message.
	defaultAuthTimeout = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// pump gives up on it. Pings go out every pingPeriod, which must be
	// shorter than pongWait.
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second

	// controlWait is the write deadline for control frames.
	controlWait = 10 * time.Second

	// maxFrameBytes caps inbound frames. Voice commands carry base64
	// audio, so the limit is generous.
	maxFrameBytes = 16 << 20
)

// upgrader carries the configured buffer sizes; CheckOrigin enforces the
// origin allowlist.
func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.cfg.WS.ReadBufferSize,
		WriteBufferSize: s.cfg.WS.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients (native apps, CLI tools).
				return true
			}
			if originAllowed(origin, s.cfg.Origins) {
				return true
			}
			slog.Warn("websocket origin rejected", "origin", origin)
			return false
		},
	}
}

// originAllowed reports whether origin matches the allowlist. Patterns may
// be exact origins, "*", or wildcard-subdomain forms like
// "https://*.example.com".
func originAllowed(origin string, allowed []string) bool {
	for _, pattern := range allowed {
		if pattern == "*" || pattern == origin {
			return true
		}
		if strings.Contains(pattern, "*") && wildcardMatch(origin, pattern) {
			return true
		}
	}
	return false
}

// wildcardMatch matches a single-wildcard pattern against origin. The
// wildcard may not swallow a "/", so "https://*.example.com" matches
// subdomains but not "https://evil.com/.example.com".
func wildcardMatch(origin, pattern string) bool {
	prefix, suffix, ok := strings.Cut(pattern, "*")
	if !ok {
		return false
	}
	rest, ok := strings.CutPrefix(origin, prefix)
	if !ok {
		return false
	}
	host, ok := strings.CutSuffix(rest, suffix)
	if !ok {
		return false
	}
	return !strings.Contains(host, "/")
}

// handleWS upgrades the connection, runs the auth handshake, and bridges
// the socket to the hub: inbound frames are decoded and delivered to the
// hub inbox, outbound frames drain through the device transport.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	identity, deviceID, ok := s.authenticate(conn)
	if !ok {
		conn.Close()
		return
	}

	transport := device.NewWSTransport(conn, s.cfg.WS.SendBuffer)
	s.hub.Connect(deviceID, transport)
	slog.Debug("device socket open",
		"device_id", deviceID,
		"subject", identity.Subject,
		"remote", r.RemoteAddr)

	go s.pingLoop(conn, transport)
	s.readPump(conn, deviceID, transport)

	s.hub.Disconnect(deviceID, transport)
	transport.Close()
}

// authenticate runs the first-frame handshake: the client must send a valid
// auth message within the auth timeout. On failure the connection gets a
// structured error and a policy-violation close frame; the caller closes it.
func (s *Server) authenticate(conn *websocket.Conn) (auth.Identity, string, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.authTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		return auth.Identity{}, "", false
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		reject(conn, protocol.AsError(err))
		return auth.Identity{}, "", false
	}

	authMsg, ok := msg.(protocol.AuthMessage)
	if !ok {
		reject(conn, protocol.Errorf(protocol.CodeNotAuthenticated, "first message must be auth"))
		return auth.Identity{}, "", false
	}

	identity, err := s.verifier.Verify(authMsg.Token)
	if err != nil {
		slog.Warn("device auth failed", "device_id", authMsg.DeviceID, "error", err)
		reject(conn, protocol.Errorf(protocol.CodeAuthFailed, "invalid token"))
		return auth.Identity{}, "", false
	}

	// Tokens may be pinned to a device; the pin must match what the
	// client announced.
	if identity.DeviceID != "" && identity.DeviceID != authMsg.DeviceID {
		slog.Warn("device auth failed",
			"device_id", authMsg.DeviceID,
			"error", "token bound to a different device")
		reject(conn, protocol.Errorf(protocol.CodeAuthFailed, "token is bound to a different device"))
		return auth.Identity{}, "", false
	}

	return identity, authMsg.DeviceID, true
}

// reject writes a structured error followed by a close frame. Best effort;
// the connection is going away either way.
func reject(conn *websocket.Conn, perr *protocol.Error) {
	if payload, err := json.Marshal(protocol.NewErrorMessage(perr, "")); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(controlWait))
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, perr.Code),
		time.Now().Add(controlWait),
	)
}

// readPump reads frames until the connection dies, decoding each and
// handing it to the hub. Malformed frames get an error reply and the
// connection stays open.
func (s *Server) readPump(conn *websocket.Conn, deviceID string, t *device.WSTransport) {
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "device_id", deviceID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			if payload, merr := json.Marshal(protocol.NewErrorMessage(protocol.AsError(err), "")); merr == nil {
				t.SendPriority(payload)
			}
			continue
		}

		s.hub.Deliver(deviceID, t, msg)
	}
}

// pingLoop keeps the connection's read deadline fed. WriteControl is safe
// to call concurrently with the transport's write pump.
func (s *Server) pingLoop(conn *websocket.Conn, t *device.WSTransport) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait)); err != nil {
				return
			}
		case <-t.Done():
			return
		}
	}
}
