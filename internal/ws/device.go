package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neuro-assistant/backend/internal/engagement"
	"github.com/neuro-assistant/backend/internal/metrics"
	"github.com/neuro-assistant/backend/internal/pairing"
)

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("device upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newConn(ws, RoleDevice, s.cfg.IdleTimeout, s.log)

	userID, ok := s.pairDevice(r.Context(), c)
	if !ok {
		return
	}

	s.hub.ConnectDevice(userID, c)
	c.start()
	defer func() {
		s.hub.Disconnect(c)
		c.Close(websocket.CloseNormalClosure, "")
		s.log.Infow("device disconnected", "session", userID, "remote", c.remote)
	}()

	s.log.Infow("device paired", "session", userID, "remote", c.remote)
	if err := c.sendJSON(UserMessage{Type: MsgPaired, UserID: userID}); err != nil {
		return
	}

	for {
		data, err := c.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugw("device read ended", "session", userID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(c.pongWait))
		s.handleDeviceMessage(c, userID, data)
	}
}

// pairDevice runs the first-message handshake. Nothing is registered until
// it succeeds; on failure the socket is already closed.
func (s *Server) pairDevice(ctx context.Context, c *Conn) (string, bool) {
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	data, err := c.read()
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues(string(RoleDevice), "read").Inc()
		c.Close(CloseBadHandshake, "bad handshake")
		return "", false
	}

	var msg PairMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != MsgPair || msg.PairToken == "" {
		metrics.HandshakeFailures.WithLabelValues(string(RoleDevice), "bad_handshake").Inc()
		s.log.Infow("device handshake rejected", "remote", c.remote, "type", msg.Type)
		c.Close(CloseBadHandshake, "bad handshake")
		return "", false
	}

	userID, err := s.credentials.Validate(ctx, msg.PairToken)
	switch {
	case err == nil:
		return userID, true
	case errors.Is(err, pairing.ErrNotFound), errors.Is(err, pairing.ErrExpired):
		metrics.HandshakeFailures.WithLabelValues(string(RoleDevice), "unauthorized").Inc()
		s.log.Infow("device pairing refused", "remote", c.remote, "error", err)
		_ = c.writeNow(errorMessage("invalid or expired pair token"))
		c.Close(CloseUnauthorized, "unauthorized")
	default:
		metrics.HandshakeFailures.WithLabelValues(string(RoleDevice), "internal").Inc()
		s.log.Errorw("pair token validation failed", "remote", c.remote, "error", err)
		_ = c.writeNow(errorMessage("pairing unavailable"))
		c.Close(CloseInternal, "internal error")
	}
	return "", false
}

func (s *Server) handleDeviceMessage(c *Conn, userID string, data []byte) {
	var msg SampleMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		_ = c.sendJSON(errorMessage("malformed message"))
		return
	}
	if msg.Type != MsgEEGSample {
		_ = c.sendJSON(errorMessage("unknown message type"))
		return
	}

	var sample engagement.Sample
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &sample); err != nil {
			_ = c.sendJSON(errorMessage("malformed sample"))
			return
		}
	}

	s.hub.BroadcastToClients(userID, msg)

	frame, spiked := s.tracker.HandleSample(userID, sample)
	if spiked {
		s.hub.BroadcastToClients(userID, ScreenshotRequest{
			Type:     MsgRequestScreenshot,
			Timecode: frame.Timecode,
		})
	}
}
