package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/neuro-assistant/backend/internal/engagement"
	"github.com/neuro-assistant/backend/internal/metrics"
	"github.com/neuro-assistant/backend/internal/store"
)

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("client upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newConn(ws, RoleClient, s.cfg.IdleTimeout, s.log)

	id, err := s.tokens.Validate(token)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues(string(RoleClient), "unauthorized").Inc()
		s.log.Infow("client token rejected", "remote", c.remote, "error", err)
		_ = c.writeNow(errorMessage("invalid access token"))
		c.Close(CloseUnauthorized, "unauthorized")
		return
	}
	userID := id.Subject

	if err := s.hub.ConnectClient(userID, c); err != nil {
		metrics.HandshakeFailures.WithLabelValues(string(RoleClient), "capacity").Inc()
		s.log.Warnw("client rejected", "session", userID, "remote", c.remote, "error", err)
		_ = c.writeNow(errorMessage(err.Error()))
		c.Close(CloseTryAgain, "too many clients")
		return
	}
	c.start()
	defer func() {
		s.hub.Disconnect(c)
		c.Close(websocket.CloseNormalClosure, "")
		s.log.Infow("client disconnected", "session", userID, "remote", c.remote)
	}()

	s.log.Infow("client connected", "session", userID, "remote", c.remote, "role", id.Role)
	if err := c.sendJSON(UserMessage{Type: MsgConnected, UserID: userID}); err != nil {
		return
	}

	var limiter *rate.Limiter
	if s.cfg.MessageRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessageRate), max(s.cfg.MessageBurst, 1))
	}

	for {
		data, err := c.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugw("client read ended", "session", userID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(c.pongWait))

		if limiter != nil && !limiter.Allow() {
			_ = c.sendJSON(errorMessage("rate limit exceeded"))
			continue
		}
		s.handleClientMessage(r.Context(), c, userID, data)
	}
}

func (s *Server) handleClientMessage(ctx context.Context, c *Conn, userID string, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		_ = c.sendJSON(errorMessage("malformed message"))
		return
	}

	switch env.Type {
	case MsgVideoStart:
		s.tracker.StartVideo(userID)
		_ = c.sendJSON(AckMessage{Type: MsgVideoStarted})

	case MsgVideoEnd:
		s.tracker.EndVideo(userID)
		_ = c.sendJSON(AckMessage{Type: MsgVideoEnded})

	case MsgAudioStart:
		var msg AudioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.sendJSON(errorMessage("malformed audio_start"))
			return
		}
		s.tracker.StartAudio(userID)
		if msg.Timecode != nil {
			s.tracker.SetAudioTimecode(userID, *msg.Timecode, msg.AudioID)
		}
		_ = c.sendJSON(AckMessage{Type: MsgAudioStarted})

	case MsgAudioEnd:
		var msg AudioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.sendJSON(errorMessage("malformed audio_end"))
			return
		}
		events := s.tracker.EndAudio(userID)
		saved := s.saveAudioEvents(ctx, userID, msg.AudioID, events)
		_ = c.sendJSON(AudioEndedMessage{Type: MsgAudioEnded, Events: nonNil(events), Saved: saved})

	case MsgAudioTimecode:
		var msg AudioMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Timecode == nil {
			_ = c.sendJSON(errorMessage("audio_timecode requires a numeric timecode"))
			return
		}
		if !s.tracker.SetAudioTimecode(userID, *msg.Timecode, msg.AudioID) {
			_ = c.sendJSON(errorMessage("audio tracking is not active"))
		}

	case MsgVideoFrame:
		var msg VideoFrameMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Timecode == "" {
			_ = c.sendJSON(errorMessage("video_frame requires a timecode"))
			return
		}
		s.attachFrame(ctx, c, userID, msg)

	default:
		_ = c.sendJSON(errorMessage("unknown message type"))
	}
}

func (s *Server) attachFrame(ctx context.Context, c *Conn, userID string, msg VideoFrameMessage) {
	att, ok := s.tracker.AttachFrame(userID, string(msg.Timecode), msg.VideoID, msg.ScreenshotURL)
	if !ok {
		metrics.FramesAttached.WithLabelValues("missing").Inc()
		_ = c.sendJSON(errorMessage("no pending frame for timecode"))
		return
	}

	rec, err := s.records.Create(ctx, store.NewRecord{
		UserID:        userID,
		VideoID:       att.FrameID,
		Relaxation:    att.Relaxation,
		Concentration: att.Concentration,
		ScreenshotURL: att.ResourceURL,
		Timecode:      att.Timecode,
	})
	if err != nil {
		metrics.FramesAttached.WithLabelValues("error").Inc()
		s.log.Errorw("saving engagement failed", "session", userID, "timecode", att.Timecode, "error", err)
		msg := "failed to save engagement"
		if errors.Is(err, store.ErrInvalidRecord) {
			msg = err.Error()
		}
		_ = c.sendJSON(errorMessage(msg))
		return
	}

	metrics.FramesAttached.WithLabelValues("saved").Inc()
	_ = c.sendJSON(EngagementSavedMessage{Type: MsgEngagementSaved, Engagement: rec})
}

// saveAudioEvents stores each event as an audio-origin record. Events are
// dropped when no audio id is known since records must name their origin.
func (s *Server) saveAudioEvents(ctx context.Context, userID, audioID string, events []engagement.AudioEvent) int {
	saved := 0
	for _, ev := range events {
		id := ev.AudioID
		if id == "" {
			id = audioID
		}
		if id == "" {
			continue
		}
		_, err := s.records.Create(ctx, store.NewRecord{
			UserID:        userID,
			AudioID:       id,
			Relaxation:    ev.Relaxation,
			Concentration: ev.Concentration,
			Timecode:      formatSeconds(ev.Timecode),
		})
		if err != nil {
			s.log.Errorw("saving audio engagement failed", "session", userID, "audio_id", id, "error", err)
			continue
		}
		saved++
	}
	if len(events) > 0 {
		s.log.Infow("audio session ended", "session", userID, "events", len(events), "saved", saved)
	}
	return saved
}

func nonNil(events []engagement.AudioEvent) []engagement.AudioEvent {
	if events == nil {
		return []engagement.AudioEvent{}
	}
	return events
}
