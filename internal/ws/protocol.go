package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/neuro-assistant/backend/internal/engagement"
	"github.com/neuro-assistant/backend/internal/store"
)

type MessageType string

const (
	// device channel
	MsgPair      MessageType = "pair"
	MsgPaired    MessageType = "paired"
	MsgEEGSample MessageType = "eeg_sample"

	// client channel
	MsgConnected          MessageType = "connected"
	MsgVideoStart         MessageType = "video_start"
	MsgVideoStarted       MessageType = "video_started"
	MsgVideoEnd           MessageType = "video_end"
	MsgVideoEnded         MessageType = "video_ended"
	MsgAudioStart         MessageType = "audio_start"
	MsgAudioStarted       MessageType = "audio_started"
	MsgAudioEnd           MessageType = "audio_end"
	MsgAudioEnded         MessageType = "audio_ended"
	MsgAudioTimecode      MessageType = "audio_timecode"
	MsgVideoFrame         MessageType = "video_frame"
	MsgRequestScreenshot  MessageType = "request_screenshot"
	MsgConcentrationEvent MessageType = "concentration_event"
	MsgEngagementSaved    MessageType = "engagement_saved"

	MsgError MessageType = "error"
)

// Close codes sent to peers. 4000-4999 are reserved for applications.
const (
	CloseBadHandshake = 4000
	CloseUnauthorized = 4001
	CloseReplaced     = 4002
	CloseInternal     = websocket.CloseInternalServerErr
	CloseTryAgain     = websocket.CloseTryAgainLater
)

// Envelope is decoded first to dispatch on type.
type Envelope struct {
	Type MessageType `json:"type"`
}

type PairMessage struct {
	Type      MessageType `json:"type"`
	PairToken string      `json:"pair_token"`
}

type SampleMessage struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Timecode accepts both the string form sent in request_screenshot and a
// bare JSON number echoed back by clients.
type Timecode string

func (t *Timecode) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Timecode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("timecode must be a string or number: %w", err)
	}
	*t = Timecode(n.String())
	return nil
}

type AudioMessage struct {
	Type     MessageType `json:"type"`
	Timecode *float64    `json:"timecode,omitempty"`
	AudioID  string      `json:"audio_id,omitempty"`
}

type VideoFrameMessage struct {
	Type          MessageType `json:"type"`
	Timecode      Timecode    `json:"timecode"`
	VideoID       string      `json:"video_id"`
	ScreenshotURL string      `json:"screenshot_url,omitempty"`
}

type UserMessage struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"user_id"`
}

type AckMessage struct {
	Type MessageType `json:"type"`
}

type ScreenshotRequest struct {
	Type     MessageType `json:"type"`
	Timecode string      `json:"timecode"`
}

type ConcentrationEventMessage struct {
	Type  MessageType           `json:"type"`
	Event engagement.AudioEvent `json:"event"`
}

type AudioEndedMessage struct {
	Type   MessageType             `json:"type"`
	Events []engagement.AudioEvent `json:"events"`
	Saved  int                     `json:"saved"`
}

type EngagementSavedMessage struct {
	Type       MessageType  `json:"type"`
	Engagement store.Record `json:"engagement"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func errorMessage(msg string) ErrorMessage {
	return ErrorMessage{Type: MsgError, Message: msg}
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
