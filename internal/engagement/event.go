package engagement

import "time"

// PendingFrame is a spike awaiting the client's captured frame.
type PendingFrame struct {
	Timecode      string    `json:"timecode"`
	Relaxation    float64   `json:"relaxation"`
	Concentration float64   `json:"concentration"`
	DetectedAt    time.Time `json:"detected_at"`
}

// Direction of an audio concentration change.
type Direction string

const (
	Increase Direction = "increase"
	Decrease Direction = "decrease"
)

// AudioEvent records a concentration swing at an audio playback position.
type AudioEvent struct {
	Timecode      float64   `json:"timecode"`
	AudioID       string    `json:"audio_id,omitempty"`
	Concentration float64   `json:"concentration"`
	Relaxation    float64   `json:"relaxation"`
	Type          Direction `json:"type"`
	Delta         float64   `json:"delta"`
}

// Attachment is a claimed pending frame joined with the client's frame
// reference.
type Attachment struct {
	Relaxation    float64
	Concentration float64
	Timecode      string
	FrameID       string
	ResourceURL   string
}

// NotificationKind classifies tracker notifications.
type NotificationKind int

const (
	NotifySpike      NotificationKind = iota // video spike, Frame set
	NotifyAudioEvent                         // audio swing, Event set
)

// Notification is delivered to listeners after the tracker lock is
// released. Frame and Event are copies and safe to retain.
type Notification struct {
	Kind      NotificationKind
	SessionID string
	Frame     *PendingFrame
	Event     *AudioEvent
}

// Listener observes tracker notifications. Notify runs on the goroutine
// that handled the sample and must not block.
type Listener interface {
	Notify(Notification)
}

type ListenerFunc func(Notification)

func (f ListenerFunc) Notify(n Notification) { f(n) }
