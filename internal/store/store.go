// Package store persists engagement records: a reading joined with the
// media position and captured frame it was observed at.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrInvalidRecord = errors.New("invalid record")
)

// NewRecord is an engagement record before it has been assigned an ID.
// Exactly one of VideoID or AudioID is normally set; video records carry the
// spike timecode and the captured frame, audio records carry the playback
// position in seconds.
type NewRecord struct {
	UserID        string  `json:"user_id"`
	VideoID       string  `json:"video_id,omitempty"`
	AudioID       string  `json:"audio_id,omitempty"`
	Relaxation    float64 `json:"relaxation"`
	Concentration float64 `json:"concentration"`
	ScreenshotURL string  `json:"screenshot_url,omitempty"`
	Timecode      string  `json:"timecode"`
}

func (r NewRecord) validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidRecord)
	}
	if r.Timecode == "" {
		return fmt.Errorf("%w: timecode is required", ErrInvalidRecord)
	}
	return nil
}

type Record struct {
	ID string `json:"id"`
	NewRecord
	CreatedAt time.Time `json:"created_at"`
}

// Filter selects records for one user. Empty VideoID and AudioID match any
// origin. Limit <= 0 means no limit.
type Filter struct {
	UserID  string
	VideoID string
	AudioID string
	Limit   int
}

func (f Filter) matches(r Record) bool {
	if r.UserID != f.UserID {
		return false
	}
	if f.VideoID != "" && r.VideoID != f.VideoID {
		return false
	}
	if f.AudioID != "" && r.AudioID != f.AudioID {
		return false
	}
	return true
}

// RecordStore is implemented by Memory and SQLite. List returns records in
// creation order.
type RecordStore interface {
	Create(ctx context.Context, rec NewRecord) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	Close() error
}
