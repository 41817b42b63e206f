// Package engagement reduces device samples to engagement readings and
// tracks, per session, the video and audio capture modes that turn
// concentration swings into frame requests and audio events.
package engagement

import (
	"context"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/neuro-assistant/backend/internal/metrics"
)

type Options struct {
	// SpikeThreshold is the relative rise over the previous concentration
	// that counts as a spike (0.10 means +10%).
	SpikeThreshold float64
	// AudioDeltaThreshold is the absolute change, in percentage points,
	// that records an audio event.
	AudioDeltaThreshold float64
	PendingFrameTTL     time.Duration
	MaxPendingFrames    int
	// IdleTimeout evicts sessions with no activity. Zero disables sweeping.
	IdleTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		SpikeThreshold:      0.10,
		AudioDeltaThreshold: 5,
		PendingFrameTTL:     2 * time.Minute,
		MaxPendingFrames:    4096,
		IdleTimeout:         30 * time.Minute,
	}
}

type state struct {
	videoActive bool
	audioActive bool

	hasLast           bool
	lastConcentration float64

	events        []AudioEvent
	audioTimecode *float64
	audioID       string

	lastActivity time.Time
}

func (s *state) active() bool {
	return s.videoActive || s.audioActive
}

type frameKey struct {
	session  string
	timecode string
}

type pendingEntry struct {
	frame   PendingFrame
	claimed atomic.Bool
}

// Snapshot is a read-only view of one session's tracking state.
type Snapshot struct {
	VideoActive       bool
	AudioActive       bool
	LastConcentration *float64
	AudioTimecode     *float64
	AudioID           string
	Events            int
}

// Tracker holds engagement state for every session. A single mutex guards
// the state map; no method blocks while holding it. Pending frames live in
// one expiring LRU shared by all sessions so unclaimed spikes age out even
// after their session has been evicted.
type Tracker struct {
	mu        sync.Mutex
	opts      Options
	states    map[string]*state
	pending   *expirable.LRU[frameKey, *pendingEntry]
	lastStamp int64
	now       func() time.Time
	log       *zap.SugaredLogger

	lmu       sync.RWMutex
	listeners []Listener
}

func NewTracker(opts Options, log *zap.SugaredLogger) *Tracker {
	def := DefaultOptions()
	if opts.SpikeThreshold <= 0 {
		opts.SpikeThreshold = def.SpikeThreshold
	}
	if opts.AudioDeltaThreshold <= 0 {
		opts.AudioDeltaThreshold = def.AudioDeltaThreshold
	}
	if opts.PendingFrameTTL <= 0 {
		opts.PendingFrameTTL = def.PendingFrameTTL
	}
	if opts.MaxPendingFrames <= 0 {
		opts.MaxPendingFrames = def.MaxPendingFrames
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	t := &Tracker{
		opts:   opts,
		states: make(map[string]*state),
		now:    time.Now,
		log:    log,
	}
	t.pending = expirable.NewLRU[frameKey, *pendingEntry](opts.MaxPendingFrames, t.onFrameEvicted, opts.PendingFrameTTL)
	return t
}

// onFrameEvicted runs under the LRU's own lock; it must not touch t.mu.
func (t *Tracker) onFrameEvicted(key frameKey, e *pendingEntry) {
	if e.claimed.Load() {
		return
	}
	metrics.PendingFramesExpired.Inc()
	t.log.Debugw("pending frame dropped unclaimed", "session", key.session, "timecode", key.timecode)
}

// Subscribe registers l for spike and audio-event notifications.
func (t *Tracker) Subscribe(l Listener) {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	t.listeners = append(t.listeners, l)
}

func (t *Tracker) notify(notes []Notification) {
	if len(notes) == 0 {
		return
	}
	t.lmu.RLock()
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.lmu.RUnlock()

	for _, n := range notes {
		for _, l := range listeners {
			l.Notify(n)
		}
	}
}

// stateLocked returns the state for id, creating it if needed. t.mu must
// be held.
func (t *Tracker) stateLocked(id string) *state {
	st, ok := t.states[id]
	if !ok {
		st = &state{}
		t.states[id] = st
	}
	st.lastActivity = t.now()
	return st
}

func (t *Tracker) evictIfIdleLocked(id string, st *state) {
	if !st.active() {
		delete(t.states, id)
	}
}

func (t *Tracker) StartVideo(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateLocked(id).videoActive = true
}

func (t *Tracker) EndVideo(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	if !ok {
		return
	}
	st.videoActive = false
	t.evictIfIdleLocked(id, st)
}

// StartAudio enables audio tracking and clears events from any previous
// audio run.
func (t *Tracker) StartAudio(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(id)
	st.audioActive = true
	st.events = nil
}

// EndAudio disables audio tracking and returns the events collected during
// the run. Events remain readable through GetAudioEvents while video
// tracking keeps the session alive.
func (t *Tracker) EndAudio(id string) []AudioEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	if !ok {
		return nil
	}
	st.audioActive = false
	events := copyEvents(st.events)
	t.evictIfIdleLocked(id, st)
	return events
}

// SetAudioTimecode records the client's current playback position.
// It reports false when the session is not tracking.
func (t *Tracker) SetAudioTimecode(id string, timecode float64, audioID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	if !ok {
		return false
	}
	tc := timecode
	st.audioTimecode = &tc
	if audioID != "" {
		st.audioID = audioID
	}
	st.lastActivity = t.now()
	return true
}

// nextTimecode returns a millisecond wall-clock key that is strictly
// increasing across the tracker. t.mu must be held.
func (t *Tracker) nextTimecode(now time.Time) string {
	ms := now.UnixMilli()
	if ms <= t.lastStamp {
		ms = t.lastStamp + 1
	}
	t.lastStamp = ms
	return strconv.FormatInt(ms, 10)
}

// HandleSample folds one device sample into the session. When video
// tracking detects a spike the new pending frame is returned so the caller
// can request a screenshot. Samples for sessions that are not tracking, and
// samples without a usable reading, change nothing.
func (t *Tracker) HandleSample(id string, s Sample) (PendingFrame, bool) {
	reading, ok := Aggregate(s)

	t.mu.Lock()
	st, exists := t.states[id]
	if !exists || !st.active() {
		t.mu.Unlock()
		return PendingFrame{}, false
	}
	if !ok {
		t.mu.Unlock()
		metrics.SamplesSkipped.Inc()
		return PendingFrame{}, false
	}
	metrics.SamplesProcessed.Inc()

	now := t.now()
	st.lastActivity = now

	// Both branches compare against the same pre-tick baseline.
	prev, hadPrev := st.lastConcentration, st.hasLast
	st.lastConcentration, st.hasLast = reading.Concentration, true

	var (
		notes  []Notification
		frame  PendingFrame
		spiked bool
	)

	if st.videoActive && hadPrev &&
		reading.Concentration > prev &&
		reading.Concentration >= prev*(1+t.opts.SpikeThreshold) {
		frame = PendingFrame{
			Timecode:      t.nextTimecode(now),
			Relaxation:    reading.Relaxation,
			Concentration: reading.Concentration,
			DetectedAt:    now,
		}
		t.pending.Add(frameKey{session: id, timecode: frame.Timecode}, &pendingEntry{frame: frame})
		spiked = true
		f := frame
		notes = append(notes, Notification{Kind: NotifySpike, SessionID: id, Frame: &f})
	}

	if st.audioActive && hadPrev && st.audioTimecode != nil {
		delta := reading.Concentration - prev
		if math.Abs(delta) >= t.opts.AudioDeltaThreshold {
			dir := Increase
			if delta < 0 {
				dir = Decrease
			}
			ev := AudioEvent{
				Timecode:      *st.audioTimecode,
				AudioID:       st.audioID,
				Concentration: reading.Concentration,
				Relaxation:    reading.Relaxation,
				Type:          dir,
				Delta:         delta,
			}
			st.events = append(st.events, ev)
			notes = append(notes, Notification{Kind: NotifyAudioEvent, SessionID: id, Event: &ev})
		}
	}
	t.mu.Unlock()

	for _, n := range notes {
		switch n.Kind {
		case NotifySpike:
			metrics.SpikesDetected.Inc()
			t.log.Debugw("concentration spike", "session", id, "timecode", n.Frame.Timecode,
				"concentration", n.Frame.Concentration, "previous", prev)
		case NotifyAudioEvent:
			metrics.AudioEvents.WithLabelValues(string(n.Event.Type)).Inc()
		}
	}
	t.notify(notes)

	return frame, spiked
}

// AttachFrame claims the pending frame for timecode. It reports false when
// no such frame is pending: it was never requested, already claimed, or
// expired. Callers must not persist anything in that case.
func (t *Tracker) AttachFrame(id, timecode, frameID, resourceURL string) (Attachment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := frameKey{session: id, timecode: timecode}
	e, ok := t.pending.Peek(key)
	if !ok {
		return Attachment{}, false
	}
	e.claimed.Store(true)
	t.pending.Remove(key)

	if st, ok := t.states[id]; ok {
		st.lastActivity = t.now()
	}

	return Attachment{
		Relaxation:    e.frame.Relaxation,
		Concentration: e.frame.Concentration,
		Timecode:      e.frame.Timecode,
		FrameID:       frameID,
		ResourceURL:   resourceURL,
	}, true
}

// GetAudioEvents returns a copy of the session's audio events.
func (t *Tracker) GetAudioEvents(id string) []AudioEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	if !ok {
		return nil
	}
	return copyEvents(st.events)
}

func copyEvents(events []AudioEvent) []AudioEvent {
	if len(events) == 0 {
		return []AudioEvent{}
	}
	out := make([]AudioEvent, len(events))
	copy(out, events)
	return out
}

func (t *Tracker) Snapshot(id string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	if !ok {
		return Snapshot{}, false
	}
	snap := Snapshot{
		VideoActive: st.videoActive,
		AudioActive: st.audioActive,
		AudioID:     st.audioID,
		Events:      len(st.events),
	}
	if st.hasLast {
		v := st.lastConcentration
		snap.LastConcentration = &v
	}
	if st.audioTimecode != nil {
		v := *st.audioTimecode
		snap.AudioTimecode = &v
	}
	return snap, true
}

// PendingFrames counts unexpired pending frames for id.
func (t *Tracker) PendingFrames(id string) int {
	n := 0
	for _, k := range t.pending.Keys() {
		if k.session == id {
			n++
		}
	}
	return n
}

func (t *Tracker) Sessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// Sweep evicts sessions idle for longer than the configured timeout and
// returns how many were removed.
func (t *Tracker) Sweep(now time.Time) int {
	if t.opts.IdleTimeout <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, st := range t.states {
		if now.Sub(st.lastActivity) > t.opts.IdleTimeout {
			delete(t.states, id)
			removed++
			t.log.Infow("tracking session idle, evicted", "session", id,
				"video", st.videoActive, "audio", st.audioActive)
		}
	}
	if removed > 0 {
		metrics.SessionsSwept.Add(float64(removed))
	}
	return removed
}

// Run sweeps idle sessions every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || t.opts.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(t.now())
		}
	}
}
