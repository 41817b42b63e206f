package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/neuro-assistant/backend/internal/engagement"
)

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

var ErrPairingRejected = errors.New("pairing rejected")

type Options struct {
	URL       string
	PairToken string
	Interval  time.Duration
	Pattern   Pattern
	Seed      int64
	// Count stops after this many samples. Zero streams until the context
	// is cancelled.
	Count int
}

// Device is a simulated headband connection.
type Device struct {
	opts   Options
	gen    *Generator
	dialer *websocket.Dialer
	log    *zap.SugaredLogger
}

func NewDevice(opts Options, log *zap.SugaredLogger) (*Device, error) {
	if opts.URL == "" {
		return nil, errors.New("device url is required")
	}
	if opts.PairToken == "" {
		return nil, errors.New("pair token is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	if opts.Pattern == "" {
		opts.Pattern = PatternSteady
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Device{
		opts:   opts,
		gen:    NewGenerator(opts.Pattern, opts.Seed, DefaultChannels),
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		log:    log,
	}, nil
}

type pairReply struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

type sampleEnvelope struct {
	Type string            `json:"type"`
	Data engagement.Sample `json:"data"`
}

// Run pairs and streams samples until ctx is done, Count is reached, or the
// server drops the connection. It returns the number of samples sent.
func (d *Device) Run(ctx context.Context) (int, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.opts.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", d.opts.URL, err)
	}
	defer conn.Close()

	userID, err := d.pair(conn)
	if err != nil {
		return 0, err
	}
	d.log.Infow("simulator paired", "user_id", userID, "pattern", d.opts.Pattern, "interval", d.opts.Interval)

	// Drain server messages so control frames are processed and a close is
	// noticed.
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			var msg pairReply
			if json.Unmarshal(data, &msg) == nil && msg.Type == "error" {
				d.log.Warnw("server reported error", "message", msg.Message)
			}
		}
	}()

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			d.closeGracefully(conn)
			return sent, nil
		case err := <-readErr:
			return sent, fmt.Errorf("connection lost: %w", err)
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(sampleEnvelope{Type: "eeg_sample", Data: d.gen.Next()}); err != nil {
				return sent, fmt.Errorf("send sample: %w", err)
			}
			sent++
			if d.opts.Count > 0 && sent >= d.opts.Count {
				d.closeGracefully(conn)
				return sent, nil
			}
		}
	}
}

func (d *Device) pair(conn *websocket.Conn) (string, error) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(map[string]string{"type": "pair", "pair_token": d.opts.PairToken}); err != nil {
		return "", fmt.Errorf("send pair: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var reply pairReply
	if err := conn.ReadJSON(&reply); err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return "", fmt.Errorf("%w: close %d %s", ErrPairingRejected, ce.Code, ce.Text)
		}
		return "", fmt.Errorf("read pair reply: %w", err)
	}
	if reply.Type != "paired" {
		return "", fmt.Errorf("%w: %s", ErrPairingRejected, reply.Message)
	}
	return reply.UserID, nil
}

func (d *Device) closeGracefully(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
