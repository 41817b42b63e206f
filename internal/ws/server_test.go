package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/neuro-assistant/backend/internal/auth"
	"github.com/neuro-assistant/backend/internal/config"
	"github.com/neuro-assistant/backend/internal/engagement"
	"github.com/neuro-assistant/backend/internal/pairing"
	"github.com/neuro-assistant/backend/internal/store"
)

func jsonUnmarshal(s string, v any) error { return json.Unmarshal([]byte(s), v) }

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

type testEnv struct {
	srv      *httptest.Server
	tokens   *auth.TokenManager
	registry *pairing.Registry
	records  *store.Memory
	hub      *Hub
	tracker  *engagement.Tracker
}

func newTestEnv(t *testing.T, mutate func(*config.ServerConfig)) *testEnv {
	t.Helper()
	cfg := config.Default().Server
	cfg.IdleTimeout = 5 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	log := zap.NewNop().Sugar()
	tokens, err := auth.NewTokenManager("test-secret", "neuro-assistant", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	env := &testEnv{
		tokens:   tokens,
		registry: pairing.NewRegistry(pairing.NewMemoryStore(), time.Hour),
		records:  store.NewMemory(),
		hub:      NewHub(cfg.MaxClientsPerSession, log),
		tracker:  engagement.NewTracker(engagement.DefaultOptions(), log),
	}
	s := NewServer(cfg, Deps{
		Hub:         env.hub,
		Tracker:     env.tracker,
		Credentials: env.registry,
		Issuer:      env.registry,
		Tokens:      env.tokens,
		Records:     env.records,
		Log:         log,
	})
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
}

func (e *testEnv) accessToken(t *testing.T, user string) string {
	t.Helper()
	tok, err := e.tokens.Issue(user, "user")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (e *testEnv) pairToken(t *testing.T, user string) string {
	t.Helper()
	cred, err := e.registry.Generate(context.Background(), user)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return cred.Token
}

func dial(t *testing.T, rawURL string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(rawURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", rawURL, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

type inbound struct {
	Type       MessageType     `json:"type"`
	UserID     string          `json:"user_id"`
	Message    string          `json:"message"`
	Timecode   string          `json:"timecode"`
	Data       json.RawMessage `json:"data"`
	Engagement store.Record    `json:"engagement"`
	Events     []engagement.AudioEvent
	Event      engagement.AudioEvent
	Saved      int
}

func readMsg(t *testing.T, c *websocket.Conn) inbound {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg inbound
	if err := c.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func expectType(t *testing.T, c *websocket.Conn, want MessageType) inbound {
	t.Helper()
	msg := readMsg(t, c)
	if msg.Type != want {
		t.Fatalf("got %q (%+v), want %q", msg.Type, msg, want)
	}
	return msg
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("read err = %v, want close code %d", err, code)
		}
		return
	}
}

func sample(concentration float64) map[string]any {
	return map[string]any{
		"type": "eeg_sample",
		"data": map[string]any{
			"channels": map[string]any{
				"O1": map[string]any{"mind": map[string]any{"instant_attention": concentration, "instant_relaxation": 30}},
				"O2": map[string]any{"mind": map[string]any{"instant_attention": concentration, "instant_relaxation": 30}},
			},
		},
	}
}

func pairDevice(t *testing.T, env *testEnv, user string) *websocket.Conn {
	t.Helper()
	dev := dial(t, env.wsURL("/ws/device"))
	send(t, dev, map[string]string{"type": "pair", "pair_token": env.pairToken(t, user)})
	msg := expectType(t, dev, MsgPaired)
	if msg.UserID != user {
		t.Fatalf("paired user_id = %q, want %q", msg.UserID, user)
	}
	return dev
}

func connectClient(t *testing.T, env *testEnv, user string) *websocket.Conn {
	t.Helper()
	cli := dial(t, env.wsURL("/ws/client?token="+url.QueryEscape(env.accessToken(t, user))))
	msg := expectType(t, cli, MsgConnected)
	if msg.UserID != user {
		t.Fatalf("connected user_id = %q, want %q", msg.UserID, user)
	}
	return cli
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEndToEndVideoEngagement(t *testing.T) {
	env := newTestEnv(t, nil)
	dev := pairDevice(t, env, "user-1")
	cli := connectClient(t, env, "user-1")

	send(t, cli, map[string]string{"type": "video_start"})
	expectType(t, cli, MsgVideoStarted)

	send(t, dev, sample(50))
	first := expectType(t, cli, MsgEEGSample)
	if !strings.Contains(string(first.Data), "channels") {
		t.Errorf("forwarded sample lost its data: %s", first.Data)
	}

	send(t, dev, sample(60))
	expectType(t, cli, MsgEEGSample)
	req := expectType(t, cli, MsgRequestScreenshot)
	if req.Timecode == "" {
		t.Fatal("request_screenshot without timecode")
	}

	send(t, cli, map[string]string{
		"type":           "video_frame",
		"timecode":       req.Timecode,
		"video_id":       "vid-42",
		"screenshot_url": "https://cdn.example/frames/a.png",
	})
	saved := expectType(t, cli, MsgEngagementSaved)
	rec := saved.Engagement
	if rec.ID == "" || rec.UserID != "user-1" || rec.VideoID != "vid-42" {
		t.Errorf("saved record = %+v", rec)
	}
	if rec.Concentration != 60 || rec.Relaxation != 30 || rec.Timecode != req.Timecode {
		t.Errorf("saved reading = %+v", rec)
	}

	stored, err := env.records.List(context.Background(), store.Filter{UserID: "user-1", VideoID: "vid-42"})
	if err != nil || len(stored) != 1 {
		t.Fatalf("stored records = %v, %v", stored, err)
	}

	// The frame was consumed.
	send(t, cli, map[string]string{"type": "video_frame", "timecode": req.Timecode, "video_id": "vid-42"})
	if msg := expectType(t, cli, MsgError); msg.Message == "" {
		t.Error("error without message")
	}
}

func TestEndToEndAudioEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	dev := pairDevice(t, env, "user-1")
	cli := connectClient(t, env, "user-1")

	send(t, cli, map[string]any{"type": "audio_start", "audio_id": "track-1", "timecode": 12.5})
	expectType(t, cli, MsgAudioStarted)
	// Same position again; no reply on success.
	send(t, cli, map[string]any{"type": "audio_timecode", "timecode": 12.5, "audio_id": "track-1"})

	send(t, dev, sample(50))
	expectType(t, cli, MsgEEGSample)
	send(t, dev, sample(56))
	expectType(t, cli, MsgEEGSample)
	ev := expectType(t, cli, MsgConcentrationEvent)
	if ev.Event.Type != engagement.Increase || ev.Event.Delta != 6 || ev.Event.Timecode != 12.5 {
		t.Errorf("concentration_event = %+v", ev.Event)
	}

	send(t, cli, map[string]any{"type": "audio_end", "audio_id": "track-1"})
	ended := expectType(t, cli, MsgAudioEnded)
	if len(ended.Events) != 1 || ended.Saved != 1 {
		t.Fatalf("audio_ended = %+v", ended)
	}

	stored, err := env.records.List(context.Background(), store.Filter{UserID: "user-1", AudioID: "track-1"})
	if err != nil || len(stored) != 1 || stored[0].Timecode != "12.5" {
		t.Fatalf("stored audio records = %+v, %v", stored, err)
	}
}

func TestDeviceBadHandshake(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []any{
		map[string]string{"type": "eeg_sample"},
		map[string]string{"type": "pair"},
		"not an object",
	}
	for _, first := range cases {
		dev := dial(t, env.wsURL("/ws/device"))
		send(t, dev, first)
		expectClose(t, dev, CloseBadHandshake)
	}
	if st := env.hub.Stats(); st.Devices != 0 {
		t.Errorf("rejected devices registered: %+v", st)
	}
}

func TestDeviceUnknownPairToken(t *testing.T) {
	env := newTestEnv(t, nil)
	dev := dial(t, env.wsURL("/ws/device"))
	send(t, dev, map[string]string{"type": "pair", "pair_token": "1b4e28ba-2fa1-11d2-883f-0016d3cca427"})
	expectType(t, dev, MsgError)
	expectClose(t, dev, CloseUnauthorized)
}

func TestDeviceReplacedByNewPairing(t *testing.T) {
	env := newTestEnv(t, nil)
	old := pairDevice(t, env, "user-1")
	pairDevice(t, env, "user-1")
	expectClose(t, old, CloseReplaced)

	if !env.hub.DeviceConnected("user-1") {
		t.Error("new device not registered")
	}
}

func TestPairTokenReusableUntilExpiry(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.pairToken(t, "user-1")
	for i := 0; i < 2; i++ {
		dev := dial(t, env.wsURL("/ws/device"))
		send(t, dev, map[string]string{"type": "pair", "pair_token": token})
		expectType(t, dev, MsgPaired)
	}
}

func TestClientInvalidToken(t *testing.T) {
	env := newTestEnv(t, nil)
	cli := dial(t, env.wsURL("/ws/client?token=garbage"))
	expectType(t, cli, MsgError)
	expectClose(t, cli, CloseUnauthorized)
}

func TestClientBearerHeader(t *testing.T) {
	env := newTestEnv(t, nil)
	h := http.Header{}
	h.Set("Authorization", "Bearer "+env.accessToken(t, "user-9"))
	cli, _, err := websocket.DefaultDialer.Dial(env.wsURL("/ws/client"), h)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	if msg := expectType(t, cli, MsgConnected); msg.UserID != "user-9" {
		t.Errorf("user_id = %q", msg.UserID)
	}
}

func TestClientProtocolErrorsKeepConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	cli := connectClient(t, env, "user-1")

	inputs := []string{
		`{not json`,
		`{"type":"dance"}`,
		`{"type":"video_frame"}`,
		`{"type":"audio_timecode"}`,
		`{"type":"audio_timecode","timecode":3}`,
	}
	for _, in := range inputs {
		if err := cli.WriteMessage(websocket.TextMessage, []byte(in)); err != nil {
			t.Fatalf("write: %v", err)
		}
		expectType(t, cli, MsgError)
	}

	send(t, cli, map[string]string{"type": "video_start"})
	expectType(t, cli, MsgVideoStarted)
}

func TestClientRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.ServerConfig) {
		c.MessageRate = 0.001
		c.MessageBurst = 2
	})
	cli := connectClient(t, env, "user-1")

	for i := 0; i < 2; i++ {
		send(t, cli, map[string]string{"type": "video_start"})
		expectType(t, cli, MsgVideoStarted)
	}
	send(t, cli, map[string]string{"type": "video_start"})
	if msg := expectType(t, cli, MsgError); msg.Message != "rate limit exceeded" {
		t.Errorf("message = %q", msg.Message)
	}
}

func TestClientCapPerSession(t *testing.T) {
	env := newTestEnv(t, func(c *config.ServerConfig) { c.MaxClientsPerSession = 1 })
	connectClient(t, env, "user-1")

	second := dial(t, env.wsURL("/ws/client?token="+env.accessToken(t, "user-1")))
	expectType(t, second, MsgError)
	expectClose(t, second, CloseTryAgain)

	connectClient(t, env, "user-2")
}

func TestClientDisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t, nil)
	cli := connectClient(t, env, "user-1")
	if env.hub.ClientCount("user-1") != 1 {
		t.Fatal("client not registered")
	}
	_ = cli.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = cli.Close()
	waitFor(t, func() bool { return env.hub.ClientCount("user-1") == 0 })
}

func TestSamplesFanOutToAllClients(t *testing.T) {
	env := newTestEnv(t, nil)
	dev := pairDevice(t, env, "user-1")
	a := connectClient(t, env, "user-1")
	b := connectClient(t, env, "user-1")
	other := connectClient(t, env, "user-2")

	send(t, dev, sample(40))
	expectType(t, a, MsgEEGSample)
	expectType(t, b, MsgEEGSample)

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("client of another user received the sample")
	}
}

func TestPairTokensEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/pair-tokens", nil)
	req.Header.Set("Authorization", "Bearer "+env.accessToken(t, "user-3"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var cred pairing.Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		t.Fatal(err)
	}
	if cred.Owner != "user-3" || cred.Token == "" {
		t.Errorf("credential = %+v", cred)
	}
	owner, err := env.registry.Validate(context.Background(), cred.Token)
	if err != nil || owner != "user-3" {
		t.Errorf("issued token validates to %q, %v", owner, err)
	}

	unauth, err := http.Post(env.srv.URL+"/api/pair-tokens", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	unauth.Body.Close()
	if unauth.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", unauth.StatusCode)
	}
}

func TestEngagementsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, _ = env.records.Create(ctx, store.NewRecord{UserID: "u1", VideoID: "v1", Timecode: "1", Concentration: 70})
	_, _ = env.records.Create(ctx, store.NewRecord{UserID: "u2", VideoID: "v1", Timecode: "2"})

	get := func(query string) (*http.Response, []store.Record) {
		req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/engagements"+query, nil)
		req.Header.Set("Authorization", "Bearer "+env.accessToken(t, "u1"))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var recs []store.Record
		if resp.StatusCode == http.StatusOK {
			_ = json.NewDecoder(resp.Body).Decode(&recs)
		}
		return resp, recs
	}

	resp, recs := get("?video_id=v1")
	if resp.StatusCode != http.StatusOK || len(recs) != 1 || recs[0].Concentration != 70 {
		t.Errorf("status=%d records=%+v", resp.StatusCode, recs)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing on API response")
	}

	for _, q := range []string{"", "?video_id=v1&audio_id=a1", "?video_id=v1&limit=abc"} {
		if resp, _ := get(q); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("query %q status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	pairDevice(t, env, "user-1")

	resp, err := http.Get(env.srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.Status != "ok" || report.Hub.Devices != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "example.com", true},
		{"same host", nil, "https://example.com", "example.com", true},
		{"localhost", nil, "http://localhost:5173", "example.com", true},
		{"loopback v6", nil, "http://[::1]:3000", "example.com", true},
		{"foreign", nil, "https://evil.test", "example.com", false},
		{"allow list hit", []string{"https://app.example"}, "https://app.example", "api.example", true},
		{"allow list miss", []string{"https://app.example"}, "http://localhost:5173", "api.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{allowedOrigins: map[string]bool{}, allowedHosts: map[string]bool{}}
			for _, o := range tt.allowed {
				s.allowedOrigins[o] = true
				u, _ := url.Parse(o)
				s.allowedHosts[u.Host] = true
			}
			r := httptest.NewRequest(http.MethodGet, "/ws/client", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}
