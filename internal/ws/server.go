package ws

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/neuro-assistant/backend/internal/auth"
	"github.com/neuro-assistant/backend/internal/config"
	"github.com/neuro-assistant/backend/internal/engagement"
	"github.com/neuro-assistant/backend/internal/pairing"
	"github.com/neuro-assistant/backend/internal/store"
)

// CredentialValidator resolves a device pairing credential to its owner.
type CredentialValidator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// CredentialIssuer mints pairing credentials for an authenticated owner.
type CredentialIssuer interface {
	Generate(ctx context.Context, owner string) (pairing.Credential, error)
}

// AccessTokenValidator resolves a client bearer token.
type AccessTokenValidator interface {
	Validate(token string) (auth.Identity, error)
}

// Deps are the collaborators the server routes traffic through.
type Deps struct {
	Hub         *Hub
	Tracker     *engagement.Tracker
	Credentials CredentialValidator
	Issuer      CredentialIssuer
	Tokens      AccessTokenValidator
	Records     store.RecordStore
	Log         *zap.SugaredLogger
}

type Server struct {
	cfg            config.ServerConfig
	hub            *Hub
	tracker        *engagement.Tracker
	credentials    CredentialValidator
	issuer         CredentialIssuer
	tokens         AccessTokenValidator
	records        store.RecordStore
	log            *zap.SugaredLogger
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	started        time.Time
}

func NewServer(cfg config.ServerConfig, d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		cfg:            cfg,
		hub:            d.Hub,
		tracker:        d.Tracker,
		credentials:    d.Credentials,
		issuer:         d.Issuer,
		tokens:         d.Tokens,
		records:        d.Records,
		log:            log,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		started:        time.Now(),
	}
	if s.cfg.HandshakeTimeout <= 0 {
		s.cfg.HandshakeTimeout = 10 * time.Second
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.tracker.Subscribe(engagement.ListenerFunc(s.onTrackerNotification))
	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/device", s.handleDevice)
	mux.HandleFunc("/ws/client", s.handleClient)
	mux.HandleFunc("/api/pair-tokens", s.handlePairTokens)
	mux.HandleFunc("/api/engagements", s.handleEngagements)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

// Handler returns the full route tree wrapped in the response-header
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// onTrackerNotification runs on the device read goroutine.
func (s *Server) onTrackerNotification(n engagement.Notification) {
	if n.Kind != engagement.NotifyAudioEvent || n.Event == nil {
		return
	}
	s.hub.BroadcastToClients(n.SessionID, ConcentrationEventMessage{
		Type:  MsgConcentrationEvent,
		Event: *n.Event,
	})
}

// bearerToken extracts an access token from the query string or the
// Authorization header. Browsers cannot set headers on websocket upgrades,
// so the query form is accepted everywhere.
func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return ""
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
