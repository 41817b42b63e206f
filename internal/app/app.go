// Package app wires the service together: it owns construction order and
// the process lifecycle of every long-lived component.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/neuro-assistant/backend/internal/auth"
	"github.com/neuro-assistant/backend/internal/config"
	"github.com/neuro-assistant/backend/internal/engagement"
	"github.com/neuro-assistant/backend/internal/pairing"
	"github.com/neuro-assistant/backend/internal/store"
	"github.com/neuro-assistant/backend/internal/ws"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	cfg *config.Config
	log *zap.SugaredLogger

	Hub      *ws.Hub
	Tracker  *engagement.Tracker
	Registry *pairing.Registry
	Tokens   *auth.TokenManager
	Records  store.RecordStore

	server *ws.Server
	redis  *redis.Client
}

// New builds every component from cfg. Backends that fail to open are
// released before returning the error.
func New(cfg *config.Config, log *zap.SugaredLogger) (*App, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	a := &App{cfg: cfg, log: log}

	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("access tokens: %w", err)
	}
	a.Tokens = tokens

	credStore, err := a.openPairingStore()
	if err != nil {
		return nil, err
	}
	a.Registry = pairing.NewRegistry(credStore, cfg.Pairing.TTL)

	if err := a.openRecordStore(); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Tracker = engagement.NewTracker(engagement.Options{
		SpikeThreshold:      cfg.Tracker.SpikeThreshold,
		AudioDeltaThreshold: cfg.Tracker.AudioDeltaThreshold,
		PendingFrameTTL:     cfg.Tracker.PendingFrameTTL,
		MaxPendingFrames:    cfg.Tracker.MaxPendingFrames,
		IdleTimeout:         cfg.Tracker.IdleTimeout,
	}, log.Named("tracker"))
	a.Hub = ws.NewHub(cfg.Server.MaxClientsPerSession, log.Named("hub"))

	a.server = ws.NewServer(cfg.Server, ws.Deps{
		Hub:         a.Hub,
		Tracker:     a.Tracker,
		Credentials: a.Registry,
		Issuer:      a.Registry,
		Tokens:      a.Tokens,
		Records:     a.Records,
		Log:         log.Named("ws"),
	})
	return a, nil
}

func (a *App) openPairingStore() (pairing.Store, error) {
	switch a.cfg.Pairing.Backend {
	case "redis":
		rc := a.cfg.Pairing.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		rs := pairing.NewRedisStore(client, a.cfg.Pairing.KeyPrefix)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("pairing store: %w", err)
		}
		a.redis = client
		a.log.Infow("pairing store ready", "backend", "redis", "addr", rc.Addr)
		return rs, nil
	default:
		a.log.Infow("pairing store ready", "backend", "memory")
		return pairing.NewMemoryStore(), nil
	}
}

func (a *App) openRecordStore() error {
	switch a.cfg.Storage.Driver {
	case "sqlite":
		db, err := store.OpenSQLite(a.cfg.Storage.SQLitePath, a.log.Named("store"))
		if err != nil {
			return fmt.Errorf("record store: %w", err)
		}
		a.Records = db
	default:
		a.Records = store.NewMemory()
	}
	return nil
}

func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server and the idle sweeper on ln. It returns nil
// after a clean shutdown triggered by ctx.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.Tracker.Run(sweepCtx, a.cfg.Tracker.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		a.log.Infow("server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	a.log.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; their read
	// loops end when the process exits or the peer goes away.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close releases the storage backends.
func (a *App) Close() error {
	var errs []error
	if a.Records != nil {
		errs = append(errs, a.Records.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
