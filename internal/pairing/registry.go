// Package pairing issues and resolves the short-lived credentials a device
// presents on its first message to join its owner's session.
//
// Credentials are reusable until they expire: a device that drops its
// connection can pair again with the same token. Expiry is enforced at
// validation time.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("pairing credential not found")
	ErrExpired  = errors.New("pairing credential expired")
)

type Credential struct {
	Token     string    `json:"token"`
	Owner     string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Store persists credentials. Get returns ErrNotFound for unknown tokens.
type Store interface {
	Save(ctx context.Context, c Credential) error
	Get(ctx context.Context, token string) (Credential, error)
}

type Registry struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewRegistry(store Store, ttl time.Duration) *Registry {
	return &Registry{store: store, ttl: ttl, now: time.Now}
}

// Generate creates and persists a credential for owner.
func (r *Registry) Generate(ctx context.Context, owner string) (Credential, error) {
	if owner == "" {
		return Credential{}, errors.New("pairing: empty owner")
	}
	now := r.now().UTC()
	c := Credential{
		Token:     uuid.NewString(),
		Owner:     owner,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	if err := r.store.Save(ctx, c); err != nil {
		return Credential{}, fmt.Errorf("saving credential: %w", err)
	}
	return c, nil
}

// Validate resolves token to the owning session identity.
func (r *Registry) Validate(ctx context.Context, token string) (string, error) {
	if _, err := uuid.Parse(token); err != nil {
		return "", ErrNotFound
	}
	c, err := r.store.Get(ctx, token)
	if err != nil {
		return "", err
	}
	if c.Expired(r.now()) {
		return "", ErrExpired
	}
	return c.Owner, nil
}
