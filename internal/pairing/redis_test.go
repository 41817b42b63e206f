package pairing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStoreTest(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, "np"), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, mr := newRedisStoreTest(t)
	ctx := context.Background()
	reg := NewRegistry(store, time.Hour)

	cred, err := reg.Generate(ctx, "user-7")
	require.NoError(t, err)
	assert.True(t, mr.Exists("np:"+cred.Token))

	ttl := mr.TTL("np:" + cred.Token)
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)

	owner, err := reg.Validate(ctx, cred.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-7", owner)

	got, err := store.Get(ctx, cred.Token)
	require.NoError(t, err)
	assert.Equal(t, cred.Owner, got.Owner)
	assert.True(t, cred.ExpiresAt.Equal(got.ExpiresAt))
}

func TestRedisStoreKeyExpires(t *testing.T) {
	store, mr := newRedisStoreTest(t)
	ctx := context.Background()
	reg := NewRegistry(store, time.Hour)

	cred, err := reg.Generate(ctx, "user-7")
	require.NoError(t, err)

	mr.FastForward(61 * time.Minute)

	_, err = reg.Validate(ctx, cred.Token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreGetMissing(t *testing.T) {
	store, _ := newRedisStoreTest(t)
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreRejectsExpiredSave(t *testing.T) {
	store, _ := newRedisStoreTest(t)
	err := store.Save(context.Background(), Credential{
		Token:     "8d0c7f6e-3c5e-4a51-9a3e-0d8c2f1b7a66",
		Owner:     "user-1",
		ExpiresAt: time.Now().Add(-time.Second),
	})
	assert.ErrorIs(t, err, ErrExpired)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	store := NewRedisStore(rdb, "np")
	mr.Close()

	err = store.Save(context.Background(), Credential{
		Token:     "8d0c7f6e-3c5e-4a51-9a3e-0d8c2f1b7a66",
		Owner:     "user-1",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errRedisUnavailable)
}
