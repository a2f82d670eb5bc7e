package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communityforge/synthesis-core/internal/domain"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()})), mr
}

func TestSetAndGetRoundTrip(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", "v1", time.Hour))
	v, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, time.Hour, mr.TTL("k1"))
}

func TestGetMissingIsNotFound(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "absent")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExistsRespectsTTLExpiry(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", "v1", time.Minute))
	ok, err := s.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = s.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetNXFirstWriterWins(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	won, err := s.SetNX(ctx, "marker", "a", time.Hour)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.SetNX(ctx, "marker", "b", time.Hour)
	require.NoError(t, err)
	assert.False(t, won)

	v, err := s.Get(ctx, "marker")
	require.NoError(t, err)
	assert.Equal(t, "a", v)
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", "v1", 0))
	require.NoError(t, s.Delete(ctx, "k1"))
	require.NoError(t, s.Delete(ctx, "k1"), "deleting an absent key is not an error")
}

func TestIncrementWindowedCounter(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	n, err := s.Increment(ctx, "cnt", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Increment(ctx, "cnt", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The window is armed at creation and must not slide on later bumps.
	assert.Equal(t, time.Minute, mr.TTL("cnt"))

	mr.FastForward(2 * time.Minute)
	n, err = s.Increment(ctx, "cnt", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "a fresh window restarts the count")
}

func TestStoreUnavailableWrapsErrors(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	mr.Close()

	ctx := context.Background()
	_, err := s.Exists(ctx, "k1")
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	err = s.Set(ctx, "k1", "v1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.ErrorIs(t, s.Ping(ctx), domain.ErrUnavailable)
}

func TestCooldownLifecycle(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetCooldown(ctx, "verify", "g1:u1", time.Minute))
	in, err := s.InCooldown(ctx, "verify", "g1:u1")
	require.NoError(t, err)
	assert.True(t, in)

	mr.FastForward(2 * time.Minute)
	in, err = s.InCooldown(ctx, "verify", "g1:u1")
	require.NoError(t, err)
	assert.False(t, in)

	require.NoError(t, s.SetCooldown(ctx, "verify", "g1:u1", time.Minute))
	require.NoError(t, s.ClearCooldown(ctx, "verify", "g1:u1"))
	in, err = s.InCooldown(ctx, "verify", "g1:u1")
	require.NoError(t, err)
	assert.False(t, in)
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, "u1", "step=2", time.Hour))
	v, err := s.GetSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "step=2", v)

	require.NoError(t, s.DropSession(ctx, "u1"))
	_, err = s.GetSession(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNewParsesURL(t *testing.T) {
	t.Parallel()

	_, err := New("redis://localhost:6379/0")
	require.NoError(t, err)

	_, err = New("not a url")
	require.Error(t, err)
}
