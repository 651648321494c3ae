package authclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage(50 * time.Millisecond)

	got, err := storage.Load(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	s := newSession("r1", time.Hour)
	require.NoError(t, storage.Save(ctx, "k", s))
	s.RefreshToken = "mutated"

	got, err = storage.Load(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r1", got.RefreshToken, "storage keeps its own copy")

	assert.Eventually(t, func() bool {
		got, _ := storage.Load(ctx, "k")
		return got == nil
	}, time.Second, 10*time.Millisecond, "entries expire")

	assert.Error(t, storage.Save(ctx, "k", nil))
}

// Runs against a real server when REDIS_ADDR is set, e.g. localhost:6379.
func TestRedisStorage(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, addr, "", 0)
	require.NoError(t, err)
	defer client.Close()

	storage := NewRedisStorage(client, "test:session:", time.Minute)
	key := uuid.NewString()

	s := newSession("r1", time.Hour)
	require.NoError(t, storage.Save(ctx, key, s))

	got, err := storage.Load(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.RefreshToken, got.RefreshToken)
	assert.Equal(t, s.Identity.ID, got.Identity.ID)

	require.NoError(t, storage.Delete(ctx, key))
	got, err = storage.Load(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}
