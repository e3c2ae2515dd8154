package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pysugar/mcp-auth-gateway/internal/db/dbtest"
	"github.com/pysugar/mcp-auth-gateway/internal/db/models"
	"github.com/pysugar/mcp-auth-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKV(t *testing.T) (*KVStore, *dbtest.Clock) {
	t.Helper()
	clock := dbtest.NewClock()
	return NewKVStore(dbtest.Open(t)).WithClock(clock.Now), clock
}

func TestKVStore_PutGetOverwrite(t *testing.T) {
	ctx := context.Background()
	kv, _ := newTestKV(t)

	require.NoError(t, kv.Put(ctx, "session:a", []byte("one"), time.Hour))
	require.NoError(t, kv.Put(ctx, "session:a", []byte("two"), time.Hour))

	e, err := kv.Get(ctx, "session:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), e.Value)
	require.NotNil(t, e.ExpiresAt)

	_, err = kv.Get(ctx, "session:missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestKVStore_LazyExpiry(t *testing.T) {
	ctx := context.Background()
	kv, clock := newTestKV(t)

	require.NoError(t, kv.Put(ctx, "apikey:k", []byte("v"), 5*time.Minute))
	require.NoError(t, kv.Put(ctx, "apikey:forever", []byte("v"), 0))

	clock.Advance(4 * time.Minute)
	_, err := kv.Get(ctx, "apikey:k")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = kv.Get(ctx, "apikey:k")
	require.ErrorIs(t, err, store.ErrNotFound)

	e, err := kv.Get(ctx, "apikey:forever")
	require.NoError(t, err)
	assert.Nil(t, e.ExpiresAt)
}

func TestKVStore_ListByPrefix(t *testing.T) {
	ctx := context.Background()
	kv, clock := newTestKV(t)

	require.NoError(t, kv.Put(ctx, "xano_auth_token:u1", []byte("1"), 0))
	require.NoError(t, kv.Put(ctx, "xanoXauthXtoken:u2", []byte("2"), 0))
	require.NoError(t, kv.Put(ctx, "usage:queue:2", []byte("b"), time.Hour))
	require.NoError(t, kv.Put(ctx, "usage:queue:1", []byte("a"), time.Hour))
	require.NoError(t, kv.Put(ctx, "usage:queue:3", []byte("c"), time.Minute))

	got, err := kv.List(ctx, "xano_auth_token:", 0)
	require.NoError(t, err)
	require.Len(t, got, 1, "underscores in the prefix must not act as wildcards")
	assert.Equal(t, "xano_auth_token:u1", got[0].Key)

	clock.Advance(2 * time.Minute)
	got, err = kv.List(ctx, "usage:queue:", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "usage:queue:1", got[0].Key)
	assert.Equal(t, "usage:queue:2", got[1].Key)

	got, err = kv.List(ctx, "usage:queue:", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestKVStore_DeleteAndPurge(t *testing.T) {
	ctx := context.Background()
	kv, clock := newTestKV(t)

	require.NoError(t, kv.Put(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, kv.Put(ctx, "b", []byte("2"), time.Hour))
	require.NoError(t, kv.Delete(ctx, "b"))
	require.NoError(t, kv.Delete(ctx, "never-existed"))

	clock.Advance(2 * time.Minute)
	n, err := kv.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestKVStore_RunPurgeReclaimsExpiredRows(t *testing.T) {
	ctx := context.Background()
	gdb := dbtest.Open(t)
	clock := dbtest.NewClock()
	kv := NewKVStore(gdb).WithClock(clock.Now)

	for i := 0; i < 50; i++ {
		require.NoError(t, kv.Put(ctx, store.SessionKey(fmt.Sprintf("s-%d", i)), []byte("{}"), 24*time.Hour))
	}
	require.NoError(t, kv.Put(ctx, "keep", []byte("v"), 0))
	clock.Advance(48 * time.Hour)

	countRows := func() int64 {
		var n int64
		if err := gdb.Model(&models.KVEntry{}).Count(&n).Error; err != nil {
			return -1
		}
		return n
	}
	require.Equal(t, int64(51), countRows(), "expired rows linger until purged")

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- kv.RunPurge(runCtx, 10*time.Millisecond, nil) }()

	assert.Eventually(t, func() bool { return countRows() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	e, err := kv.Get(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), e.Value)

	assert.Error(t, kv.RunPurge(ctx, 0, nil), "zero interval is rejected, not a ticker panic")
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	kv, _ := newTestKV(t)

	type doc struct {
		UserID string `json:"user_id"`
	}
	require.NoError(t, store.PutJSON(ctx, kv, "session:x", doc{UserID: "u1"}, time.Hour))

	var got doc
	require.NoError(t, store.GetJSON(ctx, kv, "session:x", &got))
	assert.Equal(t, "u1", got.UserID)
}

func TestEntryRemainingTTL(t *testing.T) {
	now := time.Now()
	exp := now.Add(time.Minute)
	assert.Equal(t, time.Minute, (&store.Entry{ExpiresAt: &exp}).RemainingTTL(now))
	assert.Zero(t, (&store.Entry{}).RemainingTTL(now))
}
