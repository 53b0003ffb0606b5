package redisstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/callyx/pkg/session"
	"github.com/MrWong99/callyx/pkg/session/redisstore"
)

type captureArchiver struct {
	stored []*session.CoreMemory
	err    error
}

func (a *captureArchiver) StoreFinal(_ context.Context, mem *session.CoreMemory) error {
	if a.err != nil {
		return a.err
	}
	a.stored = append(a.stored, mem)
	return nil
}

func newTestStore(t *testing.T, opts ...redisstore.Option) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisstore.NewWithClient(rdb, opts...), mr
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	mem := session.New("call-1")
	mem.ActiveAgent = "triage"
	mem.SetContext(session.CtxCallerName, "Ada")
	mem.AppendHistory("triage", "user", "hello", 0)

	require.NoError(t, store.Save(ctx, "call-1", mem, time.Minute))
	require.EqualValues(t, 1, mem.Version, "save must bump version")
	require.False(t, mem.LastWrite.IsZero(), "save must stamp last write")

	got, err := store.Load(ctx, "call-1")
	require.NoError(t, err)
	require.Equal(t, "triage", got.ActiveAgent)
	require.Equal(t, "Ada", got.ContextString(session.CtxCallerName))
	require.Len(t, got.History, 1)
	require.EqualValues(t, 1, got.Version)
}

func TestLoadMissingIsNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Load(context.Background(), "nope")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestSessionExpiresAfterTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "call-1", session.New("call-1"), time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err := store.Load(ctx, "call-1")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestLeaseOwnership(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLease(ctx, "call-1", "handler-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "first acquire must be granted")

	ok, err = store.AcquireLease(ctx, "call-1", "handler-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "renewal by the same holder must be granted")

	ok, err = store.AcquireLease(ctx, "call-1", "handler-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "acquire by another holder must be refused")

	// A release by the non-holder must not free the lease.
	require.NoError(t, store.ReleaseLease(ctx, "call-1", "handler-b"))
	ok, err = store.AcquireLease(ctx, "call-1", "handler-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.ReleaseLease(ctx, "call-1", "handler-a"))
	ok, err = store.AcquireLease(ctx, "call-1", "handler-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "acquire after owner release must be granted")

	// Expired leases free themselves.
	mr.FastForward(2 * time.Minute)
	ok, err = store.AcquireLease(ctx, "call-1", "handler-c", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "acquire after lease expiry must be granted")
}

func TestTakeLeaseDisplacesHolder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLease(ctx, "call-1", "handler-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A newer handler takes over unconditionally.
	require.NoError(t, store.TakeLease(ctx, "call-1", "handler-b", time.Minute))

	ok, err = store.AcquireLease(ctx, "call-1", "handler-a", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "displaced holder's renewal must be refused")

	ok, err = store.AcquireLease(ctx, "call-1", "handler-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "new holder's renewal must be granted")
}

func TestArchiveMovesRecordToColdStore(t *testing.T) {
	arch := &captureArchiver{}
	store, _ := newTestStore(t, redisstore.WithArchiver(arch))
	ctx := context.Background()

	mem := session.New("call-1")
	mem.ActiveAgent = "billing"
	mem.AppendHistory("billing", "user", "about my invoice", 0)
	require.NoError(t, store.Save(ctx, "call-1", mem, time.Minute))

	require.NoError(t, store.Archive(ctx, "call-1"))
	require.Len(t, arch.stored, 1)
	require.Equal(t, "billing", arch.stored[0].ActiveAgent)

	// Both the session and the transcript record must be gone.
	_, err := store.Load(ctx, "call-1")
	require.ErrorIs(t, err, session.ErrNotFound, "hot record must be gone after archive")
}

func TestHistoryOutlivesSessionRecord(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	mem := session.New("call-1")
	mem.ActiveAgent = "claims"
	mem.AppendHistory("claims", "user", "my car got hit", 0)
	mem.AppendHistory("claims", "assistant", "I'm sorry to hear that.", 0)
	require.NoError(t, store.Save(ctx, "call-1", mem, time.Minute))

	// The session record expires; the transcript is kept on the longer
	// history TTL and seeds a fresh memory.
	mr.FastForward(2 * time.Minute)

	got, err := store.Load(ctx, "call-1")
	require.NoError(t, err)
	require.Empty(t, got.ActiveAgent, "expired session must not keep its routing state")
	require.Len(t, got.History, 2)
	require.Equal(t, "my car got hit", got.History[0].Content)

	mr.FastForward(session.DefaultHistoryTTL)
	_, err = store.Load(ctx, "call-1")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestArchiveFailureKeepsHotRecord(t *testing.T) {
	arch := &captureArchiver{err: errors.New("cold store down")}
	store, _ := newTestStore(t, redisstore.WithArchiver(arch))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "call-1", session.New("call-1"), time.Minute))

	err := store.Archive(ctx, "call-1")
	require.ErrorIs(t, err, session.ErrArchiveFailed)

	_, err = store.Load(ctx, "call-1")
	require.NoError(t, err, "hot record must survive a failed archive")
}

func TestArchiveMissingSession(t *testing.T) {
	store, _ := newTestStore(t, redisstore.WithArchiver(&captureArchiver{}))

	err := store.Archive(context.Background(), "nope")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestPhraseCacheRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	audio := []byte{0x01, 0x02, 0x03}
	require.NoError(t, store.PutPhrase(ctx, "en-US-Ava", "Goodbye.", audio, time.Hour))

	got, err := store.GetPhrase(ctx, "en-US-Ava", "Goodbye.")
	require.NoError(t, err)
	require.Equal(t, audio, got)

	// Different voice, same text: distinct cache slot.
	_, err = store.GetPhrase(ctx, "en-US-Guy", "Goodbye.")
	require.ErrorIs(t, err, session.ErrNotFound)

	mr.FastForward(2 * time.Hour)
	_, err = store.GetPhrase(ctx, "en-US-Ava", "Goodbye.")
	require.ErrorIs(t, err, session.ErrNotFound)
}
