// Package redisstore implements session.Store on Redis.
//
// Records are stored as JSON strings under the callyx key schema with
// per-record TTLs. Leases use SET NX semantics with a Lua renewal path so
// that acquire and renew are a single round trip, and release is a
// compare-and-delete so a handler can never drop a lease it lost.
package redisstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/callyx/pkg/session"
)

// Bounded retry schedule for transient backend failures: 3 attempts with
// 100ms, 400ms, 1.6s waits before giving up with ErrUnavailable.
const (
	retryAttempts    = 3
	retryBaseBackoff = 100 * time.Millisecond
	retryMultiplier  = 4
)

// acquireLeaseScript grants the lease when absent, renews it when already
// held by the same holder, and refuses otherwise.
var acquireLeaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
elseif v == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// releaseLeaseScript deletes the lease only when it is still owned by the
// caller.
var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Store implements session.Store and session.PhraseCache on a Redis backend.
type Store struct {
	rdb     *redis.Client
	archive session.Archiver
	env     string
	typ     string
	log     *slog.Logger
}

var (
	_ session.Store       = (*Store)(nil)
	_ session.PhraseCache = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithArchiver sets the cold-store sink used by Archive. Without one, Archive
// returns ErrArchiveFailed for every session.
func WithArchiver(a session.Archiver) Option {
	return func(s *Store) { s.archive = a }
}

// WithKeyspace sets the environment and record-type segments of the key
// schema. Defaults to "dev" / "call".
func WithKeyspace(env, typ string) Option {
	return func(s *Store) {
		s.env = env
		s.typ = typ
	}
}

// New connects to the Redis instance at addr.
func New(addr, password string, db int, opts ...Option) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return NewWithClient(rdb, opts...)
}

// NewWithClient wraps an existing client. Used by tests to point the store at
// miniredis.
func NewWithClient(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		rdb: rdb,
		env: "dev",
		typ: "call",
		log: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies connectivity. Wired into the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) key(id, component string) string {
	return session.Key(s.env, s.typ, id, component)
}

// withRetry runs op under the bounded backoff schedule. Context cancellation
// aborts immediately and is returned as-is.
func (s *Store) withRetry(ctx context.Context, name string, op func() error) error {
	backoff := retryBaseBackoff
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = op()
		if err == nil || errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		s.log.Warn("redis operation failed, retrying",
			"op", name, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= retryMultiplier
	}
	return fmt.Errorf("%w: %s: %v", session.ErrUnavailable, name, err)
}

// Load implements session.Store. When the session record has expired but the
// transcript record (kept on the longer history TTL) has not, the memory is
// rebuilt around the retained transcript, so a caller dialing back within the
// history window keeps their conversation context.
func (s *Store) Load(ctx context.Context, id string) (*session.CoreMemory, error) {
	var raw string
	err := s.withRetry(ctx, "load", func() error {
		var err error
		raw, err = s.rdb.Get(ctx, s.key(id, session.ComponentSession)).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return s.loadFromHistory(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	var mem session.CoreMemory
	if err := json.Unmarshal([]byte(raw), &mem); err != nil {
		return nil, fmt.Errorf("redisstore: decode session %s: %w", id, err)
	}
	return &mem, nil
}

// loadFromHistory rebuilds a fresh memory around a transcript that outlived
// its session record.
func (s *Store) loadFromHistory(ctx context.Context, id string) (*session.CoreMemory, error) {
	var raw string
	err := s.withRetry(ctx, "load_history", func() error {
		var err error
		raw, err = s.rdb.Get(ctx, s.key(id, session.ComponentHistory)).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	mem := session.New(id)
	if err := json.Unmarshal([]byte(raw), &mem.History); err != nil {
		return nil, fmt.Errorf("redisstore: decode history %s: %w", id, err)
	}
	return mem, nil
}

// Save implements session.Store. The transcript is written as its own record
// under the history TTL, which outlives the session record.
func (s *Store) Save(ctx context.Context, id string, mem *session.CoreMemory, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = session.DefaultSessionTTL
	}
	mem.Version++
	mem.LastWrite = time.Now().UTC()

	raw, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("redisstore: encode session %s: %w", id, err)
	}
	var hist []byte
	if len(mem.History) > 0 {
		if hist, err = json.Marshal(mem.History); err != nil {
			return fmt.Errorf("redisstore: encode history %s: %w", id, err)
		}
	}
	return s.withRetry(ctx, "save", func() error {
		_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, s.key(id, session.ComponentSession), raw, ttl)
			if hist != nil {
				p.Set(ctx, s.key(id, session.ComponentHistory), hist, session.DefaultHistoryTTL)
			}
			return nil
		})
		return err
	})
}

// AcquireLease implements session.Store.
func (s *Store) AcquireLease(ctx context.Context, id, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = session.DefaultLeaseTTL
	}
	var granted bool
	err := s.withRetry(ctx, "acquire_lease", func() error {
		res, err := acquireLeaseScript.Run(ctx, s.rdb,
			[]string{s.key(id, session.ComponentLease)},
			holder, ttl.Milliseconds()).Int()
		if err != nil {
			return err
		}
		granted = res == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return granted, nil
}

// TakeLease implements session.Store with a plain SET: the newest handler
// for a session always wins, and the displaced holder's next AcquireLease
// renewal returns false.
func (s *Store) TakeLease(ctx context.Context, id, holder string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = session.DefaultLeaseTTL
	}
	return s.withRetry(ctx, "take_lease", func() error {
		return s.rdb.Set(ctx, s.key(id, session.ComponentLease), holder, ttl).Err()
	})
}

// ReleaseLease implements session.Store.
func (s *Store) ReleaseLease(ctx context.Context, id, holder string) error {
	return s.withRetry(ctx, "release_lease", func() error {
		return releaseLeaseScript.Run(ctx, s.rdb,
			[]string{s.key(id, session.ComponentLease)}, holder).Err()
	})
}

// Archive implements session.Store. The hot record is deleted only after the
// cold-store write succeeds, so a failed archive can be retried.
func (s *Store) Archive(ctx context.Context, id string) error {
	mem, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if s.archive == nil {
		return fmt.Errorf("%w: no cold store configured", session.ErrArchiveFailed)
	}
	if err := s.archive.StoreFinal(ctx, mem); err != nil {
		return fmt.Errorf("%w: %v", session.ErrArchiveFailed, err)
	}
	return s.withRetry(ctx, "archive_delete", func() error {
		return s.rdb.Del(ctx,
			s.key(id, session.ComponentSession),
			s.key(id, session.ComponentHistory)).Err()
	})
}

// GetPhrase implements session.PhraseCache.
func (s *Store) GetPhrase(ctx context.Context, voice, text string) ([]byte, error) {
	var raw []byte
	err := s.withRetry(ctx, "get_phrase", func() error {
		var err error
		raw, err = s.rdb.Get(ctx, s.key(phraseID(voice, text), session.ComponentPhrase)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	return raw, err
}

// PutPhrase implements session.PhraseCache.
func (s *Store) PutPhrase(ctx context.Context, voice, text string, audio []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = session.DefaultPhraseTTL
	}
	return s.withRetry(ctx, "put_phrase", func() error {
		return s.rdb.Set(ctx, s.key(phraseID(voice, text), session.ComponentPhrase), audio, ttl).Err()
	})
}

// phraseID derives a stable id for a voice+text pair.
func phraseID(voice, text string) string {
	sum := sha256.Sum256([]byte(voice + "\x00" + text))
	return hex.EncodeToString(sum[:16])
}
