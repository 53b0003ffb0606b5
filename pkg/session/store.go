package session

import (
	"context"
	"errors"
	"time"
)

// Default lifetimes for the hot-store record classes. A live call renews its
// session TTL on every turn, so expiry only fires on abandonment.
const (
	DefaultSessionTTL = 30 * time.Minute
	DefaultHistoryTTL = 2 * time.Hour
	DefaultLeaseTTL   = 60 * time.Second
	DefaultPhraseTTL  = 24 * time.Hour
)

var (
	// ErrNotFound indicates the session id has no hot record (never created,
	// expired, or already archived).
	ErrNotFound = errors.New("session: not found")

	// ErrUnavailable indicates the backing store could not be reached after
	// bounded retry. Callers decide whether to fail closed or degrade.
	ErrUnavailable = errors.New("session: store unavailable")

	// ErrArchiveFailed indicates the cold-store write did not complete; the hot
	// record is retained so archival can be retried.
	ErrArchiveFailed = errors.New("session: archive failed")
)

// Store is the hot session store: a TTL'd cache of CoreMemory plus advisory
// leases and one-shot archival into a cold store.
//
// Implementations must be safe for concurrent use. All methods honour context
// cancellation; cancellation is returned as ctx.Err(), never wrapped into one
// of the sentinel errors above.
type Store interface {
	// Load fetches the session record. Returns ErrNotFound for an absent or
	// expired id and ErrUnavailable when the backend cannot be reached.
	Load(ctx context.Context, id string) (*CoreMemory, error)

	// Save atomically replaces the session record, bumps Version and stamps
	// LastWrite, and resets the record's TTL. The caller's copy is updated
	// with the new Version and LastWrite on success. Implementations may keep
	// the transcript on a longer TTL than the rest of the record, so Load can
	// still seed a late reconnect with conversation context.
	Save(ctx context.Context, id string, mem *CoreMemory, ttl time.Duration) error

	// AcquireLease attempts to take the advisory write lease for the session.
	// Granted when no lease exists or when the existing lease belongs to the
	// same holder (renewal). The lease auto-expires after ttl.
	AcquireLease(ctx context.Context, id, holder string, ttl time.Duration) (bool, error)

	// TakeLease takes the lease unconditionally, displacing any current
	// holder. Used at handler attach: the newest handler for a session wins,
	// and the displaced handler discovers the loss on its next renewal.
	TakeLease(ctx context.Context, id, holder string, ttl time.Duration) error

	// ReleaseLease drops the lease iff it is still held by holder. Releasing a
	// lease that is absent or owned by someone else is a no-op.
	ReleaseLease(ctx context.Context, id, holder string) error

	// Archive moves the final session state to the cold store and deletes the
	// hot record. On cold-store failure the hot record is kept and
	// ErrArchiveFailed is returned; archival of an absent id returns
	// ErrNotFound.
	Archive(ctx context.Context, id string) error
}

// Archiver is the cold-store sink used by Store.Archive. Writes must be
// idempotent: archiving the same session twice stores the later state.
type Archiver interface {
	StoreFinal(ctx context.Context, mem *CoreMemory) error
}

// PhraseCache caches synthesized audio for fixed phrases (greetings,
// apologies) so they survive synthesizer outages.
type PhraseCache interface {
	// GetPhrase returns the cached audio for the voice+text pair, or
	// ErrNotFound.
	GetPhrase(ctx context.Context, voice, text string) ([]byte, error)

	// PutPhrase stores audio for the voice+text pair with the given TTL.
	PutPhrase(ctx context.Context, voice, text string, audio []byte, ttl time.Duration) error
}
