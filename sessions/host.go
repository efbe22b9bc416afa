package sessions

import (
	"context"
	"time"
)

// Record is the raw, versioned payload a Host stores per session id. The
// payload is opaque to the host; the Store owns (de)serialization.
type Record struct {
	// Version increments on every successful write, starting at 1.
	Version int64
	Payload []byte
}

// Host is the versioned key-value backend a Store runs on. Implementations
// must provide per-key TTL and conditional writes so a read-modify-write
// cycle can detect concurrent modification instead of clobbering it.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// GetSession returns the current record for id, or ErrSessionNotFound
	// if the id is absent or its TTL has lapsed.
	GetSession(ctx context.Context, id string) (Record, error)

	// PutSession writes rec.Payload under id with the given TTL.
	//
	// expectVersion 0 creates the record and fails with ErrSessionExists
	// if id is already present. A non-zero expectVersion must equal the
	// stored version or the write fails with ErrVersionConflict. On
	// success the stored version becomes expectVersion+1.
	PutSession(ctx context.Context, id string, payload []byte, expectVersion int64, ttl time.Duration) error

	// DeleteSession removes id. Deleting an absent id is not an error.
	DeleteSession(ctx context.Context, id string) error

	// SessionTTL returns the remaining TTL for id, or ErrSessionNotFound.
	SessionTTL(ctx context.Context, id string) (time.Duration, error)

	// Close releases backend resources.
	Close() error
}
