// Package chunkstore implements the content-addressed blob repository:
// atomic insert, per-chunk locking, lookup, iteration, and the mark/sweep
// half of garbage collection over a datastore's chunks.
//
// Two variants satisfy the same Store capability, as a small tagged-variant
// set instead of an interface hierarchy: Local (a filesystem directory,
// flock-guarded) and Remote (an S3-compatible bucket). Callers hold a
// Store value, not a concrete type.
package chunkstore

import (
	"context"
	"errors"
	"io"
	"time"

	"vaultkeep/internal/digest"
)

var (
	// ErrNotFound is returned by Load when no chunk exists for a digest.
	ErrNotFound = errors.New("chunkstore: chunk not found")
	// ErrClosed is returned by any operation after Close.
	ErrClosed = errors.New("chunkstore: store is closed")
	// ErrLocked is returned when a store directory is already locked by
	// another process (§7 concurrency errors -> AlreadyLocked).
	ErrLocked = errors.New("chunkstore: store directory is locked by another process")
)

// InsertResult reports what Insert actually did.
type InsertResult struct {
	// Stored is true if this call wrote new bytes; false if the chunk
	// already existed and only its mtime was refreshed.
	Stored bool
	// EncodedSize is the size of the blob bytes on disk (post-compression).
	EncodedSize uint64
}

// Meta describes one chunk as returned by Iter, independent of backend.
type Meta struct {
	Digest  digest.Digest
	Size    int64
	ModTime time.Time
}

// Store is the capability set a chunk-store backend must provide. Both
// Local and Remote implement it; neither callers nor the GC orchestrator
// (internal/gc) need to type-switch on the concrete type.
type Store interface {
	// Insert writes blobBytes (an already-framed blob, see internal/blob)
	// under digest if absent, or refreshes the chunk's mtime if present.
	// Concurrent inserts of the same digest are serialized.
	Insert(ctx context.Context, d digest.Digest, blobBytes []byte) (InsertResult, error)

	// Load reads the framed blob bytes stored under digest.
	Load(ctx context.Context, d digest.Digest) ([]byte, error)

	// Touch refreshes a chunk's mtime without rewriting its content. Used
	// by the GC mark phase.
	Touch(ctx context.Context, d digest.Digest) error

	// Quarantine preserves evidence of a corrupted chunk by renaming or
	// relocating it out of the addressable namespace, so a future insert
	// of the same digest succeeds cleanly. Returns the name/path used,
	// for logging.
	Quarantine(ctx context.Context, d digest.Digest) (string, error)

	// Sweep deletes every chunk whose mtime is strictly before cutoff.
	// Callers MUST complete a full mark pass (Touch on every referenced
	// digest) before calling Sweep — see internal/gc.
	Sweep(ctx context.Context, cutoff time.Time) (deleted int, err error)

	// Iter yields metadata for every chunk in the store. Used by GC and
	// admin tooling; the iteration may overlap inserts and deletes, and
	// does not provide a point-in-time snapshot.
	Iter(ctx context.Context) iterFunc

	// Close releases resources (file locks, connections). The store must
	// not be used afterward.
	Close() error
}

// iterFunc follows the range-over-func iterator shape (Go 1.23+): the
// caller ranges over Meta values; returning false from the loop body
// stops iteration early. It carries no error: a listing failure inside
// Local.Iter or Remote.Iter is not reported, and the affected entries are
// simply not yielded.
type iterFunc func(yield func(Meta) bool)

// blobReader is satisfied by anything Load could stream from instead of
// buffering fully. No Store implementation uses it: Local reads the whole
// chunk file, and Remote reads S3 GetObject's io.ReadCloser to completion,
// for the bounded ≤16MiB blob size.
type blobReader interface {
	io.ReadCloser
}
