// Package verify implements the verification engine (spec component C6):
// walk a snapshot's manifest, recompute every file's checksum, enumerate
// and decode every chunk an index references, quarantine anything
// corrupt, and record the outcome back into the manifest's unprotected
// verify state.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"vaultkeep/internal/blob"
	"vaultkeep/internal/chunkstore"
	"vaultkeep/internal/digest"
	"vaultkeep/internal/index"
	"vaultkeep/internal/logging"
	"vaultkeep/internal/snapshot"
)

// State names recorded into a manifest's unprotected.verify_state.state.
const (
	StateOk      = "ok"
	StateFailed  = "failed"
	StateSkipped = "skipped"
)

// SnapshotResult reports the outcome of verifying one snapshot.
type SnapshotResult struct {
	State          string
	ChunksVerified int
	ChunksCorrupt  int
}

// GroupResult aggregates SnapshotResult over every snapshot in a group.
type GroupResult struct {
	Snapshots map[int64]SnapshotResult
}

// Config wires a verify run to its datastore and tuning knobs.
type Config struct {
	Store    chunkstore.Store
	Root     string
	CryptKey *blob.CryptKey
	// Workers is the decode-worker pool size; 0 means a fixed default of 4.
	Workers int
	// Filter rejects a snapshot before any chunk work starts (e.g.
	// "verified within the last N days"); nil accepts every snapshot.
	Filter func(snapshot.Manifest) bool
	// UPID identifies the worker task running this verify pass, recorded
	// into the manifest's verify_state (§4.6); task runtime is layered on
	// top of this package, so this is just an opaque string here.
	UPID   string
	Now    func() time.Time
	Logger *slog.Logger
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return 4
}

// Run holds the cross-snapshot state shared over one verify-group or
// verify-all invocation: the verified/corrupt digest sets, so a chunk
// shared by many snapshots (the common case under deduplication) is only
// decoded once per run (§4.6).
type Run struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	verified map[digest.Digest]bool
	corrupt  map[digest.Digest]bool
}

// NewRun starts a fresh verify run with empty verified/corrupt sets.
func NewRun(cfg Config) *Run {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Run{
		cfg:      cfg,
		now:      now,
		logger:   logging.Default(cfg.Logger).With("component", "verify"),
		verified: make(map[digest.Digest]bool),
		corrupt:  make(map[digest.Digest]bool),
	}
}

// VerifySnapshot runs the algorithm of §4.6 against one snapshot. A
// non-nil error indicates an operational failure (I/O, context
// cancellation); a snapshot whose chunks turn out corrupt is reported via
// SnapshotResult.State == StateFailed with a nil error, since that is a
// recorded verification outcome, not an engine failure.
func (r *Run) VerifySnapshot(ctx context.Context, backupType, backupID string, backupTime int64) (SnapshotResult, error) {
	snapDir := snapshot.SnapshotDir(r.cfg.Root, backupType, backupID, backupTime)
	lock, err := snapshot.LockSnapshotSharedNonBlocking(snapDir)
	if err != nil {
		if errors.Is(err, snapshot.ErrAlreadyLocked) {
			r.logger.Info("skipped: snapshot locked", "snapshot", snapDir)
			return SnapshotResult{State: StateSkipped}, nil
		}
		return SnapshotResult{}, err
	}
	defer func() { _ = lock.Unlock() }()

	manifestPath := snapshot.ManifestPath(snapDir)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		r.logger.Warn("verify: failed to load manifest", "snapshot", snapDir, "error", err)
		return SnapshotResult{State: StateFailed}, nil
	}
	m, err := snapshot.DecodeManifestFile(raw, r.cfg.CryptKey)
	if err != nil {
		r.logger.Warn("verify: failed to decode manifest", "snapshot", snapDir, "error", err)
		return SnapshotResult{State: StateFailed}, nil
	}

	if r.cfg.Filter != nil && !r.cfg.Filter(m) {
		return SnapshotResult{State: StateSkipped}, nil
	}

	ok := true
	var totalVerified, totalCorrupt int
	for _, f := range m.Protected.Files {
		fileOK, v, c, err := r.verifyFile(ctx, snapDir, f)
		if err != nil {
			return SnapshotResult{}, err
		}
		totalVerified += v
		totalCorrupt += c
		if !fileOK {
			ok = false
		}
	}

	state := StateOk
	if !ok {
		state = StateFailed
	}
	if err := r.recordVerifyState(manifestPath, raw, state); err != nil {
		return SnapshotResult{}, err
	}

	return SnapshotResult{State: state, ChunksVerified: totalVerified, ChunksCorrupt: totalCorrupt}, nil
}

// VerifyGroup verifies every committed snapshot in one backup group.
func (r *Run) VerifyGroup(ctx context.Context, backupType, backupID string) (GroupResult, error) {
	times, err := snapshot.ListSnapshots(r.cfg.Root, backupType, backupID)
	if err != nil {
		return GroupResult{}, err
	}
	out := GroupResult{Snapshots: make(map[int64]SnapshotResult, len(times))}
	for _, t := range times {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		res, err := r.VerifySnapshot(ctx, backupType, backupID, t)
		if err != nil {
			return out, err
		}
		out.Snapshots[t] = res
	}
	return out, nil
}

// GroupRef names one backup group.
type GroupRef struct {
	BackupType string
	BackupID   string
}

// ListGroups walks root for every <type>/<id> group directory present.
func ListGroups(root string) ([]GroupRef, error) {
	typeEntries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("verify: list datastore root: %w", err)
	}
	var groups []GroupRef
	for _, te := range typeEntries {
		if !te.IsDir() || strings.HasPrefix(te.Name(), ".") {
			continue
		}
		idEntries, err := os.ReadDir(filepath.Join(root, te.Name()))
		if err != nil {
			continue
		}
		for _, ie := range idEntries {
			if !ie.IsDir() {
				continue
			}
			groups = append(groups, GroupRef{BackupType: te.Name(), BackupID: ie.Name()})
		}
	}
	return groups, nil
}

// VerifyAll verifies every group under the datastore root.
func (r *Run) VerifyAll(ctx context.Context) (map[GroupRef]GroupResult, error) {
	groups, err := ListGroups(r.cfg.Root)
	if err != nil {
		return nil, err
	}
	out := make(map[GroupRef]GroupResult, len(groups))
	for _, g := range groups {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		res, err := r.VerifyGroup(ctx, g.BackupType, g.BackupID)
		if err != nil {
			return out, err
		}
		out[g] = res
	}
	return out, nil
}

func (r *Run) recordVerifyState(manifestPath string, raw []byte, state string) error {
	updated, err := snapshot.RewriteUnprotected(raw, snapshot.Unprotected{
		VerifyState: snapshot.VerifyState{State: state, Finished: r.now(), UPID: r.cfg.UPID},
	})
	if err != nil {
		return fmt.Errorf("verify: rewrite verify state: %w", err)
	}
	if err := snapshot.AtomicWriteFile(manifestPath, updated); err != nil {
		return fmt.Errorf("verify: write manifest: %w", err)
	}
	return nil
}

// verifyFile recomputes one manifest file entry's checksum and, for index
// files, enumerates and verifies every referenced chunk.
func (r *Run) verifyFile(ctx context.Context, snapDir string, f snapshot.FileEntry) (ok bool, verified, corrupt int, err error) {
	path := filepath.Join(snapDir, filepath.Base(f.Filename))
	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		r.logger.Warn("verify: missing or unreadable file", "file", f.Filename, "error", readErr)
		return false, 0, 0, nil
	}

	switch {
	case strings.HasSuffix(f.Filename, ".fidx"), strings.HasSuffix(f.Filename, ".didx"):
		body, _, decErr := blob.Decode(raw, r.cfg.CryptKey)
		if decErr != nil {
			r.logger.Warn("verify: failed to unframe index", "file", f.Filename, "error", decErr)
			return false, 0, 0, nil
		}
		var count int64
		var chunkInfo func(int64) (index.ChunkInfo, error)
		var gotCsum digest.Digest
		if strings.HasSuffix(f.Filename, ".fidx") {
			rd, rerr := index.DecodeFixedReader(body)
			if rerr != nil {
				r.logger.Warn("verify: malformed fixed index", "file", f.Filename, "error", rerr)
				return false, 0, 0, nil
			}
			count, chunkInfo, gotCsum = rd.ChunkCount(), rd.ChunkInfo, rd.ComputeChecksum()
		} else {
			rd, rerr := index.DecodeDynamicReader(body)
			if rerr != nil {
				r.logger.Warn("verify: malformed dynamic index", "file", f.Filename, "error", rerr)
				return false, 0, 0, nil
			}
			count, chunkInfo, gotCsum = rd.ChunkCount(), rd.ChunkInfo, rd.ComputeChecksum()
		}
		if gotCsum.String() != f.Csum {
			r.logger.Warn("verify: index checksum mismatch", "file", f.Filename)
			return false, 0, 0, nil
		}

		infos := make([]index.ChunkInfo, 0, count)
		for i := int64(0); i < count; i++ {
			ci, cierr := chunkInfo(i)
			if cierr != nil {
				return false, 0, 0, nil
			}
			infos = append(infos, ci)
		}
		v, c, verr := r.verifyChunks(ctx, infos)
		if verr != nil {
			return false, v, c, verr
		}
		return c == 0, v, c, nil

	case strings.HasSuffix(f.Filename, ".blob"):
		if digest.Of(raw).String() != f.Csum {
			r.logger.Warn("verify: blob checksum mismatch", "file", f.Filename)
			return false, 0, 0, nil
		}
		if f.CryptMode != "encrypted" {
			if _, _, decErr := blob.Decode(raw, r.cfg.CryptKey); decErr != nil {
				r.logger.Warn("verify: failed to decode blob", "file", f.Filename, "error", decErr)
				return false, 0, 0, nil
			}
		}
		return true, 0, 0, nil

	default:
		return true, 0, 0, nil
	}
}

// verifyChunks enumerates infos through a producer that skips
// already-verified or already-corrupt digests, feeding a bounded channel
// consumed by a fixed decode-worker pool (§4.6).
func (r *Run) verifyChunks(ctx context.Context, infos []index.ChunkInfo) (verified, corrupt int, err error) {
	workers := r.cfg.workers()
	jobs := make(chan index.ChunkInfo, workers*2)

	var verifiedCount, corruptCount atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for info := range jobs {
				good, werr := r.verifyOneChunk(gctx, info)
				if werr != nil {
					return werr
				}
				if good {
					verifiedCount.Add(1)
				} else {
					corruptCount.Add(1)
				}
			}
			return nil
		})
	}

	producerErr := func() error {
		defer close(jobs)
		for _, info := range infos {
			r.mu.Lock()
			skipVerified := r.verified[info.Digest]
			skipCorrupt := r.corrupt[info.Digest]
			r.mu.Unlock()
			if skipVerified {
				verifiedCount.Add(1)
				continue
			}
			if skipCorrupt {
				corruptCount.Add(1)
				continue
			}
			select {
			case jobs <- info:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	}()

	if werr := g.Wait(); werr != nil {
		return int(verifiedCount.Load()), int(corruptCount.Load()), werr
	}
	if producerErr != nil {
		return int(verifiedCount.Load()), int(corruptCount.Load()), producerErr
	}
	return int(verifiedCount.Load()), int(corruptCount.Load()), nil
}

// verifyOneChunk loads, decodes, and digest-checks one chunk, quarantining
// it on any failure. The second return value distinguishes a storage/
// context error (fatal to the run) from a corrupt chunk (recorded, not
// fatal).
func (r *Run) verifyOneChunk(ctx context.Context, info index.ChunkInfo) (ok bool, err error) {
	raw, loadErr := r.cfg.Store.Load(ctx, info.Digest)
	if errors.Is(loadErr, chunkstore.ErrNotFound) {
		r.markCorrupt(info.Digest)
		r.logger.Warn("verify: referenced chunk missing", "digest", info.Digest)
		return false, nil
	}
	if loadErr != nil {
		return false, loadErr
	}

	payload, _, decErr := blob.Decode(raw, r.cfg.CryptKey)
	bad := decErr != nil
	if !bad && digest.Of(payload) != info.Digest {
		bad = true
	}
	if bad {
		if _, qerr := r.cfg.Store.Quarantine(ctx, info.Digest); qerr != nil {
			r.logger.Warn("verify: quarantine failed", "digest", info.Digest, "error", qerr)
		}
		r.markCorrupt(info.Digest)
		return false, nil
	}

	r.mu.Lock()
	r.verified[info.Digest] = true
	r.mu.Unlock()
	return true, nil
}

func (r *Run) markCorrupt(d digest.Digest) {
	r.mu.Lock()
	r.corrupt[d] = true
	r.mu.Unlock()
}
