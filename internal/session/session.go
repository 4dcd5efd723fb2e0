// Package session implements the backup session protocol state machine
// (spec component C5): the server-side half of one long-lived connection
// from a backup client, tracking writer registries, the chunk-digest
// registry, and the opening/closing handshake over the group and
// snapshot directory locks.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"vaultkeep/internal/blob"
	"vaultkeep/internal/chunkstore"
	"vaultkeep/internal/digest"
	"vaultkeep/internal/index"
	"vaultkeep/internal/logging"
	"vaultkeep/internal/snapshot"
)

// State is the session's overall lifecycle state. A Running/Indexing
// toggle driven by open_index/close_index would double-count once
// multiple indices can be open concurrently, so that toggle is tracked
// per writer (see writerState.open) rather than as a second whole-session
// state — Indexing is "Running with at least one open writer", not a
// distinct exclusive state.
type State int

const (
	StateRunning State = iota
	StateFinished
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Kind selects a writer's index format.
type Kind int

const (
	KindFixed Kind = iota
	KindDynamic
)

var (
	ErrUnauthorized       = errors.New("session: identity lacks backup privilege")
	ErrOwnerMismatch      = errors.New("session: group owner mismatch")
	ErrTimeNotIncreasing  = errors.New("session: backup_time must exceed previous snapshot")
	ErrSnapshotExists     = errors.New("session: snapshot directory already exists")
	ErrBadArchiveName     = errors.New("session: archive name has wrong suffix for its kind")
	ErrUnknownWriter      = errors.New("session: unknown writer id")
	ErrWriterClosed       = errors.New("session: writer already closed")
	ErrWriterNotClosed    = errors.New("session: writer not closed")
	ErrUnknownChunk       = errors.New("session: digest not registered in this session")
	ErrChunkSizeMismatch  = errors.New("session: uploaded chunk size does not match announcement")
	ErrChunkDigestMismatch = errors.New("session: decoded payload digest does not match announced digest")
	ErrNoManifest         = errors.New("session: no manifest blob uploaded")
	ErrManifestMismatch   = errors.New("session: manifest file list does not match uploaded archives/blobs")
	ErrAlreadyFinished    = errors.New("session: session already finished")
	ErrAborted            = errors.New("session: aborted")
	ErrInvalidBlobName    = errors.New("session: invalid blob name")
	ErrNoPreviousSnapshot = errors.New("session: no previous snapshot to reuse or download from")
)

// PrivilegeChecker is the external authorization collaborator; ACL/user
// resolution lives outside this module (§1 Non-goals), so the session only
// needs the interface contract.
type PrivilegeChecker interface {
	HasBackupPrivilege(identity, storeName, backupType, backupID string) bool
}

// OpenRequest carries the client's opening parameters (§4.5 "Opening").
type OpenRequest struct {
	Store      string // datastore name, passed to PrivilegeChecker only
	BackupType string
	BackupID   string
	BackupTime int64
	Identity   string
	Benchmark  bool
}

// Config wires a session to its datastore collaborators.
type Config struct {
	ChunkStore chunkstore.Store
	Root       string
	CryptKey   *blob.CryptKey
	Privilege  PrivilegeChecker // nil disables the check (tests, trusted embedding)
	// MaxConcurrentUploads bounds concurrent upload_chunk calls per
	// session (§9 "apply an explicit semaphore on concurrent
	// upload_chunk per session"); 0 means a reasonable default.
	MaxConcurrentUploads int64
	Now                  func() time.Time
	Logger               *slog.Logger
}

type writerState struct {
	name    string
	kind    Kind
	open    bool
	fixed   *index.FixedWriter
	dynamic *index.DynamicWriter

	closedChunkCount int64
	closedTotalSize  int64
}

// Session is one server-side backup connection.
type Session struct {
	store    chunkstore.Store
	root     string
	cryptKey *blob.CryptKey
	now      func() time.Time
	logger   *slog.Logger

	req     OpenRequest
	snapDir string

	groupLock *snapshot.Lock
	prevLock  *snapshot.Lock
	snapLock  *snapshot.Lock

	hasPrev        bool
	prevBackupTime int64
	prevSnapDir    string

	sem *semaphore.Weighted

	abortCh   chan struct{}
	abortOnce sync.Once

	mu            sync.Mutex
	state         State
	nextWriterID  int
	writers       map[int]*writerState
	registry      map[digest.Digest]int64
	uploadedBlobs map[string]bool
}

// Open performs the full opening handshake (§4.5, steps 1-6); the caller
// is responsible for spawning the worker task (step 7) that will own the
// returned Session for the rest of its life.
func Open(ctx context.Context, cfg Config, req OpenRequest) (*Session, error) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := logging.Default(cfg.Logger).With(
		"component", "session", "backup_type", req.BackupType, "backup_id", req.BackupID,
	)

	if cfg.Privilege != nil && !cfg.Privilege.HasBackupPrivilege(req.Identity, req.Store, req.BackupType, req.BackupID) {
		return nil, ErrUnauthorized
	}

	groupLock, err := snapshot.LockGroup(cfg.Root, req.BackupType, req.BackupID)
	if err != nil {
		return nil, fmt.Errorf("session: acquire group lock: %w", err)
	}

	owner, err := snapshot.ReadOwner(cfg.Root, req.BackupType, req.BackupID)
	switch {
	case os.IsNotExist(err):
		if werr := snapshot.WriteOwner(cfg.Root, req.BackupType, req.BackupID, req.Identity); werr != nil {
			_ = groupLock.Unlock()
			return nil, fmt.Errorf("session: write owner: %w", werr)
		}
	case err != nil:
		_ = groupLock.Unlock()
		return nil, fmt.Errorf("session: read owner: %w", err)
	case owner != req.Identity:
		_ = groupLock.Unlock()
		return nil, ErrOwnerMismatch
	}

	prevTime, hasPrev, err := snapshot.LatestSnapshot(cfg.Root, req.BackupType, req.BackupID)
	if err != nil {
		_ = groupLock.Unlock()
		return nil, fmt.Errorf("session: list previous snapshots: %w", err)
	}

	var prevLock *snapshot.Lock
	var prevSnapDir string
	if hasPrev {
		prevSnapDir = snapshot.SnapshotDir(cfg.Root, req.BackupType, req.BackupID, prevTime)
		prevLock, err = snapshot.LockPreviousSnapshot(prevSnapDir)
		if err != nil {
			_ = groupLock.Unlock()
			return nil, fmt.Errorf("session: lock previous snapshot: %w", err)
		}
		if req.BackupTime <= prevTime {
			_ = prevLock.Unlock()
			_ = groupLock.Unlock()
			return nil, ErrTimeNotIncreasing
		}
	}

	snapDir := snapshot.SnapshotDir(cfg.Root, req.BackupType, req.BackupID, req.BackupTime)
	if _, err := os.Stat(snapDir); err == nil {
		if prevLock != nil {
			_ = prevLock.Unlock()
		}
		_ = groupLock.Unlock()
		return nil, ErrSnapshotExists
	}
	if err := os.MkdirAll(snapDir, 0o750); err != nil {
		if prevLock != nil {
			_ = prevLock.Unlock()
		}
		_ = groupLock.Unlock()
		return nil, fmt.Errorf("session: create snapshot dir: %w", err)
	}

	snapLock, err := snapshot.LockSnapshotExclusive(snapDir)
	if err != nil {
		if prevLock != nil {
			_ = prevLock.Unlock()
		}
		_ = groupLock.Unlock()
		return nil, fmt.Errorf("session: lock snapshot dir: %w", err)
	}

	maxUploads := cfg.MaxConcurrentUploads
	if maxUploads <= 0 {
		maxUploads = 16
	}

	logger.Info("session opened", "backup_time", req.BackupTime, "benchmark", req.Benchmark, "identity", req.Identity)

	return &Session{
		store:          cfg.ChunkStore,
		root:           cfg.Root,
		cryptKey:       cfg.CryptKey,
		now:            now,
		logger:         logger,
		req:            req,
		snapDir:        snapDir,
		groupLock:      groupLock,
		prevLock:       prevLock,
		snapLock:       snapLock,
		hasPrev:        hasPrev,
		prevBackupTime: prevTime,
		prevSnapDir:    prevSnapDir,
		sem:            semaphore.NewWeighted(maxUploads),
		abortCh:        make(chan struct{}),
		state:          StateRunning,
		writers:        make(map[int]*writerState),
		registry:       make(map[digest.Digest]int64),
		uploadedBlobs:  make(map[string]bool),
	}, nil
}

// Benchmark reports whether this session was opened with the benchmark
// flag; its snapshot is unlinked on completion regardless of outcome.
func (s *Session) Benchmark() bool { return s.req.Benchmark }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) checkAborted() error {
	select {
	case <-s.abortCh:
		return ErrAborted
	default:
		return nil
	}
}

func archiveSuffix(k Kind) string {
	if k == KindFixed {
		return ".fidx"
	}
	return ".didx"
}

// CreateIndex allocates a new writer. If reuseChecksum is non-nil, the
// previous snapshot's same-named archive is loaded and cloned into an
// incremental writer (§4.3); its own checksum must match reuseChecksum.
func (s *Session) CreateIndex(kind Kind, name string, totalSize int64, chunkSize int64, reuseChecksum *digest.Digest) (int, error) {
	if err := s.checkAborted(); err != nil {
		return 0, err
	}
	if !strings.HasSuffix(name, archiveSuffix(kind)) {
		return 0, ErrBadArchiveName
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return 0, fmt.Errorf("session: create_index in state %s", s.state)
	}

	ws := &writerState{name: name, kind: kind, open: true}

	if reuseChecksum != nil {
		if !s.hasPrev {
			return 0, ErrNoPreviousSnapshot
		}
		prevBody, err := s.readPreviousBody(name)
		if err != nil {
			return 0, err
		}
		switch kind {
		case KindFixed:
			prevReader, err := index.DecodeFixedReader(prevBody)
			if err != nil {
				return 0, fmt.Errorf("session: decode previous fixed index: %w", err)
			}
			if prevReader.ComputeChecksum() != *reuseChecksum {
				return 0, index.ErrChecksumMismatch
			}
			w, err := index.NewIncrementalFixedWriter(totalSize, chunkSize, prevReader)
			if err != nil {
				return 0, err
			}
			ws.fixed = w
		case KindDynamic:
			prevReader, err := index.DecodeDynamicReader(prevBody)
			if err != nil {
				return 0, fmt.Errorf("session: decode previous dynamic index: %w", err)
			}
			if prevReader.ComputeChecksum() != *reuseChecksum {
				return 0, index.ErrChecksumMismatch
			}
			w := index.NewDynamicWriter()
			for i := int64(0); i < prevReader.ChunkCount(); i++ {
				ci, err := prevReader.ChunkInfo(i)
				if err != nil {
					return 0, err
				}
				if err := w.AppendChunk(ci.Offset+ci.Size, ci.Digest); err != nil {
					return 0, err
				}
			}
			ws.dynamic = w
		}
	} else {
		switch kind {
		case KindFixed:
			w, err := index.NewFixedWriter(totalSize, chunkSize)
			if err != nil {
				return 0, err
			}
			ws.fixed = w
		case KindDynamic:
			ws.dynamic = index.NewDynamicWriter()
		}
	}

	id := s.nextWriterID
	s.nextWriterID++
	s.writers[id] = ws
	return id, nil
}

func (s *Session) readPreviousBody(name string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.prevSnapDir, filepath.Base(name)))
	if err != nil {
		return nil, fmt.Errorf("session: read previous archive %q: %w", name, err)
	}
	body, _, err := blob.Decode(raw, s.cryptKey)
	if err != nil {
		return nil, fmt.Errorf("session: unframe previous archive %q: %w", name, err)
	}
	return body, nil
}

// UploadChunk validates and inserts one chunk, registering its size for
// subsequent Append calls. blobBytes is the already-framed blob (§4.1);
// wid is validated to reference an open writer but the chunk is stored
// under the session-wide registry, not the writer itself — only append
// binds a digest to a specific archive position.
func (s *Session) UploadChunk(ctx context.Context, wid int, d digest.Digest, plaintextSize, encodedSize int64, blobBytes []byte) error {
	if err := s.checkAborted(); err != nil {
		return err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("session: upload_chunk in state %s", s.state)
	}
	ws, ok := s.writers[wid]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownWriter
	}
	if !ws.open {
		s.mu.Unlock()
		return ErrWriterClosed
	}
	s.mu.Unlock()

	if int64(len(blobBytes)) != encodedSize {
		return ErrChunkSizeMismatch
	}
	payload, _, err := blob.Decode(blobBytes, s.cryptKey)
	if err != nil {
		return fmt.Errorf("session: decode uploaded chunk: %w", err)
	}
	if int64(len(payload)) != plaintextSize {
		return ErrChunkSizeMismatch
	}
	if digest.Of(payload) != d {
		return ErrChunkDigestMismatch
	}

	if _, err := s.store.Insert(ctx, d, blobBytes); err != nil {
		return fmt.Errorf("session: insert chunk: %w", err)
	}

	s.mu.Lock()
	s.registry[d] = plaintextSize
	s.mu.Unlock()
	return nil
}

// Append binds a parallel array of digests and offsets to an open
// writer's archive. Every digest must already be in the session registry
// (uploaded this session, or pre-registered by DownloadPrevious).
func (s *Session) Append(wid int, digests []digest.Digest, offsets []int64) error {
	if err := s.checkAborted(); err != nil {
		return err
	}
	if len(digests) != len(offsets) {
		return fmt.Errorf("session: append: digests and offsets length mismatch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return fmt.Errorf("session: append in state %s", s.state)
	}
	ws, ok := s.writers[wid]
	if !ok {
		return ErrUnknownWriter
	}
	if !ws.open {
		return ErrWriterClosed
	}

	for i, d := range digests {
		size, known := s.registry[d]
		if !known {
			return ErrUnknownChunk
		}
		offset := offsets[i]
		switch ws.kind {
		case KindFixed:
			if err := ws.fixed.AppendChunk(offset, size, d); err != nil {
				return err
			}
		case KindDynamic:
			if err := ws.dynamic.AppendChunk(offset, d); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close finalizes a writer: the index body is validated against the
// client-supplied totals and checksum, framed, and written under the
// snapshot directory. Per the wire protocol a given writer id has at most
// one request in flight at a time (append/close never race each other on
// the same writer), so the index body itself is built outside the session
// mutex without additional per-writer locking.
func (s *Session) Close(wid int, chunkCount, totalSize int64, csum digest.Digest) error {
	if err := s.checkAborted(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("session: close in state %s", s.state)
	}
	ws, ok := s.writers[wid]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownWriter
	}
	if !ws.open {
		s.mu.Unlock()
		return ErrWriterClosed
	}
	s.mu.Unlock()

	var body []byte
	var err error
	switch ws.kind {
	case KindFixed:
		body, err = ws.fixed.Close(chunkCount, totalSize, csum)
	case KindDynamic:
		body, err = ws.dynamic.Close(chunkCount, totalSize, csum)
	}
	if err != nil {
		return err
	}

	framed, err := blob.Encode(body, blob.ModeNone, nil)
	if err != nil {
		return fmt.Errorf("session: frame archive: %w", err)
	}
	if err := snapshot.AtomicWriteFile(filepath.Join(s.snapDir, ws.name), framed); err != nil {
		return fmt.Errorf("session: write archive %q: %w", ws.name, err)
	}

	s.mu.Lock()
	ws.open = false
	ws.closedChunkCount = chunkCount
	ws.closedTotalSize = totalSize
	s.uploadedBlobs[ws.name] = true
	s.mu.Unlock()
	return nil
}

// UploadBlob stores an arbitrary file verbatim under the snapshot
// directory. Only a ".blob" suffix is required by the protocol; this
// module additionally rejects path separators so a malicious name cannot
// escape the snapshot directory (§9 open question, resolved conservatively
// — see DESIGN.md).
func (s *Session) UploadBlob(name string, data []byte) error {
	if err := s.checkAborted(); err != nil {
		return err
	}
	if !strings.HasSuffix(name, ".blob") {
		return ErrInvalidBlobName
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return ErrInvalidBlobName
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("session: upload_blob in state %s", s.state)
	}
	s.mu.Unlock()

	if err := snapshot.AtomicWriteFile(filepath.Join(s.snapDir, name), data); err != nil {
		return fmt.Errorf("session: write blob %q: %w", name, err)
	}

	s.mu.Lock()
	s.uploadedBlobs[name] = true
	s.mu.Unlock()
	return nil
}

// DownloadPrevious reads a file from the previous snapshot. For index
// files, every referenced chunk is pre-registered into the session
// registry so the client may reuse it in a subsequent Append.
func (s *Session) DownloadPrevious(name string) ([]byte, error) {
	if err := s.checkAborted(); err != nil {
		return nil, err
	}
	if !s.hasPrev {
		return nil, ErrNoPreviousSnapshot
	}
	raw, err := os.ReadFile(filepath.Join(s.prevSnapDir, filepath.Base(name)))
	if err != nil {
		return nil, fmt.Errorf("session: read previous file %q: %w", name, err)
	}

	if strings.HasSuffix(name, ".fidx") || strings.HasSuffix(name, ".didx") {
		body, _, err := blob.Decode(raw, s.cryptKey)
		if err != nil {
			return nil, fmt.Errorf("session: unframe previous index %q: %w", name, err)
		}
		var count int64
		var chunkInfo func(int64) (index.ChunkInfo, error)
		if strings.HasSuffix(name, ".fidx") {
			r, err := index.DecodeFixedReader(body)
			if err != nil {
				return nil, err
			}
			count, chunkInfo = r.ChunkCount(), r.ChunkInfo
		} else {
			r, err := index.DecodeDynamicReader(body)
			if err != nil {
				return nil, err
			}
			count, chunkInfo = r.ChunkCount(), r.ChunkInfo
		}
		s.mu.Lock()
		for i := int64(0); i < count; i++ {
			ci, err := chunkInfo(i)
			if err != nil {
				s.mu.Unlock()
				return nil, err
			}
			s.registry[ci.Digest] = ci.Size
		}
		s.mu.Unlock()
	}

	return raw, nil
}

// SpeedTest accepts and discards a body, used only to measure throughput.
func (s *Session) SpeedTest(body []byte) (int, error) {
	if err := s.checkAborted(); err != nil {
		return 0, err
	}
	return len(body), nil
}

// Finish validates that every writer is closed and a well-formed manifest
// naming exactly the uploaded archives/blobs is present, then commits the
// snapshot and releases locks in the reverse of acquisition order. A
// benchmark session's directory is removed regardless of outcome.
func (s *Session) Finish() error {
	if err := s.checkAborted(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateFinished || s.state == StateCommitted || s.state == StateAborted {
		s.mu.Unlock()
		return ErrAlreadyFinished
	}
	for id, ws := range s.writers {
		if ws.open {
			s.mu.Unlock()
			return fmt.Errorf("%w: writer %d", ErrWriterNotClosed, id)
		}
	}
	manifestUploaded := s.uploadedBlobs[snapshot.ManifestFilename]
	var uploadedNames []string
	for name := range s.uploadedBlobs {
		uploadedNames = append(uploadedNames, name)
	}
	s.state = StateFinished
	s.mu.Unlock()

	manifestName := snapshot.ManifestFilename
	if !manifestUploaded {
		s.teardown()
		return ErrNoManifest
	}

	manifestData, err := os.ReadFile(snapshot.ManifestPath(s.snapDir))
	if err != nil {
		s.teardown()
		return fmt.Errorf("session: read manifest: %w", err)
	}
	m, err := snapshot.DecodeManifestFile(manifestData, s.cryptKey)
	if err != nil {
		s.teardown()
		return fmt.Errorf("session: decode manifest: %w", err)
	}
	if m.Protected.BackupType != s.req.BackupType || m.Protected.BackupID != s.req.BackupID || m.Protected.BackupTime != s.req.BackupTime {
		s.teardown()
		return ErrManifestMismatch
	}

	listed := make(map[string]bool, len(m.Protected.Files))
	for _, f := range m.Protected.Files {
		listed[f.Filename] = true
	}
	for _, name := range uploadedNames {
		if name == manifestName {
			continue
		}
		if !listed[name] {
			s.teardown()
			return ErrManifestMismatch
		}
		delete(listed, name)
	}
	if len(listed) != 0 {
		s.teardown()
		return ErrManifestMismatch
	}

	s.releaseLocks()
	if s.req.Benchmark {
		_ = os.RemoveAll(s.snapDir)
	}

	s.mu.Lock()
	s.state = StateCommitted
	s.mu.Unlock()
	s.logger.Info("session finished", "state", "committed", "benchmark", s.req.Benchmark)
	return nil
}

// Abort cancels the session: any in-flight or subsequent operation fails
// with ErrAborted, and the snapshot directory is removed and locks
// released, matching the normal failure teardown path rather than a
// rollback (§5 "Cancellation is not rollback").
func (s *Session) Abort() error {
	s.abortOnce.Do(func() { close(s.abortCh) })

	s.mu.Lock()
	if s.state == StateCommitted || s.state == StateAborted {
		s.mu.Unlock()
		return nil
	}
	s.state = StateAborted
	s.mu.Unlock()

	s.teardown()
	s.logger.Info("session aborted")
	return nil
}

// teardown unlinks the snapshot directory and releases every held lock in
// the reverse of acquisition order (snap, prev, group), matching every
// non-success exit path (§4.5 "On any failure path the whole snapshot
// directory is unlinked and all locks dropped").
func (s *Session) teardown() {
	_ = os.RemoveAll(s.snapDir)
	s.releaseLocks()
}

func (s *Session) releaseLocks() {
	if s.snapLock != nil {
		_ = s.snapLock.Unlock()
	}
	if s.prevLock != nil {
		_ = s.prevLock.Unlock()
	}
	if s.groupLock != nil {
		_ = s.groupLock.Unlock()
	}
}
