package chunkstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"vaultkeep/internal/callgroup"
	"vaultkeep/internal/digest"
	"vaultkeep/internal/logging"
)

const (
	chunksDirName = ".chunks"
	lockFileName  = ".lock"
)

// LocalConfig configures a filesystem-backed Store.
type LocalConfig struct {
	// Dir is the datastore root; chunks live under Dir/.chunks/<xx>/<hex>.
	Dir string
	// FileMode is applied to newly created chunk files. Defaults to 0o644.
	FileMode os.FileMode
	// DirMode is applied to newly created fan-out directories. Defaults
	// to 0o750.
	DirMode os.FileMode
	// Now returns the current time; overridable for tests.
	Now func() time.Time
	// Logger receives lifecycle events, scoped with component="chunk-store".
	Logger *slog.Logger
}

// Local is a filesystem-backed Store using a two-level hex fan-out
// (first byte of the digest selects the subdirectory) to bound per-directory
// entry counts, atomic temp-file-then-rename inserts, and a per-digest
// in-process lock to serialize concurrent writers of the same content.
//
// A store-wide advisory flock on Dir/.lock prevents two processes from
// operating on the same datastore concurrently; it is not a per-chunk
// lock (that is the in-process callgroup below), only a whole-store guard
// against a second `gc`/session process racing this one.
type Local struct {
	cfg      LocalConfig
	lockFile *os.File
	logger   *slog.Logger

	insertGroup callgroup.Group[digest.Digest]

	// resultsMu guards results and waiters, which together let every
	// concurrent Insert(d) caller observe the one winner's InsertResult:
	// waiters is a reference count of callers still waiting on d, and the
	// last one to leave deletes the cached result so the map stays bounded
	// by concurrently in-flight digests rather than growing with every
	// digest ever inserted.
	resultsMu sync.Mutex
	results   map[digest.Digest]InsertResult
	waiters   map[digest.Digest]int

	mu     sync.Mutex
	closed bool
}

// NewLocal opens (creating if necessary) a filesystem chunk store rooted
// at cfg.Dir, acquiring an exclusive advisory lock on the store directory.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.Dir == "" {
		return nil, errors.New("chunkstore: Dir is required")
	}
	cfg.FileMode = cmp.Or(cfg.FileMode, 0o644)
	cfg.DirMode = cmp.Or(cfg.DirMode, 0o750)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	chunksDir := filepath.Join(cfg.Dir, chunksDirName)
	if err := os.MkdirAll(chunksDir, cfg.DirMode); err != nil {
		return nil, fmt.Errorf("chunkstore: create chunks dir: %w", err)
	}

	lockPath := filepath.Join(cfg.Dir, lockFileName)
	lockFile, err := os.OpenFile(filepath.Clean(lockPath), os.O_CREATE|os.O_RDWR, cfg.FileMode)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open lock file: %w", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil { //nolint:gosec // G115
		_ = lockFile.Close()
		return nil, fmt.Errorf("%w: %s", ErrLocked, cfg.Dir)
	}

	logger := logging.Default(cfg.Logger).With("component", "chunk-store", "dir", cfg.Dir)
	logger.Info("chunk store opened")

	return &Local{
		cfg:      cfg,
		lockFile: lockFile,
		logger:   logger,
		results:  make(map[digest.Digest]InsertResult),
		waiters:  make(map[digest.Digest]int),
	}, nil
}

func (s *Local) path(d digest.Digest) string {
	hex := d.String()
	return filepath.Join(s.cfg.Dir, chunksDirName, hex[:2], hex)
}

func (s *Local) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Insert implements Store. Concurrent Inserts for the same digest are
// deduplicated through insertGroup so only one goroutine pays the
// fsync+rename cost; the rest observe its result.
func (s *Local) Insert(ctx context.Context, d digest.Digest, blobBytes []byte) (InsertResult, error) {
	if err := s.checkOpen(); err != nil {
		return InsertResult{}, err
	}

	s.resultsMu.Lock()
	s.waiters[d]++
	s.resultsMu.Unlock()
	defer func() {
		s.resultsMu.Lock()
		s.waiters[d]--
		if s.waiters[d] == 0 {
			delete(s.waiters, d)
			delete(s.results, d)
		}
		s.resultsMu.Unlock()
	}()

	ch := s.insertGroup.DoChan(d, func() error {
		res, err := s.insertOnce(d, blobBytes)
		if err != nil {
			return err
		}
		s.resultsMu.Lock()
		s.results[d] = res
		s.resultsMu.Unlock()
		return nil
	})

	select {
	case err := <-ch:
		if err != nil {
			return InsertResult{}, err
		}
		s.resultsMu.Lock()
		res := s.results[d]
		s.resultsMu.Unlock()
		return res, nil
	case <-ctx.Done():
		return InsertResult{}, ctx.Err()
	}
}

func (s *Local) insertOnce(d digest.Digest, blobBytes []byte) (InsertResult, error) {
	path := s.path(d)

	if fi, err := os.Stat(path); err == nil {
		now := s.cfg.Now()
		if err := os.Chtimes(path, now, now); err != nil {
			return InsertResult{}, fmt.Errorf("chunkstore: refresh mtime: %w", err)
		}
		return InsertResult{Stored: false, EncodedSize: uint64(fi.Size())}, nil
	} else if !os.IsNotExist(err) {
		return InsertResult{}, fmt.Errorf("chunkstore: stat: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, s.cfg.DirMode); err != nil {
		return InsertResult{}, fmt.Errorf("chunkstore: create fan-out dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".insert-*")
	if err != nil {
		return InsertResult{}, fmt.Errorf("chunkstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(blobBytes); err != nil {
		cleanup()
		return InsertResult{}, fmt.Errorf("chunkstore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return InsertResult{}, fmt.Errorf("chunkstore: fsync: %w", err)
	}
	if err := tmp.Chmod(s.cfg.FileMode); err != nil {
		cleanup()
		return InsertResult{}, fmt.Errorf("chunkstore: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return InsertResult{}, fmt.Errorf("chunkstore: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return InsertResult{}, fmt.Errorf("chunkstore: rename into place: %w", err)
	}

	return InsertResult{Stored: true, EncodedSize: uint64(len(blobBytes))}, nil
}

// Load implements Store.
func (s *Local) Load(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(d))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chunkstore: read: %w", err)
	}
	return data, nil
}

// Touch implements Store.
func (s *Local) Touch(ctx context.Context, d digest.Digest) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	now := s.cfg.Now()
	if err := os.Chtimes(s.path(d), now, now); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("chunkstore: touch: %w", err)
	}
	return nil
}

// Quarantine renames the offending chunk file to "<hex>.<n>.bad", probing
// n upward until a free name is found so repeated corruption of the same
// digest never clobbers prior evidence (§4.2, supplemented from
// original_source: the Rust implementation does the same probing).
func (s *Local) Quarantine(ctx context.Context, d digest.Digest) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	src := s.path(d)
	for n := 0; ; n++ {
		dst := fmt.Sprintf("%s.%d.bad", src, n)
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			if err := os.Rename(src, dst); err != nil {
				return "", fmt.Errorf("chunkstore: quarantine: %w", err)
			}
			s.logger.Warn("quarantined corrupt chunk", "digest", d, "path", dst)
			return dst, nil
		} else if err != nil {
			return "", fmt.Errorf("chunkstore: quarantine stat: %w", err)
		}
	}
}

// Sweep implements Store. It deletes every chunk file with mtime strictly
// before cutoff. Callers must have completed a full GC mark pass (Touch on
// every referenced digest) first — see internal/gc, which owns that
// ordering; Sweep itself has no notion of "referenced".
func (s *Local) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	chunksDir := filepath.Join(s.cfg.Dir, chunksDirName)
	entries, err := os.ReadDir(chunksDir)
	if err != nil {
		return 0, fmt.Errorf("chunkstore: read chunks dir: %w", err)
	}

	deleted := 0
	for _, fanout := range entries {
		if !fanout.IsDir() {
			continue
		}
		fanoutDir := filepath.Join(chunksDir, fanout.Name())
		files, err := os.ReadDir(fanoutDir)
		if err != nil {
			return deleted, fmt.Errorf("chunkstore: read fan-out dir: %w", err)
		}
		for _, f := range files {
			if ctx.Err() != nil {
				return deleted, ctx.Err()
			}
			if f.IsDir() {
				continue
			}
			if _, err := digest.Parse(f.Name()); err != nil {
				continue // quarantined .bad files and .insert-* temp files are not chunks
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(filepath.Join(fanoutDir, f.Name())); err != nil && !os.IsNotExist(err) {
					return deleted, fmt.Errorf("chunkstore: remove: %w", err)
				}
				deleted++
			}
		}
	}
	s.logger.Info("sweep complete", "deleted", deleted, "cutoff", cutoff)
	return deleted, nil
}

// Iter implements Store.
func (s *Local) Iter(ctx context.Context) iterFunc {
	return func(yield func(Meta) bool) {
		chunksDir := filepath.Join(s.cfg.Dir, chunksDirName)
		fanouts, err := os.ReadDir(chunksDir)
		if err != nil {
			return
		}
		for _, fanout := range fanouts {
			if !fanout.IsDir() {
				continue
			}
			fanoutDir := filepath.Join(chunksDir, fanout.Name())
			files, err := os.ReadDir(fanoutDir)
			if err != nil {
				continue
			}
			for _, f := range files {
				if ctx.Err() != nil {
					return
				}
				if f.IsDir() {
					continue
				}
				d, err := digest.Parse(f.Name())
				if err != nil {
					continue // quarantined .bad files etc. do not parse as digests
				}
				info, err := f.Info()
				if err != nil {
					continue
				}
				if !yield(Meta{Digest: d, Size: info.Size(), ModTime: info.ModTime()}) {
					return
				}
			}
		}
	}
}

// Close implements Store.
func (s *Local) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.lockFile.Close()
	s.logger.Info("chunk store closed")
	return err
}

var _ io.Closer = (*Local)(nil)
