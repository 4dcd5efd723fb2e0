// Package gc implements the two-phase mark-and-sweep garbage collector:
// mark walks every index referenced by every snapshot under a datastore
// root and touches each referenced chunk, then Sweep deletes any chunk
// whose mtime predates the cutoff. It depends on chunkstore and index but
// neither of those packages depends on it, avoiding the import cycle a
// combined chunkstore+index GC package would need.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/time/rate"

	"vaultkeep/internal/blob"
	"vaultkeep/internal/chunkstore"
	"vaultkeep/internal/index"
	"vaultkeep/internal/logging"
)

// Result reports what a Run call did.
type Result struct {
	IndicesScanned  int
	ChunksMarked    int
	ChunksDeleted   int
	MarkStart       time.Time
	CutoffUsed      time.Time
}

// Config configures one GC run over a datastore root.
type Config struct {
	Store chunkstore.Store
	Root  string
	// SafetyMargin must exceed the longest possible backup session
	// duration (§4.2); cutoff = mark_start - SafetyMargin.
	SafetyMargin time.Duration
	// CryptKey unframes signed/encrypted index blobs; nil if the
	// datastore runs unsigned/unencrypted.
	CryptKey *blob.CryptKey
	// MarkRate paces the directory walk so a large sweep doesn't starve
	// foreground session I/O; nil disables pacing.
	MarkRate *rate.Limiter
	Now      func() time.Time
	Logger   *slog.Logger
}

// Run performs one full mark-then-sweep pass and returns its statistics.
func Run(ctx context.Context, cfg Config) (Result, error) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := logging.Default(cfg.Logger).With("component", "gc", "root", cfg.Root)

	markStart := now()
	cutoff := markStart.Add(-cfg.SafetyMargin)

	indexPaths, err := findIndices(cfg.Root)
	if err != nil {
		return Result{}, fmt.Errorf("gc: find indices: %w", err)
	}

	marked := 0
	for _, p := range indexPaths {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if cfg.MarkRate != nil {
			if err := cfg.MarkRate.Wait(ctx); err != nil {
				return Result{}, err
			}
		}
		n, err := markIndex(ctx, cfg.Store, p, cfg.CryptKey)
		if err != nil {
			logger.Warn("skipping unreadable index during mark", "path", p, "error", err)
			continue
		}
		marked += n
	}

	deleted, err := cfg.Store.Sweep(ctx, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("gc: sweep: %w", err)
	}

	logger.Info("gc run complete", "indices", len(indexPaths), "marked", marked, "deleted", deleted, "cutoff", cutoff)
	return Result{
		IndicesScanned: len(indexPaths),
		ChunksMarked:   marked,
		ChunksDeleted:  deleted,
		MarkStart:      markStart,
		CutoffUsed:     cutoff,
	}, nil
}

// findIndices globs every fixed and dynamic index file under root.
func findIndices(root string) ([]string, error) {
	fidx, err := doublestar.FilepathGlob(root + "/**/*.fidx")
	if err != nil {
		return nil, err
	}
	didx, err := doublestar.FilepathGlob(root + "/**/*.didx")
	if err != nil {
		return nil, err
	}
	return append(fidx, didx...), nil
}

func markIndex(ctx context.Context, store chunkstore.Store, path string, key *blob.CryptKey) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	body, _, err := blob.Decode(raw, key)
	if err != nil {
		return 0, fmt.Errorf("decode index blob: %w", err)
	}

	var count int64
	var chunkInfo func(int64) (index.ChunkInfo, error)

	if isFixedIndex(path) {
		r, err := index.DecodeFixedReader(body)
		if err != nil {
			return 0, err
		}
		count, chunkInfo = r.ChunkCount(), r.ChunkInfo
	} else {
		r, err := index.DecodeDynamicReader(body)
		if err != nil {
			return 0, err
		}
		count, chunkInfo = r.ChunkCount(), r.ChunkInfo
	}

	marked := 0
	for i := int64(0); i < count; i++ {
		if ctx.Err() != nil {
			return marked, ctx.Err()
		}
		ci, err := chunkInfo(i)
		if err != nil {
			return marked, err
		}
		if err := store.Touch(ctx, ci.Digest); err != nil && err != chunkstore.ErrNotFound {
			return marked, err
		}
		marked++
	}
	return marked, nil
}

func isFixedIndex(path string) bool {
	return strings.HasSuffix(path, ".fidx")
}
