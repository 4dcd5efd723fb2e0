// Package datastore wires chunkstore, session, verify, gc, task, and
// config into one running datastore instance. It does not
// contain protocol or storage logic of its own — it only coordinates
// already-built components, the same role an orchestrator package
// package plays for ingesters, chunk managers, and query engines.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vaultkeep/internal/blob"
	"vaultkeep/internal/chunkstore"
	"vaultkeep/internal/config"
	"vaultkeep/internal/gc"
	"vaultkeep/internal/logging"
	"vaultkeep/internal/session"
	"vaultkeep/internal/task"
	"vaultkeep/internal/verify"
)

// ErrNotConfigured is returned by operations that need a piece of
// configuration (e.g. a crypt key) that was never supplied.
var ErrNotConfigured = errors.New("datastore: required configuration missing")

// Datastore is one running backup store: a chunk store, its task registry,
// and the configuration that ties them to a filesystem root.
//
// Register/configuration happens once at construction. After New returns,
// every exported method is safe for concurrent use — sessions, GC runs, and
// verify runs are independent per call and do not share mutable state
// beyond what chunkstore.Store and task.Registry already synchronize
// internally.
type Datastore struct {
	store    chunkstore.Store
	root     string
	cryptKey *blob.CryptKey
	tasks    *task.Registry
	logger   *slog.Logger
	now      func() time.Time

	privilege session.PrivilegeChecker
}

// Config wires a Datastore to its collaborators. ChunkStore, Root and
// Tasks are required; everything else has a documented default.
type Config struct {
	// ChunkStore is the already-opened chunk store (chunkstore.NewLocal or
	// chunkstore.NewRemote); Datastore does not own its lifecycle and will
	// not Close it.
	ChunkStore chunkstore.Store
	// Root is the datastore's filesystem root, the parent of every
	// <backup-type>/<backup-id>/<backup-time>/ snapshot directory.
	Root string
	// CryptKey unframes/frames signed or encrypted blobs. Nil runs the
	// datastore unencrypted.
	CryptKey *blob.CryptKey
	// Tasks is the worker task registry backing every long-running
	// operation this Datastore starts (sessions, GC, verify).
	Tasks *task.Registry
	// Privilege authorizes backup sessions; nil disables the check
	// (embedding callers that have already authorized out of band).
	Privilege session.PrivilegeChecker
	Now       func() time.Time
	Logger    *slog.Logger
}

// New returns a Datastore ready to serve sessions and background
// operations.
func New(cfg Config) (*Datastore, error) {
	if cfg.ChunkStore == nil {
		return nil, fmt.Errorf("datastore: ChunkStore is required")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("datastore: Root is required")
	}
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("datastore: Tasks registry is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := logging.Default(cfg.Logger).With("component", "datastore", "root", cfg.Root)

	return &Datastore{
		store:     cfg.ChunkStore,
		root:      cfg.Root,
		cryptKey:  cfg.CryptKey,
		tasks:     cfg.Tasks,
		privilege: cfg.Privilege,
		now:       now,
		logger:    logger,
	}, nil
}

// Root returns the datastore's filesystem root.
func (d *Datastore) Root() string { return d.root }

// ChunkStore returns the underlying chunk store, for callers that need
// direct access (e.g. a pxar reader streaming chunk bodies).
func (d *Datastore) ChunkStore() chunkstore.Store { return d.store }

// StartBackup opens a backup session and a worker task to own it, per the
// opening handshake's step 7 ("the caller is responsible for spawning the
// worker task that will own the returned Session for the rest of its
// life" — session.Open's own doc comment). The returned Task's UPID is
// what a client polls or aborts via the control socket.
func (d *Datastore) StartBackup(ctx context.Context, req session.OpenRequest, maxConcurrentUploads int64) (*session.Session, *task.Task, error) {
	tk, err := d.tasks.Start("backup", req.Identity)
	if err != nil {
		return nil, nil, fmt.Errorf("datastore: start backup task: %w", err)
	}

	sess, err := session.Open(ctx, session.Config{
		ChunkStore:           d.store,
		Root:                 d.root,
		CryptKey:             d.cryptKey,
		Privilege:            d.privilege,
		MaxConcurrentUploads: maxConcurrentUploads,
		Now:                  d.now,
		Logger:               tk.Logger(),
	}, req)
	if err != nil {
		tk.Error(err.Error())
		return nil, nil, err
	}
	return sess, tk, nil
}

// RunGC starts a mark-and-sweep collection under its own worker task.
// safetyMargin must exceed the longest possible backup session duration
// (gc.Config's own invariant). gc.Config.MarkRate is left nil, so the
// mark-phase walk is not paced.
func (d *Datastore) RunGC(ctx context.Context, safetyMargin time.Duration) (gc.Result, *task.Task, error) {
	tk, err := d.tasks.Start("garbage-collection", "")
	if err != nil {
		return gc.Result{}, nil, fmt.Errorf("datastore: start gc task: %w", err)
	}

	result, err := gc.Run(ctx, gc.Config{
		Store:        d.store,
		Root:         d.root,
		SafetyMargin: safetyMargin,
		CryptKey:     d.cryptKey,
		Now:          d.now,
		Logger:       tk.Logger(),
	})
	if err != nil {
		tk.Error(err.Error())
		return result, tk, err
	}
	if err := ctx.Err(); err != nil {
		tk.Error(err.Error())
		return result, tk, err
	}
	tk.Ok()
	return result, tk, nil
}

// RunVerifyAll verifies every snapshot under the datastore root, one
// worker task covering the whole run so a single UPID/status reflects its
// outcome, matching the manifest verify_state each VerifySnapshot call
// records individually.
func (d *Datastore) RunVerifyAll(ctx context.Context, workers int) (map[verify.GroupRef]verify.GroupResult, *task.Task, error) {
	tk, err := d.tasks.Start("verify", "")
	if err != nil {
		return nil, nil, fmt.Errorf("datastore: start verify task: %w", err)
	}

	run := verify.NewRun(verify.Config{
		Store:    d.store,
		Root:     d.root,
		CryptKey: d.cryptKey,
		Workers:  workers,
		UPID:     tk.UPID().String(),
		Now:      d.now,
		Logger:   tk.Logger(),
	})

	results, err := run.VerifyAll(ctx)
	if err != nil {
		tk.Error(err.Error())
		return results, tk, err
	}

	failed := false
	for _, group := range results {
		for _, snap := range group.Snapshots {
			if snap.State == verify.StateFailed {
				failed = true
				tk.Warn("snapshot failed verification")
			}
		}
	}
	if failed {
		tk.Error("verification failed - see log")
		return results, tk, fmt.Errorf("datastore: verification failed - see log")
	}
	tk.Ok()
	return results, tk, nil
}

// Reconcile replays crash recovery for the task registry backing this
// datastore (§4.7's liveness-check-plus-log-tail-replay), returning every
// task it reclassified from "active" to a terminal state.
func Reconcile(taskDir string, alive task.LiveChecker) ([]task.FinishedTask, error) {
	return task.Reconcile(taskDir, alive)
}

// LoadConfig reads datastore configuration via store, returning
// ErrNotConfigured wrapped with context if none has been saved yet.
func LoadConfig(ctx context.Context, store config.Store) (*config.Config, error) {
	cfg, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("datastore: load config: %w", err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: no configuration saved", ErrNotConfigured)
	}
	return cfg, nil
}
