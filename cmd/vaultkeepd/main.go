// Command vaultkeepd runs the core of a content-addressed backup
// datastore: chunk storage, snapshot management, backup sessions,
// verification, garbage collection, and the worker task registry that
// tracks all of them.
//
// It does not speak the HTTP/2 backup wire protocol, does not parse CLI
// subcommands, and does not resolve ACLs or schedule calendar events —
// those are external collaborators. This binary only proves the wired
// stack starts, recovers crashed tasks, and shuts down cleanly; driving
// it is the transport layer's job.
//
// Logging:
//   - Base logger is created here with output format and level.
//   - Logger is passed to all components via dependency injection.
//   - No global slog configuration (no slog.SetDefault).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"vaultkeep/internal/blob"
	"vaultkeep/internal/chunkstore"
	"vaultkeep/internal/config"
	configfile "vaultkeep/internal/config/file"
	"vaultkeep/internal/datastore"
	"vaultkeep/internal/logging"
	"vaultkeep/internal/task"
)

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	if err := run(logger); err != nil {
		logger.Error("vaultkeepd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := os.Getenv("VAULTKEEP_CONFIG")
	if cfgPath == "" {
		cfgPath = "/etc/vaultkeep/config.json"
	}
	cfg, err := datastore.LoadConfig(ctx, configfile.NewStore(cfgPath))
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	store, err := openChunkStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open chunk store: %w", err)
	}
	defer func() { _ = store.Close() }()

	cryptKey, err := resolveCryptKey(cfg.CryptKeyRef)
	if err != nil {
		return fmt.Errorf("resolve crypt key: %w", err)
	}

	registry, err := task.NewRegistry(task.Config{
		Dir:    cfg.TaskDir,
		Node:   hostname(),
		PID:    os.Getpid(),
		PStart: 0,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("open task registry: %w", err)
	}

	reclassified, err := datastore.Reconcile(cfg.TaskDir, task.ProcessLiveChecker())
	if err != nil {
		return fmt.Errorf("reconcile task registry: %w", err)
	}
	for _, ft := range reclassified {
		logger.Info("reconciled crashed task", "upid", ft.UPID.String(), "state", ft.Status.State.String())
	}

	ds, err := datastore.New(datastore.Config{
		ChunkStore: store,
		Root:       cfg.StoreRoot,
		CryptKey:   cryptKey,
		Tasks:      registry,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("construct datastore: %w", err)
	}
	_ = ds // handed to the transport layer in a full deployment

	controlErr := make(chan error, 1)
	go func() {
		controlErr <- task.ServeControl(ctx, registry, os.Getpid())
	}()

	logger.Info("vaultkeepd ready",
		"store_root", cfg.StoreRoot,
		"task_dir", cfg.TaskDir,
		"control_socket", task.ControlSocketAddr(os.Getpid()))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-controlErr:
		return fmt.Errorf("control socket: %w", err)
	}
}

func openChunkStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (chunkstore.Store, error) {
	if cfg.Remote == nil {
		return chunkstore.NewLocal(chunkstore.LocalConfig{
			Dir:    cfg.StoreRoot,
			Logger: logger,
		})
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Remote.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Remote.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Remote.Endpoint != "" {
			o.BaseEndpoint = &cfg.Remote.Endpoint
		}
	})

	return chunkstore.NewRemote(chunkstore.RemoteConfig{
		Client: client,
		Bucket: cfg.Remote.Bucket,
		Prefix: cfg.Remote.Prefix,
		Logger: logger,
	})
}

// resolveCryptKey reads a 32-byte key from a "file://" reference. Ref may
// be empty, meaning the datastore runs unencrypted/unsigned.
func resolveCryptKey(ref string) (*blob.CryptKey, error) {
	if ref == "" {
		return nil, nil
	}
	path, ok := strings.CutPrefix(ref, "file://")
	if !ok {
		return nil, fmt.Errorf("unsupported crypt key reference %q (only file:// is implemented)", ref)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != len(blob.CryptKey{}) {
		return nil, fmt.Errorf("crypt key file %s: expected %d bytes, got %d", path, len(blob.CryptKey{}), len(raw))
	}
	var key blob.CryptKey
	copy(key[:], raw)
	return &key, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
