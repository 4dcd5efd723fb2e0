// Package config provides configuration persistence for the three inputs
// the core actually needs: a store path, a task directory path, and a
// crypt key reference. It does not resolve ACLs, users, or scheduling —
// those are external collaborators.
package config

import "context"

// Store persists and loads a datastore's Config.
type Store interface {
	// Load reads the configuration. Returns a nil Config if none exists.
	Load(ctx context.Context) (*Config, error)

	// Save persists cfg.
	Save(ctx context.Context, cfg *Config) error
}

// Config is the declarative shape of one datastore's configuration.
type Config struct {
	// StoreRoot is the filesystem path of the datastore root (§6 "store
	// path"), the parent of .chunks/ and every <type>/<id>/ group.
	StoreRoot string `json:"store_root"`

	// TaskDir is the directory holding the task registry's active/index/
	// archive files (§4.7). The control socket is abstract (keyed by pid),
	// so it has no file here.
	TaskDir string `json:"task_dir"`

	// CryptKeyRef names where the crypt key is obtained — an opaque
	// reference (e.g. a file path or a KMS key id), not the key material
	// itself. Resolving this reference into an *blob.CryptKey is the
	// caller's job; config only remembers where to look.
	CryptKeyRef string `json:"crypt_key_ref,omitempty"`

	// Remote selects an optional S3-compatible remote chunk store in
	// place of the local filesystem one.
	Remote *RemoteConfig `json:"remote,omitempty"`
}

// RemoteConfig configures chunkstore.Remote.
type RemoteConfig struct {
	Bucket   string `json:"bucket"`
	Prefix   string `json:"prefix,omitempty"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}
