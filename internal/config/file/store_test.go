package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"vaultkeep/internal/config"
)

func TestStoreLoadMissingReturnsNil(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "config.json"))
	cfg, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != nil {
		t.Errorf("expected nil config for missing file, got %+v", cfg)
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s := NewStore(path)
	ctx := context.Background()

	want := &config.Config{
		StoreRoot:   "/srv/vaultkeep/store1",
		TaskDir:     "/srv/vaultkeep/tasks",
		CryptKeyRef: "file:///etc/vaultkeep/store1.key",
	}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil || *got != *want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestStoreRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"version": 99, "config": {}}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s := NewStore(path)
	if _, err := s.Load(context.Background()); err == nil {
		t.Fatal("expected error loading a config file from a newer version")
	}
}
