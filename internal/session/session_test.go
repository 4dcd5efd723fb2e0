package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"vaultkeep/internal/blob"
	"vaultkeep/internal/chunkstore"
	"vaultkeep/internal/digest"
	"vaultkeep/internal/index"
	"vaultkeep/internal/snapshot"
)

func testKey() *blob.CryptKey {
	var k blob.CryptKey
	for i := range k {
		k[i] = byte(i)
	}
	return &k
}

func newTestStore(t *testing.T) chunkstore.Store {
	t.Helper()
	store, err := chunkstore.NewLocal(chunkstore.LocalConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func uploadChunkBytes(t *testing.T, key *blob.CryptKey, payload []byte) (digest.Digest, []byte) {
	t.Helper()
	d := digest.Of(payload)
	framed, err := blob.Encode(payload, blob.ModeNone, nil)
	if err != nil {
		t.Fatalf("blob.Encode: %v", err)
	}
	return d, framed
}

func buildManifest(t *testing.T, key *blob.CryptKey, backupType, backupID string, backupTime int64, files []snapshot.FileEntry) []byte {
	t.Helper()
	m := snapshot.Manifest{Protected: snapshot.Protected{
		BackupType: backupType,
		BackupID:   backupID,
		BackupTime: backupTime,
		Files:      files,
	}}
	data, err := snapshot.EncodeManifestFile(m, key)
	if err != nil {
		t.Fatalf("EncodeManifestFile: %v", err)
	}
	return data
}

func TestSessionEmptyBackup(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t)
	key := testKey()
	ctx := context.Background()

	cfg := Config{ChunkStore: store, Root: root, CryptKey: key}
	s, err := Open(ctx, cfg, OpenRequest{BackupType: "host", BackupID: "foo", BackupTime: 100, Identity: "alice@pbs"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	manifest := buildManifest(t, key, "host", "foo", 100, nil)
	if err := s.UploadBlob(snapshot.ManifestFilename, manifest); err != nil {
		t.Fatalf("UploadBlob manifest: %v", err)
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	snapDir := snapshot.SnapshotDir(root, "host", "foo", 100)
	entries, err := os.ReadDir(snapDir)
	if err != nil {
		t.Fatalf("read snapshot dir: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	if !names[snapshot.ManifestFilename] {
		t.Errorf("expected manifest file present, got %v", names)
	}

	owner, err := snapshot.ReadOwner(root, "host", "foo")
	if err != nil || owner != "alice@pbs" {
		t.Errorf("got owner %q, err %v", owner, err)
	}

	if err := s.Finish(); !errors.Is(err, ErrAlreadyFinished) {
		t.Errorf("expected ErrAlreadyFinished on repeat finish, got %v", err)
	}
}

func TestSessionFixedIncrementalReuse(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t)
	key := testKey()
	ctx := context.Background()

	const chunkSize = int64(10)
	const totalSize = chunkSize * 4
	payloads := [4][]byte{
		bytes.Repeat([]byte{0xA1}, int(chunkSize)),
		bytes.Repeat([]byte{0xA2}, int(chunkSize)),
		bytes.Repeat([]byte{0xA3}, int(chunkSize)),
		bytes.Repeat([]byte{0xA4}, int(chunkSize)),
	}
	digests := make([]digest.Digest, 4)
	for i, p := range payloads {
		digests[i] = digest.Of(p)
	}

	// Hand-build the previous snapshot's disk.fidx on disk.
	prevDir := snapshot.SnapshotDir(root, "vm", "42", 1000)
	if err := os.MkdirAll(prevDir, 0o750); err != nil {
		t.Fatalf("mkdir prev: %v", err)
	}
	if err := snapshot.WriteOwner(root, "vm", "42", "alice@pbs"); err != nil {
		t.Fatalf("WriteOwner: %v", err)
	}
	w, err := index.NewFixedWriter(totalSize, chunkSize)
	if err != nil {
		t.Fatalf("NewFixedWriter: %v", err)
	}
	for i, d := range digests {
		if err := w.AppendChunk(int64(i)*chunkSize, chunkSize, d); err != nil {
			t.Fatalf("append prev slot %d: %v", i, err)
		}
	}
	prevCsum := index.Checksum(digests)
	body, err := w.Close(4, totalSize, prevCsum)
	if err != nil {
		t.Fatalf("close prev writer: %v", err)
	}
	framed, err := blob.Encode(body, blob.ModeNone, nil)
	if err != nil {
		t.Fatalf("frame prev index: %v", err)
	}
	if err := os.WriteFile(filepath.Join(prevDir, "disk.fidx"), framed, 0o644); err != nil {
		t.Fatalf("write prev index: %v", err)
	}

	// Open a new session against the same group.
	cfg := Config{ChunkStore: store, Root: root, CryptKey: key}
	s, err := Open(ctx, cfg, OpenRequest{BackupType: "vm", BackupID: "42", BackupTime: 2000, Identity: "alice@pbs"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	wid, err := s.CreateIndex(KindFixed, "disk.fidx", totalSize, chunkSize, &prevCsum)
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	newPayload := bytes.Repeat([]byte{0xB2}, int(chunkSize))
	newDigest, newFramed := uploadChunkBytes(t, key, newPayload)
	if err := s.UploadChunk(ctx, wid, newDigest, int64(len(newPayload)), int64(len(newFramed)), newFramed); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if err := s.Append(wid, []digest.Digest{newDigest}, []int64{chunkSize}); err != nil {
		t.Fatalf("Append replacement slot: %v", err)
	}

	newDigests := []digest.Digest{digests[0], newDigest, digests[2], digests[3]}
	newCsum := index.Checksum(newDigests)
	if err := s.Close(wid, 4, totalSize, newCsum); err != nil {
		t.Fatalf("Close: %v", err)
	}

	manifest := buildManifest(t, key, "vm", "42", 2000, []snapshot.FileEntry{
		{Filename: "disk.fidx", Size: totalSize, Csum: newCsum.String(), CryptMode: "none"},
	})
	if err := s.UploadBlob(snapshot.ManifestFilename, manifest); err != nil {
		t.Fatalf("UploadBlob manifest: %v", err)
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestSessionAbortRemovesSnapshotAndReleasesLocks(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t)
	key := testKey()
	ctx := context.Background()

	cfg := Config{ChunkStore: store, Root: root, CryptKey: key}
	s, err := Open(ctx, cfg, OpenRequest{BackupType: "host", BackupID: "bar", BackupTime: 100, Identity: "alice@pbs"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	snapDir := snapshot.SnapshotDir(root, "host", "bar", 100)
	if _, err := os.Stat(snapDir); !os.IsNotExist(err) {
		t.Errorf("expected snapshot dir removed, stat err=%v", err)
	}

	// Group lock must have been released: a fresh lock attempt succeeds.
	l, err := snapshot.LockGroup(root, "host", "bar")
	if err != nil {
		t.Fatalf("expected group lock free after abort, got %v", err)
	}
	_ = l.Unlock()

	if _, err := s.CreateIndex(KindFixed, "disk.fidx", 10, 10, nil); !errors.Is(err, ErrAborted) {
		t.Errorf("expected ErrAborted on post-abort operation, got %v", err)
	}
}

func TestSessionUploadChunkDigestMismatchRejected(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t)
	key := testKey()
	ctx := context.Background()

	cfg := Config{ChunkStore: store, Root: root, CryptKey: key}
	s, err := Open(ctx, cfg, OpenRequest{BackupType: "host", BackupID: "baz", BackupTime: 1, Identity: "alice@pbs"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	wid, err := s.CreateIndex(KindDynamic, "disk.didx", 0, 0, nil)
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	payload := []byte("hello world")
	framed, err := blob.Encode(payload, blob.ModeNone, nil)
	if err != nil {
		t.Fatalf("blob.Encode: %v", err)
	}
	wrongDigest := digest.Of([]byte("not the payload"))
	if err := s.UploadChunk(ctx, wid, wrongDigest, int64(len(payload)), int64(len(framed)), framed); !errors.Is(err, ErrChunkDigestMismatch) {
		t.Errorf("expected ErrChunkDigestMismatch, got %v", err)
	}
}
