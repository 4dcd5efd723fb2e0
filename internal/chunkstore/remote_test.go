package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"vaultkeep/internal/digest"
)

// fakeS3 is an in-memory stand-in for *s3.Client, covering just the calls
// Remote makes.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	puts    int
}

type fakeObject struct {
	body         []byte
	lastModified time.Time
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, 0)
	if in.Body != nil {
		b := make([]byte, 1<<20)
		n, _ := in.Body.Read(b)
		buf = b[:n]
	}
	f.objects[aws.ToString(in.Key)] = fakeObject{body: buf, lastModified: time.Now()}
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.body))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(obj.body)))}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	srcKey := aws.ToString(in.CopySource)
	// CopySource is "bucket/key"; strip the bucket segment.
	for i := 0; i < len(srcKey); i++ {
		if srcKey[i] == '/' {
			srcKey = srcKey[i+1:]
			break
		}
	}
	obj, ok := f.objects[srcKey]
	if !ok {
		return nil, &types.NotFound{}
	}
	obj.lastModified = time.Now()
	f.objects[aws.ToString(in.Key)] = obj
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	var out []types.Object
	for k, v := range f.objects {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		lm := v.lastModified
		out = append(out, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(v.body))), LastModified: &lm})
	}
	return &s3.ListObjectsV2Output{Contents: out, IsTruncated: aws.Bool(false)}, nil
}

func newTestRemote(t *testing.T) (*Remote, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	r, err := NewRemote(RemoteConfig{Client: fake, Bucket: "test-bucket", Prefix: "ds1"})
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	return r, fake
}

func TestRemoteInsertLoadRoundTrip(t *testing.T) {
	r, _ := newTestRemote(t)
	ctx := context.Background()
	payload := []byte("remote chunk")
	d := digest.Of(payload)

	res, err := r.Insert(ctx, d, payload)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !res.Stored {
		t.Error("expected Stored true on first insert")
	}

	got, err := r.Load(ctx, d)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestRemoteInsertExistingTouchesInsteadOfRewriting(t *testing.T) {
	r, fake := newTestRemote(t)
	ctx := context.Background()
	payload := []byte("dedup me")
	d := digest.Of(payload)

	if _, err := r.Insert(ctx, d, payload); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if fake.puts != 1 {
		t.Fatalf("got %d puts, want 1", fake.puts)
	}

	res, err := r.Insert(ctx, d, payload)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if res.Stored {
		t.Error("second insert should not report Stored")
	}
	if fake.puts != 1 {
		t.Errorf("second insert should not call PutObject, got %d total puts", fake.puts)
	}
}

func TestRemoteLoadMissing(t *testing.T) {
	r, _ := newTestRemote(t)
	_, err := r.Load(context.Background(), digest.Of([]byte("missing")))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoteQuarantineProbing(t *testing.T) {
	r, _ := newTestRemote(t)
	ctx := context.Background()
	payload := []byte("bad remote chunk")
	d := digest.Of(payload)

	if _, err := r.Insert(ctx, d, payload); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dst1, err := r.Quarantine(ctx, d)
	if err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	if _, err := r.Insert(ctx, d, payload); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	dst2, err := r.Quarantine(ctx, d)
	if err != nil {
		t.Fatalf("second quarantine: %v", err)
	}
	if dst1 == dst2 {
		t.Errorf("expected distinct quarantine keys, got %q twice", dst1)
	}
}

func TestRemoteSweepDeletesStaleObjects(t *testing.T) {
	r, fake := newTestRemote(t)
	ctx := context.Background()
	old := digest.Of([]byte("old"))
	fresh := digest.Of([]byte("fresh"))

	if _, err := r.Insert(ctx, old, []byte("old")); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	if _, err := r.Insert(ctx, fresh, []byte("fresh")); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	fake.mu.Lock()
	for k, v := range fake.objects {
		if k == r.key(old) {
			v.lastModified = time.Now().Add(-2 * time.Hour)
			fake.objects[k] = v
		}
	}
	fake.mu.Unlock()

	deleted, err := r.Sweep(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		t.Errorf("got %d deleted, want 1", deleted)
	}
	if _, err := r.Load(ctx, old); !errors.Is(err, ErrNotFound) {
		t.Errorf("old object should be gone, got %v", err)
	}
	if _, err := r.Load(ctx, fresh); err != nil {
		t.Errorf("fresh object should survive: %v", err)
	}
}
