package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"vaultkeep/internal/callgroup"
	"vaultkeep/internal/digest"
	"vaultkeep/internal/logging"
)

// s3API is the subset of *s3.Client Remote depends on, so tests can supply
// an in-memory fake instead of talking to a real bucket.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// RemoteConfig configures an S3-compatible chunk store.
type RemoteConfig struct {
	Client s3API
	Bucket string
	// Prefix namespaces all keys under Bucket, letting one bucket host
	// several datastores. Chunks live at Prefix/chunks/<xx>/<hex>.
	Prefix string
	Now    func() time.Time
	Logger *slog.Logger
}

// Remote is an S3-compatible Store. It trades the Local variant's flock and
// mtime-based GC for a HeadObject existence check before a plain PutObject
// (an existing key is touched, not rewritten), CopyObject-onto-self as a
// Touch, and LastModified-driven ListObjectsV2 for Sweep.
type Remote struct {
	client s3API
	bucket string
	prefix string
	now    func() time.Time
	logger *slog.Logger

	// insertGroup dedupes concurrent Insert calls for the same digest so
	// only one goroutine pays for the HeadObject+PutObject round trip;
	// see internal/callgroup.
	insertGroup callgroup.Group[digest.Digest]
	resultsMu   sync.Mutex
	results     map[digest.Digest]InsertResult
	waiters     map[digest.Digest]int
}

// NewRemote constructs a Remote chunk store. It performs no I/O; the bucket
// and prefix are assumed to already exist.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.Client == nil {
		return nil, errors.New("chunkstore: Client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("chunkstore: Bucket is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := logging.Default(cfg.Logger).With("component", "chunk-store", "bucket", cfg.Bucket, "backend", "s3")
	return &Remote{
		client:  cfg.Client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		now:     cfg.Now,
		logger:  logger,
		results: make(map[digest.Digest]InsertResult),
		waiters: make(map[digest.Digest]int),
	}, nil
}

func (s *Remote) key(d digest.Digest) string {
	hex := d.String()
	if s.prefix == "" {
		return fmt.Sprintf("chunks/%s/%s", hex[:2], hex)
	}
	return fmt.Sprintf("%s/chunks/%s/%s", s.prefix, hex[:2], hex)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// Insert implements Store via a Head-then-PutObject sequence: an existing
// object is refreshed with a self-copy (which updates LastModified) rather
// than re-uploaded, matching Local's "touch, don't rewrite" semantics.
func (s *Remote) Insert(ctx context.Context, d digest.Digest, blobBytes []byte) (InsertResult, error) {
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
		res, err := s.insertOnce(ctx, d, blobBytes)
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

func (s *Remote) insertOnce(ctx context.Context, d digest.Digest, blobBytes []byte) (InsertResult, error) {
	key := s.key(d)

	if head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}); err == nil {
		if err := s.touchKey(ctx, key); err != nil {
			return InsertResult{}, err
		}
		return InsertResult{Stored: false, EncodedSize: uint64(aws.ToInt64(head.ContentLength))}, nil
	} else if !isNotFound(err) {
		return InsertResult{}, fmt.Errorf("chunkstore: head object: %w", err)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(blobBytes),
	})
	if err != nil {
		return InsertResult{}, fmt.Errorf("chunkstore: put object: %w", err)
	}
	return InsertResult{Stored: true, EncodedSize: uint64(len(blobBytes))}, nil
}

// Load implements Store.
func (s *Remote) Load(ctx context.Context, d digest.Digest) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(d))})
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chunkstore: get object: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: read object body: %w", err)
	}
	return data, nil
}

func (s *Remote) touchKey(ctx context.Context, key string) error {
	src := fmt.Sprintf("%s/%s", s.bucket, key)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(src),
		MetadataDirective: types.MetadataDirectiveReplace,
	})
	if isNotFound(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("chunkstore: touch via copy: %w", err)
	}
	return nil
}

// Touch implements Store by copying the object onto itself, which advances
// its LastModified timestamp without changing its content.
func (s *Remote) Touch(ctx context.Context, d digest.Digest) error {
	return s.touchKey(ctx, s.key(d))
}

// Quarantine implements Store by copying the object to a sibling
// "<key>.<n>.bad" key (probing n upward, as Local does) and deleting the
// original.
func (s *Remote) Quarantine(ctx context.Context, d digest.Digest) (string, error) {
	src := s.key(d)
	for n := 0; ; n++ {
		dst := fmt.Sprintf("%s.%d.bad", src, n)
		_, headErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(dst)})
		if headErr == nil {
			continue
		}
		if !isNotFound(headErr) {
			return "", fmt.Errorf("chunkstore: quarantine head: %w", headErr)
		}
		copySrc := fmt.Sprintf("%s/%s", s.bucket, src)
		if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(dst),
			CopySource: aws.String(copySrc),
		}); err != nil {
			return "", fmt.Errorf("chunkstore: quarantine copy: %w", err)
		}
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(src)}); err != nil {
			return "", fmt.Errorf("chunkstore: quarantine delete original: %w", err)
		}
		s.logger.Warn("quarantined corrupt chunk", "digest", d, "key", dst)
		return dst, nil
	}
}

// Sweep implements Store by paging through every object under the chunk
// prefix and deleting those with LastModified strictly before cutoff.
func (s *Remote) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	prefix := "chunks/"
	if s.prefix != "" {
		prefix = s.prefix + "/chunks/"
	}

	deleted := 0
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return deleted, fmt.Errorf("chunkstore: list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if ctx.Err() != nil {
				return deleted, ctx.Err()
			}
			if strings.HasSuffix(aws.ToString(obj.Key), ".bad") {
				continue
			}
			if obj.LastModified != nil && obj.LastModified.Before(cutoff) {
				if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
					Bucket: aws.String(s.bucket),
					Key:    obj.Key,
				}); err != nil {
					return deleted, fmt.Errorf("chunkstore: delete object: %w", err)
				}
				deleted++
			}
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		token = page.NextContinuationToken
	}
	s.logger.Info("sweep complete", "deleted", deleted, "cutoff", cutoff)
	return deleted, nil
}

// Iter implements Store.
func (s *Remote) Iter(ctx context.Context) iterFunc {
	prefix := "chunks/"
	if s.prefix != "" {
		prefix = s.prefix + "/chunks/"
	}
	return func(yield func(Meta) bool) {
		var token *string
		for {
			page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: token,
			})
			if err != nil {
				return
			}
			for _, obj := range page.Contents {
				if ctx.Err() != nil {
					return
				}
				key := aws.ToString(obj.Key)
				if strings.HasSuffix(key, ".bad") {
					continue
				}
				hex := key[strings.LastIndex(key, "/")+1:]
				d, err := digest.Parse(hex)
				if err != nil {
					continue
				}
				m := Meta{Digest: d, Size: aws.ToInt64(obj.Size)}
				if obj.LastModified != nil {
					m.ModTime = *obj.LastModified
				}
				if !yield(m) {
					return
				}
			}
			if !aws.ToBool(page.IsTruncated) {
				return
			}
			token = page.NextContinuationToken
		}
	}
}

// Close implements Store. The AWS SDK client owns no per-store resources
// that need releasing.
func (s *Remote) Close() error {
	return nil
}

var (
	_ Store = (*Local)(nil)
	_ Store = (*Remote)(nil)
)
