package store

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"lukechampine.com/blake3"

	"github.com/storefront-labs/mediacache/internal/config"
)

const (
	metaURL       = "Media-Url"
	metaExpiresAt = "Expires-At"
	metaCachedAt  = "Cached-At"
)

// S3Store is an object-storage backend for the durable tier. Objects are keyed
// by the blake3 hash of the source URL under a configured prefix; expiry rides
// in user metadata, so the sweep is a listing pass rather than an ordered index
// scan.
type S3Store struct {
	cfg    *config.StorageConfig
	logger *slog.Logger

	once   sync.Once
	client *minio.Client
}

var _ Store = (*S3Store)(nil)

func NewS3Store(cfg *config.StorageConfig, logger *slog.Logger) *S3Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Store{cfg: cfg, logger: logger}
}

func (s *S3Store) open() *minio.Client {
	s.once.Do(func() {
		client, err := minio.New(s.cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(s.cfg.AccessKeyID, s.cfg.SecretAccessKey, ""),
			Secure: s.cfg.UseSSL,
		})
		if err != nil {
			s.logger.Warn("s3 store unavailable", "endpoint", s.cfg.Endpoint, "error", err)
			return
		}
		s.client = client
	})
	return s.client
}

func (s *S3Store) Available() bool {
	return s.open() != nil
}

func (s *S3Store) Get(ctx context.Context, url string) *Entry {
	client := s.open()
	if client == nil {
		return nil
	}
	key := s.objectKey(url)

	info, err := client.StatObject(ctx, s.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			s.logger.Warn("s3 store stat failed", "url", url, "error", err)
		}
		return nil
	}
	expiresAt := metaTime(info.UserMetadata, metaExpiresAt)
	if expiresAt.IsZero() || !time.Now().Before(expiresAt) {
		s.Delete(ctx, url)
		return nil
	}

	obj, err := client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		s.logger.Warn("s3 store read failed", "url", url, "error", err)
		return nil
	}
	defer obj.Close()
	payload, err := io.ReadAll(obj)
	if err != nil {
		s.logger.Warn("s3 store read failed", "url", url, "error", err)
		return nil
	}
	return &Entry{
		URL:         url,
		Payload:     payload,
		ContentType: info.ContentType,
		CachedAt:    metaTime(info.UserMetadata, metaCachedAt),
		ExpiresAt:   expiresAt,
	}
}

// Has stats the object without downloading the payload.
func (s *S3Store) Has(ctx context.Context, url string) bool {
	client := s.open()
	if client == nil {
		return false
	}
	info, err := client.StatObject(ctx, s.cfg.Bucket, s.objectKey(url), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			s.logger.Warn("s3 store stat failed", "url", url, "error", err)
		}
		return false
	}
	expiresAt := metaTime(info.UserMetadata, metaExpiresAt)
	if expiresAt.IsZero() || !time.Now().Before(expiresAt) {
		s.Delete(ctx, url)
		return false
	}
	return true
}

func (s *S3Store) Put(ctx context.Context, e *Entry) bool {
	client := s.open()
	if client == nil {
		return false
	}
	_, err := client.PutObject(
		ctx,
		s.cfg.Bucket,
		s.objectKey(e.URL),
		bytes.NewReader(e.Payload),
		int64(len(e.Payload)),
		minio.PutObjectOptions{
			ContentType: e.ContentType,
			UserMetadata: map[string]string{
				metaURL:       e.URL,
				metaExpiresAt: strconv.FormatInt(e.ExpiresAt.UnixNano(), 10),
				metaCachedAt:  strconv.FormatInt(e.CachedAt.UnixNano(), 10),
			},
		},
	)
	if err != nil {
		s.logger.Warn("s3 store write failed", "url", e.URL, "error", err)
		return false
	}
	return true
}

func (s *S3Store) Delete(ctx context.Context, url string) {
	client := s.open()
	if client == nil {
		return
	}
	err := client.RemoveObject(ctx, s.cfg.Bucket, s.objectKey(url), minio.RemoveObjectOptions{})
	if err != nil {
		s.logger.Warn("s3 store delete failed", "url", url, "error", err)
	}
}

// SweepExpired lists the cache prefix and removes expired objects. Unlike the
// bbolt backend this is a full scan; listing returns metadata so no per-object
// stat round trip is needed.
func (s *S3Store) SweepExpired(ctx context.Context, now time.Time) {
	client := s.open()
	if client == nil {
		return
	}
	opts := minio.ListObjectsOptions{Prefix: s.cfg.KeyPrefix, Recursive: true, WithMetadata: true}
	for obj := range client.ListObjects(ctx, s.cfg.Bucket, opts) {
		if obj.Err != nil {
			s.logger.Warn("s3 store sweep listing failed", "error", obj.Err)
			return
		}
		expiresAt := metaTime(obj.UserMetadata, metaExpiresAt)
		if expiresAt.IsZero() || now.Before(expiresAt) {
			continue
		}
		err := client.RemoveObject(ctx, s.cfg.Bucket, obj.Key, minio.RemoveObjectOptions{})
		if err != nil {
			s.logger.Warn("s3 store sweep delete failed", "key", obj.Key, "error", err)
		}
	}
}

func (s *S3Store) Clear(ctx context.Context) {
	client := s.open()
	if client == nil {
		return
	}
	opts := minio.ListObjectsOptions{Prefix: s.cfg.KeyPrefix, Recursive: true}
	for obj := range client.ListObjects(ctx, s.cfg.Bucket, opts) {
		if obj.Err != nil {
			s.logger.Warn("s3 store clear listing failed", "error", obj.Err)
			return
		}
		err := client.RemoveObject(ctx, s.cfg.Bucket, obj.Key, minio.RemoveObjectOptions{})
		if err != nil {
			s.logger.Warn("s3 store clear delete failed", "key", obj.Key, "error", err)
		}
	}
}

func (s *S3Store) Count(ctx context.Context) int {
	client := s.open()
	if client == nil {
		return 0
	}
	var n int
	opts := minio.ListObjectsOptions{Prefix: s.cfg.KeyPrefix, Recursive: true}
	for obj := range client.ListObjects(ctx, s.cfg.Bucket, opts) {
		if obj.Err != nil {
			s.logger.Warn("s3 store count listing failed", "error", obj.Err)
			return n
		}
		n++
	}
	return n
}

func (s *S3Store) Close() error { return nil }

func (s *S3Store) objectKey(url string) string {
	sum := blake3.Sum256([]byte(url))
	return s.cfg.KeyPrefix + hex.EncodeToString(sum[:])
}

// metaTime reads a nanosecond timestamp from user metadata, tolerating both
// the bare key and the X-Amz-Meta- form listings return.
func metaTime(meta map[string]string, key string) time.Time {
	v := meta[key]
	if v == "" {
		v = meta["X-Amz-Meta-"+key]
	}
	if v == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}
