// Package backup ships ledger snapshots to S3-compatible object storage.
// Backups are periodic and best-effort; the Redis ledger stays the source of
// truth and a missed upload only widens the restore window.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"sentinel/agent/internal/ledger"
)

// objectAPI is the slice of *minio.Client the service uses, split out so
// tests run without a real object store.
type objectAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error)
}

// clientWrapper adapts *minio.Client to objectAPI.
type clientWrapper struct{ c *minio.Client }

func (w clientWrapper) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return w.c.BucketExists(ctx, bucketName)
}

func (w clientWrapper) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	return w.c.MakeBucket(ctx, bucketName, opts)
}

func (w clientWrapper) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return w.c.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}

func (w clientWrapper) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	obj, err := w.c.GetObject(ctx, bucketName, objectName, opts)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Config holds the object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Service uploads timestamped snapshot objects into one bucket.
type Service struct {
	api    objectAPI
	bucket string
	now    func() time.Time
}

// New connects to the object store and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return newWithAPI(ctx, clientWrapper{c: client}, cfg.Bucket, time.Now)
}

func newWithAPI(ctx context.Context, api objectAPI, bucket string, now func() time.Time) (*Service, error) {
	s := &Service{api: api, bucket: bucket, now: now}
	exists, err := api.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := api.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return s, nil
}

// Upload stores the snapshot under a timestamped key and refreshes the
// latest.json alias. Returns the timestamped object name.
func (s *Service) Upload(ctx context.Context, snapshot ledger.Snapshot) (string, error) {
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	name := fmt.Sprintf("snapshots/%s.json", s.now().UTC().Format("2006-01-02T15-04-05Z"))
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	if _, err := s.api.PutObject(ctx, s.bucket, name, bytes.NewReader(payload), int64(len(payload)), opts); err != nil {
		return "", fmt.Errorf("upload snapshot %s: %w", name, err)
	}
	if _, err := s.api.PutObject(ctx, s.bucket, "latest.json", bytes.NewReader(payload), int64(len(payload)), opts); err != nil {
		return "", fmt.Errorf("upload latest alias: %w", err)
	}
	return name, nil
}

// Latest fetches the most recent backed-up snapshot.
func (s *Service) Latest(ctx context.Context) (ledger.Snapshot, error) {
	obj, err := s.api.GetObject(ctx, s.bucket, "latest.json", minio.GetObjectOptions{})
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("get latest backup: %w", err)
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("read latest backup: %w", err)
	}
	var snapshot ledger.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("decode latest backup: %w", err)
	}
	return snapshot, nil
}
