package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"sentinel/agent/internal/ledger"
)

type fakeAPI struct {
	buckets map[string]bool
	objects map[string][]byte
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		buckets: map[string]bool{},
		objects: map[string][]byte{},
	}
}

func (f *fakeAPI) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return f.buckets[bucketName], nil
}

func (f *fakeAPI) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	f.buckets[bucketName] = true
	return nil
}

func (f *fakeAPI) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[bucketName+"/"+objectName] = data
	return minio.UploadInfo{Bucket: bucketName, Key: objectName, Size: int64(len(data))}, nil
}

func (f *fakeAPI) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	data, ok := f.objects[bucketName+"/"+objectName]
	if !ok {
		return nil, fmt.Errorf("no such object %s", objectName)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func fixedClock() time.Time {
	return time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
}

func sampleSnapshot() ledger.Snapshot {
	return ledger.Snapshot{
		Rules: []ledger.Rule{{ID: "r1", Name: "Spam", Color: "#ff0000", CreatedAt: 1000}},
		Users: map[string]ledger.MarkedUser{
			"alice": {
				Identity:      "alice",
				Rules:         map[string]ledger.ViolationEntry{"r1": {Count: 2, FirstTimestamp: 100}},
				LastTimestamp: 200,
			},
		},
		Settings: ledger.DefaultSettings(),
	}
}

func TestBackupCreatesBucket(t *testing.T) {
	api := newFakeAPI()
	if _, err := newWithAPI(context.Background(), api, "sentinel-backups", fixedClock); err != nil {
		t.Fatalf("newWithAPI: %v", err)
	}
	if !api.buckets["sentinel-backups"] {
		t.Fatal("bucket was not created")
	}
}

func TestBackupUploadAndLatest(t *testing.T) {
	api := newFakeAPI()
	svc, err := newWithAPI(context.Background(), api, "sentinel-backups", fixedClock)
	if err != nil {
		t.Fatalf("newWithAPI: %v", err)
	}

	name, err := svc.Upload(context.Background(), sampleSnapshot())
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(name, "snapshots/2025-03-10T14-30-00Z") {
		t.Errorf("object name = %q, want timestamped snapshots/ key", name)
	}
	if _, ok := api.objects["sentinel-backups/"+name]; !ok {
		t.Errorf("timestamped object missing")
	}

	latest, err := svc.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got := latest.Users["alice"].Rules["r1"].Count; got != 2 {
		t.Errorf("restored count = %d, want 2", got)
	}
	if len(latest.Rules) != 1 || latest.Rules[0].Name != "Spam" {
		t.Errorf("restored rules = %+v", latest.Rules)
	}
}

func TestBackupLatestMissing(t *testing.T) {
	api := newFakeAPI()
	svc, err := newWithAPI(context.Background(), api, "sentinel-backups", fixedClock)
	if err != nil {
		t.Fatalf("newWithAPI: %v", err)
	}
	if _, err := svc.Latest(context.Background()); err == nil {
		t.Fatal("expected error when no backup exists")
	}
}
