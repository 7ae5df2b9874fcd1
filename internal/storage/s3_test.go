package storage

import (
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/rowjay/wxexp/internal/config"
)

func TestContentType(t *testing.T) {
	base := "exports/iPhone/20240102T030405Z"
	cases := []struct {
		key  string
		want string
	}{
		{base + ".tar.zst", "application/zstd"},
		{base + ".tar.gz", "application/gzip"},
		{base + ".tar", "application/x-tar"},
		{base + ".tar.zst.enc", "application/octet-stream"},
		{base + ".tar.zst.enc" + ManifestSuffix, "application/json"},
	}
	for _, tc := range cases {
		if got := contentType(tc.key); got != tc.want {
			t.Fatalf("contentType(%q) = %q, want %q", tc.key, got, tc.want)
		}
	}
}

func TestObjectInfoMarksManifests(t *testing.T) {
	now := time.Now()
	obj := minio.ObjectInfo{Size: 42, LastModified: now, ETag: "e", UserMetadata: map[string]string{"Wxexp-Archive": "true"}}
	info := objectInfo("a.tar"+ManifestSuffix, obj)
	if !info.IsManifest || info.Size != 42 || !info.Modified.Equal(now) || info.Metadata["Wxexp-Archive"] != "true" {
		t.Fatalf("unexpected object info: %+v", info)
	}
	if objectInfo("a.tar", obj).IsManifest {
		t.Fatalf("archive marked as manifest")
	}
}

func TestFactoryS3(t *testing.T) {
	cfg := config.StorageConfig{Backend: "s3", S3: config.S3Store{Endpoint: "localhost:9000", Bucket: "exports", ForcePathStyle: true}}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new s3 storage: %v", err)
	}
	s3, ok := s.(*S3)
	if !ok || s3.Bucket != "exports" {
		t.Fatalf("unexpected backend %T %+v", s, s)
	}
}
