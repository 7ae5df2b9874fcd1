package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const ManifestSuffix = ".manifest.json"

// Manifest is the sidecar stored next to every output archive.
type Manifest struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Device      string    `json:"device"`
	BackupID    string    `json:"backup_id"`
	BackupTime  time.Time `json:"backup_time"`
	Options     string    `json:"options"`
	Accounts    int       `json:"accounts"`
	Sessions    int       `json:"sessions"`
	Records     int       `json:"records"`
	Files       int       `json:"files"`
	Compression string    `json:"compression"`
	Encryption  bool      `json:"encryption"`
	CreatedAt   time.Time `json:"created_at"`
	SizeBytes   int64     `json:"size_bytes"`
	ToolVersion string    `json:"tool_version"`
}

func ManifestKey(objectKey string) string {
	return objectKey + ManifestSuffix
}

// WriteManifest stores m under the sidecar key of m.Key.
func WriteManifest(ctx context.Context, s Storage, m Manifest) error {
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return s.Put(ctx, ManifestKey(m.Key), bytes.NewReader(payload), int64(len(payload)), map[string]string{"wxexp-manifest": "true"})
}

// ReadManifest loads the sidecar of the archive at key.
func ReadManifest(ctx context.Context, s Storage, key string) (Manifest, error) {
	reader, err := s.Get(ctx, ManifestKey(key))
	if err != nil {
		return Manifest{}, err
	}
	defer reader.Close()
	var m Manifest
	if err := json.NewDecoder(reader).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}
