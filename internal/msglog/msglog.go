// Package msglog persists rendered conversation records between incremental
// runs. A log is a big-endian uint32 record count followed by that many
// records, each a big-endian uint32 length and the payload bytes.
package msglog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const maxRecordLen = 64 << 20

// Encode serialises records in log format.
func Encode(records []string) []byte {
	size := 4
	for _, r := range records {
		size += 4 + len(r)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(records)))
	for _, r := range records {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(r)))
		buf = append(buf, r...)
	}
	return buf
}

// Decode parses a log. A short or damaged tail is not an error: every
// record read before the damage is returned.
func Decode(data []byte) []string {
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil
	}
	records := make([]string, 0, min(int(count), 4096))
	for i := uint32(0); i < count; i++ {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			break
		}
		if n > maxRecordLen || int64(n) > int64(r.Len()) {
			break
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		records = append(records, string(payload))
	}
	return records
}

// Write replaces the log at path with records, creating parent directories.
func Write(path string, records []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, Encode(records), 0o644); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace log: %w", err)
	}
	return nil
}

// Read loads the log at path. A missing file yields no records.
func Read(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return Decode(data), nil
}

// Merge combines the records already logged at path with fresh ones. In
// ascending order fresh records follow the existing ones; in descending order
// they precede them. Neither side is re-sorted and nothing is written.
func Merge(path string, fresh []string, descending bool) ([]string, error) {
	existing, err := Read(path)
	if err != nil {
		return nil, err
	}
	merged := make([]string, 0, len(existing)+len(fresh))
	if descending {
		merged = append(merged, fresh...)
		merged = append(merged, existing...)
	} else {
		merged = append(merged, existing...)
		merged = append(merged, fresh...)
	}
	return merged, nil
}
