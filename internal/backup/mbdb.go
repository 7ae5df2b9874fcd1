package backup

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Legacy containers (iOS 9 and older) keep their index in Manifest.mbdb and
// store each file directly under the container root by content id.

var mbdbMagic = []byte("mbdb\x05\x00")

const (
	modeTypeMask = 0xF000
	modeDir      = 0x4000
	modeSymlink  = 0xA000
)

type mbdbIndex struct {
	root string
}

// mbdbRecord holds the fields of one index record that the store uses.
type mbdbRecord struct {
	Domain string
	Path   string
	Mode   uint16
	MTime  uint32
	Size   uint64
}

func (r mbdbRecord) flags() uint32 {
	switch r.Mode & modeTypeMask {
	case modeDir:
		return FlagDir
	case modeSymlink:
		return FlagSymlink
	default:
		return FlagFile
	}
}

func (idx *mbdbIndex) physical(id string) string {
	return filepath.Join(idx.root, id)
}

func (idx *mbdbIndex) load(domain string, onlyFiles bool, keep Filter) ([]*File, error) {
	f, err := os.Open(filepath.Join(idx.root, manifestMBDB))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", manifestMBDB, err)
	}
	defer f.Close()

	var files []*File
	err = readMBDB(bufio.NewReader(f), func(rec mbdbRecord) {
		if rec.Domain != domain {
			return
		}
		flags := rec.flags()
		if onlyFiles && (flags == FlagDir || !keep(rec.Path, flags)) {
			return
		}
		files = append(files, &File{
			ID:      FileID(rec.Domain, rec.Path),
			Domain:  rec.Domain,
			Path:    rec.Path,
			Flags:   flags,
			ModTime: time.Unix(int64(rec.MTime), 0),
		})
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// readMBDB streams records to fn. Damage after the header is a parse error.
func readMBDB(r io.Reader, fn func(mbdbRecord)) error {
	magic := make([]byte, len(mbdbMagic))
	if _, err := io.ReadFull(r, magic); err != nil || !bytes.Equal(magic, mbdbMagic) {
		return fmt.Errorf("%w: bad %s header", ErrUnknownFormat, manifestMBDB)
	}
	br := &mbdbReader{r: r}
	for {
		rec, err := br.record()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parse %s: %w", manifestMBDB, err)
		}
		fn(rec)
	}
}

type mbdbReader struct {
	r io.Reader
}

func (br *mbdbReader) record() (mbdbRecord, error) {
	var rec mbdbRecord
	domain, err := br.str()
	if err != nil {
		// A clean end of input falls exactly on a record boundary.
		return rec, err
	}
	rec.Domain = domain
	if rec.Path, err = br.str(); err != nil {
		return rec, unexpected(err)
	}
	// link target, data hash, encryption key
	for i := 0; i < 3; i++ {
		if _, err := br.str(); err != nil {
			return rec, unexpected(err)
		}
	}
	var fixed struct {
		Mode       uint16
		Inode      uint64
		UID        uint32
		GID        uint32
		MTime      uint32
		ATime      uint32
		CTime      uint32
		Size       uint64
		Protection uint8
		Props      uint8
	}
	if err := binary.Read(br.r, binary.BigEndian, &fixed); err != nil {
		return rec, unexpected(err)
	}
	rec.Mode = fixed.Mode
	rec.MTime = fixed.MTime
	rec.Size = fixed.Size
	for i := 0; i < int(fixed.Props)*2; i++ {
		if _, err := br.str(); err != nil {
			return rec, unexpected(err)
		}
	}
	return rec, nil
}

func (br *mbdbReader) str() (string, error) {
	var n uint16
	if err := binary.Read(br.r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n == 0xFFFF {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br.r, buf); err != nil {
		return "", unexpected(err)
	}
	return string(buf), nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
