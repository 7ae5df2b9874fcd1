package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"howett.net/plist"
)

const (
	infoPlist     = "Info.plist"
	manifestPlist = "Manifest.plist"
	manifestDB    = "Manifest.db"
	manifestMBDB  = "Manifest.mbdb"
)

// Manifest describes one backup container. Two manifests are the same
// container when their paths are equal.
type Manifest struct {
	Path          string
	DeviceName    string
	DisplayName   string
	BackupTime    time.Time
	ITunesVersion string
	MacOSVersion  string
	IOSVersion    string
	Encrypted     bool
}

type infoFile struct {
	DeviceName     string    `plist:"Device Name"`
	DisplayName    string    `plist:"Display Name"`
	LastBackupDate time.Time `plist:"Last Backup Date"`
	ITunesVersion  string    `plist:"iTunes Version"`
	ProductVersion string    `plist:"Product Version"`
	MacOSVersion   string    `plist:"macOS Version"`
}

type manifestFile struct {
	IsEncrypted bool `plist:"IsEncrypted"`
	Lockdown    struct {
		ProductVersion string `plist:"ProductVersion"`
	} `plist:"Lockdown"`
}

// Valid reports whether the container carries the identity fields an export needs.
func (m Manifest) Valid() bool {
	return m.DisplayName != "" && m.DeviceName != "" && !m.BackupTime.IsZero()
}

// ToolVersion names the program that wrote the backup.
func (m Manifest) ToolVersion() string {
	if m.ITunesVersion != "" {
		return "iTunes " + m.ITunesVersion
	}
	if m.MacOSVersion != "" {
		return "Embedded iTunes on MacOS " + m.MacOSVersion
	}
	return ""
}

func (m Manifest) String() string {
	return fmt.Sprintf("%s [%s] (%s)", m.DisplayName, m.BackupTime.Local().Format("2006-01-02 15:04"), filepath.Base(m.Path))
}

// IsBackupDir reports whether dir looks like a backup container.
func IsBackupDir(dir string) bool {
	for _, name := range []string{infoPlist, manifestPlist} {
		if !isFile(filepath.Join(dir, name)) {
			return false
		}
	}
	return isFile(filepath.Join(dir, manifestDB)) || isFile(filepath.Join(dir, manifestMBDB))
}

// ParseManifest reads Info.plist and Manifest.plist from a container directory.
func ParseManifest(dir string) (Manifest, error) {
	m := Manifest{Path: filepath.Clean(dir)}

	var info infoFile
	if err := readPlist(filepath.Join(dir, infoPlist), &info); err != nil {
		return m, err
	}
	m.DeviceName = info.DeviceName
	m.DisplayName = info.DisplayName
	m.BackupTime = info.LastBackupDate
	m.ITunesVersion = info.ITunesVersion
	m.MacOSVersion = info.MacOSVersion
	m.IOSVersion = info.ProductVersion

	var mf manifestFile
	if err := readPlist(filepath.Join(dir, manifestPlist), &mf); err != nil {
		return m, err
	}
	m.Encrypted = mf.IsEncrypted
	if m.IOSVersion == "" {
		m.IOSVersion = mf.Lockdown.ProductVersion
	}
	return m, nil
}

// Scan returns the valid containers under root. Root may itself be a
// container, or a directory whose children are containers. Invalid or
// unreadable children are skipped. Results are newest first.
func Scan(root string) ([]Manifest, error) {
	if IsBackupDir(root) {
		m, err := ParseManifest(root)
		if err != nil {
			return nil, err
		}
		if !m.Valid() {
			return nil, fmt.Errorf("backup at %s is missing device metadata", root)
		}
		return []Manifest{m}, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read backup root: %w", err)
	}
	var out []Manifest
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if !IsBackupDir(dir) {
			continue
		}
		m, err := ParseManifest(dir)
		if err != nil || !m.Valid() {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackupTime.After(out[j].BackupTime) })
	return out, nil
}

// Select picks a container from root. An empty id selects the newest one.
func Select(root, id string) (Manifest, error) {
	manifests, err := Scan(root)
	if err != nil {
		return Manifest{}, err
	}
	if len(manifests) == 0 {
		return Manifest{}, fmt.Errorf("no backups found under %s", root)
	}
	if id == "" {
		return manifests[0], nil
	}
	for _, m := range manifests {
		if filepath.Base(m.Path) == id {
			return m, nil
		}
	}
	return Manifest{}, fmt.Errorf("backup %s not found under %s", id, root)
}

func readPlist(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if _, err := plist.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
