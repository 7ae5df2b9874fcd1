// Package state records what earlier export runs produced so the next run
// can resume from each conversation's highest exported record id.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rowjay/wxexp/internal/config"
)

// ErrNoState means there is no usable prior state; callers treat it as a
// first run.
var ErrNoState = errors.New("no previous export state")

type State struct {
	Options    config.Options
	ExportTime time.Time
	maxIDs     map[string]int64
}

type fileSession struct {
	UsrName string `json:"usrName"`
	MaxID   int64  `json:"maxId"`
}

type fileState struct {
	Options    uint32        `json:"options"`
	ExportTime int64         `json:"exportTime"`
	Sessions   []fileSession `json:"sessions"`
}

func New(opts config.Options) *State {
	return &State{Options: opts, ExportTime: time.Now(), maxIDs: make(map[string]int64)}
}

// Load reads a state file. Missing, unreadable or corrupt files, and files
// that record no conversations, all yield ErrNoState.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoState, err)
	}
	var fs fileState
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrNoState, err)
	}
	if len(fs.Sessions) == 0 {
		return nil, ErrNoState
	}
	st := &State{
		Options:    config.Options(fs.Options),
		ExportTime: time.Unix(fs.ExportTime, 0),
		maxIDs:     make(map[string]int64, len(fs.Sessions)),
	}
	for _, s := range fs.Sessions {
		if s.UsrName == "" {
			continue
		}
		st.SetMaxID(s.UsrName, s.MaxID)
	}
	return st, nil
}

// MaxID is the highest record id exported for a conversation, 0 if none.
func (s *State) MaxID(id string) int64 {
	return s.maxIDs[id]
}

// SetMaxID raises the mark for id. Lower values are ignored.
func (s *State) SetMaxID(id string, maxID int64) {
	if s.maxIDs == nil {
		s.maxIDs = make(map[string]int64)
	}
	if cur, ok := s.maxIDs[id]; ok && cur >= maxID {
		return
	}
	s.maxIDs[id] = maxID
}

func (s *State) Len() int { return len(s.maxIDs) }

// Touch stamps the state with the current time and run options.
func (s *State) Touch(opts config.Options) {
	s.Options = opts
	s.ExportTime = time.Now()
}

// Marshal encodes the state with conversations in id order so repeated runs
// produce stable files.
func (s *State) Marshal() ([]byte, error) {
	fs := fileState{
		Options:    uint32(s.Options),
		ExportTime: s.ExportTime.Unix(),
		Sessions:   make([]fileSession, 0, len(s.maxIDs)),
	}
	for id, maxID := range s.maxIDs {
		fs.Sessions = append(fs.Sessions, fileSession{UsrName: id, MaxID: maxID})
	}
	sort.Slice(fs.Sessions, func(i, j int) bool { return fs.Sessions[i].UsrName < fs.Sessions[j].UsrName })
	return json.Marshal(fs)
}

// Save writes the state through a temp file and rename.
func (s *State) Save(path string) error {
	data, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
