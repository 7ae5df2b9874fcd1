package state

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rowjay/wxexp/internal/config"
)

func TestSetMaxIDMonotonic(t *testing.T) {
	st := New(0)
	st.SetMaxID("wxid_a", 10)
	st.SetMaxID("wxid_a", 4)
	if got := st.MaxID("wxid_a"); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
	st.SetMaxID("wxid_a", 12)
	if got := st.MaxID("wxid_a"); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
	if st.MaxID("unknown") != 0 {
		t.Fatalf("unknown id should be 0")
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".wxexp", "wxexp.dat")
	st := New(config.OptIncremental | config.OptDescending)
	st.SetMaxID("b@chatroom", 7)
	st.SetMaxID("a", 3)
	if err := st.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"usrName":"a"`) || strings.Index(string(data), `"a"`) > strings.Index(string(data), `"b@chatroom"`) {
		t.Fatalf("unexpected file: %s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Len() != 2 || loaded.MaxID("b@chatroom") != 7 {
		t.Fatalf("unexpected state: %+v", loaded)
	}
	if !loaded.Options.Has(config.OptDescending) {
		t.Fatalf("options not restored: %s", loaded.Options)
	}
	if loaded.ExportTime.Unix() != st.ExportTime.Unix() {
		t.Fatalf("export time mismatch")
	}
}

func TestLoadNoState(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "corrupt.dat")
	_ = os.WriteFile(corrupt, []byte("{not json"), 0o644)
	empty := filepath.Join(dir, "empty.dat")
	_ = os.WriteFile(empty, []byte(`{"options":1,"exportTime":5,"sessions":[]}`), 0o644)

	for _, path := range []string{filepath.Join(dir, "missing.dat"), corrupt, empty} {
		if _, err := Load(path); !errors.Is(err, ErrNoState) {
			t.Errorf("%s: expected ErrNoState, got %v", filepath.Base(path), err)
		}
	}
}
