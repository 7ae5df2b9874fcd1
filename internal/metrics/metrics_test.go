package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserverCounts(t *testing.T) {
	o := NewObserver()
	o.OnStart()
	o.OnSessionStart("alice", "", 3)
	o.OnSessionProgress("alice", "", 1, 3)
	o.OnSessionProgress("alice", "", 3, 3)
	o.OnSessionComplete("alice", "", false)
	o.OnTasksStart("wxid_me", 4)
	o.OnTasksProgress("wxid_me", 3, 4)
	o.OnTasksProgress("wxid_me", 1, 4)
	o.OnComplete(false)

	if got := testutil.ToFloat64(o.recordsTotal); got != 3 {
		t.Fatalf("unexpected records: %v", got)
	}
	if got := testutil.ToFloat64(o.tasksDone); got != 4 {
		t.Fatalf("unexpected tasks: %v", got)
	}
	if got := testutil.ToFloat64(o.runsTotal.WithLabelValues("completed")); got != 1 {
		t.Fatalf("unexpected runs: %v", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	o := NewObserver()
	o.OnStart()
	o.OnComplete(true)
	path := filepath.Join(t.TempDir(), "textfile", "wxexp.prom")
	if err := o.WriteTextfile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `wxexp_runs_total{outcome="cancelled"} 1`) {
		t.Fatalf("unexpected textfile: %s", data)
	}
}
