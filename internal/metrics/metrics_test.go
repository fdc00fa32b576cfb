package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lanternops/gamepatch/internal/manifest"
	"github.com/lanternops/gamepatch/internal/updater"
)

func TestRecordsSuccessfulRun(t *testing.T) {
	m := New()
	s := &updater.Session{StartedAt: time.Now(), LocalAtStart: 2, Remote: 4}

	m.RunStarted(s)
	m.PatchApplied(s, manifest.Patch{LocalFile: "a", PatchFile: "a.pat"}, 10*time.Millisecond)
	m.PatchApplied(s, manifest.Patch{LocalFile: "b", PatchFile: "b", IsNewFile: true}, time.Millisecond)
	m.StepCompleted(s, 3)
	m.StepCompleted(s, 4)
	m.RunFinished(s, nil)

	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("success")); got != 1 {
		t.Fatalf("runs{success} = %v", got)
	}
	if got := testutil.ToFloat64(m.patchesTotal.WithLabelValues("delta")); got != 1 {
		t.Fatalf("patches{delta} = %v", got)
	}
	if got := testutil.ToFloat64(m.patchesTotal.WithLabelValues("new")); got != 1 {
		t.Fatalf("patches{new} = %v", got)
	}
	if got := testutil.ToFloat64(m.stepsTotal); got != 2 {
		t.Fatalf("steps = %v", got)
	}
	if got := testutil.ToFloat64(m.localVersion); got != 4 {
		t.Fatalf("local version = %v", got)
	}
	if got := testutil.ToFloat64(m.lastRunSuccess); got != 1 {
		t.Fatalf("last run success = %v", got)
	}
}

func TestRecordsFailureKind(t *testing.T) {
	m := New()
	s := &updater.Session{StartedAt: time.Now(), Kind: updater.KindManifest}

	m.RunStarted(s)
	m.RunFinished(s, errors.New("bad manifest"))

	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("manifest")); got != 1 {
		t.Fatalf("runs{manifest} = %v", got)
	}
	if got := testutil.ToFloat64(m.lastRunSuccess); got != 0 {
		t.Fatalf("last run success = %v", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	s := &updater.Session{StartedAt: time.Now(), Remote: 7}
	m.RunFinished(s, nil)

	path := filepath.Join(t.TempDir(), "textfile", "gamepatch.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`gamepatch_runs_total{outcome="success"} 1`,
		"gamepatch_remote_version 7",
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %q:\n%s", want, data)
		}
	}
}
