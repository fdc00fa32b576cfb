package delta

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

type recordingGuard struct {
	calls [][]string
	err   error
}

func (g *recordingGuard) Wait(_ context.Context, paths ...string) error {
	g.calls = append(g.calls, append([]string(nil), paths...))
	return g.err
}

func writePatch(t *testing.T, dir, name string, base, target []byte) string {
	t.Helper()
	var buf bytes.Buffer
	if err := (BSDiff{}).Encode(bytes.NewReader(base), bytes.NewReader(target), &buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestApplyDeltaReplacesContent(t *testing.T) {
	dir := t.TempDir()
	base := bytes.Repeat([]byte("level geometry v1 "), 200)
	target := append(bytes.Repeat([]byte("level geometry v2 "), 200), []byte("extra props")...)

	local := filepath.Join(dir, "data.bin")
	os.WriteFile(local, base, 0o640)
	patch := writePatch(t, dir, "data.bin.patch", base, target)

	guard := &recordingGuard{}
	var progress []int
	a := NewApplier(BSDiff{}, guard)

	if err := a.ApplyDelta(context.Background(), local, patch, func(p int) { progress = append(progress, p) }); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	got, _ := os.ReadFile(local)
	if !bytes.Equal(got, target) {
		t.Fatal("local file does not hold the decoded content")
	}
	if _, err := os.Stat(patch); !os.IsNotExist(err) {
		t.Fatal("patch payload should be removed after applying")
	}
	info, _ := os.Stat(local)
	if info.Mode().Perm() != 0o640 {
		t.Errorf("mode = %v, want 0640", info.Mode().Perm())
	}

	if len(progress) == 0 || progress[len(progress)-1] != 100 {
		t.Fatalf("progress should end at 100, got %v", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards: %v", progress)
		}
	}

	if len(guard.calls) != 2 {
		t.Fatalf("guard called %d times, want 2", len(guard.calls))
	}
	if len(guard.calls[1]) != 3 {
		t.Fatalf("finalize gate should cover local, patch and temp file: %v", guard.calls[1])
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("leftover files: %v", entries)
	}
}

func TestApplyDeltaCorruptPatchLeavesLocalUntouched(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "data.bin")
	os.WriteFile(local, []byte("original content"), 0o644)
	patch := filepath.Join(dir, "data.bin.patch")
	os.WriteFile(patch, []byte("this is definitely not a bsdiff patch stream"), 0o644)

	a := NewApplier(BSDiff{}, &recordingGuard{})
	err := a.ApplyDelta(context.Background(), local, patch, nil)
	if !errors.Is(err, ErrCorruptPatch) {
		t.Fatalf("err = %v, want ErrCorruptPatch", err)
	}

	got, _ := os.ReadFile(local)
	if string(got) != "original content" {
		t.Fatalf("local file modified on failure: %q", got)
	}
	if _, err := os.Stat(patch); err != nil {
		t.Fatal("patch payload should be left in place on failure")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Fatalf("temp file left behind: %v", entries)
	}
}

func TestApplyDeltaMissingBase(t *testing.T) {
	dir := t.TempDir()
	patch := writePatch(t, dir, "p", []byte("a"), []byte("b"))

	a := NewApplier(BSDiff{}, &recordingGuard{})
	if err := a.ApplyDelta(context.Background(), filepath.Join(dir, "missing"), patch, nil); err == nil {
		t.Fatal("missing base file should fail")
	}
}

func TestApplyDeltaGuardErrorStopsBeforeDecode(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "data.bin")
	os.WriteFile(local, []byte("original"), 0o644)

	boom := errors.New("locked")
	a := NewApplier(failingCodec{t: t}, &recordingGuard{err: boom})
	if err := a.ApplyDelta(context.Background(), local, filepath.Join(dir, "p"), nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want guard error", err)
	}
}

func TestApplyDeltaCancelledBeforeDecode(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "data.bin")
	os.WriteFile(local, []byte("original"), 0o644)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewApplier(failingCodec{t: t}, &recordingGuard{})
	if err := a.ApplyDelta(ctx, local, filepath.Join(dir, "p"), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

type failingCodec struct{ t *testing.T }

func (c failingCodec) Decode(_, _ io.Reader, _ int64, _ io.Writer, _ ProgressFunc) error {
	c.t.Fatal("codec must not run")
	return nil
}
