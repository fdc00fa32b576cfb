package delta

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBSDiffRoundTrip(t *testing.T) {
	base := []byte("the quick brown fox jumps over the lazy dog")
	target := []byte("the quick red fox jumped over the lazy dogs")

	var patch bytes.Buffer
	if err := (BSDiff{}).Encode(bytes.NewReader(base), bytes.NewReader(target), &patch); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out bytes.Buffer
	var last float64
	err := (BSDiff{}).Decode(bytes.NewReader(base), bytes.NewReader(patch.Bytes()), int64(patch.Len()), &out, func(f float64) {
		if f < last {
			t.Errorf("progress went backwards: %v after %v", f, last)
		}
		last = f
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(out.Bytes(), target) {
		t.Fatalf("decoded %q, want %q", out.Bytes(), target)
	}
	if last != 1 {
		t.Fatalf("final progress = %v, want 1", last)
	}
}

func TestBSDiffUnknownSizeStillCompletes(t *testing.T) {
	var patch bytes.Buffer
	(BSDiff{}).Encode(bytes.NewReader([]byte("aaaa")), bytes.NewReader([]byte("aaab")), &patch)

	var calls []float64
	var out bytes.Buffer
	if err := (BSDiff{}).Decode(bytes.NewReader([]byte("aaaa")), &patch, -1, &out, func(f float64) { calls = append(calls, f) }); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0] != 1 {
		t.Fatalf("unknown size should only report completion, got %v", calls)
	}
}

func TestBSDiffCorrupt(t *testing.T) {
	for _, patch := range []string{"", "short", "NOTBSDIFF header with enough bytes to fill it"} {
		var out bytes.Buffer
		err := (BSDiff{}).Decode(bytes.NewReader([]byte("base")), bytes.NewReader([]byte(patch)), int64(len(patch)), &out, nil)
		if !errors.Is(err, ErrCorruptPatch) {
			t.Errorf("patch %q: err = %v, want ErrCorruptPatch", patch, err)
		}
	}
}

// bzip2 streams (level 9) used to build hand-made patches. The control
// streams each hold one (add, copy, seek) tuple in sign-magnitude form.
var (
	bzEmpty = []byte{0x42, 0x5a, 0x68, 0x39, 0x17, 0x72, 0x45, 0x38, 0x50, 0x90, 0x00, 0x00, 0x00, 0x00}

	// add=-1 copy=0 seek=0
	bzCtrlNegativeAdd = []byte{0x42, 0x5a, 0x68, 0x39, 0x31, 0x41, 0x59, 0x26, 0x53, 0x59, 0x90, 0x2f, 0x7b, 0x96, 0x00, 0x00, 0x04, 0x40, 0x40, 0x70, 0x04, 0x40, 0x00, 0x20, 0x00, 0x21, 0x83, 0x41, 0x9a, 0x08, 0x54, 0xc8, 0x8e, 0x2e, 0xe4, 0x8a, 0x70, 0xa1, 0x21, 0x20, 0x5e, 0xf7, 0x2c}

	// add=0 copy=-1 seek=0
	bzCtrlNegativeCopy = []byte{0x42, 0x5a, 0x68, 0x39, 0x31, 0x41, 0x59, 0x26, 0x53, 0x59, 0xe9, 0xcc, 0xe2, 0x17, 0x00, 0x00, 0x01, 0x40, 0x40, 0x74, 0x00, 0x40, 0x00, 0x20, 0x00, 0x30, 0xcd, 0x00, 0xcd, 0x47, 0xa0, 0xbf, 0x64, 0x0a, 0xe1, 0x77, 0x24, 0x53, 0x85, 0x09, 0x0e, 0x9c, 0xce, 0x21, 0x70}

	// add=0 copy=4 seek=0
	bzCtrlCopy4 = []byte{0x42, 0x5a, 0x68, 0x39, 0x31, 0x41, 0x59, 0x26, 0x53, 0x59, 0xba, 0x8d, 0x7f, 0x2d, 0x00, 0x00, 0x00, 0x40, 0x00, 0x44, 0x08, 0x20, 0x00, 0x30, 0xcc, 0x09, 0x32, 0x54, 0x65, 0x38, 0xbb, 0x92, 0x29, 0xc2, 0x84, 0x85, 0xd4, 0x6b, 0xf9, 0x68}

	// "ab"
	bzAB = []byte{0x42, 0x5a, 0x68, 0x39, 0x31, 0x41, 0x59, 0x26, 0x53, 0x59, 0xe9, 0x93, 0xfd, 0xcd, 0x00, 0x00, 0x00, 0x01, 0x00, 0x30, 0x00, 0x20, 0x00, 0x21, 0x00, 0x82, 0xb1, 0x77, 0x24, 0x53, 0x85, 0x09, 0x0e, 0x99, 0x3f, 0xdc, 0xd0}
)

func signMag(v int64) uint64 {
	if v < 0 {
		return uint64(-v) | 1<<63
	}
	return uint64(v)
}

// bsdiffHeader builds a BSDIFF40 header with the given raw field values.
func bsdiffHeader(ctrlLen, diffLen, newSize int64) []byte {
	b := make([]byte, 32)
	copy(b, "BSDIFF40")
	binary.LittleEndian.PutUint64(b[8:], signMag(ctrlLen))
	binary.LittleEndian.PutUint64(b[16:], signMag(diffLen))
	binary.LittleEndian.PutUint64(b[24:], signMag(newSize))
	return b
}

// assemble lays out a patch whose header lengths match its blocks.
func assemble(newSize int64, ctrl, diff, extra []byte) []byte {
	out := bsdiffHeader(int64(len(ctrl)), int64(len(diff)), newSize)
	out = append(out, ctrl...)
	out = append(out, diff...)
	return append(out, extra...)
}

func hostilePatches() map[string][]byte {
	return map[string][]byte{
		"huge ctrl length":      bsdiffHeader(1<<62, 0, 4),
		"huge diff length":      bsdiffHeader(0, 1<<62, 4),
		"ctrl beyond patch end": append(bsdiffHeader(64, 0, 4), bzEmpty...),
		"negative ctrl length":  bsdiffHeader(-5, 0, 4),
		"huge new size":         bsdiffHeader(0, 0, 1<<62),
		"negative add":          assemble(4, bzCtrlNegativeAdd, bzEmpty, bzEmpty),
		"negative copy":         assemble(4, bzCtrlNegativeCopy, bzEmpty, bzEmpty),
		"truncated extra block": assemble(4, bzCtrlCopy4, bzEmpty, bzAB),
		"garbage ctrl block":    assemble(4, []byte(strings.Repeat("x", 20)), bzEmpty, bzEmpty),
	}
}

func TestBSDiffHostilePatch(t *testing.T) {
	for name, patch := range hostilePatches() {
		t.Run(name, func(t *testing.T) {
			var out bytes.Buffer
			err := (BSDiff{}).Decode(bytes.NewReader([]byte("base")), bytes.NewReader(patch), int64(len(patch)), &out, nil)
			if !errors.Is(err, ErrCorruptPatch) {
				t.Fatalf("err = %v, want ErrCorruptPatch", err)
			}
		})
	}
}

func TestBSDiffHostilePatchUnknownSize(t *testing.T) {
	patch := bsdiffHeader(1<<62, 0, 4)
	var out bytes.Buffer
	err := (BSDiff{}).Decode(bytes.NewReader([]byte("base")), bytes.NewReader(patch), -1, &out, nil)
	if !errors.Is(err, ErrCorruptPatch) {
		t.Fatalf("err = %v, want ErrCorruptPatch", err)
	}
}

func TestApplyDeltaHostilePatchLeavesNoTempFile(t *testing.T) {
	for name, patch := range hostilePatches() {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			local := filepath.Join(dir, "data.bin")
			os.WriteFile(local, []byte("base"), 0o644)
			payload := filepath.Join(dir, "data.bin.patch")
			os.WriteFile(payload, patch, 0o644)

			err := NewApplier(BSDiff{}, &recordingGuard{}).ApplyDelta(context.Background(), local, payload, nil)
			if !errors.Is(err, ErrCorruptPatch) {
				t.Fatalf("err = %v, want ErrCorruptPatch", err)
			}
			if got, _ := os.ReadFile(local); string(got) != "base" {
				t.Fatalf("local file changed: %q", got)
			}
			entries, _ := os.ReadDir(dir)
			for _, e := range entries {
				if strings.HasSuffix(e.Name(), ".tmp") {
					t.Fatalf("temp file left behind: %s", e.Name())
				}
			}
		})
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestBSDiffWriteErrorIsNotCorruption(t *testing.T) {
	var patch bytes.Buffer
	(BSDiff{}).Encode(bytes.NewReader([]byte("aaaa")), bytes.NewReader([]byte("aaab")), &patch)

	err := (BSDiff{}).Decode(bytes.NewReader([]byte("aaaa")), &patch, int64(patch.Len()), failWriter{}, nil)
	if err == nil || errors.Is(err, ErrCorruptPatch) {
		t.Fatalf("err = %v, want a plain write error", err)
	}
}
