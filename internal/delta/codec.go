package delta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kr/binarydist"
)

// ErrCorruptPatch is returned when the patch stream cannot be decoded.
var ErrCorruptPatch = errors.New("corrupt patch data")

// ProgressFunc receives decode progress as a fraction in [0, 1].
type ProgressFunc func(fraction float64)

// Codec turns a base stream plus a patch stream into the new content.
// patchSize is the length of the patch stream in bytes, or -1 if unknown.
type Codec interface {
	Decode(base, patch io.Reader, patchSize int64, out io.Writer, progress ProgressFunc) error
}

// BSDiff decodes bsdiff 4.x patches (the format produced by bsdiff and by
// binarydist.Diff).
type BSDiff struct{}

// Decode applies patch to base. Header fields are checked against
// patchSize before anything is allocated, and a panic inside the bsdiff
// decoder is reported as ErrCorruptPatch.
func (BSDiff) Decode(base, patch io.Reader, patchSize int64, out io.Writer, progress ProgressFunc) (err error) {
	pr := &progressReader{r: patch, total: patchSize, fn: progress, last: -1}

	var hdr [headerSize]byte
	if _, err := io.ReadFull(pr, hdr[:]); err != nil {
		return fmt.Errorf("%w: short header: %v", ErrCorruptPatch, err)
	}
	if err := checkHeader(hdr[:], patchSize); err != nil {
		return err
	}

	src := &ioErrReader{r: base}
	dst := &ioErrWriter{w: out}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCorruptPatch, r)
		}
	}()

	if err := binarydist.Patch(src, dst, io.MultiReader(bytes.NewReader(hdr[:]), pr)); err != nil {
		if src.err != nil || dst.err != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrCorruptPatch, err)
	}
	pr.report(1)
	return nil
}

const (
	headerSize = 32

	// maxNewSize bounds the output buffer the decoder allocates up front.
	maxNewSize = 2 << 30
)

// checkHeader validates the BSDIFF40 header: magic, then control block
// length, diff block length and new file size as sign-magnitude int64s.
func checkHeader(hdr []byte, patchSize int64) error {
	if string(hdr[:8]) != "BSDIFF40" {
		return fmt.Errorf("%w: bad magic", ErrCorruptPatch)
	}
	ctrlLen := offtin(hdr[8:16])
	diffLen := offtin(hdr[16:24])
	newSize := offtin(hdr[24:32])

	switch {
	case ctrlLen < 0 || diffLen < 0 || newSize < 0:
		return fmt.Errorf("%w: negative block length", ErrCorruptPatch)
	case newSize > maxNewSize:
		return fmt.Errorf("%w: new size %d exceeds %d", ErrCorruptPatch, newSize, int64(maxNewSize))
	case ctrlLen > maxNewSize || diffLen > maxNewSize:
		return fmt.Errorf("%w: block length exceeds %d", ErrCorruptPatch, int64(maxNewSize))
	case patchSize >= 0 && ctrlLen+diffLen > patchSize-headerSize:
		return fmt.Errorf("%w: blocks of %d+%d bytes in a %d byte patch", ErrCorruptPatch, ctrlLen, diffLen, patchSize)
	}
	return nil
}

func offtin(b []byte) int64 {
	u := binary.LittleEndian.Uint64(b)
	v := int64(u &^ (1 << 63))
	if u&(1<<63) != 0 {
		return -v
	}
	return v
}

// ioErrReader and ioErrWriter remember I/O failures so they are not
// mistaken for corrupt patch data.
type ioErrReader struct {
	r   io.Reader
	err error
}

func (r *ioErrReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}

type ioErrWriter struct {
	w   io.Writer
	err error
}

func (w *ioErrWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}

// Encode writes a bsdiff patch turning base into target. The updater never
// encodes; this exists for tooling and tests that build patch servers.
func (BSDiff) Encode(base, target io.Reader, patch io.Writer) error {
	return binarydist.Diff(base, target, patch)
}

// progressReader reports how much of the patch stream has been consumed.
// The codec buffers its output, so consumption is the only signal available
// while decoding; it is held below 1 until Decode returns.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    ProgressFunc
	last  int
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 {
		frac := float64(p.read) / float64(p.total)
		if frac > 0.99 {
			frac = 0.99
		}
		p.report(frac)
	}
	return n, err
}

func (p *progressReader) report(frac float64) {
	if p.fn == nil {
		return
	}
	pct := int(frac * 100)
	if pct == p.last {
		return
	}
	p.last = pct
	p.fn(frac)
}
