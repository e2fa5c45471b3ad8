// Package bspatch applies BSDIFF40 binary patches.
//
// Container layout (all integers 64-bit little-endian sign-magnitude):
//
//	0       8 bytes  "BSDIFF40"
//	8       int64    control block length (compressed)
//	16      int64    diff block length (compressed)
//	24      int64    target size
//	32      control block
//	32+X    diff block
//	32+X+Y  extra block (rest of file)
//
// The control block is a sequence of (add, copy, seek) triples. For each
// triple, add bytes from the diff stream are summed with the base file at
// the current base cursor, copy bytes are taken verbatim from the extra
// stream, and the base cursor then moves by add+seek.
package bspatch

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/breeze-rmm/selfupdate/internal/logging"
	"github.com/breeze-rmm/selfupdate/internal/updateerr"
)

var log = logging.L("bspatch")

const (
	// Magic identifies the container format.
	Magic = "BSDIFF40"

	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 32

	// MaxTargetSize bounds the output buffer a header may request.
	MaxTargetSize = 2 << 30

	diffChunk    = 64 * 1024
	segmentChunk = 1024 * 1024
)

// ProgressFunc receives progress over all three phases (base read, diff
// apply, output write). It is only called when the whole percentage
// changes, plus once at completion with current == total.
type ProgressFunc func(current, total int64)

// Header is the decoded fixed-size container header.
type Header struct {
	ControlLen int64
	DiffLen    int64
	TargetSize int64
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", updateerr.ErrCorruptPatch, fmt.Sprintf(format, args...))
}

// offtin decodes a sign-magnitude int64: the top bit is the sign, the
// remaining 63 bits the magnitude.
func offtin(b []byte) int64 {
	y := int64(binary.LittleEndian.Uint64(b) &^ (1 << 63))
	if b[7]&0x80 != 0 {
		y = -y
	}
	return y
}

// ParseHeader validates and decodes the first HeaderSize bytes of a patch.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, corrupt("too small (%d bytes)", len(b))
	}
	if string(b[:8]) != Magic {
		return Header{}, corrupt("bad magic %q", b[:8])
	}
	h := Header{
		ControlLen: offtin(b[8:16]),
		DiffLen:    offtin(b[16:24]),
		TargetSize: offtin(b[24:32]),
	}
	if h.ControlLen < 0 || h.DiffLen < 0 || h.TargetSize < 0 {
		return Header{}, corrupt("negative lengths (control=%d diff=%d target=%d)", h.ControlLen, h.DiffLen, h.TargetSize)
	}
	if h.TargetSize > MaxTargetSize {
		return Header{}, corrupt("target size %d exceeds limit", h.TargetSize)
	}
	return h, nil
}

// ReadHeader reads and validates the header from r.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, corrupt("reading header: %v", err)
	}
	return ParseHeader(buf)
}

// split returns the three compressed blocks of patch.
func split(patch []byte) (Header, []byte, []byte, []byte, error) {
	h, err := ParseHeader(patch)
	if err != nil {
		return Header{}, nil, nil, nil, err
	}
	body := int64(len(patch)) - HeaderSize
	if h.ControlLen > body || h.DiffLen > body-h.ControlLen {
		return Header{}, nil, nil, nil, corrupt("truncated: header declares %d+%d block bytes, %d present",
			h.ControlLen, h.DiffLen, body)
	}
	ctrlEnd := HeaderSize + h.ControlLen
	diffEnd := ctrlEnd + h.DiffLen
	return h, patch[HeaderSize:ctrlEnd], patch[ctrlEnd:diffEnd], patch[diffEnd:], nil
}

// ApplyBytes reconstructs the target from base and an in-memory patch.
func ApplyBytes(ctx context.Context, base, patch []byte, onProgress ProgressFunc) ([]byte, error) {
	h, ctrl, diff, extra, err := split(patch)
	if err != nil {
		return nil, err
	}
	p := newProgress(onProgress, 3*h.TargetSize)
	p.set(h.TargetSize)

	out, err := reconstruct(ctx, base, h, ctrl, diff, extra, p)
	if err != nil {
		return nil, err
	}
	p.done()
	return out, nil
}

// Apply patches the file at basePath with patchPath and writes the result
// to outPath. On failure outPath is not created or modified.
func Apply(ctx context.Context, basePath, patchPath, outPath string, onProgress ProgressFunc) error {
	patch, err := os.ReadFile(patchPath)
	if err != nil {
		return fmt.Errorf("bspatch: read patch: %w", err)
	}
	h, ctrl, diff, extra, err := split(patch)
	if err != nil {
		return err
	}

	p := newProgress(onProgress, 3*h.TargetSize)

	base, err := readBase(basePath, h.TargetSize, p)
	if err != nil {
		return err
	}

	out, err := reconstruct(ctx, base, h, ctrl, diff, extra, p)
	if err != nil {
		return err
	}

	if err := writeOutput(ctx, outPath, out, h.TargetSize, p); err != nil {
		return err
	}
	p.done()

	log.Debug("patch applied", "base", basePath, "output", outPath, "bytes", h.TargetSize)
	return nil
}

func readBase(path string, target int64, p *progress) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bspatch: open base: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("bspatch: stat base: %w", err)
	}
	size := info.Size()
	base := make([]byte, size)
	for off := int64(0); off < size; {
		n := min(int64(segmentChunk), size-off)
		if _, err := io.ReadFull(f, base[off:off+n]); err != nil {
			return nil, fmt.Errorf("bspatch: read base: %w", err)
		}
		off += n
		p.set(target * off / size)
	}
	p.set(target)
	return base, nil
}

func reconstruct(ctx context.Context, base []byte, h Header, ctrlBlock, diffBlock, extraBlock []byte, p *progress) ([]byte, error) {
	ctrl, closeCtrl, err := openBlock("control", ctrlBlock)
	if err != nil {
		return nil, err
	}
	defer closeCtrl()
	diff, closeDiff, err := openBlock("diff", diffBlock)
	if err != nil {
		return nil, err
	}
	defer closeDiff()
	extra, closeExtra, err := openBlock("extra", extraBlock)
	if err != nil {
		return nil, err
	}
	defer closeExtra()

	target := h.TargetSize
	baseLen := int64(len(base))
	out := make([]byte, target)

	var newPos, oldPos int64
	var triple [24]byte

	for newPos < target {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", updateerr.ErrAborted, err)
		}

		if _, err := io.ReadFull(ctrl, triple[:]); err != nil {
			return nil, corrupt("control block: %v", err)
		}
		addLen := offtin(triple[0:8])
		copyLen := offtin(triple[8:16])
		seek := offtin(triple[16:24])

		if addLen < 0 || copyLen < 0 || addLen > target-newPos || copyLen > target-newPos-addLen {
			return nil, corrupt("control triple (%d,%d,%d) overruns target at %d/%d", addLen, copyLen, seek, newPos, target)
		}

		for off := int64(0); off < addLen; {
			n := min(int64(diffChunk), addLen-off)
			if _, err := io.ReadFull(diff, out[newPos+off:newPos+off+n]); err != nil {
				return nil, corrupt("diff block: %v", err)
			}
			off += n
			p.set(target + newPos + off)
		}

		for i := int64(0); i < addLen; i++ {
			if o := oldPos + i; o >= 0 && o < baseLen {
				out[newPos+i] += base[o]
			}
		}
		newPos += addLen
		oldPos += addLen

		if copyLen > 0 {
			if _, err := io.ReadFull(extra, out[newPos:newPos+copyLen]); err != nil {
				return nil, corrupt("extra block: %v", err)
			}
		}
		newPos += copyLen
		oldPos += seek
		p.set(target + newPos)
	}

	for _, s := range []struct {
		name string
		r    io.Reader
	}{{"control", ctrl}, {"diff", diff}, {"extra", extra}} {
		if err := drained(s.r); err != nil {
			return nil, corrupt("%s block: %v", s.name, err)
		}
	}

	return out, nil
}

// drained reports an error unless r is at EOF.
func drained(r io.Reader) error {
	var one [1]byte
	_, err := io.ReadFull(r, one[:])
	switch err {
	case io.EOF:
		return nil
	case nil:
		return fmt.Errorf("trailing data")
	default:
		return err
	}
}

func writeOutput(ctx context.Context, outPath string, out []byte, target int64, p *progress) (err error) {
	dir := filepath.Dir(outPath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(outPath)+".bspatch-*")
	if err != nil {
		return fmt.Errorf("bspatch: create output: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	for off := int64(0); off < target; {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("%w: %v", updateerr.ErrAborted, cerr)
		}
		n := min(int64(segmentChunk), target-off)
		if _, err := tmp.Write(out[off : off+n]); err != nil {
			return fmt.Errorf("bspatch: write output: %w", err)
		}
		off += n
		p.set(2*target + off)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("bspatch: sync output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("bspatch: close output: %w", err)
	}
	if err := os.Rename(tmpName, outPath); err != nil {
		return fmt.Errorf("bspatch: rename output: %w", err)
	}
	return nil
}

type progress struct {
	fn      ProgressFunc
	total   int64
	percent int64
}

func newProgress(fn ProgressFunc, total int64) *progress {
	return &progress{fn: fn, total: total, percent: -1}
}

func (p *progress) set(current int64) {
	if p.fn == nil || p.total <= 0 {
		return
	}
	pct := current * 100 / p.total
	if pct != p.percent {
		p.percent = pct
		p.fn(current, p.total)
	}
}

func (p *progress) done() {
	if p.fn == nil {
		return
	}
	total := max(p.total, 1)
	p.fn(total, total)
}

// isPrefix is bytes.HasPrefix for magic sniffing.
func isPrefix(b []byte, magic ...byte) bool {
	return bytes.HasPrefix(b, magic)
}
