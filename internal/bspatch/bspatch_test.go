package bspatch

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/breeze-rmm/selfupdate/internal/updateerr"
)

// emptyBzip2 is a complete bzip2 stream with no payload.
var emptyBzip2 = []byte{'B', 'Z', 'h', '9', 0x17, 0x72, 0x45, 0x38, 0x50, 0x90, 0, 0, 0, 0}

type op struct{ add, copy, seek int64 }

type compressor func(t *testing.T, data []byte) []byte

func zstdBlock(t *testing.T, data []byte) []byte {
	t.Helper()
	if len(data) == 0 {
		return nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func gzipBlock(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write(data)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func lz4Block(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	w.Write(data)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func offtout(x int64) []byte {
	b := make([]byte, 8)
	if x < 0 {
		binary.LittleEndian.PutUint64(b, uint64(-x))
		b[7] |= 0x80
	} else {
		binary.LittleEndian.PutUint64(b, uint64(x))
	}
	return b
}

// encode builds a patch turning base into target by following ops. Diff
// bytes are derived so that diff+base == target for every add run.
func encode(t *testing.T, base, target []byte, ops []op, c compressor) []byte {
	t.Helper()
	var ctrl, diff, extra bytes.Buffer
	var newPos, oldPos int64
	for _, o := range ops {
		ctrl.Write(offtout(o.add))
		ctrl.Write(offtout(o.copy))
		ctrl.Write(offtout(o.seek))
		for i := int64(0); i < o.add; i++ {
			var b byte
			if p := oldPos + i; p >= 0 && p < int64(len(base)) {
				b = base[p]
			}
			diff.WriteByte(target[newPos+i] - b)
		}
		newPos += o.add
		oldPos += o.add
		extra.Write(target[newPos : newPos+o.copy])
		newPos += o.copy
		oldPos += o.seek
	}
	if newPos != int64(len(target)) {
		t.Fatalf("ops cover %d bytes, target has %d", newPos, len(target))
	}

	cb, db, eb := c(t, ctrl.Bytes()), c(t, diff.Bytes()), c(t, extra.Bytes())
	var out bytes.Buffer
	out.WriteString(Magic)
	out.Write(offtout(int64(len(cb))))
	out.Write(offtout(int64(len(db))))
	out.Write(offtout(int64(len(target))))
	out.Write(cb)
	out.Write(db)
	out.Write(eb)
	return out.Bytes()
}

var (
	sampleBase   = []byte("The quick brown fox jumps over the lazy dog. 0123456789")
	sampleTarget = []byte("The quick red fox leaps over the lazy dog! v2 build 0123456789 extra")
	// add 10 shared bytes, copy "red fox leaps", rewind into base, add the rest.
	sampleOps = []op{
		{add: 10, copy: 13, seek: 3},
		{add: 26, copy: 8, seek: -4},
		{add: 10, copy: 1, seek: 0},
	}
)

func fixTarget(t *testing.T) []byte {
	t.Helper()
	var total int64
	for _, o := range sampleOps {
		total += o.add + o.copy
	}
	if total != int64(len(sampleTarget)) {
		t.Fatalf("sample ops cover %d, target is %d", total, len(sampleTarget))
	}
	return sampleTarget
}

func TestApplyBytesAllCodecs(t *testing.T) {
	target := fixTarget(t)
	codecs := map[string]compressor{"zstd": zstdBlock, "gzip": gzipBlock, "lz4": lz4Block}

	for name, c := range codecs {
		t.Run(name, func(t *testing.T) {
			patch := encode(t, sampleBase, target, sampleOps, c)

			h, err := ParseHeader(patch)
			if err != nil {
				t.Fatal(err)
			}
			out, err := ApplyBytes(context.Background(), sampleBase, patch, nil)
			if err != nil {
				t.Fatalf("ApplyBytes: %v", err)
			}
			if int64(len(out)) != h.TargetSize {
				t.Fatalf("output length %d, header says %d", len(out), h.TargetSize)
			}
			if md5.Sum(out) != md5.Sum(target) {
				t.Fatalf("output = %q, want %q", out, target)
			}
		})
	}
}

func TestMissingBaseBytesCountAsZero(t *testing.T) {
	base := []byte("ab")
	target := []byte("xyzw")
	// cursor starts inside base then runs past its end; then seek far negative.
	patch := encode(t, base, target, []op{{add: 3, copy: 0, seek: -10}, {add: 1, copy: 0, seek: 0}}, zstdBlock)

	out, err := ApplyBytes(context.Background(), base, patch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, target) {
		t.Fatalf("out = %q", out)
	}
}

func TestEmptyBzip2Blocks(t *testing.T) {
	var patch bytes.Buffer
	patch.WriteString(Magic)
	patch.Write(offtout(int64(len(emptyBzip2))))
	patch.Write(offtout(int64(len(emptyBzip2))))
	patch.Write(offtout(0))
	patch.Write(emptyBzip2)
	patch.Write(emptyBzip2)
	patch.Write(emptyBzip2)

	out, err := ApplyBytes(context.Background(), []byte("old"), patch.Bytes(), nil)
	if err != nil {
		t.Fatalf("ApplyBytes: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %d bytes", len(out))
	}
}

func TestHeaderValidation(t *testing.T) {
	valid := encode(t, sampleBase, fixTarget(t), sampleOps, zstdBlock)

	badMagic := append([]byte(nil), valid...)
	copy(badMagic, "BSDIFF41")

	negative := append([]byte(nil), valid...)
	copy(negative[16:24], offtout(-1))

	huge := append([]byte(nil), valid...)
	copy(huge[24:32], offtout(MaxTargetSize+1))

	cases := map[string][]byte{
		"bad magic":       badMagic,
		"negative length": negative,
		"huge target":     huge,
		"empty":           nil,
	}
	for name, patch := range cases {
		_, err := ApplyBytes(context.Background(), sampleBase, patch, nil)
		if !errors.Is(err, updateerr.ErrCorruptPatch) {
			t.Errorf("%s: err = %v, want ErrCorruptPatch", name, err)
		}
	}
}

func TestTruncatedPatchFailsWithoutOutput(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "game.exe")
	os.WriteFile(basePath, sampleBase, 0o644)

	valid := encode(t, sampleBase, fixTarget(t), sampleOps, zstdBlock)
	ctrlLen := offtin(valid[8:16])

	for _, cut := range []int{0, 7, 31, HeaderSize + int(ctrlLen) - 1, len(valid) - 1} {
		patchPath := filepath.Join(dir, "game.exe_patch")
		os.WriteFile(patchPath, valid[:cut], 0o644)
		outPath := filepath.Join(dir, "game.exe_patched")

		err := Apply(context.Background(), basePath, patchPath, outPath, nil)
		if !errors.Is(err, updateerr.ErrCorruptPatch) {
			t.Fatalf("cut at %d: err = %v, want ErrCorruptPatch", cut, err)
		}
		if _, statErr := os.Stat(outPath); !os.IsNotExist(statErr) {
			t.Fatalf("cut at %d: output file left behind", cut)
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		names := []string{}
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("unexpected files left in dir: %v", names)
	}
}

func TestOverrunningTripleIsCorrupt(t *testing.T) {
	target := []byte("abcd")
	patch := encode(t, nil, target, []op{{add: 0, copy: 4, seek: 0}}, zstdBlock)

	// Rewrite the header to claim a smaller target than the triple covers.
	copy(patch[24:32], offtout(2))

	_, err := ApplyBytes(context.Background(), nil, patch, nil)
	if !errors.Is(err, updateerr.ErrCorruptPatch) {
		t.Fatalf("err = %v, want ErrCorruptPatch", err)
	}
}

func TestTrailingStreamDataIsCorrupt(t *testing.T) {
	target := []byte("abcd")
	var ctrl bytes.Buffer
	ctrl.Write(offtout(0))
	ctrl.Write(offtout(4))
	ctrl.Write(offtout(0))

	cb := zstdBlock(t, ctrl.Bytes())
	eb := zstdBlock(t, append(append([]byte(nil), target...), "junk"...))

	var patch bytes.Buffer
	patch.WriteString(Magic)
	patch.Write(offtout(int64(len(cb))))
	patch.Write(offtout(0))
	patch.Write(offtout(int64(len(target))))
	patch.Write(cb)
	patch.Write(eb)

	_, err := ApplyBytes(context.Background(), nil, patch.Bytes(), nil)
	if !errors.Is(err, updateerr.ErrCorruptPatch) {
		t.Fatalf("err = %v, want ErrCorruptPatch", err)
	}
}

func TestUnknownBlockCodec(t *testing.T) {
	var patch bytes.Buffer
	patch.WriteString(Magic)
	patch.Write(offtout(3))
	patch.Write(offtout(0))
	patch.Write(offtout(1))
	patch.WriteString("???")

	_, err := ApplyBytes(context.Background(), nil, patch.Bytes(), nil)
	if !errors.Is(err, updateerr.ErrCorruptPatch) {
		t.Fatalf("err = %v, want ErrCorruptPatch", err)
	}
}

func TestApplyWritesOutputAndReportsProgress(t *testing.T) {
	dir := t.TempDir()
	target := fixTarget(t)
	basePath := filepath.Join(dir, "a.dll")
	patchPath := filepath.Join(dir, "a.dll_patch")
	outPath := filepath.Join(dir, "a.dll_patched")
	os.WriteFile(basePath, sampleBase, 0o644)
	os.WriteFile(patchPath, encode(t, sampleBase, target, sampleOps, lz4Block), 0o644)

	var calls int
	var last, total int64
	err := Apply(context.Background(), basePath, patchPath, outPath, func(cur, tot int64) {
		if cur < last {
			t.Errorf("progress went backwards: %d after %d", cur, last)
		}
		calls++
		last, total = cur, tot
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, _ := os.ReadFile(outPath)
	if !bytes.Equal(got, target) {
		t.Fatalf("output = %q", got)
	}
	if total != 3*int64(len(target)) || last != total {
		t.Fatalf("final progress %d/%d, want %d/%d", last, total, 3*len(target), 3*len(target))
	}
	if calls > 102 {
		t.Fatalf("progress reported %d times, want at most one per percent", calls)
	}
}

func TestApplyHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	patch := encode(t, sampleBase, fixTarget(t), sampleOps, zstdBlock)
	_, err := ApplyBytes(ctx, sampleBase, patch, nil)
	if !errors.Is(err, updateerr.ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
}

func TestOfftinSignMagnitude(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 255, -256, 1 << 40, -(1 << 40)} {
		if got := offtin(offtout(v)); got != v {
			t.Errorf("offtin(offtout(%d)) = %d", v, got)
		}
	}
	// -0 in sign-magnitude decodes to 0.
	negZero := make([]byte, 8)
	negZero[7] = 0x80
	if got := offtin(negZero); got != 0 {
		t.Errorf("negative zero decoded as %d", got)
	}
}
