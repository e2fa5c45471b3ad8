package bspatch

import (
	"bytes"
	"compress/bzip2"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Block codecs are identified by their stream magic so a single container
// can mix them. bzip2 is what stock bsdiff emits.
const (
	codecEmpty = "empty"
	codecBzip2 = "bzip2"
	codecGzip  = "gzip"
	codecZstd  = "zstd"
	codecLZ4   = "lz4"
)

func sniff(block []byte) string {
	switch {
	case len(block) == 0:
		return codecEmpty
	case isPrefix(block, 'B', 'Z', 'h'):
		return codecBzip2
	case isPrefix(block, 0x1f, 0x8b):
		return codecGzip
	case isPrefix(block, 0x28, 0xb5, 0x2f, 0xfd):
		return codecZstd
	case isPrefix(block, 0x04, 0x22, 0x4d, 0x18):
		return codecLZ4
	default:
		return ""
	}
}

// openBlock returns a decompressing reader over block and a release func.
func openBlock(name string, block []byte) (io.Reader, func(), error) {
	src := bytes.NewReader(block)
	noop := func() {}

	switch sniff(block) {
	case codecEmpty:
		return src, noop, nil
	case codecBzip2:
		return bzip2.NewReader(src), noop, nil
	case codecGzip:
		zr, err := gzip.NewReader(src)
		if err != nil {
			return nil, nil, corrupt("%s block: %v", name, err)
		}
		return zr, func() { zr.Close() }, nil
	case codecZstd:
		zr, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, corrupt("%s block: %v", name, err)
		}
		return zr, zr.Close, nil
	case codecLZ4:
		return lz4.NewReader(src), noop, nil
	default:
		return nil, nil, corrupt("%s block: unrecognised compression", name)
	}
}
