package zram

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/grafana/ramparse/pkg/ramdump/core"
)

var ErrUnsupportedCompressor = errors.New("unsupported compressor")

// decompressFunc expands src into exactly one page.
type decompressFunc func(src []byte) ([]byte, error)

var (
	zstdOnce    sync.Once
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func decompressor(name string) (decompressFunc, error) {
	switch strings.TrimSpace(name) {
	case "lz4":
		return decompressLZ4, nil
	case "zstd":
		return decompressZstd, nil
	case "deflate":
		return decompressDeflate, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedCompressor, "%q", name)
}

func decompressLZ4(src []byte) ([]byte, error) {
	dst := make([]byte, core.PageSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, errors.Wrap(err, "lz4")
	}
	if n != core.PageSize {
		return nil, errors.Errorf("lz4: decompressed %d bytes", n)
	}
	return dst, nil
}

func decompressZstd(src []byte) ([]byte, error) {
	zstdOnce.Do(func() {
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	if zstdErr != nil {
		return nil, errors.Wrap(zstdErr, "create zstd reader")
	}
	dst, err := zstdDecoder.DecodeAll(src, make([]byte, 0, core.PageSize))
	if err != nil {
		return nil, errors.Wrap(err, "zstd")
	}
	if len(dst) != core.PageSize {
		return nil, errors.Errorf("zstd: decompressed %d bytes", len(dst))
	}
	return dst, nil
}

// decompressDeflate handles the raw deflate streams the kernel's crypto
// API produces.
func decompressDeflate(src []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	dst := make([]byte, core.PageSize)
	if _, err := io.ReadFull(r, dst); err != nil {
		return nil, errors.Wrap(err, "deflate")
	}
	return dst, nil
}
