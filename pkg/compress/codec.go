// Package compress implements the pluggable block compression used for new,
// non-duplicate payloads before they reach the block store.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies the codec applied to a stored block. Values are
// persisted in block records, so existing tags must never be renumbered.
type Algorithm uint8

const (
	// None stores the payload verbatim.
	None Algorithm = 0

	// LZ4 is block-mode LZ4. Fast default for mixed content.
	LZ4 Algorithm = 1

	// Zstd is zstd at the default speed level. Better ratios for text-like data.
	Zstd Algorithm = 2

	// Gzip is deflate with gzip framing.
	Gzip Algorithm = 3

	// Snappy is the snappy block format.
	Snappy Algorithm = 4
)

// Algorithms lists every supported codec, None included.
var Algorithms = []Algorithm{None, LZ4, Zstd, Gzip, Snappy}

// String returns the configuration name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	case Gzip:
		return "gzip"
	case Snappy:
		return "snappy"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlgorithm parses a configuration name. Matching is case-insensitive.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(name) {
	case "none", "":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	case "gzip":
		return Gzip, nil
	case "snappy":
		return Snappy, nil
	default:
		return None, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

// errIncompressible is returned by a codec whose output is not smaller than
// its input.
var errIncompressible = errors.New("data is incompressible")

// encode compresses data with alg. It never returns output that is larger
// than the input; errIncompressible is returned instead.
func encode(alg Algorithm, data []byte) ([]byte, error) {
	var (
		out []byte
		err error
	)

	switch alg {
	case None:
		return data, nil
	case LZ4:
		out, err = encodeLZ4(data)
	case Zstd:
		out = zstdEncoder.EncodeAll(data, nil)
	case Gzip:
		out, err = encodeGzip(data)
	case Snappy:
		out = snappy.Encode(nil, data)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %d", alg)
	}
	if err != nil {
		return nil, err
	}
	if len(out) == 0 || len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

// decode inflates data compressed with alg and verifies the result is exactly
// size bytes long.
func decode(alg Algorithm, data []byte, size int) ([]byte, error) {
	var (
		out []byte
		err error
	)

	switch alg {
	case None:
		out = data
	case LZ4:
		out = make([]byte, size)
		var n int
		n, err = lz4.UncompressBlock(data, out)
		out = out[:max(n, 0)]
	case Zstd:
		out, err = zstdDecoder.DecodeAll(data, make([]byte, 0, size))
	case Gzip:
		out, err = decodeGzip(data, size)
	case Snappy:
		var n int
		n, err = snappy.DecodedLen(data)
		if err == nil && n != size {
			return nil, fmt.Errorf("snappy: decoded length %d, expected %d", n, size)
		}
		if err == nil {
			out, err = snappy.Decode(make([]byte, size), data)
		}
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %d", alg)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", alg, err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("%s: got %d bytes, expected %d", alg, len(out), size)
	}
	return out, nil
}

func encodeLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return dst[:n], nil
}

func encodeGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeGzip(data []byte, size int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	// Read one byte past the expected size so an oversized stream is detected.
	out, err := io.ReadAll(io.LimitReader(r, int64(size)+1))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// zstdMaxDecoded bounds what the decoder allocates for one frame. Blocks are
// at most 32 KiB; a frame claiming more is rejected before it is inflated.
const zstdMaxDecoded = 64 << 10

// zstd.Encoder and zstd.Decoder are safe for concurrent use with EncodeAll
// and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(zstdMaxDecoded))
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}
