// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"github.com/bureau-foundation/ota/lib/bundle/tags"
	"github.com/bureau-foundation/ota/lib/stlv"
)

// Compression identifies a compression scheme. On the wire a scheme is
// a segment inside a PAYLOAD_HEADER_COMPRESSION or
// BLOCK_ENCODING_COMPRESSION segment; the zero value means the segment
// is absent.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionXZ
	CompressionZstd
	CompressionLZ4
)

// String returns the name used in manifests and inspection output.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionXZ:
		return "xz"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name. The empty string means
// no compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "xz":
		return CompressionXZ, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

func (c Compression) tag() stlv.Tag {
	switch c {
	case CompressionXZ:
		return tags.CompressionXZ
	case CompressionZstd:
		return tags.CompressionZstd
	case CompressionLZ4:
		return tags.CompressionLZ4
	default:
		panic("bundle: compression " + c.String() + " has no tag")
	}
}

// node returns the compression segment wrapped in outer, or nil when
// there is no compression.
func (c Compression) node(outer stlv.Tag) *stlv.Node {
	if c == CompressionNone {
		return nil
	}
	return stlv.NewSegment(outer, stlv.NewSegment(c.tag()))
}

// decodeCompression reads a compression segment. Exactly one scheme
// must be present.
func decodeCompression(node *stlv.Node) (Compression, error) {
	if len(node.Children) != 1 {
		return 0, corruptf("%s holds %d schemes, expected one", tags.NameOrHex(node.Tag), len(node.Children))
	}
	switch tag := node.Children[0].Tag; tag {
	case tags.CompressionXZ:
		return CompressionXZ, nil
	case tags.CompressionZstd:
		return CompressionZstd, nil
	case tags.CompressionLZ4:
		return CompressionLZ4, nil
	default:
		return 0, unexpectedTag(node.Tag, tag)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewCompressor returns a writer that compresses into w. Close flushes
// the final frame but does not close w.
func (c Compression) NewCompressor(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionXZ:
		writer, err := xz.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("xz compressor: %w", err)
		}
		return writer, nil
	case CompressionZstd:
		writer, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd compressor: %w", err)
		}
		return writer, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}
}

// NewDecompressor returns a reader yielding the decompressed content
// of r. Close releases decoder resources but does not close r.
func (c Compression) NewDecompressor(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionXZ:
		reader, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("xz decompressor: %w", err)
		}
		return io.NopCloser(reader), nil
	case CompressionZstd:
		// A single-threaded decoder reads r on the caller's goroutine.
		decoder, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd decompressor: %w", err)
		}
		return decoder.IOReadCloser(), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}
}

// maxDecodedBlockSize bounds what a single block frame may expand to
// before its length is checked: the largest block any chunker cuts.
const maxDecodedBlockSize = 4 * maxChunkerSize

// zstdEncoder and zstdDecoder serve one-shot block compression. Both
// are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("bundle: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBlockSize))
	if err != nil {
		panic("bundle: zstd decoder initialization failed: " + err.Error())
	}
}

// CompressBlock compresses one block into a self-contained frame.
// Unlike whole-payload compression there is no per-block flag, so the
// frame is kept even when it is larger than the input.
func (c Compression) CompressBlock(data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	default:
		var buffer bytes.Buffer
		writer, err := c.NewCompressor(&buffer)
		if err != nil {
			return nil, err
		}
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("%s compress: %w", c, err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("%s compress: %w", c, err)
		}
		return buffer.Bytes(), nil
	}
}

// DecompressBlock reverses CompressBlock. The result must be exactly
// size bytes long.
func (c Compression) DecompressBlock(compressed []byte, size int) ([]byte, error) {
	var result []byte
	switch c {
	case CompressionNone:
		result = compressed
	case CompressionZstd:
		var header zstd.Header
		if err := header.Decode(compressed); err != nil {
			return nil, corruptf("zstd frame header: %v", err)
		}
		if header.HasFCS && header.FrameContentSize != uint64(size) {
			return nil, corruptf("zstd block declares %d bytes, expected %d", header.FrameContentSize, size)
		}
		decoded, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
		if err != nil {
			return nil, corruptf("zstd decompress: %v", err)
		}
		result = decoded
	default:
		reader, err := c.NewDecompressor(bytes.NewReader(compressed))
		if err != nil {
			return nil, corruptf("%s decompress: %v", c, err)
		}
		defer reader.Close()
		result = make([]byte, size)
		if _, err := io.ReadFull(reader, result); err != nil {
			return nil, corruptf("%s decompress: %v", c, err)
		}
		var extra [1]byte
		if n, _ := reader.Read(extra[:]); n != 0 {
			return nil, corruptf("%s block decompresses to more than %d bytes", c, size)
		}
	}
	if len(result) != size {
		return nil, corruptf("%s block decompresses to %d bytes, expected %d", c, len(result), size)
	}
	return result, nil
}
