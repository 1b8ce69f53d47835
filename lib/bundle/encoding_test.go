// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/bureau-foundation/ota/lib/bundle/tags"
	"github.com/bureau-foundation/ota/lib/stlv"
	"github.com/bureau-foundation/ota/lib/testutil"
)

func TestHashAlgorithms(t *testing.T) {
	for _, algorithm := range []HashAlgorithm{HashSHA256, HashSHA512, HashSHA512256, HashBlake3} {
		t.Run(string(algorithm), func(t *testing.T) {
			parsed, err := ParseHashAlgorithm(string(algorithm))
			if err != nil {
				t.Fatalf("ParseHashAlgorithm: %v", err)
			}
			sum := parsed.Sum([]byte("payload"))
			if len(sum) != parsed.Size() {
				t.Fatalf("digest is %d bytes, Size() = %d", len(sum), parsed.Size())
			}
			streamed, n, err := parsed.SumReader(strings.NewReader("payload"))
			if err != nil || n != 7 || !bytes.Equal(streamed, sum) {
				t.Errorf("SumReader = %x, %d, %v; want %x, 7, nil", streamed, n, err, sum)
			}

			text := parsed.Digest(sum).String()
			if !strings.HasPrefix(text, string(algorithm)+":") {
				t.Errorf("digest %q lacks algorithm prefix", text)
			}
			roundAlgorithm, roundSum, err := ParseDigest(text)
			if err != nil {
				t.Fatalf("ParseDigest(%q): %v", text, err)
			}
			if roundAlgorithm != parsed || !bytes.Equal(roundSum, sum) {
				t.Errorf("ParseDigest(%q) = %s %x", text, roundAlgorithm, roundSum)
			}
		})
	}
}

func TestParseHashAlgorithmRejectsUnknown(t *testing.T) {
	if _, err := ParseHashAlgorithm("md5"); err == nil {
		t.Error("md5 accepted")
	}
	if _, _, err := ParseDigest("sha256:abcd"); err == nil {
		t.Error("short sha256 digest accepted")
	}
	if _, _, err := ParseDigest("crc32:00000000"); err == nil {
		t.Error("unknown digest algorithm accepted")
	}
}

func TestCompressionStreams(t *testing.T) {
	data := append(bytes.Repeat([]byte("system image "), 4096), testutil.RandomBytes(1, 10000)...)
	for _, compression := range []Compression{CompressionNone, CompressionXZ, CompressionZstd, CompressionLZ4} {
		t.Run(compression.String(), func(t *testing.T) {
			parsed, err := ParseCompression(compression.String())
			if err != nil || parsed != compression {
				t.Fatalf("ParseCompression(%q) = %v, %v", compression, parsed, err)
			}

			var compressed bytes.Buffer
			writer, err := compression.NewCompressor(&compressed)
			if err != nil {
				t.Fatalf("NewCompressor: %v", err)
			}
			if _, err := writer.Write(data); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if err := writer.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if compression != CompressionNone && compressed.Len() >= len(data) {
				t.Errorf("compressed %d bytes to %d", len(data), compressed.Len())
			}

			reader, err := compression.NewDecompressor(iotest.HalfReader(&compressed))
			if err != nil {
				t.Fatalf("NewDecompressor: %v", err)
			}
			defer reader.Close()
			decompressed, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if !bytes.Equal(decompressed, data) {
				t.Error("decompressed data differs")
			}
		})
	}
}

func TestCompressionBlocks(t *testing.T) {
	block := testutil.RandomBytes(2, 4096)
	for _, compression := range []Compression{CompressionNone, CompressionXZ, CompressionZstd, CompressionLZ4} {
		t.Run(compression.String(), func(t *testing.T) {
			compressed, err := compression.CompressBlock(block)
			if err != nil {
				t.Fatalf("CompressBlock: %v", err)
			}
			decompressed, err := compression.DecompressBlock(compressed, len(block))
			if err != nil {
				t.Fatalf("DecompressBlock: %v", err)
			}
			if !bytes.Equal(decompressed, block) {
				t.Error("block differs after round trip")
			}
			if _, err := compression.DecompressBlock(compressed, len(block)-1); !errors.Is(err, stlv.ErrCorrupt) {
				t.Errorf("wrong expected size: got %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestDecompressBlockRejectsOversizedZstdFrame(t *testing.T) {
	zeros := make([]byte, 1<<20)

	declared, err := CompressionZstd.CompressBlock(zeros)
	if err != nil {
		t.Fatalf("CompressBlock: %v", err)
	}

	// A streamed frame carries no content size, so only decoding finds
	// out how large it is.
	var buffer bytes.Buffer
	writer, err := CompressionZstd.NewCompressor(&buffer)
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	if _, err := writer.Write(zeros); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for name, frame := range map[string][]byte{"declared size": declared, "streamed": buffer.Bytes()} {
		t.Run(name, func(t *testing.T) {
			if len(frame) > 16384*2+4096 {
				t.Fatalf("frame is %d bytes, too large to pass as a stored block", len(frame))
			}
			if _, err := CompressionZstd.DecompressBlock(frame, 16384); !errors.Is(err, stlv.ErrCorrupt) {
				t.Errorf("DecompressBlock = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestCompressionNode(t *testing.T) {
	if node := CompressionNone.node(tags.PayloadHeaderCompression); node != nil {
		t.Errorf("no compression encodes as %s", node)
	}
	for _, compression := range []Compression{CompressionXZ, CompressionZstd, CompressionLZ4} {
		decoded, err := decodeCompression(compression.node(tags.PayloadHeaderCompression))
		if err != nil || decoded != compression {
			t.Errorf("decodeCompression(%s) = %v, %v", compression, decoded, err)
		}
	}
	empty := stlv.NewSegment(tags.PayloadHeaderCompression)
	if _, err := decodeCompression(empty); !errors.Is(err, stlv.ErrCorrupt) {
		t.Errorf("empty compression segment: got %v, want ErrCorrupt", err)
	}
}

func TestParseChunker(t *testing.T) {
	valid := map[string]Chunker{
		"fixed-4":  {Kind: ChunkerFixed, Size: 4096},
		"fixed-64": {Kind: ChunkerFixed, Size: 65536},
		"gear-1":   {Kind: ChunkerGear, Size: 1024},
		"gear-64":  {Kind: ChunkerGear, Size: 65536},
	}
	for name, want := range valid {
		got, err := ParseChunker(name)
		if err != nil {
			t.Errorf("ParseChunker(%q): %v", name, err)
			continue
		}
		if got != want {
			t.Errorf("ParseChunker(%q) = %+v, want %+v", name, got, want)
		}
		if got.String() != name {
			t.Errorf("String() = %q, want %q", got.String(), name)
		}
	}
	for _, name := range []string{"", "fixed", "fixed-", "fixed-3", "fixed-0", "fixed-04", "gear-x", "casync-64", "fixed--4", "gear-32768"} {
		if _, err := ParseChunker(name); err == nil {
			t.Errorf("ParseChunker(%q) accepted", name)
		}
	}
}

func chunkAll(t *testing.T, chunker Chunker, r io.Reader) [][]byte {
	t.Helper()
	var blocks [][]byte
	reader := chunker.NewChunkReader(r)
	var offset uint64
	for {
		block, blockOffset, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return blocks
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if blockOffset != offset {
			t.Fatalf("block offset %d, want %d", blockOffset, offset)
		}
		offset += uint64(len(block))
		blocks = append(blocks, bytes.Clone(block))
	}
}

func TestFixedChunker(t *testing.T) {
	chunker, _ := ParseChunker("fixed-4")
	data := testutil.RandomBytes(3, 4096*5+100)
	blocks := chunkAll(t, chunker, bytes.NewReader(data))
	if len(blocks) != 6 {
		t.Fatalf("got %d blocks, want 6", len(blocks))
	}
	for i, block := range blocks[:5] {
		if len(block) != 4096 {
			t.Errorf("block %d is %d bytes", i, len(block))
		}
	}
	if len(blocks[5]) != 100 {
		t.Errorf("last block is %d bytes, want 100", len(blocks[5]))
	}
	if !bytes.Equal(bytes.Join(blocks, nil), data) {
		t.Error("blocks do not reassemble the input")
	}

	if blocks := chunkAll(t, chunker, bytes.NewReader(nil)); len(blocks) != 0 {
		t.Errorf("empty input produced %d blocks", len(blocks))
	}
}

func TestGearChunkerBounds(t *testing.T) {
	chunker, _ := ParseChunker("gear-1")
	data := testutil.RandomBytes(4, 200000)
	blocks := chunkAll(t, chunker, bytes.NewReader(data))
	if !bytes.Equal(bytes.Join(blocks, nil), data) {
		t.Fatal("blocks do not reassemble the input")
	}
	for i, block := range blocks {
		if len(block) > chunker.MaxBlockSize() {
			t.Errorf("block %d is %d bytes, above the maximum", i, len(block))
		}
		if i < len(blocks)-1 && len(block) < chunker.MinBlockSize() {
			t.Errorf("block %d is %d bytes, below the minimum", i, len(block))
		}
	}
	average := len(data) / len(blocks)
	if average < chunker.Size/2 || average > chunker.Size*3 {
		t.Errorf("average block size %d is far from the %d target", average, chunker.Size)
	}
}

func TestGearChunkerStreamingMatchesBuffered(t *testing.T) {
	chunker, _ := ParseChunker("gear-1")
	data := testutil.RandomBytes(5, 50000)
	buffered := chunkAll(t, chunker, bytes.NewReader(data))
	streamed := chunkAll(t, chunker, iotest.OneByteReader(bytes.NewReader(data)))
	if len(buffered) != len(streamed) {
		t.Fatalf("buffered %d blocks, streamed %d", len(buffered), len(streamed))
	}
	for i := range buffered {
		if !bytes.Equal(buffered[i], streamed[i]) {
			t.Fatalf("block %d differs between buffered and streamed input", i)
		}
	}
}

func TestGearChunkerInsertionLocality(t *testing.T) {
	chunker, _ := ParseChunker("gear-1")
	original := testutil.RandomBytes(6, 100000)
	modified := append(append(bytes.Clone(original[:50000]), []byte("inserted bytes")...), original[50000:]...)

	hashes := func(data []byte) map[string]bool {
		set := make(map[string]bool)
		for _, block := range chunkAll(t, chunker, bytes.NewReader(data)) {
			set[string(HashSHA256.Sum(block))] = true
		}
		return set
	}
	before, after := hashes(original), hashes(modified)
	shared := 0
	for hash := range after {
		if before[hash] {
			shared++
		}
	}
	if shared < len(after)-6 {
		t.Errorf("only %d of %d blocks survive a small insertion", shared, len(after))
	}
}

func TestComputeBlockIndex(t *testing.T) {
	chunker, _ := ParseChunker("fixed-4")
	data := append(bytes.Repeat([]byte{0}, 8192), testutil.RandomBytes(7, 5000)...)
	index, err := ComputeBlockIndex(t.Context(), bytes.NewReader(data), chunker, HashSHA256)
	if err != nil {
		t.Fatalf("ComputeBlockIndex: %v", err)
	}
	if index.Len() != 4 || index.TotalSize() != uint64(len(data)) {
		t.Fatalf("index has %d blocks, %d bytes", index.Len(), index.TotalSize())
	}
	locations := index.Locations()
	if len(locations) != 3 {
		t.Errorf("got %d distinct blocks, want 3", len(locations))
	}
	if location := locations[string(index.Hashes[1])]; location.Offset != 0 {
		t.Errorf("repeated zero block located at %d, want its first occurrence", location.Offset)
	}
}

func TestIndexedSource(t *testing.T) {
	chunker, _ := ParseChunker("fixed-4")
	base := testutil.RandomBytes(8, 4096*3)
	index, err := ComputeBlockIndex(t.Context(), bytes.NewReader(base), chunker, HashSHA256)
	if err != nil {
		t.Fatal(err)
	}
	source := NewIndexedSource(bytes.NewReader(base), index)
	block, err := source.ReadBlock(index.Hashes[2], index.Sizes[2])
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(block, base[8192:]) {
		t.Error("wrong block content")
	}

	if _, err := source.ReadBlock(HashSHA256.Sum([]byte("absent")), 4096); !errors.Is(err, ErrDeltaBaseUnavailable) {
		t.Errorf("absent block: got %v, want ErrDeltaBaseUnavailable", err)
	}

	changed := bytes.Clone(base)
	changed[5000] ^= 0xff
	stale := NewIndexedSource(bytes.NewReader(changed), index)
	if _, err := stale.ReadBlock(index.Hashes[1], index.Sizes[1]); !errors.Is(err, ErrDeltaBaseUnavailable) {
		t.Errorf("changed base: got %v, want ErrDeltaBaseUnavailable", err)
	}
}
