package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// File layout (little endian):
//
//	magic    [4]byte "FFST"
//	version  uint16
//	compress uint8
//	crc32    uint32  IEEE checksum of the payload as stored
//	payload  compressed gob(snapshot)
const (
	magic      = "FFST"
	headerSize = 4 + 2 + 1 + 4

	// SchemaVersion is the on-disk format version written by this package.
	SchemaVersion = 1
)

// Compression selects the payload codec.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps "none", "lz4" or "zstd" to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q (want none, lz4 or zstd)", s)
	}
}

// snapshot is the serialized form of a Store.
type snapshot struct {
	Meta      Meta
	Records   map[string][][]float32
	Processed []string
}

func encodeFile(snap *snapshot, c Compression) ([]byte, error) {
	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(snap); err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}

	payload, err := compress(raw.Bytes(), c)
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out[0:4], magic)
	binary.LittleEndian.PutUint16(out[4:6], SchemaVersion)
	out[6] = byte(c)
	binary.LittleEndian.PutUint32(out[7:11], crc32.ChecksumIEEE(payload))
	return append(out, payload...), nil
}

func decodeFile(data []byte) (*snapshot, Compression, error) {
	if len(data) < headerSize {
		return nil, 0, fmt.Errorf("%w: truncated header (%d bytes)", ErrCorruptStore, len(data))
	}
	if string(data[0:4]) != magic {
		return nil, 0, fmt.Errorf("%w: bad magic %q", ErrCorruptStore, data[0:4])
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != SchemaVersion {
		return nil, 0, fmt.Errorf("%w: file version %d, supported %d", ErrIncompatibleVersion, v, SchemaVersion)
	}
	c := Compression(data[6])
	payload := data[headerSize:]
	if sum := crc32.ChecksumIEEE(payload); sum != binary.LittleEndian.Uint32(data[7:11]) {
		return nil, 0, fmt.Errorf("%w: checksum mismatch", ErrCorruptStore)
	}

	raw, err := decompress(payload, c)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}

	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		return nil, 0, fmt.Errorf("%w: decoding snapshot: %v", ErrCorruptStore, err)
	}
	return &snap, c, nil
}

func compress(raw []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return raw, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}
}

func decompress(payload []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return payload, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer dec.Close()
		return dec.DecodeAll(payload, nil)
	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}
}
