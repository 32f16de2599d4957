package backup

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"maps"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// Payload encodings understood by Decode. Encode always writes EncodingZstdBase64.
const (
	EncodingBase64     = "base64"
	EncodingZstdBase64 = "zstd+base64"
)

const (
	// maxSnapshotBytes bounds the decoded size an envelope may claim.
	maxSnapshotBytes = 4 << 30
	// zstdWindow is the largest window Encode writes and Decode accepts.
	zstdWindow = 8 << 20
	// initialDecodeBuf caps the up-front output allocation; the buffer grows
	// only as decompressed bytes arrive.
	initialDecodeBuf = 1 << 20
)

var zstdEncoder, _ = zstd.NewWriter(nil,
	zstd.WithEncoderLevel(zstd.SpeedDefault),
	zstd.WithWindowSize(zstdWindow),
)

// Encode wraps raw database bytes in an envelope stamped with the current time.
func Encode(raw []byte, counts map[string]int64) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, ErrEmptySnapshot
	}
	compressed := zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	return &Envelope{
		Payload:     base64.StdEncoding.EncodeToString(compressed),
		Encoding:    EncodingZstdBase64,
		CreatedAt:   time.Now().UTC(),
		SizeBytes:   int64(len(raw)),
		TableCounts: maps.Clone(counts),
	}, nil
}

// EncodeFile reads the file at path fully and encodes it.
func EncodeFile(path string, counts map[string]int64) (*Envelope, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, path, err)
	}
	return Encode(raw, counts)
}

// Decode returns the raw database bytes carried by env. It never touches disk.
func Decode(env *Envelope) ([]byte, error) {
	if env == nil || env.Payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrCorruptEnvelope)
	}
	if env.SizeBytes <= 0 || env.SizeBytes > maxSnapshotBytes {
		return nil, fmt.Errorf("%w: invalid size %d", ErrCorruptEnvelope, env.SizeBytes)
	}

	data, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrCorruptEnvelope, err)
	}

	switch env.Encoding {
	case EncodingBase64, "":
	case EncodingZstdBase64:
		data, err = decompress(data, env.SizeBytes)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrCorruptEnvelope, env.Encoding)
	}

	if int64(len(data)) != env.SizeBytes {
		return nil, fmt.Errorf("%w: size %d, envelope says %d", ErrCorruptEnvelope, len(data), env.SizeBytes)
	}
	return data, nil
}

// decompress inflates a zstd frame expected to hold want bytes. The frame
// header is checked against want before decoding, and output memory tracks
// the bytes actually produced rather than the size the envelope claims.
func decompress(data []byte, want int64) ([]byte, error) {
	var h zstd.Header
	if err := h.Decode(data); err != nil {
		return nil, fmt.Errorf("%w: zstd header: %v", ErrCorruptEnvelope, err)
	}
	if h.Skippable {
		return nil, fmt.Errorf("%w: zstd: skippable frame", ErrCorruptEnvelope)
	}
	if h.HasFCS && h.FrameContentSize != uint64(want) {
		return nil, fmt.Errorf("%w: frame holds %d bytes, envelope says %d", ErrCorruptEnvelope, h.FrameContentSize, want)
	}
	if h.SingleSegment && h.FrameContentSize > zstdWindow {
		return nil, fmt.Errorf("%w: zstd: single-segment frame of %d bytes", ErrCorruptEnvelope, h.FrameContentSize)
	}

	dec, err := zstd.NewReader(bytes.NewReader(data),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
		zstd.WithDecoderMaxWindow(zstdWindow),
		zstd.WithDecoderMaxMemory(maxSnapshotBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptEnvelope, err)
	}
	defer dec.Close()

	var out bytes.Buffer
	out.Grow(int(min(want, initialDecodeBuf)))
	if _, err := out.ReadFrom(io.LimitReader(dec, want+1)); err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptEnvelope, err)
	}
	return out.Bytes(), nil
}

// MarshalEnvelope serializes env for storage.
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// UnmarshalEnvelope parses a stored envelope. Malformed input is ErrCorruptEnvelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEnvelope, err)
	}
	return &env, nil
}
