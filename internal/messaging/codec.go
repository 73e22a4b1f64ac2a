package messaging

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// MaxDecodedSize bounds a notification body before and after compression.
const MaxDecodedSize = 16 << 20

var (
	// ErrUnknownCodec reports a codec name or tag this build does not know.
	ErrUnknownCodec = errors.New("unknown codec")
	// ErrEmptyPayload reports a payload without even the codec tag.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrTooLarge reports a body above MaxDecodedSize.
	ErrTooLarge = errors.New("notification body too large")
)

// Codec identifies how a notification body was compressed. It travels as the
// first byte of every payload so receivers never need to be configured to match.
type Codec byte

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecZstd:
		return "zstd"
	}
	return fmt.Sprintf("codec(%d)", byte(c))
}

// ParseCodec maps a configured codec name to a Codec. The empty name is none.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "zstd":
		return CodecZstd, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	})
)

// Encode compresses body with c and prefixes the codec tag.
func Encode(c Codec, body []byte) ([]byte, error) {
	if len(body) > MaxDecodedSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(body))
	}
	switch c {
	case CodecNone:
		out := make([]byte, 1, 1+len(body))
		out[0] = byte(c)
		return append(out, body...), nil
	case CodecSnappy:
		out := make([]byte, 1, 1+snappy.MaxEncodedLen(len(body)))
		out[0] = byte(c)
		enc := snappy.Encode(out[1:cap(out)], body)
		return out[:1+len(enc)], nil
	case CodecZstd:
		enc, err := zstdEncoder()
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return enc.EncodeAll(body, []byte{byte(c)}), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, byte(c))
}

// Decode reverses Encode, whatever codec the sender used.
func Decode(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, ErrEmptyPayload
	}
	c, body := Codec(p[0]), p[1:]
	switch c {
	case CodecNone:
		return body, nil
	case CodecSnappy:
		n, err := snappy.DecodedLen(body)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		if n > MaxDecodedSize {
			return nil, fmt.Errorf("%w: snappy block declares %d bytes", ErrTooLarge, n)
		}
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		return out, nil
	case CodecZstd:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		out, err := dec.DecodeAll(body, nil)
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, fmt.Errorf("%w: zstd frame exceeds %d bytes", ErrTooLarge, MaxDecodedSize)
		}
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, byte(c))
}
