package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// DefaultCompressThreshold is the payload size above which the codec tries
// zstd.
const DefaultCompressThreshold = 1024

const (
	headerJSON byte = 'j'
	headerZstd byte = 'z'
)

var errEmptyPayload = errors.New("empty payload")

// Codec turns cache values into record payloads and back. Values are JSON
// documents behind a one byte header; large payloads are zstd compressed
// when that makes them smaller.
type Codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCodec creates a codec. A threshold of zero or less disables compression.
func NewCodec(threshold int) (*Codec, error) {
	c := &Codec{threshold: threshold}

	var err error
	c.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	c.decoder, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return c, nil
}

var (
	defaultCodecOnce sync.Once
	defaultCodec     *Codec
)

// DefaultCodec returns the shared codec with DefaultCompressThreshold.
func DefaultCodec() *Codec {
	defaultCodecOnce.Do(func() {
		c, err := NewCodec(DefaultCompressThreshold)
		if err != nil {
			panic(err)
		}
		defaultCodec = c
	})
	return defaultCodec
}

// Encode serializes value. compressed reports whether zstd was applied.
func (c *Codec) Encode(value any) (payload []byte, compressed bool, err error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, false, fmt.Errorf("encode value: %w", err)
	}

	if c.threshold > 0 && len(raw) > c.threshold {
		packed := c.encoder.EncodeAll(raw, make([]byte, 1, len(raw)/2+1))
		packed[0] = headerZstd
		if len(packed) < len(raw)+1 {
			return packed, true, nil
		}
	}

	out := make([]byte, 0, len(raw)+1)
	out = append(out, headerJSON)
	out = append(out, raw...)
	return out, false, nil
}

// Decode reverses Encode. JSON numbers come back as float64 and objects as
// map[string]any.
func (c *Codec) Decode(payload []byte) (any, error) {
	if len(payload) == 0 {
		return nil, errEmptyPayload
	}

	raw := payload[1:]
	switch payload[0] {
	case headerJSON:
	case headerZstd:
		var err error
		raw, err = c.decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress value: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown payload header %#x", payload[0])
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return value, nil
}
