package encoding

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Payload frames carry a one byte header telling whether the body is zstd
// compressed.
const (
	framePlain byte = 0
	frameZstd  byte = 1
)

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		// NewWriter with a nil writer only fails on invalid options
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil)
	})
	return decoder
}

// Pack frames data, compressing it when it is at least threshold bytes long.
// A threshold <= 0 disables compression.
func Pack(data []byte, threshold int) []byte {
	if threshold <= 0 || len(data) < threshold {
		out := make([]byte, 0, len(data)+1)
		out = append(out, framePlain)
		return append(out, data...)
	}
	out := make([]byte, 1, len(data)/2+1)
	out[0] = frameZstd
	return zstdEncoder().EncodeAll(data, out)
}

// Unpack reverses Pack.
func Unpack(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty payload frame")
	}
	switch frame[0] {
	case framePlain:
		return frame[1:], nil
	case frameZstd:
		out, err := zstdDecoder().DecodeAll(frame[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown payload frame type %d", frame[0])
}
