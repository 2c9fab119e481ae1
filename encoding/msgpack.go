// Package encoding provides centralized serialization for flowmeta.
// Every persisted record and every RPC message goes through this package so
// the store and the wire always agree on the format.
//
// Thread Safety: all functions are safe for concurrent use.
package encoding

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings stay Go strings instead of []byte.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// Compressed blobs start with this byte so that plain msgpack records
// written by older code can still be read.
const compressedMagic = 0xc1

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
	codecErr    error
)

func initCodecs() {
	encoderOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
}

// MarshalCompressed encodes v with msgpack and compresses the result with
// zstd. Used for large records such as storage versions.
func MarshalCompressed(v interface{}) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	initCodecs()
	if codecErr != nil {
		return nil, fmt.Errorf("zstd init: %w", codecErr)
	}

	out := make([]byte, 1, len(raw)/2+1)
	out[0] = compressedMagic
	return encoder.EncodeAll(raw, out), nil
}

// UnmarshalCompressed reverses MarshalCompressed. Uncompressed msgpack input
// is accepted as well.
func UnmarshalCompressed(data []byte, v interface{}) error {
	if len(data) == 0 || data[0] != compressedMagic {
		return Unmarshal(data, v)
	}

	initCodecs()
	if codecErr != nil {
		return fmt.Errorf("zstd init: %w", codecErr)
	}

	raw, err := decoder.DecodeAll(data[1:], nil)
	if err != nil {
		return fmt.Errorf("zstd decode: %w", err)
	}
	return Unmarshal(raw, v)
}
