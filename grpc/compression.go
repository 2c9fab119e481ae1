package grpc

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/maxpert/flowmeta/cfg"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/encoding"
)

const zstdName = "zstd"

// zstdCompressor implements encoding.Compressor with pooled zstd coders
type zstdCompressor struct {
	level       zstd.EncoderLevel
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// Compressors are registered before any connection exists. The level comes
// from the defaults; servers accept every level regardless.
func init() {
	registerZstdCompressor(compressionLevel())
}

func registerZstdCompressor(level int) {
	if level == 0 {
		log.Debug().Msg("gRPC compression disabled (level=0)")
		return
	}
	encoding.RegisterCompressor(&zstdCompressor{level: configLevelToZstd(level)})
}

func (c *zstdCompressor) Name() string {
	return zstdName
}

func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	if enc, ok := c.encoderPool.Get().(*zstd.Encoder); ok {
		enc.Reset(w)
		return &pooledEncoder{enc: enc, pool: &c.encoderPool}, nil
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, err
	}
	return &pooledEncoder{enc: enc, pool: &c.encoderPool}, nil
}

func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	if dec, ok := c.decoderPool.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err != nil {
			c.decoderPool.Put(dec)
			return nil, err
		}
		return &pooledDecoder{dec: dec, pool: &c.decoderPool}, nil
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &pooledDecoder{dec: dec, pool: &c.decoderPool}, nil
}

type pooledEncoder struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (p *pooledEncoder) Write(data []byte) (int, error) {
	return p.enc.Write(data)
}

func (p *pooledEncoder) Close() error {
	err := p.enc.Close()
	p.pool.Put(p.enc)
	return err
}

// pooledDecoder goes back to the pool once the message is fully read
type pooledDecoder struct {
	dec  *zstd.Decoder
	pool *sync.Pool
	done bool
}

func (p *pooledDecoder) Read(data []byte) (int, error) {
	if p.done {
		return 0, io.EOF
	}
	n, err := p.dec.Read(data)
	if err == io.EOF {
		p.done = true
		p.pool.Put(p.dec)
	}
	return n, err
}

func compressionLevel() int {
	if cfg.Config == nil {
		return 1
	}
	return cfg.Config.GRPC.CompressionLevel
}

// zstdLevels maps config levels 1-4 to encoder levels
var zstdLevels = [...]zstd.EncoderLevel{
	zstd.SpeedFastest,
	zstd.SpeedDefault,
	zstd.SpeedBetterCompression,
	zstd.SpeedBestCompression,
}

func configLevelToZstd(level int) zstd.EncoderLevel {
	if level < 1 || level > len(zstdLevels) {
		return zstd.SpeedFastest
	}
	return zstdLevels[level-1]
}

// CompressionName returns the compressor clients should use, empty when
// compression is off
func CompressionName() string {
	if compressionLevel() > 0 {
		return zstdName
	}
	return ""
}
