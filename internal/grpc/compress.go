package grpc

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

// ZstdName is the grpc-encoding identifier of the zstd compressor.
const ZstdName = "zstd"

func init() {
	encoding.RegisterCompressor(newZstdCompressor())
}

// zstdCompressor implements encoding.Compressor with pooled klauspost streams.
type zstdCompressor struct {
	encoders sync.Pool
	decoders sync.Pool
}

func newZstdCompressor() *zstdCompressor {
	c := &zstdCompressor{}
	c.encoders.New = func() any {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		return enc
	}
	c.decoders.New = func() any {
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return dec
	}
	return c
}

// Name reports the identifier advertised in the grpc-encoding header.
func (c *zstdCompressor) Name() string { return ZstdName }

// Compress wraps w in a pooled encoder. The encoder returns to the pool on Close.
func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	enc := c.encoders.Get().(*zstd.Encoder)
	enc.Reset(w)
	return &pooledEncoder{Encoder: enc, pool: &c.encoders}, nil
}

// Decompress wraps r in a pooled decoder. The decoder returns to the pool at EOF.
func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec := c.decoders.Get().(*zstd.Decoder)
	if err := dec.Reset(r); err != nil {
		c.decoders.Put(dec)
		return nil, err
	}
	return &pooledDecoder{dec: dec, pool: &c.decoders}, nil
}

type pooledEncoder struct {
	*zstd.Encoder
	pool *sync.Pool
}

func (e *pooledEncoder) Close() error {
	//1.- Finish the frame before the encoder can be reused.
	err := e.Encoder.Close()
	e.pool.Put(e.Encoder)
	return err
}

type pooledDecoder struct {
	dec  *zstd.Decoder
	pool *sync.Pool
}

func (d *pooledDecoder) Read(p []byte) (int, error) {
	if d.dec == nil {
		return 0, io.EOF
	}
	n, err := d.dec.Read(p)
	if err == io.EOF {
		d.pool.Put(d.dec)
		d.dec = nil
	}
	return n, err
}
