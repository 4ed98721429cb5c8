// Package gzip implements and registers the gzip compressor during init().
// Importing this package will make the "gzip" grpc-encoding negotiable on
// both client and server.
package gzip

import (
	"compress/gzip"
	"io"
	"sync"

	"github.com/c-ryan747/grpclib/encoding"
)

// Name is the name registered for the gzip compressor.
const Name = "gzip"

func init() {
	c := &compressor{}
	c.poolCompressor.New = func() interface{} {
		return &writer{Writer: gzip.NewWriter(io.Discard), pool: &c.poolCompressor}
	}
	encoding.RegisterCompressor(c)
}

type writer struct {
	*gzip.Writer
	pool *sync.Pool
}

// SetLevel updates the registered gzip compressor to use the compression
// level specified (gzip.DefaultCompression, gzip.BestSpeed, ...).
func SetLevel(level int) error {
	c, ok := encoding.GetCompressor(Name).(*compressor)
	if !ok {
		return nil
	}
	c.poolCompressor.New = func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, level)
		return &writer{Writer: w, pool: &c.poolCompressor}
	}
	return nil
}

type compressor struct {
	poolCompressor   sync.Pool
	poolDecompressor sync.Pool
}

func (c *compressor) Compress(w io.Writer) (io.WriteCloser, error) {
	z := c.poolCompressor.Get().(*writer)
	z.Writer.Reset(w)
	return z, nil
}

func (z *writer) Close() error {
	defer z.pool.Put(z)
	return z.Writer.Close()
}

type reader struct {
	*gzip.Reader
	pool *sync.Pool
}

func (c *compressor) Decompress(r io.Reader) (io.Reader, error) {
	z, inPool := c.poolDecompressor.Get().(*reader)
	if !inPool {
		newZ, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return &reader{Reader: newZ, pool: &c.poolDecompressor}, nil
	}
	if err := z.Reset(r); err != nil {
		c.poolDecompressor.Put(z)
		return nil, err
	}
	return z, nil
}

func (z *reader) Read(p []byte) (n int, err error) {
	n, err = z.Reader.Read(p)
	if err == io.EOF {
		z.pool.Put(z)
	}
	return n, err
}

func (c *compressor) Name() string {
	return Name
}
