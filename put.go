package bcs

import (
	"context"
	"io"
)

type putConfig struct {
	expected Key
	blobOpts []BlobOption
}

// PutOption is an option to Put.
type PutOption func(*putConfig)

// WithExpectedKey makes Put fail with ErrDigestMismatch
// (storing nothing)
// unless the content's key is k.
func WithExpectedKey(k Key) PutOption {
	return func(c *putConfig) { c.expected = k }
}

// PutMimeType records a MIME type on the Blob that Put returns.
func PutMimeType(s string) PutOption {
	return func(c *putConfig) { c.blobOpts = append(c.blobOpts, WithMimeType(s)) }
}

// PutFilename records a filename on the Blob that Put returns.
func PutFilename(s string) PutOption {
	return func(c *putConfig) { c.blobOpts = append(c.blobOpts, WithFilename(s)) }
}

// PutEncoding records a content encoding on the Blob that Put returns.
func PutEncoding(s string) PutOption {
	return func(c *putConfig) { c.blobOpts = append(c.blobOpts, WithEncoding(s)) }
}

// Put writes the content of r to s and returns a store-backed Blob for it.
// It reads r exactly once, front to back.
// The returned Blob's length is already known.
func Put(ctx context.Context, s Store, r io.Reader, opts ...PutOption) (*Blob, error) {
	var conf putConfig
	for _, opt := range opts {
		opt(&conf)
	}

	cr := &countingReader{r: r}
	key, err := s.Write(ctx, cr, conf.expected)
	if err != nil {
		return nil, err
	}

	blobOpts := append(conf.blobOpts, WithLength(cr.n))
	return NewStoreBlob(s, key, blobOpts...), nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
