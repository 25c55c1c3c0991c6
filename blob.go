package bcs

import (
	"context"
	stderrs "errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("logger", "bcs")

// OpenFunc opens a fresh stream on some content.
type OpenFunc func(context.Context) (io.ReadCloser, error)

// Blob is a handle to some bytes plus metadata,
// independent of where the bytes live.
// A Blob is either URL-backed
// (every Open re-resolves the URL)
// or store-backed
// (every Open reads a key from a store).
//
// A Blob is safe for concurrent use.
type Blob struct {
	mimeType string
	encoding string
	filename string

	open OpenFunc

	// Set for store-backed blobs.
	store Getter
	key   Key

	// Set for URL-backed blobs.
	url    string
	client *http.Client

	mu     sync.Mutex // serializes length computation
	known  atomic.Bool
	length atomic.Int64
}

// BlobOption is an option to NewBlob, NewURLBlob, and NewStoreBlob.
type BlobOption func(*Blob)

// WithMimeType sets a blob's MIME type.
func WithMimeType(s string) BlobOption {
	return func(b *Blob) { b.mimeType = s }
}

// WithEncoding sets a blob's content encoding.
func WithEncoding(s string) BlobOption {
	return func(b *Blob) { b.encoding = s }
}

// WithFilename sets a blob's filename.
func WithFilename(s string) BlobOption {
	return func(b *Blob) { b.filename = s }
}

// WithLength supplies a blob's length,
// so that Length need not compute it.
func WithLength(n int64) BlobOption {
	return func(b *Blob) {
		b.length.Store(n)
		b.known.Store(true)
	}
}

// WithHTTPClient sets the client a URL-backed blob uses for http and https URLs.
// The default is http.DefaultClient.
func WithHTTPClient(c *http.Client) BlobOption {
	return func(b *Blob) { b.client = c }
}

// NewBlob produces a Blob whose content is obtained by calling open.
func NewBlob(open OpenFunc, opts ...BlobOption) *Blob {
	b := &Blob{open: open}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewStoreBlob produces a Blob for the given key in the given store.
func NewStoreBlob(g Getter, key Key, opts ...BlobOption) *Blob {
	b := &Blob{store: g, key: key}
	b.open = func(ctx context.Context) (io.ReadCloser, error) {
		return g.Read(ctx, key)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewURLBlob produces a Blob whose content lives at the given URL.
// Supported schemes are http, https, and file.
// The URL is resolved anew on every call to Open.
func NewURLBlob(rawurl string, opts ...BlobOption) (*Blob, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing URL %s", rawurl)
	}
	switch u.Scheme {
	case "http", "https", "file":
	default:
		return nil, errors.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	b := &Blob{url: rawurl}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		b.client = http.DefaultClient
	}
	b.open = func(ctx context.Context) (io.ReadCloser, error) {
		return openURL(ctx, b.client, u)
	}
	return b, nil
}

func openURL(ctx context.Context, client *http.Client, u *url.URL) (io.ReadCloser, error) {
	if u.Scheme == "file" {
		f, err := os.Open(u.Path)
		if stderrs.Is(err, os.ErrNotExist) {
			return nil, E("open", u.String(), "", ErrResourceUnavailable, err)
		}
		if err != nil {
			return nil, E("open", u.String(), "", ErrIO, err)
		}
		return f, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building request for %s", u)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, E("open", u.String(), "", ErrIO, CtxErr(ctx, err))
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, E("open", u.String(), "", ErrResourceUnavailable, errors.New(resp.Status))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, E("open", u.String(), "", ErrIO, errors.New(resp.Status))
	}

	// Content-Length is not trusted; see Blob.Length.
	return resp.Body, nil
}

// Open opens a fresh stream on the blob's content.
// The caller must close it.
func (b *Blob) Open(ctx context.Context) (io.ReadCloser, error) {
	return b.open(ctx)
}

// Length returns the length of the blob in bytes,
// or -1 if it could not be determined.
//
// The first call computes the length
// (for URL-backed blobs, by reading the whole stream once and counting)
// and every later call returns the same value,
// even if the underlying content changes.
// Concurrent first calls wait for a single computation.
// A failure is logged, not returned.
func (b *Blob) Length(ctx context.Context) int64 {
	if b.known.Load() {
		return b.length.Load()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.known.Load() {
		return b.length.Load()
	}

	n, err := b.computeLength(ctx)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"key": b.key,
			"url": b.url,
		}).Warn("cannot compute blob length")
		n = -1
	}
	b.length.Store(n)
	b.known.Store(true)
	return n
}

func (b *Blob) computeLength(ctx context.Context) (int64, error) {
	if l, ok := b.store.(Lengther); ok {
		n, err := l.Length(ctx, b.key)
		if err == nil {
			return n, nil
		}
		log.WithError(err).WithField("key", b.key).Debug("store length unavailable, counting bytes")
	}

	rc, err := b.open(ctx)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	n, err := io.Copy(io.Discard, rc)
	return n, errors.Wrap(err, "counting bytes")
}

// Digest returns the digest the backing store advertises for this blob,
// if any.
// URL-backed blobs have no digest.
func (b *Blob) Digest(ctx context.Context) (string, bool) {
	d, ok := b.store.(Digester)
	if !ok {
		return "", false
	}
	digest, err := d.Digest(ctx, b.key)
	if err != nil {
		log.WithError(err).WithField("key", b.key).Debug("no digest for blob")
		return "", false
	}
	return digest, true
}

// Key is the key of a store-backed blob.
// It is empty for other blobs.
func (b *Blob) Key() Key { return b.key }

// Store is the store behind a store-backed blob.
// It is nil for other blobs.
func (b *Blob) Store() Getter { return b.store }

// URL is the URL behind a URL-backed blob.
// It is empty for other blobs.
func (b *Blob) URL() string { return b.url }

// MimeType is the blob's MIME type, if known.
func (b *Blob) MimeType() string { return b.mimeType }

// Encoding is the blob's content encoding, if known.
func (b *Blob) Encoding() string { return b.encoding }

// Filename is the blob's filename, if known.
func (b *Blob) Filename() string { return b.filename }
