// Package gcs implements a blob store on Google Cloud Storage.
package gcs

import (
	"context"
	stderrs "errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bobg/bcs"
	"github.com/bobg/bcs/store"
)

var log = logrus.WithField("logger", "gcs")

var (
	_ bcs.Store        = &Store{}
	_ bcs.Lister       = &Store{}
	_ bcs.Lengther     = &Store{}
	_ bcs.Digester     = &Store{}
	_ bcs.DirectCopier = &Store{}
)

// Store is a Google Cloud Storage-based implementation of a blob store.
// Blobs are objects named b:<key>.
// Writes upload to a temporary object and publish it with a server-side copy.
type Store struct {
	client     *storage.Client
	bucketName string
	bucket     *storage.BucketHandle
	keys       bcs.KeyStrategy
	retry      bcs.RetryPolicy
}

// Option is an option to New.
type Option func(*Store)

// WithKeys sets the store's key strategy.
// The default is bcs.SHA256.
func WithKeys(ks bcs.KeyStrategy) Option {
	return func(s *Store) { s.keys = ks }
}

// WithRetry sets the policy for retrying transient failures.
// The default is bcs.DefaultRetryPolicy.
// The policy's classifier is replaced with one that understands Cloud Storage errors.
func WithRetry(p bcs.RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// New produces a new Store using the given bucket.
func New(client *storage.Client, bucketName string, opts ...Option) *Store {
	s := &Store{
		client:     client,
		bucketName: bucketName,
		bucket:     client.Bucket(bucketName),
		keys:       bcs.SHA256,
		retry:      bcs.DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retry = s.retry.WithClassifier(Retryable)
	return s
}

// Retryable tells whether a Cloud Storage error is worth retrying:
// rate limiting, server errors, and transient network failures are;
// missing objects, failed preconditions, and authorization failures are not.
func Retryable(err error) bool {
	if stderrs.Is(err, storage.ErrObjectNotExist) || stderrs.Is(err, storage.ErrBucketNotExist) {
		return false
	}
	var e *googleapi.Error
	if stderrs.As(err, &e) {
		return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
	}
	return bcs.IsTransient(err)
}

func isPreconditionFailed(err error) bool {
	var e *googleapi.Error
	return stderrs.As(err, &e) && e.Code == http.StatusPreconditionFailed
}

// Describe implements bcs.Store.
func (s *Store) Describe() bcs.Descriptor {
	return bcs.Descriptor{Kind: "gcs", Location: s.bucketName, Keys: s.keys.Name()}
}

func (s *Store) err(op string, key bcs.Key, err error) error {
	desc := s.Describe().String()
	switch {
	case stderrs.Is(err, storage.ErrObjectNotExist):
		return bcs.E(op, desc, key, bcs.ErrNotFound, err)
	case bcs.Kind(err) != nil:
		return bcs.E(op, desc, key, bcs.Kind(err), err)
	}
	return bcs.E(op, desc, key, nil, err)
}

// Read implements bcs.Getter.
func (s *Store) Read(ctx context.Context, key bcs.Key) (io.ReadCloser, error) {
	if !s.keys.Valid(key) {
		return nil, bcs.E("read", s.Describe().String(), key, bcs.ErrNotFound, errors.New("malformed key"))
	}

	var (
		name = blobObjName(key)
		r    *storage.Reader
	)
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		r, err = s.bucket.Object(name).NewReader(ctx)
		return err
	})
	if err != nil {
		return nil, s.err("read", key, err)
	}
	return r, nil
}

func (s *Store) attrs(ctx context.Context, op string, key bcs.Key) (*storage.ObjectAttrs, error) {
	if !s.keys.Valid(key) {
		return nil, bcs.E(op, s.Describe().String(), key, bcs.ErrNotFound, errors.New("malformed key"))
	}

	var attrs *storage.ObjectAttrs
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		attrs, err = s.bucket.Object(blobObjName(key)).Attrs(ctx)
		return err
	})
	if err != nil {
		return nil, s.err(op, key, err)
	}
	return attrs, nil
}

// Exists implements bcs.Getter.
func (s *Store) Exists(ctx context.Context, key bcs.Key) (bool, error) {
	_, err := s.attrs(ctx, "exists", key)
	if stderrs.Is(err, bcs.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Length implements bcs.Lengther.
func (s *Store) Length(ctx context.Context, key bcs.Key) (int64, error) {
	attrs, err := s.attrs(ctx, "length", key)
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

// Digest implements bcs.Digester.
func (s *Store) Digest(ctx context.Context, key bcs.Key) (string, error) {
	if _, err := s.attrs(ctx, "digest", key); err != nil {
		return "", err
	}
	return bcs.Digest(s.keys, key), nil
}

// Write implements bcs.Store.
//
// The content is uploaded once, to a temporary object,
// while its key is computed.
// The upload itself is not retried, since r cannot be rewound;
// publishing the temporary object under its key
// and deleting the temporary object are.
func (s *Store) Write(ctx context.Context, r io.Reader, expected bcs.Key) (bcs.Key, error) {
	tmpname := tmpObjName()

	key, err := s.upload(ctx, r, tmpname)
	if err != nil {
		return "", s.err("write", expected, bcs.CtxErr(ctx, err))
	}
	defer s.deleteTemp(ctx, tmpname)

	if expected != "" && key != expected {
		return "", bcs.E("write", s.Describe().String(), expected, bcs.ErrDigestMismatch, fmt.Errorf("content has key %s", key))
	}

	src := s.bucket.Object(tmpname)
	if err := s.publish(ctx, src, key); err != nil {
		return "", s.err("write", key, err)
	}
	return key, nil
}

func (s *Store) upload(ctx context.Context, r io.Reader, name string) (bcs.Key, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		w  = s.bucket.Object(name).NewWriter(ctx)
		kw = bcs.NewKeyWriter(s.keys)
	)
	w.ContentType = "application/octet-stream"

	if _, err := io.Copy(io.MultiWriter(w, kw), r); err != nil {
		cancel() // aborts the upload
		w.Close()
		return "", errors.Wrapf(err, "uploading %s", name)
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrapf(err, "finishing upload of %s", name)
	}
	return kw.Key(), nil
}

// Copies src to b:<key> unless that already exists.
func (s *Store) publish(ctx context.Context, src *storage.ObjectHandle, key bcs.Key) error {
	dst := s.bucket.Object(blobObjName(key)).If(storage.Conditions{DoesNotExist: true})
	return s.retry.Do(ctx, func(ctx context.Context) error {
		_, err := dst.CopierFrom(src).Run(ctx)
		if isPreconditionFailed(err) {
			return nil
		}
		return err
	})
}

func (s *Store) deleteTemp(ctx context.Context, name string) {
	ctx = context.WithoutCancel(ctx)
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		err := s.bucket.Object(name).Delete(ctx)
		if stderrs.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return err
	})
	if err != nil {
		log.WithError(err).WithField("object", name).Warn("cannot delete temporary object")
	}
}

// Delete implements bcs.Store.
func (s *Store) Delete(ctx context.Context, key bcs.Key) error {
	if !s.keys.Valid(key) {
		return nil
	}
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		err := s.bucket.Object(blobObjName(key)).Delete(ctx)
		if stderrs.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return err
	})
	if err != nil {
		return s.err("delete", key, err)
	}
	return nil
}

// DirectCopy implements bcs.DirectCopier.
// Any other Cloud Storage bucket using the same key strategy
// is copied from server-side,
// provided this store's credentials can read it.
func (s *Store) DirectCopy(src bcs.Descriptor) (bcs.CopyFunc, bool) {
	if !src.SameKind(s.Describe()) || src.Location == "" {
		return nil, false
	}
	return func(ctx context.Context, key bcs.Key) error {
		if !s.keys.Valid(key) {
			return bcs.E("copy", src.String(), key, bcs.ErrNotFound, errors.New("malformed key"))
		}
		srcObj := s.client.Bucket(src.Location).Object(blobObjName(key))
		err := s.publish(ctx, srcObj, key)
		if stderrs.Is(err, storage.ErrObjectNotExist) {
			return bcs.E("copy", src.String(), key, bcs.ErrNotFound, err)
		}
		if err != nil {
			return s.err("copy", key, err)
		}
		return nil
	}, true
}

// ListKeys produces all blob keys in the store, in lexicographic order.
func (s *Store) ListKeys(ctx context.Context, start bcs.Key, f func(bcs.Key) error) error {
	if start == "" {
		return s.listKeys(ctx, "", f)
	}

	// Google Cloud Storage iterators have no API for starting in the middle of a bucket.
	// But they can filter by object-name prefix.
	// So we take `start` and repeatedly compute prefixes for the objects we want.
	// If `start` is e67a, for example, the sequence of generated prefixes is:
	//   e67b e67c e67d e67e e67f
	//   e68 e69 e6a e6b e6c e6d e6e e6f
	//   e7 e8 e9 ea eb ec ed ee ef
	//   f
	return eachHexPrefix(start.String(), false, func(prefix string) error {
		return s.listKeys(ctx, prefix, f)
	})
}

func (s *Store) listKeys(ctx context.Context, prefix string, f func(bcs.Key) error) error {
	iter := s.bucket.Objects(ctx, &storage.Query{Prefix: "b:" + prefix})
	for {
		obj, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return s.err("list", "", err)
		}
		key, ok := keyFromBlobObjName(obj.Name)
		if !ok || !s.keys.Valid(key) {
			continue
		}
		if err := f(key); err != nil {
			return err
		}
	}
}

func eachHexPrefix(prefix string, incl bool, f func(string) error) error {
	prefix = strings.ToLower(prefix)
	for len(prefix) > 0 {
		end := hexval(prefix[len(prefix)-1:][0])
		if !incl {
			end++
		}
		prefix = prefix[:len(prefix)-1]
		for c := end; c < 16; c++ {
			err := f(prefix + string(hexdigit(c)))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func hexval(b byte) int {
	switch {
	case '0' <= b && b <= '9':
		return int(b - '0')
	case 'a' <= b && b <= 'f':
		return int(10 + b - 'a')
	case 'A' <= b && b <= 'F':
		return int(10 + b - 'A')
	}
	return 0
}

func hexdigit(n int) byte {
	if n < 10 {
		return byte(n + '0')
	}
	return byte(n - 10 + 'a')
}

func blobObjName(key bcs.Key) string {
	return "b:" + key.String()
}

func keyFromBlobObjName(name string) (bcs.Key, bool) {
	if !strings.HasPrefix(name, "b:") {
		return "", false
	}
	return bcs.Key(name[2:]), true
}

func tmpObjName() string {
	return "tmp:" + uuid.NewString()
}

func init() {
	store.Register("gcs", func(ctx context.Context, conf map[string]interface{}) (bcs.Store, error) {
		bucketName, ok := store.ConfString(conf, "bucket")
		if !ok {
			return nil, errors.New(`missing "bucket" parameter`)
		}

		var options []option.ClientOption
		if creds, ok := store.ConfString(conf, "creds"); ok {
			options = append(options, option.WithCredentialsFile(creds))
		}
		if endpoint, ok := store.ConfString(conf, "endpoint"); ok {
			options = append(options, option.WithEndpoint(endpoint))
		}
		if noAuth, _ := store.ConfBool(conf, "no_auth"); noAuth {
			options = append(options, option.WithoutAuthentication())
		}

		ks, err := store.ConfKeys(conf)
		if err != nil {
			return nil, err
		}
		policy, err := store.ConfRetry(conf)
		if err != nil {
			return nil, err
		}

		c, err := storage.NewClient(ctx, options...)
		if err != nil {
			return nil, errors.Wrap(err, "creating cloud storage client")
		}
		return New(c, bucketName, WithKeys(ks), WithRetry(policy)), nil
	})
}
