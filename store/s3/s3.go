// Package s3 implements a blob store on Amazon S3 or any S3-compatible service.
package s3

import (
	"context"
	stderrs "errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/bcs"
	"github.com/bobg/bcs/store"
)

var log = logrus.WithField("logger", "s3")

var (
	_ bcs.Store        = &Store{}
	_ bcs.Lister       = &Store{}
	_ bcs.Lengther     = &Store{}
	_ bcs.Digester     = &Store{}
	_ bcs.DirectCopier = &Store{}
)

// Config says how to reach a bucket.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool

	// CreateBucket makes New create the bucket if it does not exist.
	CreateBucket bool
}

// Store is an S3-based implementation of a blob store.
// Blobs are objects named b/<key>.
// Writes upload to tmp/<uuid> and publish with a server-side copy.
type Store struct {
	cl       *minio.Client
	endpoint string
	bucket   string
	keys     bcs.KeyStrategy
	retry    bcs.RetryPolicy
	partSize uint64
}

// DefaultPartSize is the size of each part of a multipart upload,
// and so the size of the buffer each Write holds.
// Left unset, minio-go sizes parts for the largest possible object.
const DefaultPartSize = 16 * 1024 * 1024

// Option is an option to New.
type Option func(*Store)

// WithKeys sets the store's key strategy.
// The default is bcs.SHA256.
func WithKeys(ks bcs.KeyStrategy) Option {
	return func(s *Store) { s.keys = ks }
}

// WithRetry sets the policy for retrying transient failures.
// The default is bcs.DefaultRetryPolicy.
// The policy's classifier is replaced with one that understands S3 errors.
func WithRetry(p bcs.RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// WithPartSize sets the multipart upload part size.
// It must be between 5 MiB and 5 GiB.
// The default is DefaultPartSize.
func WithPartSize(n uint64) Option {
	return func(s *Store) { s.partSize = n }
}

// New produces a new Store.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	mopts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		mopts.BucketLookup = minio.BucketLookupPath
	}
	cl, err := minio.New(cfg.Endpoint, mopts)
	if err != nil {
		return nil, errors.Wrapf(err, "creating client for %s", cfg.Endpoint)
	}

	s := &Store{
		cl:       cl,
		endpoint: cfg.Endpoint,
		bucket:   cfg.Bucket,
		keys:     bcs.SHA256,
		retry:    bcs.DefaultRetryPolicy,
		partSize: DefaultPartSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retry = s.retry.WithClassifier(Retryable)

	if _, _, _, err := minio.OptimalPartInfo(-1, s.partSize); err != nil {
		return nil, errors.Wrapf(err, "part size %d", s.partSize)
	}

	if cfg.CreateBucket {
		err := s.retry.Do(ctx, func(ctx context.Context) error {
			ok, err := cl.BucketExists(ctx, cfg.Bucket)
			if err != nil || ok {
				return err
			}
			return cl.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region})
		})
		if err != nil {
			return nil, errors.Wrapf(err, "creating bucket %s", cfg.Bucket)
		}
	}

	return s, nil
}

// Retryable tells whether an S3 error is worth retrying:
// throttling, timeouts, server errors, and transient network failures are;
// missing objects and authorization failures are not.
func Retryable(err error) bool {
	var resp minio.ErrorResponse
	if stderrs.As(err, &resp) {
		switch resp.Code {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return true
		case "NoSuchKey", "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return false
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return true
		}
		if resp.StatusCode != 0 {
			return false
		}
	}
	return bcs.IsTransient(err)
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if !stderrs.As(err, &resp) {
		return false
	}
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// Describe implements bcs.Store.
func (s *Store) Describe() bcs.Descriptor {
	return bcs.Descriptor{
		Kind:     "s3",
		Location: s.bucket,
		Keys:     s.keys.Name(),
		Params:   map[string]string{"endpoint": s.endpoint},
	}
}

func (s *Store) err(op string, key bcs.Key, err error) error {
	desc := s.Describe().String()
	switch {
	case isNotFound(err):
		return bcs.E(op, desc, key, bcs.ErrNotFound, err)
	case bcs.Kind(err) != nil:
		return bcs.E(op, desc, key, bcs.Kind(err), err)
	}
	return bcs.E(op, desc, key, nil, err)
}

func blobObjName(key bcs.Key) string {
	return "b/" + key.String()
}

func keyFromBlobObjName(name string) (bcs.Key, bool) {
	if !strings.HasPrefix(name, "b/") {
		return "", false
	}
	return bcs.Key(name[2:]), true
}

func tmpObjName() string {
	return "tmp/" + uuid.NewString()
}

// Read implements bcs.Getter.
func (s *Store) Read(ctx context.Context, key bcs.Key) (io.ReadCloser, error) {
	if !s.keys.Valid(key) {
		return nil, bcs.E("read", s.Describe().String(), key, bcs.ErrNotFound, errors.New("malformed key"))
	}

	var obj *minio.Object
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		o, err := s.cl.GetObject(ctx, s.bucket, blobObjName(key), minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		// GetObject is lazy; Stat surfaces a missing object now rather than on the first Read.
		if _, err := o.Stat(); err != nil {
			o.Close()
			return err
		}
		obj = o
		return nil
	})
	if err != nil {
		return nil, s.err("read", key, err)
	}
	return obj, nil
}

func (s *Store) stat(ctx context.Context, op string, key bcs.Key) (minio.ObjectInfo, error) {
	if !s.keys.Valid(key) {
		return minio.ObjectInfo{}, bcs.E(op, s.Describe().String(), key, bcs.ErrNotFound, errors.New("malformed key"))
	}

	var info minio.ObjectInfo
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		info, err = s.cl.StatObject(ctx, s.bucket, blobObjName(key), minio.StatObjectOptions{})
		return err
	})
	if err != nil {
		return info, s.err(op, key, err)
	}
	return info, nil
}

// Exists implements bcs.Getter.
func (s *Store) Exists(ctx context.Context, key bcs.Key) (bool, error) {
	_, err := s.stat(ctx, "exists", key)
	if stderrs.Is(err, bcs.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Length implements bcs.Lengther.
func (s *Store) Length(ctx context.Context, key bcs.Key) (int64, error) {
	info, err := s.stat(ctx, "length", key)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// Digest implements bcs.Digester.
func (s *Store) Digest(ctx context.Context, key bcs.Key) (string, error) {
	if _, err := s.stat(ctx, "digest", key); err != nil {
		return "", err
	}
	return bcs.Digest(s.keys, key), nil
}

// Write implements bcs.Store.
//
// The content is uploaded once, to a temporary object,
// while its key is computed.
// The upload itself is not retried, since r cannot be rewound;
// publishing and cleanup are.
func (s *Store) Write(ctx context.Context, r io.Reader, expected bcs.Key) (bcs.Key, error) {
	var (
		tmpname = tmpObjName()
		kw      = bcs.NewKeyWriter(s.keys)
	)

	_, err := s.cl.PutObject(ctx, s.bucket, tmpname, io.TeeReader(r, kw), -1, s.putOptions())
	if err != nil {
		s.removeTemp(ctx, tmpname)
		return "", s.err("write", expected, bcs.CtxErr(ctx, err))
	}
	defer s.removeTemp(ctx, tmpname)

	key := kw.Key()
	if expected != "" && key != expected {
		return "", bcs.E("write", s.Describe().String(), expected, bcs.ErrDigestMismatch, fmt.Errorf("content has key %s", key))
	}

	if err := s.publish(ctx, s.bucket, tmpname, key); err != nil {
		return "", s.err("write", key, err)
	}
	return key, nil
}

func (s *Store) putOptions() minio.PutObjectOptions {
	return minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		PartSize:    s.partSize,
	}
}

// Copies srcBucket/srcName to b/<key> unless that already exists.
func (s *Store) publish(ctx context.Context, srcBucket, srcName string, key bcs.Key) error {
	name := blobObjName(key)
	return s.retry.Do(ctx, func(ctx context.Context) error {
		_, err := s.cl.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
		if err == nil {
			return nil
		}
		if !isNotFound(err) {
			return err
		}
		_, err = s.cl.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: s.bucket, Object: name},
			minio.CopySrcOptions{Bucket: srcBucket, Object: srcName},
		)
		return err
	})
}

func (s *Store) removeTemp(ctx context.Context, name string) {
	ctx = context.WithoutCancel(ctx)
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		return s.cl.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{})
	})
	if err != nil {
		log.WithError(err).WithField("object", name).Warn("cannot remove temporary object")
	}
}

// Delete implements bcs.Store.
// S3 deletion of an absent object succeeds.
func (s *Store) Delete(ctx context.Context, key bcs.Key) error {
	if !s.keys.Valid(key) {
		return nil
	}
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		err := s.cl.RemoveObject(ctx, s.bucket, blobObjName(key), minio.RemoveObjectOptions{})
		if isNotFound(err) {
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
// Any other bucket on the same endpoint using the same key strategy
// is copied from server-side.
func (s *Store) DirectCopy(src bcs.Descriptor) (bcs.CopyFunc, bool) {
	if !src.SameKind(s.Describe()) || src.Location == "" || src.Params["endpoint"] != s.endpoint {
		return nil, false
	}
	return func(ctx context.Context, key bcs.Key) error {
		if !s.keys.Valid(key) {
			return bcs.E("copy", src.String(), key, bcs.ErrNotFound, errors.New("malformed key"))
		}
		err := s.publish(ctx, src.Location, blobObjName(key), key)
		if isNotFound(err) {
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
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := minio.ListObjectsOptions{Prefix: "b/", Recursive: true}
	if start != "" {
		opts.StartAfter = blobObjName(start)
	}

	for info := range s.cl.ListObjects(ctx, s.bucket, opts) {
		if info.Err != nil {
			return s.err("list", "", info.Err)
		}
		key, ok := keyFromBlobObjName(info.Key)
		if !ok || !s.keys.Valid(key) {
			continue
		}
		if err := f(key); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func init() {
	store.Register("s3", func(ctx context.Context, conf map[string]interface{}) (bcs.Store, error) {
		var cfg Config

		var ok bool
		if cfg.Endpoint, ok = store.ConfString(conf, "endpoint"); !ok {
			return nil, errors.New(`missing "endpoint" parameter`)
		}
		if cfg.Bucket, ok = store.ConfString(conf, "bucket"); !ok {
			return nil, errors.New(`missing "bucket" parameter`)
		}
		cfg.Region, _ = store.ConfString(conf, "region")
		cfg.AccessKey, _ = store.ConfString(conf, "access_key")
		cfg.SecretKey, _ = store.ConfString(conf, "secret_key")
		cfg.UseSSL, _ = store.ConfBool(conf, "use_ssl")
		cfg.PathStyle, _ = store.ConfBool(conf, "path_style")
		cfg.CreateBucket, _ = store.ConfBool(conf, "create_bucket")

		ks, err := store.ConfKeys(conf)
		if err != nil {
			return nil, err
		}
		policy, err := store.ConfRetry(conf)
		if err != nil {
			return nil, err
		}
		opts := []Option{WithKeys(ks), WithRetry(policy)}
		partSize, ok, err := store.ConfInt64(conf, "part_size")
		if err != nil {
			return nil, err
		}
		if ok {
			if partSize <= 0 {
				return nil, errors.Errorf("invalid part_size %d", partSize)
			}
			opts = append(opts, WithPartSize(uint64(partSize)))
		}
		return New(ctx, cfg, opts...)
	})
}
