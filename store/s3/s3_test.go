package s3

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/pkg/errors"

	"github.com/bobg/bcs"
	"github.com/bobg/bcs/testutil"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{err: minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable}, want: true},
		{err: minio.ErrorResponse{Code: "InternalError", StatusCode: http.StatusInternalServerError}, want: true},
		{err: minio.ErrorResponse{StatusCode: http.StatusTooManyRequests}, want: true},
		{err: errors.Wrap(minio.ErrorResponse{Code: "RequestTimeout", StatusCode: http.StatusBadRequest}, "putting"), want: true},
		{err: minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}, want: false},
		{err: minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}, want: false},
		{err: minio.ErrorResponse{Code: "InvalidArgument", StatusCode: http.StatusBadRequest}, want: false},
		{err: syscall.ECONNREFUSED, want: true},
		{err: context.Canceled, want: false},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			if got := Retryable(c.err); got != c.want {
				t.Errorf("Retryable(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestErrNotFound(t *testing.T) {
	s := &Store{bucket: "b", endpoint: "localhost:9000", keys: bcs.SHA256}
	err := s.err("read", testutil.HelloWorldKey, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound})
	if !errors.Is(err, bcs.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDirectCopyDeclined(t *testing.T) {
	s := &Store{bucket: "b", endpoint: "localhost:9000", keys: bcs.SHA256}
	cases := []struct {
		desc bcs.Descriptor
		want bool
	}{
		{desc: bcs.Descriptor{Kind: "s3", Location: "other", Keys: "sha256", Params: map[string]string{"endpoint": "localhost:9000"}}, want: true},
		{desc: bcs.Descriptor{Kind: "s3", Location: "other", Keys: "sha256", Params: map[string]string{"endpoint": "s3.amazonaws.com"}}, want: false},
		{desc: bcs.Descriptor{Kind: "gcs", Location: "other", Keys: "sha256"}, want: false},
		{desc: bcs.Descriptor{Kind: "s3", Location: "other", Keys: "blake2b-256", Params: map[string]string{"endpoint": "localhost:9000"}}, want: false},
	}
	for _, c := range cases {
		if _, ok := s.DirectCopy(c.desc); ok != c.want {
			t.Errorf("DirectCopy(%s) = %v, want %v", c.desc, ok, c.want)
		}
	}
}

func TestPartSize(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Endpoint: "localhost:9000", Bucket: "b"}

	s, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, partSize, _, err := minio.OptimalPartInfo(-1, s.putOptions().PartSize)
	if err != nil {
		t.Fatal(err)
	}
	if partSize != DefaultPartSize {
		t.Errorf("got part size %d, want %d", partSize, DefaultPartSize)
	}

	s, err = New(ctx, cfg, WithPartSize(64*1024*1024))
	if err != nil {
		t.Fatal(err)
	}
	if _, partSize, _, _ = minio.OptimalPartInfo(-1, s.putOptions().PartSize); partSize != 64*1024*1024 {
		t.Errorf("got part size %d, want 64 MiB", partSize)
	}

	if _, err := New(ctx, cfg, WithPartSize(1024)); err == nil {
		t.Error("accepted a part size below the minimum")
	}
}

const (
	endpointVar  = "BCS_S3_TESTING_ENDPOINT"
	accessKeyVar = "BCS_S3_TESTING_ACCESS_KEY"
	secretKeyVar = "BCS_S3_TESTING_SECRET_KEY"
)

func TestStore(t *testing.T) {
	var (
		endpoint  = os.Getenv(endpointVar)
		accessKey = os.Getenv(accessKeyVar)
		secretKey = os.Getenv(secretKeyVar)
	)
	if endpoint == "" {
		t.Skipf("to run TestStore, set %s (and %s and %s) to reach an S3-compatible server", endpointVar, accessKeyVar, secretKeyVar)
	}

	ctx := context.Background()

	newStore := func() *Store {
		var r [8]byte
		if _, err := rand.Read(r[:]); err != nil {
			t.Fatal(err)
		}
		s, err := New(ctx, Config{
			Endpoint:     endpoint,
			Bucket:       "bcs-test-" + hex.EncodeToString(r[:]),
			AccessKey:    accessKey,
			SecretKey:    secretKey,
			PathStyle:    true,
			CreateBucket: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	data := make([]byte, 1<<20)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	s := newStore()
	testutil.ReadWrite(ctx, t, s, data)
	testutil.HelloWorld(ctx, t, s)

	s2 := newStore()
	if err := bcs.Copy(ctx, s, s2, testutil.HelloWorldKey); err != nil {
		t.Fatal(err)
	}
	if ok, err := s2.Exists(ctx, testutil.HelloWorldKey); err != nil || !ok {
		t.Errorf("server-side copy failed (%v)", err)
	}

	testutil.AllKeys(ctx, t, func() bcs.Store { return newStore() })
}
