package gcs

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"reflect"
	"syscall"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/bobg/bcs"
	"github.com/bobg/bcs/testutil"
)

func TestEachHexPrefix(t *testing.T) {
	want := []string{
		"e67b", "e67c", "e67d", "e67e", "e67f",
		"e68", "e69", "e6a", "e6b", "e6c", "e6d", "e6e", "e6f",
		"e7", "e8", "e9", "ea", "eb", "ec", "ed", "ee", "ef",
		"f",
	}
	var got []string
	err := eachHexPrefix("e67a", false, func(prefix string) error {
		got = append(got, prefix)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{err: &googleapi.Error{Code: http.StatusTooManyRequests}, want: true},
		{err: &googleapi.Error{Code: http.StatusServiceUnavailable}, want: true},
		{err: &googleapi.Error{Code: http.StatusInternalServerError}, want: true},
		{err: errors.Wrap(&googleapi.Error{Code: http.StatusBadGateway}, "copying"), want: true},
		{err: &googleapi.Error{Code: http.StatusUnauthorized}, want: false},
		{err: &googleapi.Error{Code: http.StatusForbidden}, want: false},
		{err: &googleapi.Error{Code: http.StatusNotFound}, want: false},
		{err: &googleapi.Error{Code: http.StatusPreconditionFailed}, want: false},
		{err: storage.ErrObjectNotExist, want: false},
		{err: syscall.ECONNRESET, want: true},
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

func TestObjNames(t *testing.T) {
	key := testutil.HelloWorldKey
	name := blobObjName(key)
	if name != "b:"+string(key) {
		t.Errorf("got %s", name)
	}
	got, ok := keyFromBlobObjName(name)
	if !ok || got != key {
		t.Errorf("got %s, %v", got, ok)
	}
	if _, ok := keyFromBlobObjName(tmpObjName()); ok {
		t.Error("temp object taken for a blob")
	}
}

func TestDirectCopyDeclined(t *testing.T) {
	s := &Store{bucketName: "b", keys: bcs.SHA256}
	if _, ok := s.DirectCopy(bcs.Descriptor{Kind: "s3", Location: "b", Keys: "sha256"}); ok {
		t.Error("accepted an s3 source")
	}
	if _, ok := s.DirectCopy(bcs.Descriptor{Kind: "gcs", Location: "b", Keys: "blake2b-256"}); ok {
		t.Error("accepted a source with different keys")
	}
	if _, ok := s.DirectCopy(bcs.Descriptor{Kind: "gcs", Location: "other", Keys: "sha256"}); !ok {
		t.Error("declined another bucket")
	}
}

const (
	credsVar = "BCS_GCS_TESTING_CREDS"
	projVar  = "BCS_GCS_TESTING_PROJECT"
)

func TestStore(t *testing.T) {
	var (
		creds     = os.Getenv(credsVar)
		projectID = os.Getenv(projVar)
	)
	if creds == "" || projectID == "" {
		t.Skipf("to run TestStore, set %s to the name of a credentials file and %s to a project ID", credsVar, projVar)
	}

	ctx := context.Background()

	client, err := storage.NewClient(ctx, option.WithCredentialsFile(creds))
	if err != nil {
		t.Fatal(err)
	}

	newBucket := func() string {
		var r [20]byte
		if _, err := rand.Read(r[:]); err != nil {
			t.Fatal(err)
		}
		name := hex.EncodeToString(r[:])
		t.Logf("creating bucket %s in project %s", name, projectID)
		bucket := client.Bucket(name)
		if err := bucket.Create(ctx, projectID, nil); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { deleteBucket(ctx, bucket) })
		return name
	}

	data := make([]byte, 1<<20)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	s := New(client, newBucket())
	testutil.ReadWrite(ctx, t, s, data)

	key, err := s.Write(ctx, bytes.NewReader(data), "")
	if err != nil {
		t.Fatal(err)
	}
	s2 := New(client, newBucket())
	if err := bcs.Copy(ctx, s, s2, key); err != nil {
		t.Fatal(err)
	}
	if ok, err := s2.Exists(ctx, key); err != nil || !ok {
		t.Errorf("server-side copy failed (%v)", err)
	}
}

func deleteBucket(ctx context.Context, bucket *storage.BucketHandle) {
	iter := bucket.Objects(ctx, nil)
	for {
		attrs, err := iter.Next()
		if err != nil {
			break
		}
		bucket.Object(attrs.Name).Delete(ctx)
	}
	bucket.Delete(ctx)
}
