package bcs_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	. "github.com/bobg/bcs"
	"github.com/bobg/bcs/store/mem"
)

func TestBlobLengthSingleDrain(t *testing.T) {
	var (
		ctx   = context.Background()
		opens atomic.Int64
	)
	b := NewBlob(func(context.Context) (io.ReadCloser, error) {
		n := opens.Add(1)
		if n > 1 {
			return nil, fmt.Errorf("opened %d times", n)
		}
		return io.NopCloser(strings.NewReader("twelve bytes")), nil
	})

	var (
		wg      sync.WaitGroup
		lengths = make([]int64, 10)
	)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			lengths[i] = b.Length(ctx)
		}()
	}
	wg.Wait()

	for i, n := range lengths {
		if n != 12 {
			t.Errorf("goroutine %d got length %d, want 12", i, n)
		}
	}
	if got := opens.Load(); got != 1 {
		t.Errorf("content opened %d times, want 1", got)
	}
	if n := b.Length(ctx); n != 12 {
		t.Errorf("later call got %d, want 12", n)
	}
}

func TestBlobLengthFailure(t *testing.T) {
	var (
		ctx   = context.Background()
		opens atomic.Int64
	)
	b := NewBlob(func(context.Context) (io.ReadCloser, error) {
		opens.Add(1)
		return nil, errors.New("unreachable")
	})
	if n := b.Length(ctx); n != -1 {
		t.Errorf("got %d, want -1", n)
	}
	if n := b.Length(ctx); n != -1 {
		t.Errorf("got %d, want -1", n)
	}
	if got := opens.Load(); got != 1 {
		t.Errorf("content opened %d times, want 1", got)
	}
}

func TestBlobLengthNotRecomputed(t *testing.T) {
	var (
		ctx     = context.Background()
		content = "first"
	)
	b := NewBlob(func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(content)), nil
	})
	if n := b.Length(ctx); n != 5 {
		t.Fatalf("got %d, want 5", n)
	}
	content = "something longer"
	if n := b.Length(ctx); n != 5 {
		t.Errorf("got %d after content changed, want 5", n)
	}
}

func TestStoreBlob(t *testing.T) {
	ctx := context.Background()
	s := mem.New()

	b, err := Put(ctx, s, strings.NewReader("hello world"), PutMimeType("text/plain"), PutFilename("hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if b.Key() != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Errorf("got key %s", b.Key())
	}
	if b.MimeType() != "text/plain" || b.Filename() != "hello.txt" {
		t.Errorf("got metadata %q, %q", b.MimeType(), b.Filename())
	}
	if n := b.Length(ctx); n != 11 {
		t.Errorf("got length %d, want 11", n)
	}
	digest, ok := b.Digest(ctx)
	if !ok {
		t.Fatal("no digest")
	}
	if digest != "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Errorf("got digest %s", digest)
	}

	// Every Open is independent.
	for i := 0; i < 2; i++ {
		rc, err := b.Open(ctx)
		if err != nil {
			t.Fatal(err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "hello world" {
			t.Errorf("open %d got %q", i, got)
		}
	}

	// A fresh handle asks the store for its length.
	b2 := NewStoreBlob(s, b.Key())
	if n := b2.Length(ctx); n != 11 {
		t.Errorf("got length %d, want 11", n)
	}
}

func TestURLBlobHTTP(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requests.Add(1)
		switch req.URL.Path {
		case "/ok":
			w.Write([]byte("abc"))
		case "/gone":
			http.Error(w, "gone", http.StatusNotFound)
		default:
			http.Error(w, "broken", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	ctx := context.Background()

	b, err := NewURLBlob(srv.URL+"/ok", WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	if n := b.Length(ctx); n != 3 {
		t.Errorf("got length %d, want 3", n)
	}
	if _, ok := b.Digest(ctx); ok {
		t.Error("URL blob reported a digest")
	}
	rc, err := b.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rc.Close()
	if got := requests.Load(); got != 2 {
		t.Errorf("got %d requests, want 2", got)
	}

	gone, err := NewURLBlob(srv.URL+"/gone", WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gone.Open(ctx); !errors.Is(err, ErrResourceUnavailable) {
		t.Errorf("got %v, want ErrResourceUnavailable", err)
	}
	if n := gone.Length(ctx); n != -1 {
		t.Errorf("got length %d, want -1", n)
	}

	broken, err := NewURLBlob(srv.URL+"/broken", WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := broken.Open(ctx); !errors.Is(err, ErrIO) {
		t.Errorf("got %v, want ErrIO", err)
	}
}

func TestURLBlobFile(t *testing.T) {
	var (
		ctx  = context.Background()
		dir  = t.TempDir()
		path = filepath.Join(dir, "data")
		data = bytes.Repeat([]byte("x"), 12345)
	)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	b, err := NewURLBlob("file://"+path, WithMimeType("application/octet-stream"))
	if err != nil {
		t.Fatal(err)
	}
	if n := b.Length(ctx); n != 12345 {
		t.Errorf("got length %d, want 12345", n)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(ctx); !errors.Is(err, ErrResourceUnavailable) {
		t.Errorf("got %v, want ErrResourceUnavailable", err)
	}
	// The cached length survives the resource disappearing.
	if n := b.Length(ctx); n != 12345 {
		t.Errorf("got length %d, want 12345", n)
	}
}

func TestURLBlobScheme(t *testing.T) {
	if _, err := NewURLBlob("ftp://example.com/x"); err == nil {
		t.Error("expected error for ftp URL")
	}
}
