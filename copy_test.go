package bcs_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	. "github.com/bobg/bcs"
	"github.com/bobg/bcs/store/mem"
	"github.com/bobg/bcs/testutil"
)

func TestCopyDirect(t *testing.T) {
	var (
		ctx = context.Background()
		src = testutil.NewCounting(mem.Named(t.Name() + "-src"))
		dst = mem.Named(t.Name() + "-dst")
	)
	key, err := src.Write(ctx, strings.NewReader("copy me"), "")
	if err != nil {
		t.Fatal(err)
	}

	if err := Copy(ctx, src, dst, key); err != nil {
		t.Fatal(err)
	}
	if n := src.ReadCalls.Load(); n != 0 {
		t.Errorf("direct copy read the source %d times", n)
	}
	got, err := ReadAll(ctx, dst, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "copy me" {
		t.Errorf("got %q", got)
	}
}

func TestCopyStreamed(t *testing.T) {
	var (
		ctx = context.Background()
		src = testutil.NewCounting(mem.New())
		dst = mem.Named(t.Name() + "-dst")
	)
	key, err := src.Write(ctx, strings.NewReader("stream me"), "")
	if err != nil {
		t.Fatal(err)
	}

	if err := Copy(ctx, src, dst, key); err != nil {
		t.Fatal(err)
	}
	if n := src.ReadCalls.Load(); n != 1 {
		t.Errorf("streamed copy read the source %d times, want 1", n)
	}
	if ok, _ := dst.Exists(ctx, key); !ok {
		t.Error("key missing after copy")
	}
}

type decliningStore struct {
	*mem.Store
	tried atomic.Int64
}

func (d *decliningStore) DirectCopy(Descriptor) (CopyFunc, bool) {
	return func(context.Context, Key) error {
		d.tried.Add(1)
		return E("copy", "declining", "", ErrNoDirectCopy, errors.New("cross-device link"))
	}, true
}

func TestCopyFallback(t *testing.T) {
	var (
		ctx = context.Background()
		src = mem.New()
		dst = &decliningStore{Store: mem.New()}
	)
	key, err := src.Write(ctx, strings.NewReader("fall back"), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := Copy(ctx, src, dst, key); err != nil {
		t.Fatal(err)
	}
	if n := dst.tried.Load(); n != 1 {
		t.Errorf("direct copy tried %d times, want 1", n)
	}
	if ok, _ := dst.Exists(ctx, key); !ok {
		t.Error("key missing after fallback copy")
	}
}

// Serves the wrong content for every key.
type corruptStore struct {
	Store
}

func (c corruptStore) Read(context.Context, Key) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("corrupted")), nil
}

func TestCopyMismatch(t *testing.T) {
	var (
		ctx  = context.Background()
		base = mem.New()
		dst  = mem.New()
	)
	key, err := base.Write(ctx, strings.NewReader("original"), "")
	if err != nil {
		t.Fatal(err)
	}

	err = Copy(ctx, corruptStore{Store: base}, dst, key)
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("got %v, want ErrDigestMismatch", err)
	}
	for _, k := range []Key{key, KeyOf(SHA256, []byte("corrupted"))} {
		if ok, _ := dst.Exists(ctx, k); ok {
			t.Errorf("%s present after mismatched copy", k)
		}
	}
}

func TestCopySkipsPresent(t *testing.T) {
	var (
		ctx = context.Background()
		src = testutil.NewCounting(mem.New())
		dst = mem.New()
	)
	key, err := dst.Write(ctx, strings.NewReader("already there"), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := Copy(ctx, src, dst, key); err != nil {
		t.Fatal(err)
	}
	if n := src.ReadCalls.Load(); n != 0 {
		t.Errorf("source read %d times", n)
	}
}

func TestCopyNotFound(t *testing.T) {
	ctx := context.Background()
	err := Copy(ctx, mem.New(), mem.New(), KeyOf(SHA256, []byte("nowhere")))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestCopyMulti(t *testing.T) {
	var (
		ctx = context.Background()
		src = mem.New()
		dst = mem.New()
	)

	var keys []Key
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		key, err := src.Write(ctx, bytes.NewReader([]byte(s)), "")
		if err != nil {
			t.Fatal(err)
		}
		keys = append(keys, key)
	}
	missing := KeyOf(SHA256, []byte("missing"))
	keys = append(keys, missing)

	err := CopyMulti(ctx, src, dst, keys, 3)

	var merr MultiErr
	if !errors.As(err, &merr) {
		t.Fatalf("got %v, want MultiErr", err)
	}
	if len(merr) != 1 {
		t.Errorf("got %d errors, want 1: %s", len(merr), merr)
	}
	if !errors.Is(merr[missing], ErrNotFound) {
		t.Errorf("got %v for missing key, want ErrNotFound", merr[missing])
	}
	for _, key := range keys[:5] {
		if ok, _ := dst.Exists(ctx, key); !ok {
			t.Errorf("%s not copied", key)
		}
	}

	if err := CopyMulti(ctx, src, dst, keys[:5], 0); err != nil {
		t.Errorf("recopy: %s", err)
	}
}
