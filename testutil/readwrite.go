// Package testutil contains helpers for testing blob-store implementations.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobg/bcs"
)

// HelloWorldKey is the SHA-256 key of "hello world".
const HelloWorldKey = bcs.Key("b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9")

// Keys returns the key strategy that s advertises in its descriptor.
func Keys(t *testing.T, s bcs.Store) bcs.KeyStrategy {
	t.Helper()
	ks, err := bcs.KeyStrategyByName(s.Describe().Keys)
	if err != nil {
		t.Fatal(err)
	}
	return ks
}

// ReadWrite permits testing a Store implementation
// by writing some data to it,
// then reading it back out to make sure it's the same.
// It goes on to check the rest of the store contract:
// idempotent rewrites,
// rollback on a digest mismatch,
// NotFound for absent keys,
// and deletion.
func ReadWrite(ctx context.Context, t *testing.T, store bcs.Store, data []byte) {
	ks := Keys(t, store)
	want := bcs.KeyOf(ks, data)

	t1 := time.Now()
	key, err := store.Write(ctx, bytes.NewReader(data), "")
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("wrote %d bytes in %s", len(data), time.Since(t1))
	if key != want {
		t.Fatalf("got key %s, want %s", key, want)
	}

	t2 := time.Now()
	got, err := bcs.ReadAll(ctx, store, key)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("read %d bytes in %s", len(got), time.Since(t2))

	if len(got) != len(data) {
		t.Errorf("got length %d, want %d", len(got), len(data))
	} else {
		for i := 0; i < len(got); i++ {
			if got[i] != data[i] {
				t.Fatalf("mismatch at position %d (of %d)", i, len(got))
			}
		}
	}

	ok, err := store.Exists(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("key %s not found after write", key)
	}

	if l, ok := store.(bcs.Lengther); ok {
		n, err := l.Length(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if n != int64(len(data)) {
			t.Errorf("got length %d, want %d", n, len(data))
		}
	}
	if d, ok := store.(bcs.Digester); ok {
		digest, err := d.Digest(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if digest != bcs.Digest(ks, key) {
			t.Errorf("got digest %s, want %s", digest, bcs.Digest(ks, key))
		}
	}

	// Rewriting is a no-op that reports the same key.
	key2, err := store.Write(ctx, bytes.NewReader(data), key)
	if err != nil {
		t.Fatal(err)
	}
	if key2 != key {
		t.Errorf("rewrite produced key %s, want %s", key2, key)
	}

	mismatch(ctx, t, store, ks)

	absent := bcs.KeyOf(ks, []byte("this content was never written"))
	if _, err := store.Read(ctx, absent); !errors.Is(err, bcs.ErrNotFound) {
		t.Errorf("reading absent key: got error %v, want ErrNotFound", err)
	}
	if ok, err := store.Exists(ctx, absent); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Error("absent key reported present")
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if ok, err := store.Exists(ctx, key); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Errorf("key %s still present after delete", key)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Errorf("deleting absent key: %s", err)
	}
}

func mismatch(ctx context.Context, t *testing.T, store bcs.Store, ks bcs.KeyStrategy) {
	var (
		content  = []byte("the content actually sent")
		expected = bcs.KeyOf(ks, []byte("the content the caller expected"))
		actual   = bcs.KeyOf(ks, content)
	)

	_, err := store.Write(ctx, bytes.NewReader(content), expected)
	if !errors.Is(err, bcs.ErrDigestMismatch) {
		t.Fatalf("got error %v, want ErrDigestMismatch", err)
	}
	for _, k := range []bcs.Key{expected, actual} {
		ok, err := store.Exists(ctx, k)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Errorf("key %s present after mismatched write", k)
		}
	}
}

// HelloWorld writes "hello world" to a SHA-256 store
// and checks the resulting key.
func HelloWorld(ctx context.Context, t *testing.T, store bcs.Store) {
	key, err := store.Write(ctx, bytes.NewReader([]byte("hello world")), "")
	if err != nil {
		t.Fatal(err)
	}
	if key != HelloWorldKey {
		t.Errorf("got key %s, want %s", key, HelloWorldKey)
	}
	got, err := bcs.ReadAll(ctx, store, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
}

// ConcurrentWrites writes the same data to a store from several goroutines at once
// and checks that exactly one intact copy results.
func ConcurrentWrites(ctx context.Context, t *testing.T, store bcs.Store, data []byte) {
	const n = 8

	var (
		wg   sync.WaitGroup
		keys = make([]bcs.Key, n)
		errs = make([]error, n)
	)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys[i], errs[i] = store.Write(ctx, bytes.NewReader(data), "")
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("writer %d: %s", i, errs[i])
		}
		if keys[i] != keys[0] {
			t.Fatalf("writer %d got key %s, writer 0 got %s", i, keys[i], keys[0])
		}
	}

	got, err := bcs.ReadAll(ctx, store, keys[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("content mismatch after concurrent writes")
	}
}
