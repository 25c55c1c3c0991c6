package testutil

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/bobg/bcs"
)

// SingleCopy writes the same data to a store twice
// and checks that the store's listing grows by exactly one key.
// The store must be a bcs.Lister.
func SingleCopy(ctx context.Context, t *testing.T, store bcs.Store, data []byte) {
	t.Helper()

	l, ok := store.(bcs.Lister)
	if !ok {
		t.Fatalf("store %s is not a Lister", store.Describe())
	}
	count := func() map[bcs.Key]int {
		counts := make(map[bcs.Key]int)
		err := l.ListKeys(ctx, "", func(k bcs.Key) error {
			counts[k]++
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		return counts
	}

	before := count()

	var keys [2]bcs.Key
	for i := range keys {
		key, err := store.Write(ctx, bytes.NewReader(data), "")
		if err != nil {
			t.Fatal(err)
		}
		keys[i] = key
	}
	if keys[0] != keys[1] {
		t.Fatalf("second write got key %s, first got %s", keys[1], keys[0])
	}

	after := count()
	if len(after) != len(before)+1 {
		t.Errorf("got %d keys after two identical writes, want %d", len(after), len(before)+1)
	}
	if n := after[keys[0]]; n != 1 {
		t.Errorf("key %s listed %d times, want 1", keys[0], n)
	}
}

// CopyThenDelete writes "hello world" to a,
// copies it to b,
// and deletes it from a.
// Afterwards a must report the blob missing
// while b still serves it, with length 11.
// Both stores must use SHA-256 keys.
func CopyThenDelete(ctx context.Context, t *testing.T, a, b bcs.Store) {
	t.Helper()

	key, err := a.Write(ctx, bytes.NewReader([]byte("hello world")), "")
	if err != nil {
		t.Fatal(err)
	}
	if key != HelloWorldKey {
		t.Fatalf("got key %s, want %s", key, HelloWorldKey)
	}

	if err := bcs.Copy(ctx, a, b, key); err != nil {
		t.Fatal(err)
	}
	if err := a.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Read(ctx, key); !errors.Is(err, bcs.ErrNotFound) {
		t.Errorf("reading deleted blob: got error %v, want ErrNotFound", err)
	}
	if ok, err := a.Exists(ctx, key); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Error("deleted blob reported present")
	}

	got, err := bcs.ReadAll(ctx, b, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q from destination, want %q", got, "hello world")
	}
	if n := bcs.NewStoreBlob(b, key).Length(ctx); n != 11 {
		t.Errorf("got length %d, want 11", n)
	}
}
