package store_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/bcs"
	. "github.com/bobg/bcs/store"
	"github.com/bobg/bcs/store/mem"
)

func listKeys(ctx context.Context, t *testing.T, s bcs.Store) []bcs.Key {
	t.Helper()
	var keys []bcs.Key
	err := s.(bcs.Lister).ListKeys(ctx, "", func(key bcs.Key) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

func TestSync(t *testing.T) {
	const text = `abc def ghi jkl mno pqr stu`

	var (
		ctx    = context.Background()
		words  = strings.Fields(text)
		stores = make([]bcs.Store, 0, len(words))
	)
	for i := range words {
		s := mem.New()
		stores = append(stores, s)
		for j, word := range words {
			if i == j {
				continue
			}
			if _, err := s.Write(ctx, strings.NewReader(word), ""); err != nil {
				t.Fatal(err)
			}
		}
	}

	if err := Sync(ctx, stores); err != nil {
		t.Fatal(err)
	}

	keys := listKeys(ctx, t, stores[0])
	if len(keys) != len(words) {
		t.Fatalf("got %d keys, want %d", len(keys), len(words))
	}
	for i := 1; i < len(stores); i++ {
		if diff := cmp.Diff(keys, listKeys(ctx, t, stores[i])); diff != "" {
			t.Errorf("store %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

type unlistable struct {
	bcs.Store
}

func TestSyncUnlistable(t *testing.T) {
	err := Sync(context.Background(), []bcs.Store{mem.New(), unlistable{Store: mem.New()}})
	if err == nil {
		t.Error("expected error for a store that cannot list its keys")
	}
}
