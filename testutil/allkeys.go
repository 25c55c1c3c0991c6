package testutil

import (
	"bytes"
	"context"
	"sort"
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/bobg/bcs"
)

// AllKeys writes a random set of random blobs to an empty store
// and makes sure that the right set of keys comes back in a call to ListKeys.
func AllKeys(ctx context.Context, t *testing.T, storeFactory func() bcs.Store) {
	if err := quick.Check(allKeysHelper(ctx, t, storeFactory), &quick.Config{MaxCount: 20}); err != nil {
		t.Error(err)
	}
}

func allKeysHelper(ctx context.Context, t *testing.T, storeFactory func() bcs.Store) func([][]byte) bool {
	return func(blobs [][]byte) bool {
		store := storeFactory()
		l, ok := store.(bcs.Lister)
		if !ok {
			t.Fatalf("store %s is not a Lister", store.Describe())
		}

		seen := make(map[bcs.Key]bool)
		var want []bcs.Key
		for _, blob := range blobs {
			key, err := store.Write(ctx, bytes.NewReader(blob), "")
			if err != nil {
				t.Fatal(err)
			}
			if !seen[key] {
				seen[key] = true
				want = append(want, key)
			}
		}
		sort.Slice(want, func(i, j int) bool { return want[i].Less(want[j]) })

		var got []bcs.Key
		err := l.ListKeys(ctx, "", func(k bcs.Key) error {
			got = append(got, k)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff(want, got); diff != "" {
			t.Logf("mismatch (-want +got):\n%s", diff)
			return false
		}

		if len(want) == 0 {
			return true
		}

		// Listing resumes after the start key.
		got = nil
		err = l.ListKeys(ctx, want[0], func(k bcs.Key) error {
			got = append(got, k)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want[1:], got, cmpopts.EquateEmpty()); diff != "" {
			t.Logf("mismatch after %s (-want +got):\n%s", want[0], diff)
			return false
		}
		return true
	}
}
