package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/bcs"
)

// Sync synchronizes two or more stores.
// It runs ListKeys on all input stores,
// which must therefore implement bcs.Lister.
// When a key is found to be in some but not all stores,
// it is copied with bcs.Copy to the stores where it's missing
// (directly, where the stores allow it).
func Sync(ctx context.Context, stores []bcs.Store) error {
	if len(stores) < 2 {
		return nil
	}

	type tuple struct {
		s   bcs.Store
		ch  <-chan bcs.Key
		key *bcs.Key
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx2 := errgroup.WithContext(ctx)

	tuples := make([]*tuple, 0, len(stores))
	for _, s := range stores {
		l, ok := s.(bcs.Lister)
		if !ok {
			return fmt.Errorf("store %s cannot list its keys", s.Describe())
		}
		ch := make(chan bcs.Key)
		eg.Go(func() error {
			defer close(ch)
			return l.ListKeys(ctx2, "", func(key bcs.Key) error {
				select {
				case <-ctx2.Done():
					return ctx2.Err()
				case ch <- key:
				}
				return nil
			})
		})
		tuples = append(tuples, &tuple{s: s, ch: ch})
	}

	errch := make(chan error, 1)
	go func() {
		errch <- eg.Wait()
		close(errch)
	}()

	havers := tuples
	for {
		// Advance every store that produced the last key.
		for _, tup := range havers {
			for received := false; !received; {
				select {
				case <-ctx.Done():
					return ctx.Err()

				case err, ok := <-errch:
					if !ok {
						errch = nil
						continue
					}
					if err != nil {
						return err
					}

				case key, ok := <-tup.ch:
					received = true
					if ok {
						tup.key = &key
					} else {
						tup.key = nil
					}
				}
			}
		}

		sort.SliceStable(tuples, func(i, j int) bool {
			ki, kj := tuples[i].key, tuples[j].key
			if ki != nil {
				if kj != nil {
					return ki.Less(*kj)
				}
				return true
			}
			return false
		})

		if tuples[0].key == nil {
			// End of input on all channels.
			if errch == nil {
				return nil
			}
			return <-errch
		}

		key := *(tuples[0].key)

		havers = []*tuple{tuples[0]}
		i := 1
		for i < len(tuples) && tuples[i].key != nil && *(tuples[i].key) == key {
			havers = append(havers, tuples[i])
			i++
		}

		for _, tup := range tuples[i:] {
			err := bcs.Copy(ctx, havers[0].s, tup.s, key)
			if err != nil {
				return errors.Wrapf(err, "copying %s to %s", key, tup.s.Describe())
			}
		}
	}
}
