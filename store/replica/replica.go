// Package replica implements a store that mirrors blobs across several nested stores.
package replica

import (
	"context"
	stderrs "errors"
	"io"
	"reflect"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/bcs"
	"github.com/bobg/bcs/store"
)

var log = logrus.WithField("logger", "replica")

var (
	_ bcs.Store  = (*Store)(nil)
	_ bcs.Lister = (*Store)(nil)
)

// Store is a blob store that delegates reads and writes to two sets of nested stores.
// One set is synchronous:
// a write goes to the first of these,
// then is copied to the others,
// and all of that must succeed before Write returns.
// The other set is asynchronous:
// Write queues copies to these stores but does not wait for them to finish.
// However, if any asynchronous copy encounters an error,
// the whole Store is put into an error state and further operations will fail.
//
// All nested stores must use the same key strategy.
type Store struct {
	sync        []bcs.Store
	asyncStores []bcs.Store
	async       []asyncChans
	cancel      context.CancelFunc

	mu  sync.Mutex // protects err
	err error      // the error from an async goroutine, if any
}

type asyncChans struct {
	keys chan<- bcs.Key
	errs <-chan error
}

// New produces a new Store.
// The set of synchronous stores must be non-empty.
// The set of asynchronous stores may be empty.
// If there are any asynchronous stores,
// goroutines are launched for them,
// and canceling the given context object causes those to exit,
// placing the Store in an error state.
//
// Normally, copies to asynchronous stores do not block calls to Write,
// but the queue for each nested store has a fixed length given by n,
// which must be 1 or greater.
// If any async store falls too far behind,
// Write will block until all requests can be queued.
func New(ctx context.Context, sync []bcs.Store, async []bcs.Store, n int) (*Store, error) {
	if len(sync) == 0 {
		return nil, errors.New("no synchronous stores")
	}
	keys := sync[0].Describe().Keys
	for _, set := range [][]bcs.Store{sync, async} {
		for _, s := range set {
			if s.Describe().Keys != keys {
				return nil, errors.Errorf("store %s uses %s keys, want %s", s.Describe(), s.Describe().Keys, keys)
			}
		}
	}

	result := &Store{sync: sync, asyncStores: async}

	if len(async) > 0 {
		ctx, result.cancel = context.WithCancel(ctx)

		selectCases := make([]reflect.SelectCase, 1+len(async))

		for i, a := range async {
			var (
				keys = make(chan bcs.Key, n)
				errs = make(chan error, 1)
			)

			result.async = append(result.async, asyncChans{keys: keys, errs: errs})

			selectCases[i].Dir = reflect.SelectRecv
			selectCases[i].Chan = reflect.ValueOf(errs)

			go runAsync(ctx, sync[0], a, keys, errs)
		}

		selectCases[len(async)].Dir = reflect.SelectRecv
		selectCases[len(async)].Chan = reflect.ValueOf(ctx.Done())

		go func() {
			_, errval, ok := reflect.Select(selectCases)
			if ok {
				result.cancel()
				result.mu.Lock()
				result.err = errval.Interface().(error)
				result.mu.Unlock()
			}
		}()
	}

	return result, nil
}

// Runs as a goroutine until ctx is canceled or an error occurs (which it writes to errs).
func runAsync(ctx context.Context, src, dst bcs.Store, keys <-chan bcs.Key, errs chan<- error) {
	defer close(errs)

	for {
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return

		case key := <-keys:
			if err := bcs.Copy(ctx, src, dst, key); err != nil {
				log.WithFields(logrus.Fields{"key": key, "store": dst.Describe().String()}).WithError(err).Error("async copy failed")
				errs <- err
				return
			}
		}
	}
}

// Describe implements bcs.Store.
// A replica store describes itself as its first synchronous store.
func (s *Store) Describe() bcs.Descriptor {
	return s.sync[0].Describe()
}

// Write implements bcs.Store.
// The content is written to the first synchronous store,
// then copied to the other synchronous stores.
// An error from any of them causes Write to return an error.
//
// A request to copy the blob is queued for any asynchronous nested stores.
// Normally this does not block the call to Write,
// but if any async store falls too far behind,
// Write must wait for space to open in its request queue before proceeding.
// The size of this queue is given by the int passed to New.
func (s *Store) Write(ctx context.Context, r io.Reader, expected bcs.Key) (bcs.Key, error) {
	if err := s.checkErr(); err != nil {
		return "", errors.Wrap(err, "in async-store goroutine")
	}

	key, err := s.sync[0].Write(ctx, r, expected)
	if err != nil {
		return "", err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range s.sync[1:] {
		st := st
		g.Go(func() error {
			return bcs.Copy(gctx, s.sync[0], st, key)
		})
	}

	for _, a := range s.async {
		select {
		case <-ctx.Done():
			return "", bcs.CtxErr(ctx, ctx.Err())

		case a.keys <- key:
		}
	}

	if err := g.Wait(); err != nil {
		return "", err
	}
	return key, nil
}

// Read implements bcs.Getter.
// It tries the synchronous stores in order,
// returning the first blob found.
// If no store has the blob the result is an ErrNotFound error;
// otherwise it is the first error other than that.
func (s *Store) Read(ctx context.Context, key bcs.Key) (io.ReadCloser, error) {
	if err := s.checkErr(); err != nil {
		return nil, errors.Wrap(err, "in async-store goroutine")
	}

	var firstErr error
	for _, st := range s.sync {
		rc, err := st.Read(ctx, key)
		if err == nil {
			return rc, nil
		}
		if !stderrs.Is(err, bcs.ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, bcs.E("read", s.Describe().String(), key, bcs.ErrNotFound, nil)
}

// Exists implements bcs.Getter.
// It reports whether any synchronous store has the blob.
func (s *Store) Exists(ctx context.Context, key bcs.Key) (bool, error) {
	if err := s.checkErr(); err != nil {
		return false, errors.Wrap(err, "in async-store goroutine")
	}

	for _, st := range s.sync {
		ok, err := st.Exists(ctx, key)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Delete implements bcs.Store.
// It deletes the blob from every nested store, synchronous and asynchronous.
// A copy still queued for an asynchronous store may restore it there.
func (s *Store) Delete(ctx context.Context, key bcs.Key) error {
	if err := s.checkErr(); err != nil {
		return errors.Wrap(err, "in async-store goroutine")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, st := range append(s.sync[:len(s.sync):len(s.sync)], s.asyncStores...) {
		st := st
		g.Go(func() error {
			return st.Delete(ctx, key)
		})
	}
	return g.Wait()
}

// ListKeys implements bcs.Lister.
// It delegates the request to all of the synchronous stores in s
// and synthesizes the result from the union of their keys.
func (s *Store) ListKeys(ctx context.Context, start bcs.Key, f func(bcs.Key) error) error {
	if err := s.checkErr(); err != nil {
		return errors.Wrap(err, "in async-store goroutine")
	}

	listers := make([]bcs.Lister, len(s.sync))
	for i, st := range s.sync {
		l, ok := st.(bcs.Lister)
		if !ok {
			return errors.Errorf("store %s cannot list its keys", st.Describe())
		}
		listers[i] = l
	}

	chans := make([]chan bcs.Key, len(s.sync))
	for i := 0; i < len(s.sync); i++ {
		chans[i] = make(chan bcs.Key, 1)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	for i, l := range listers {
		var (
			i = i
			l = l
		)
		g.Go(func() error {
			defer close(chans[i])
			return l.ListKeys(ctx, start, func(key bcs.Key) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case chans[i] <- key:
					return nil
				}
			})
		})
	}

	// An empty key marks an exhausted channel.
	last := start
	next := make([]bcs.Key, len(s.sync))
	for i, ch := range chans {
		next[i] = <-ch
	}

	for {
		var (
			best      bcs.Key
			bestIndex int
		)
		for i, key := range next {
			if key == "" {
				continue
			}
			if key == last {
				key = <-chans[i]
				next[i] = key
				if key == "" {
					continue
				}
			}
			if best == "" || key.Less(best) {
				best, bestIndex = key, i
			}
		}
		if best == "" {
			break
		}
		if err := f(best); err != nil {
			return err
		}
		last = best
		next[bestIndex] = <-chans[bestIndex]
	}

	return g.Wait()
}

func (s *Store) checkErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func init() {
	store.Register("replica", func(ctx context.Context, conf map[string]interface{}) (bcs.Store, error) {
		syncStores, err := nestedList(ctx, conf, "sync")
		if err != nil {
			return nil, err
		}
		if len(syncStores) == 0 {
			return nil, errors.New(`missing "sync" parameter`)
		}
		asyncStores, err := nestedList(ctx, conf, "async")
		if err != nil {
			return nil, err
		}

		queueLen, ok, err := store.ConfInt64(conf, "queuelen")
		if err != nil {
			return nil, err
		}
		if !ok {
			queueLen = 10
		}

		return New(ctx, syncStores, asyncStores, int(queueLen))
	})
}

func nestedList(ctx context.Context, conf map[string]interface{}, param string) ([]bcs.Store, error) {
	items, _ := conf[param].([]interface{})

	var result []bcs.Store
	for i := range items {
		nested, ok := store.ConfMap(map[string]interface{}{"item": items[i]}, "item")
		if !ok {
			return nil, errors.Errorf("%q item %d is not a map", param, i)
		}
		s, err := store.FromConfig(ctx, nested)
		if err != nil {
			return nil, errors.Wrapf(err, "creating nested %s store %d", param, i)
		}
		result = append(result, s)
	}
	return result, nil
}
