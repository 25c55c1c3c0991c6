// Package mem implements an in-memory blob store.
package mem

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/bcs"
	"github.com/bobg/bcs/store"
)

var (
	_ bcs.Store        = &Store{}
	_ bcs.Lister       = &Store{}
	_ bcs.Lengther     = &Store{}
	_ bcs.Digester     = &Store{}
	_ bcs.DirectCopier = &Store{}
)

// Store is a memory-based implementation of a blob store.
type Store struct {
	mu    sync.Mutex
	blobs map[bcs.Key][]byte
	keys  bcs.KeyStrategy
	name  string
}

// Option is an option to New.
type Option func(*Store)

// WithKeys sets the store's key strategy.
// The default is bcs.SHA256.
func WithKeys(ks bcs.KeyStrategy) Option {
	return func(s *Store) { s.keys = ks }
}

// New produces a new Store.
func New(opts ...Option) *Store {
	s := &Store{
		blobs: make(map[bcs.Key][]byte),
		keys:  bcs.SHA256,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	namedMu sync.Mutex
	named   = make(map[string]*Store)
)

// Named returns the process-wide store with the given name,
// creating it (with the given options) if necessary.
// Named stores can copy directly from one another.
func Named(name string, opts ...Option) *Store {
	namedMu.Lock()
	defer namedMu.Unlock()

	if s, ok := named[name]; ok {
		return s
	}
	s := New(opts...)
	s.name = name
	named[name] = s
	return s
}

// Describe implements bcs.Store.
func (s *Store) Describe() bcs.Descriptor {
	loc := s.name
	if loc == "" {
		loc = fmt.Sprintf("%p", s)
	}
	return bcs.Descriptor{Kind: "mem", Location: loc, Keys: s.keys.Name()}
}

func (s *Store) err(op string, key bcs.Key, kind, cause error) error {
	return bcs.E(op, s.Describe().String(), key, kind, cause)
}

// Read implements bcs.Getter.
func (s *Store) Read(_ context.Context, key bcs.Key) (io.ReadCloser, error) {
	s.mu.Lock()
	b, ok := s.blobs[key]
	s.mu.Unlock()

	if !ok {
		return nil, s.err("read", key, bcs.ErrNotFound, nil)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// Exists implements bcs.Getter.
func (s *Store) Exists(_ context.Context, key bcs.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[key]
	return ok, nil
}

// Length implements bcs.Lengther.
func (s *Store) Length(_ context.Context, key bcs.Key) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return 0, s.err("length", key, bcs.ErrNotFound, nil)
	}
	return int64(len(b)), nil
}

// Digest implements bcs.Digester.
func (s *Store) Digest(ctx context.Context, key bcs.Key) (string, error) {
	ok, _ := s.Exists(ctx, key)
	if !ok {
		return "", s.err("digest", key, bcs.ErrNotFound, nil)
	}
	return bcs.Digest(s.keys, key), nil
}

// Write implements bcs.Store.
func (s *Store) Write(_ context.Context, r io.Reader, expected bcs.Key) (bcs.Key, error) {
	var (
		buf = new(bytes.Buffer)
		kw  = bcs.NewKeyWriter(s.keys)
	)
	if _, err := io.Copy(io.MultiWriter(buf, kw), r); err != nil {
		return "", s.err("write", expected, bcs.ErrIO, err)
	}

	key := kw.Key()
	if expected != "" && key != expected {
		return "", s.err("write", expected, bcs.ErrDigestMismatch, fmt.Errorf("content has key %s", key))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		s.blobs[key] = buf.Bytes()
	}
	return key, nil
}

// Delete implements bcs.Store.
func (s *Store) Delete(_ context.Context, key bcs.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

// ListKeys implements bcs.Lister.
func (s *Store) ListKeys(ctx context.Context, start bcs.Key, f func(bcs.Key) error) error {
	s.mu.Lock()
	var keys []bcs.Key
	for k := range s.blobs {
		if start.Less(k) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f(k); err != nil {
			return err
		}
	}
	return nil
}

// DirectCopy implements bcs.DirectCopier.
// It accepts other named mem stores with the same key strategy;
// the copy shares the source's immutable bytes.
func (s *Store) DirectCopy(src bcs.Descriptor) (bcs.CopyFunc, bool) {
	if !src.SameKind(s.Describe()) {
		return nil, false
	}

	namedMu.Lock()
	other, ok := named[src.Location]
	namedMu.Unlock()
	if !ok {
		return nil, false
	}

	return func(_ context.Context, key bcs.Key) error {
		other.mu.Lock()
		b, ok := other.blobs[key]
		other.mu.Unlock()
		if !ok {
			return bcs.E("copy", src.String(), key, bcs.ErrNotFound, nil)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.blobs[key]; !ok {
			s.blobs[key] = b
		}
		return nil
	}, true
}

func init() {
	store.Register("mem", func(_ context.Context, conf map[string]interface{}) (bcs.Store, error) {
		ks, err := store.ConfKeys(conf)
		if err != nil {
			return nil, err
		}
		if name, ok := store.ConfString(conf, "name"); ok {
			s := Named(name, WithKeys(ks))
			if s.keys.Name() != ks.Name() {
				return nil, errors.Errorf("mem store %s already exists with key strategy %s", name, s.keys.Name())
			}
			return s, nil
		}
		return New(WithKeys(ks)), nil
	})
}
