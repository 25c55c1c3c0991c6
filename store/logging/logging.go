// Package logging implements a store that delegates everything to a nested store,
// logging operations as they happen.
package logging

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

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

// Store logs each operation on a nested store.
// It describes itself as the nested store does.
type Store struct {
	s   bcs.Store
	log logrus.FieldLogger
}

// New produces a new Store logging operations on s to logger.
// A nil logger means the logrus standard logger.
func New(s bcs.Store, logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{s: s, log: logger.WithField("store", s.Describe().String())}
}

// Nested returns the store that s wraps.
func (s *Store) Nested() bcs.Store {
	return s.s
}

func (s *Store) done(op string, key bcs.Key, start time.Time, err error) {
	entry := s.log.WithFields(logrus.Fields{
		"op":      op,
		"key":     key,
		"elapsed": time.Since(start),
	})
	if err != nil {
		entry.WithError(err).Warn("failed")
		return
	}
	entry.Debug("ok")
}

// Describe implements bcs.Store.
func (s *Store) Describe() bcs.Descriptor {
	return s.s.Describe()
}

// Read implements bcs.Getter.
func (s *Store) Read(ctx context.Context, key bcs.Key) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.s.Read(ctx, key)
	s.done("read", key, start, err)
	return rc, err
}

// Exists implements bcs.Getter.
func (s *Store) Exists(ctx context.Context, key bcs.Key) (bool, error) {
	start := time.Now()
	ok, err := s.s.Exists(ctx, key)
	s.done("exists", key, start, err)
	return ok, err
}

// Write implements bcs.Store.
func (s *Store) Write(ctx context.Context, r io.Reader, expected bcs.Key) (bcs.Key, error) {
	start := time.Now()
	key, err := s.s.Write(ctx, r, expected)
	if err != nil {
		s.done("write", expected, start, err)
	} else {
		s.done("write", key, start, nil)
	}
	return key, err
}

// Delete implements bcs.Store.
func (s *Store) Delete(ctx context.Context, key bcs.Key) error {
	start := time.Now()
	err := s.s.Delete(ctx, key)
	s.done("delete", key, start, err)
	return err
}

// Length implements bcs.Lengther.
func (s *Store) Length(ctx context.Context, key bcs.Key) (int64, error) {
	start := time.Now()

	var (
		n   int64
		err error
	)
	if l, ok := s.s.(bcs.Lengther); ok {
		n, err = l.Length(ctx, key)
	} else {
		var rc io.ReadCloser
		rc, err = s.s.Read(ctx, key)
		if err == nil {
			n, err = io.Copy(io.Discard, rc)
			rc.Close()
		}
	}
	s.done("length", key, start, err)
	return n, err
}

// Digest implements bcs.Digester.
func (s *Store) Digest(ctx context.Context, key bcs.Key) (string, error) {
	start := time.Now()

	var (
		digest string
		err    error
	)
	if d, ok := s.s.(bcs.Digester); ok {
		digest, err = d.Digest(ctx, key)
	} else {
		var (
			ok bool
			ks bcs.KeyStrategy
		)
		ok, err = s.s.Exists(ctx, key)
		if err == nil && !ok {
			err = bcs.E("digest", s.Describe().String(), key, bcs.ErrNotFound, nil)
		}
		if err == nil {
			ks, err = bcs.KeyStrategyByName(s.Describe().Keys)
		}
		if err == nil {
			digest = bcs.Digest(ks, key)
		}
	}
	s.done("digest", key, start, err)
	return digest, err
}

// ListKeys implements bcs.Lister.
// It fails if the nested store cannot list its keys.
func (s *Store) ListKeys(ctx context.Context, start bcs.Key, f func(bcs.Key) error) error {
	l, ok := s.s.(bcs.Lister)
	if !ok {
		return errors.Errorf("%s cannot list its keys", s.Describe())
	}

	var (
		t0 = time.Now()
		n  int
	)
	err := l.ListKeys(ctx, start, func(key bcs.Key) error {
		n++
		return f(key)
	})
	s.log.WithFields(logrus.Fields{"op": "list", "start": start, "count": n, "elapsed": time.Since(t0)}).Debug("listed")
	if err != nil {
		s.log.WithField("op", "list").WithError(err).Warn("failed")
	}
	return err
}

// DirectCopy implements bcs.DirectCopier.
func (s *Store) DirectCopy(src bcs.Descriptor) (bcs.CopyFunc, bool) {
	dc, ok := s.s.(bcs.DirectCopier)
	if !ok {
		return nil, false
	}
	f, ok := dc.DirectCopy(src)
	if !ok {
		return nil, false
	}
	return func(ctx context.Context, key bcs.Key) error {
		start := time.Now()
		err := f(ctx, key)
		s.done("copy", key, start, err)
		return err
	}, true
}

func init() {
	store.Register("logging", func(ctx context.Context, conf map[string]interface{}) (bcs.Store, error) {
		nested, err := store.CreateNested(ctx, conf, "nested")
		if err != nil {
			return nil, err
		}
		logger := logrus.StandardLogger()
		if level, ok := store.ConfString(conf, "level"); ok {
			lvl, err := logrus.ParseLevel(level)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing log level %s", level)
			}
			logger = logrus.New()
			logger.SetLevel(lvl)
		}
		return New(nested, logger), nil
	})
}
