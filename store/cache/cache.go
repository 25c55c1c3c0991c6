// Package cache implements a blob store that keeps local copies of a remote store's blobs.
//
// Reads are served from a local file store when possible.
// On a miss the remote blob is streamed to the caller
// and into the local store at the same time.
// Writes go to the remote store and, on success, into the local store.
// Failures of the local store never fail a read or write.
//
// The local store is bounded by total size, entry count, and entry age,
// evicting least-recently-used entries first.
// An entry is never evicted while a reader has it open.
package cache

import (
	"context"
	stderrs "errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bobg/flock"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/bcs"
	"github.com/bobg/bcs/store"
	"github.com/bobg/bcs/store/file"
)

var log = logrus.WithField("logger", "cache")

var (
	_ bcs.Store        = &Store{}
	_ bcs.Lister       = &Store{}
	_ bcs.Lengther     = &Store{}
	_ bcs.Digester     = &Store{}
	_ bcs.DirectCopier = &Store{}
)

// DefaultMaxBytes is the size bound of a cache with no MaxBytes option.
const DefaultMaxBytes = 1 << 30

// Store is a caching blob store.
type Store struct {
	local  *file.Store
	remote bcs.Store

	maxBytes   int64
	maxEntries int
	maxAge     time.Duration
	metrics    *Metrics
	now        func() time.Time

	flocker flock.Locker

	mu    sync.Mutex
	index *simplelru.LRU // bcs.Key -> *entry, least recently used first
	pins  map[bcs.Key]int
	total int64
}

type entry struct {
	size int64
	used time.Time
}

// Option is an option to New.
type Option func(*Store)

// MaxBytes bounds the total size of cached blobs.
// Zero or less means no bound.
func MaxBytes(n int64) Option {
	return func(s *Store) { s.maxBytes = n }
}

// MaxEntries bounds the number of cached blobs.
// Zero or less means no bound.
func MaxEntries(n int) Option {
	return func(s *Store) { s.maxEntries = n }
}

// MaxAge bounds how long a cached blob may go unused before Sweep removes it.
// Zero or less means no bound.
func MaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// WithMetrics sets the metrics the store updates.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock sets the store's source of the current time.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New produces a new Store caching the blobs of remote in local.
// Entries already present in local are adopted,
// oldest modification time first,
// and the limits are applied to them.
func New(ctx context.Context, local *file.Store, remote bcs.Store, opts ...Option) (*Store, error) {
	if local.Keys().Name() != remote.Describe().Keys {
		return nil, errors.Errorf("local store uses %s keys but remote %s uses %s", local.Keys().Name(), remote.Describe(), remote.Describe().Keys)
	}

	index, err := simplelru.NewLRU(math.MaxInt32, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating index")
	}

	s := &Store{
		local:    local,
		remote:   remote,
		maxBytes: DefaultMaxBytes,
		now:      time.Now,
		index:    index,
		pins:     make(map[bcs.Key]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics, _ = NewMetrics(nil, local.Root())
	}

	found, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range found {
		s.index.Add(f.key, &entry{size: f.size, used: f.mtime})
		s.total += f.size
	}
	s.evictLocked()
	s.updateGaugesLocked()

	return s, nil
}

type found struct {
	key   bcs.Key
	size  int64
	mtime time.Time
}

// Lists the local store's contents, oldest first.
func (s *Store) scan(ctx context.Context) ([]found, error) {
	var result []found
	err := s.local.Walk(ctx, func(key bcs.Key, size int64, mtime time.Time) error {
		result = append(result, found{key: key, size: size, mtime: mtime})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning %s", s.local.Root())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].mtime.Before(result[j].mtime) })
	return result, nil
}

// Local is the store's local tier.
func (s *Store) Local() *file.Store {
	return s.local
}

// Remote is the store's remote tier.
func (s *Store) Remote() bcs.Store {
	return s.remote
}

// Describe implements bcs.Store.
// A cache describes itself as its remote store,
// so that copies into and out of it can use the remote's direct paths.
func (s *Store) Describe() bcs.Descriptor {
	return s.remote.Describe()
}

// Stats reports the number and total size of cached entries.
func (s *Store) Stats() (entries int, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Len(), s.total
}

// Cached tells whether key is in the local tier.
func (s *Store) Cached(key bcs.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Contains(key)
}

func (s *Store) pin(key bcs.Key) {
	s.mu.Lock()
	s.pins[key]++
	s.mu.Unlock()
}

func (s *Store) unpin(key bcs.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pins[key] > 1 {
		s.pins[key]--
		return
	}
	delete(s.pins, key)

	// Entries admitted while pinned may have left the store over its limits.
	if s.overLocked() {
		s.evictLocked()
		s.updateGaugesLocked()
	}
}

// Read implements bcs.Getter.
func (s *Store) Read(ctx context.Context, key bcs.Key) (io.ReadCloser, error) {
	s.pin(key)

	rc, err := s.local.Read(ctx, key)
	if err == nil {
		s.metrics.Hits.Inc()
		s.touch(key)
		return &pinnedReader{ReadCloser: rc, s: s, key: key}, nil
	}
	if !stderrs.Is(err, bcs.ErrNotFound) {
		log.WithError(err).WithField("key", key).Warn("local read failed, reading remote")
	}

	s.metrics.Misses.Inc()

	rc, err = s.remote.Read(ctx, key)
	if err != nil {
		s.unpin(key)
		return nil, err
	}

	w, err := s.local.NewWriter()
	if err != nil {
		s.populateFailed(key, err)
		return &pinnedReader{ReadCloser: rc, s: s, key: key}, nil
	}

	return &populatingReader{pinnedReader: pinnedReader{ReadCloser: rc, s: s, key: key}, w: w}, nil
}

// Marks key as just used,
// adopting it into the index if another process put it on disk.
func (s *Store) touch(key bcs.Key) {
	now := s.now()

	s.mu.Lock()
	if v, ok := s.index.Get(key); ok {
		v.(*entry).used = now
		s.mu.Unlock()
	} else {
		s.mu.Unlock()
		size, err := s.local.Length(context.Background(), key)
		if err != nil {
			return
		}
		s.admit(key, size)
	}

	if err := s.local.Touch(key, now); err != nil {
		log.WithError(err).WithField("key", key).Debug("cannot update mtime")
	}
}

// Records a newly cached blob and applies the size and count limits.
func (s *Store) admit(key bcs.Key, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.index.Get(key); ok {
		v.(*entry).used = s.now()
		return
	}
	s.index.Add(key, &entry{size: size, used: s.now()})
	s.total += size
	s.evictLocked()
	s.updateGaugesLocked()
}

func (s *Store) populateFailed(key bcs.Key, err error) {
	s.metrics.PopulateFailures.Inc()
	log.WithError(err).WithField("key", key).Warn("cannot populate cache")
}

func (s *Store) overLocked() bool {
	if s.maxBytes > 0 && s.total > s.maxBytes {
		return true
	}
	return s.maxEntries > 0 && s.index.Len() > s.maxEntries
}

// Evicts unpinned entries, least recently used first,
// until the store is within its size and count limits
// or only pinned entries remain.
func (s *Store) evictLocked() {
	if !s.overLocked() {
		return
	}
	for _, k := range s.index.Keys() {
		key := k.(bcs.Key)
		if s.pins[key] > 0 {
			continue
		}
		s.removeLocked(key)
		s.metrics.Evictions.Inc()
		if !s.overLocked() {
			return
		}
	}
}

// Evicts unpinned entries unused since before cutoff.
func (s *Store) expireLocked(cutoff time.Time) {
	for _, k := range s.index.Keys() {
		key := k.(bcs.Key)
		v, ok := s.index.Peek(key)
		if !ok {
			continue
		}
		if !v.(*entry).used.Before(cutoff) {
			continue
		}
		if s.pins[key] > 0 {
			continue
		}
		s.removeLocked(key)
		s.metrics.Evictions.Inc()
	}
}

func (s *Store) removeLocked(key bcs.Key) {
	v, ok := s.index.Peek(key)
	if !ok {
		return
	}
	s.index.Remove(key)
	s.total -= v.(*entry).size
	if err := s.local.Delete(context.Background(), key); err != nil {
		log.WithError(err).WithField("key", key).Warn("cannot remove cache entry")
	}
}

func (s *Store) updateGaugesLocked() {
	s.metrics.Bytes.Set(float64(s.total))
	s.metrics.Entries.Set(float64(s.index.Len()))
}

// Exists implements bcs.Getter.
func (s *Store) Exists(ctx context.Context, key bcs.Key) (bool, error) {
	if s.Cached(key) {
		return true, nil
	}
	return s.remote.Exists(ctx, key)
}

// Write implements bcs.Store.
// The blob is written to the remote store
// and, once that succeeds, committed to the local store.
func (s *Store) Write(ctx context.Context, r io.Reader, expected bcs.Key) (bcs.Key, error) {
	w, err := s.local.NewWriter()
	if err != nil {
		s.populateFailed(expected, err)
		return s.remote.Write(ctx, r, expected)
	}

	t := &teeReader{r: r, w: w}
	key, err := s.remote.Write(ctx, t, expected)
	if err != nil {
		w.Discard()
		return "", err
	}

	if t.werr != nil {
		w.Discard()
		s.populateFailed(key, t.werr)
		return key, nil
	}
	if _, err := w.Commit(key); err != nil {
		s.populateFailed(key, err)
		return key, nil
	}
	s.admit(key, w.N())
	return key, nil
}

// Delete implements bcs.Store.
func (s *Store) Delete(ctx context.Context, key bcs.Key) error {
	if err := s.remote.Delete(ctx, key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index.Contains(key) {
		s.removeLocked(key)
		s.updateGaugesLocked()
		return nil
	}
	return s.local.Delete(ctx, key)
}

// Length implements bcs.Lengther.
func (s *Store) Length(ctx context.Context, key bcs.Key) (int64, error) {
	s.mu.Lock()
	v, ok := s.index.Peek(key)
	s.mu.Unlock()
	if ok {
		return v.(*entry).size, nil
	}
	if l, ok := s.remote.(bcs.Lengther); ok {
		return l.Length(ctx, key)
	}
	return 0, errors.Errorf("length of %s not known without reading it", key)
}

// Digest implements bcs.Digester.
func (s *Store) Digest(ctx context.Context, key bcs.Key) (string, error) {
	if s.Cached(key) {
		return bcs.Digest(s.local.Keys(), key), nil
	}
	if d, ok := s.remote.(bcs.Digester); ok {
		return d.Digest(ctx, key)
	}
	ok, err := s.remote.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", bcs.E("digest", s.Describe().String(), key, bcs.ErrNotFound, nil)
	}
	return bcs.Digest(s.local.Keys(), key), nil
}

// ListKeys implements bcs.Lister.
// It lists the remote store's keys.
func (s *Store) ListKeys(ctx context.Context, start bcs.Key, f func(bcs.Key) error) error {
	l, ok := s.remote.(bcs.Lister)
	if !ok {
		return errors.Errorf("store %s cannot list its keys", s.remote.Describe())
	}
	return l.ListKeys(ctx, start, f)
}

// DirectCopy implements bcs.DirectCopier
// by delegating to the remote store.
// Directly copied blobs are cached on first read.
func (s *Store) DirectCopy(src bcs.Descriptor) (bcs.CopyFunc, bool) {
	dc, ok := s.remote.(bcs.DirectCopier)
	if !ok {
		return nil, false
	}
	return dc.DirectCopy(src)
}

// Sweep removes entries unused for longer than the maximum age
// and enforces the size and count limits.
// It first reconciles the index with the local directory,
// which other processes may share;
// a file lock keeps concurrent sweeps of one directory from interfering.
func (s *Store) Sweep(ctx context.Context) error {
	lockfile := filepath.Join(s.local.Root(), "sweep.lock")
	f, err := os.OpenFile(lockfile, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", lockfile)
	}
	f.Close()

	if err := s.flocker.Lock(lockfile); err != nil {
		return errors.Wrapf(err, "locking %s", lockfile)
	}
	defer s.flocker.Unlock(lockfile)

	onDisk, err := s.scan(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[bcs.Key]bool, len(onDisk))
	for _, f := range onDisk {
		present[f.key] = true
		if !s.index.Contains(f.key) {
			// Adopted entries go to the most-recent end;
			// their age is still judged by mtime.
			s.index.Add(f.key, &entry{size: f.size, used: f.mtime})
			s.total += f.size
		}
	}
	for _, k := range s.index.Keys() {
		key := k.(bcs.Key)
		if present[key] {
			continue
		}
		if v, ok := s.index.Peek(key); ok {
			s.total -= v.(*entry).size
		}
		s.index.Remove(key)
	}

	if s.maxAge > 0 {
		s.expireLocked(s.now().Add(-s.maxAge))
	}
	s.evictLocked()
	s.updateGaugesLocked()

	return nil
}

// Metrics returns the instruments s updates.
func (s *Store) Metrics() *Metrics {
	return s.metrics
}

// StartSweeper calls Sweep every interval until ctx is canceled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Sweep(ctx); err != nil {
					log.WithError(err).Error("sweep failed")
				}
			}
		}
	}()
}

type pinnedReader struct {
	io.ReadCloser
	s    *Store
	key  bcs.Key
	once sync.Once
}

func (p *pinnedReader) Close() error {
	err := p.ReadCloser.Close()
	p.once.Do(func() { p.s.unpin(p.key) })
	return err
}

// Streams a remote blob to the caller
// while copying it into the local store.
// The copy is committed only if the caller reads to the end.
type populatingReader struct {
	pinnedReader
	w *file.Writer
}

func (p *populatingReader) Read(buf []byte) (int, error) {
	n, err := p.ReadCloser.Read(buf)
	if p.w != nil && n > 0 {
		if _, werr := p.w.Write(buf[:n]); werr != nil {
			p.w.Discard()
			p.w = nil
			p.s.populateFailed(p.key, werr)
		}
	}
	if err == io.EOF && p.w != nil {
		w := p.w
		p.w = nil
		if _, cerr := w.Commit(p.key); cerr != nil {
			p.s.populateFailed(p.key, cerr)
		} else {
			p.s.admit(p.key, w.N())
		}
	}
	return n, err
}

func (p *populatingReader) Close() error {
	if p.w != nil {
		p.w.Discard()
		p.w = nil
	}
	return p.pinnedReader.Close()
}

// Copies everything read into w,
// giving up on w (but not the read) at its first error.
type teeReader struct {
	r    io.Reader
	w    *file.Writer
	werr error
}

func (t *teeReader) Read(buf []byte) (int, error) {
	n, err := t.r.Read(buf)
	if n > 0 && t.werr == nil {
		_, t.werr = t.w.Write(buf[:n])
	}
	return n, err
}

func init() {
	store.Register("cache", func(ctx context.Context, conf map[string]interface{}) (bcs.Store, error) {
		dir, ok := store.ConfString(conf, "dir")
		if !ok {
			return nil, errors.New(`missing "dir" parameter`)
		}
		remote, err := store.CreateNested(ctx, conf, "nested")
		if err != nil {
			return nil, err
		}
		ks, err := bcs.KeyStrategyByName(remote.Describe().Keys)
		if err != nil {
			return nil, err
		}
		local, err := file.New(dir, file.WithKeys(ks))
		if err != nil {
			return nil, err
		}

		var opts []Option
		if n, ok, err := store.ConfInt64(conf, "max_bytes"); err != nil {
			return nil, err
		} else if ok {
			opts = append(opts, MaxBytes(n))
		}
		if n, ok, err := store.ConfInt64(conf, "max_entries"); err != nil {
			return nil, err
		} else if ok {
			opts = append(opts, MaxEntries(int(n)))
		}
		if d, ok, err := store.ConfDuration(conf, "max_age"); err != nil {
			return nil, err
		} else if ok {
			opts = append(opts, MaxAge(d))
		}

		s, err := New(ctx, local, remote, opts...)
		if err != nil {
			return nil, err
		}

		if d, ok, err := store.ConfDuration(conf, "sweep_interval"); err != nil {
			return nil, err
		} else if ok && d > 0 {
			s.StartSweeper(ctx, d)
		}
		return s, nil
	})
}
