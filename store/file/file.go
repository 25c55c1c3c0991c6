// Package file implements a blob store as a file hierarchy.
package file

import (
	"context"
	stderrs "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

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

// Store is a file-based implementation of a blob store.
// Blobs live at <root>/blobs/ab/abcd/abcdef...,
// and writes are staged in <root>/tmp,
// which must be on the same filesystem.
type Store struct {
	root     string
	keys     bcs.KeyStrategy
	fileMode os.FileMode
	dirMode  os.FileMode
}

// Option is an option to New.
type Option func(*Store)

// WithKeys sets the store's key strategy.
// The default is bcs.SHA256.
func WithKeys(ks bcs.KeyStrategy) Option {
	return func(s *Store) { s.keys = ks }
}

// WithFileMode sets the permission bits of blob files.
// The default is 0644.
func WithFileMode(mode os.FileMode) Option {
	return func(s *Store) { s.fileMode = mode }
}

// WithDirMode sets the permission bits of directories.
// The default is 0755.
func WithDirMode(mode os.FileMode) Option {
	return func(s *Store) { s.dirMode = mode }
}

// New produces a new Store storing data beneath `root`,
// creating it if necessary.
func New(root string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", root)
	}

	s := &Store{
		root:     abs,
		keys:     bcs.SHA256,
		fileMode: 0644,
		dirMode:  0755,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{s.blobroot(), s.tmproot()} {
		if err := os.MkdirAll(dir, s.dirMode); err != nil {
			return nil, errors.Wrapf(err, "ensuring %s exists", dir)
		}
	}
	return s, nil
}

// Root is the directory beneath which s stores its data.
func (s *Store) Root() string {
	return s.root
}

// Keys is the store's key strategy.
func (s *Store) Keys() bcs.KeyStrategy {
	return s.keys
}

func (s *Store) blobroot() string {
	return filepath.Join(s.root, "blobs")
}

func (s *Store) tmproot() string {
	return filepath.Join(s.root, "tmp")
}

func (s *Store) blobpath(key bcs.Key) string {
	return blobPath(s.root, key)
}

func blobPath(root string, key bcs.Key) string {
	h := string(key)
	return filepath.Join(root, "blobs", h[:2], h[:4], h)
}

// Describe implements bcs.Store.
func (s *Store) Describe() bcs.Descriptor {
	return bcs.Descriptor{Kind: "file", Location: s.root, Keys: s.keys.Name()}
}

func (s *Store) err(op string, key bcs.Key, kind, cause error) error {
	return bcs.E(op, s.Describe().String(), key, kind, cause)
}

// Read implements bcs.Getter.
func (s *Store) Read(_ context.Context, key bcs.Key) (io.ReadCloser, error) {
	if !s.keys.Valid(key) {
		return nil, s.err("read", key, bcs.ErrNotFound, errors.New("malformed key"))
	}
	path := s.blobpath(key)
	f, err := os.Open(path)
	if stderrs.Is(err, fs.ErrNotExist) {
		return nil, s.err("read", key, bcs.ErrNotFound, nil)
	}
	if err != nil {
		return nil, s.err("read", key, bcs.ErrIO, errors.Wrapf(err, "opening %s", path))
	}
	return f, nil
}

// Exists implements bcs.Getter.
func (s *Store) Exists(_ context.Context, key bcs.Key) (bool, error) {
	_, err := s.stat(key)
	if stderrs.Is(err, bcs.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) stat(key bcs.Key) (fs.FileInfo, error) {
	if !s.keys.Valid(key) {
		return nil, s.err("stat", key, bcs.ErrNotFound, errors.New("malformed key"))
	}
	info, err := os.Stat(s.blobpath(key))
	if stderrs.Is(err, fs.ErrNotExist) {
		return nil, s.err("stat", key, bcs.ErrNotFound, nil)
	}
	if err != nil {
		return nil, s.err("stat", key, bcs.ErrIO, err)
	}
	return info, nil
}

// Length implements bcs.Lengther.
func (s *Store) Length(_ context.Context, key bcs.Key) (int64, error) {
	info, err := s.stat(key)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Digest implements bcs.Digester.
func (s *Store) Digest(_ context.Context, key bcs.Key) (string, error) {
	if _, err := s.stat(key); err != nil {
		return "", err
	}
	return bcs.Digest(s.keys, key), nil
}

// Write implements bcs.Store.
func (s *Store) Write(ctx context.Context, r io.Reader, expected bcs.Key) (bcs.Key, error) {
	w, err := s.NewWriter()
	if err != nil {
		return "", err
	}
	defer w.Discard()

	if _, err := io.Copy(w, r); err != nil {
		return "", s.err("write", expected, bcs.ErrIO, err)
	}
	if err := ctx.Err(); err != nil {
		return "", bcs.CtxErr(ctx, err)
	}
	return w.Commit(expected)
}

// Writer stages a blob in a store's temp directory.
// Nothing is visible in the store until Commit.
type Writer struct {
	s    *Store
	f    *os.File
	kw   *bcs.KeyWriter
	done bool
}

// NewWriter starts staging a new blob.
// The caller must call Commit or Discard.
func (s *Store) NewWriter() (*Writer, error) {
	f, err := os.CreateTemp(s.tmproot(), "write-*")
	if err != nil {
		return nil, s.err("write", "", bcs.ErrIO, errors.Wrap(err, "creating temp file"))
	}
	return &Writer{s: s, f: f, kw: bcs.NewKeyWriter(s.keys)}, nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.kw.Write(p[:n])
	return n, err
}

// N is the number of bytes written so far.
func (w *Writer) N() int64 {
	return w.kw.N()
}

// Commit publishes the staged blob under its computed key and returns that key.
// If expected is non-empty and differs from the computed key,
// the staged data is discarded and the error matches bcs.ErrDigestMismatch.
func (w *Writer) Commit(expected bcs.Key) (bcs.Key, error) {
	if w.done {
		return "", errors.New("writer already finished")
	}
	w.done = true

	tmpname := w.f.Name()
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(tmpname)
		return "", w.s.err("write", expected, bcs.ErrIO, errors.Wrap(err, "syncing temp file"))
	}
	if err := w.f.Close(); err != nil {
		os.Remove(tmpname)
		return "", w.s.err("write", expected, bcs.ErrIO, errors.Wrap(err, "closing temp file"))
	}

	key := w.kw.Key()
	if expected != "" && key != expected {
		os.Remove(tmpname)
		return "", w.s.err("write", expected, bcs.ErrDigestMismatch, fmt.Errorf("content has key %s", key))
	}

	if err := w.s.publish(tmpname, key, false); err != nil {
		return "", err
	}
	return key, nil
}

// Discard abandons the staged blob.
// It is a no-op after Commit.
func (w *Writer) Discard() error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	return os.Remove(w.f.Name())
}

// Moves a fully written temp file into place.
// If the key is already present the temp file is dropped.
// A linked temp file shares its inode with another store's blob,
// so its mode is left alone.
func (s *Store) publish(tmpname string, key bcs.Key, linked bool) error {
	var (
		path = s.blobpath(key)
		dir  = filepath.Dir(path)
	)

	if err := os.MkdirAll(dir, s.dirMode); err != nil {
		os.Remove(tmpname)
		return s.err("write", key, bcs.ErrIO, errors.Wrapf(err, "ensuring path %s exists", dir))
	}
	if _, err := os.Stat(path); err == nil {
		os.Remove(tmpname)
		return nil
	}
	if !linked {
		if err := os.Chmod(tmpname, s.fileMode); err != nil {
			os.Remove(tmpname)
			return s.err("write", key, bcs.ErrIO, err)
		}
	}
	if err := os.Rename(tmpname, path); err != nil {
		os.Remove(tmpname)
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		return s.err("write", key, bcs.ErrIO, errors.Wrapf(err, "renaming into %s", path))
	}
	return nil
}

// Delete implements bcs.Store.
func (s *Store) Delete(_ context.Context, key bcs.Key) error {
	if !s.keys.Valid(key) {
		return nil
	}
	err := os.Remove(s.blobpath(key))
	if err != nil && !stderrs.Is(err, fs.ErrNotExist) {
		return s.err("delete", key, bcs.ErrIO, err)
	}
	return nil
}

// DirectCopy implements bcs.DirectCopier.
// Another file store's blobs are hardlinked into place.
// If the two stores are on different filesystems,
// the link fails and the CopyFunc reports bcs.ErrNoDirectCopy.
// A linked blob shares its file, mode and mtime included, with the source.
func (s *Store) DirectCopy(src bcs.Descriptor) (bcs.CopyFunc, bool) {
	if !src.SameKind(s.Describe()) || src.Location == "" {
		return nil, false
	}
	return func(ctx context.Context, key bcs.Key) error {
		if !s.keys.Valid(key) {
			return s.err("copy", key, bcs.ErrNotFound, errors.New("malformed key"))
		}
		if src.Location == s.root {
			_, err := s.stat(key)
			return err
		}

		srcpath := blobPath(src.Location, key)
		if _, err := os.Stat(srcpath); stderrs.Is(err, fs.ErrNotExist) {
			return bcs.E("copy", src.String(), key, bcs.ErrNotFound, nil)
		} else if err != nil {
			return bcs.E("copy", src.String(), key, bcs.ErrIO, err)
		}

		tmpname, err := s.tempName("link-")
		if err != nil {
			return err
		}
		if err := os.Link(srcpath, tmpname); err != nil {
			return s.err("copy", key, bcs.ErrNoDirectCopy, err)
		}
		return s.publish(tmpname, key, true)
	}, true
}

// Reserves a fresh name in the temp directory, leaving nothing behind.
func (s *Store) tempName(prefix string) (string, error) {
	f, err := os.CreateTemp(s.tmproot(), prefix+"*")
	if err != nil {
		return "", s.err("copy", "", bcs.ErrIO, errors.Wrap(err, "creating temp file"))
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return name, nil
}

// ListKeys produces all blob keys in the store, in lexicographic order.
func (s *Store) ListKeys(ctx context.Context, start bcs.Key, f func(bcs.Key) error) error {
	startHex := string(start)

	topLevel, err := os.ReadDir(s.blobroot())
	if err != nil {
		return errors.Wrapf(err, "reading dir %s", s.blobroot())
	}

	for _, topInfo := range topLevel {
		topName := topInfo.Name()
		if !topInfo.IsDir() || len(topName) != 2 || !bcs.Key(topName).Valid() {
			continue
		}
		if topName < prefix(startHex, 2) {
			continue
		}

		midLevel, err := os.ReadDir(filepath.Join(s.blobroot(), topName))
		if err != nil {
			return errors.Wrapf(err, "reading dir %s/%s", s.blobroot(), topName)
		}
		for _, midInfo := range midLevel {
			midName := midInfo.Name()
			if !midInfo.IsDir() || len(midName) != 4 || !strings.HasPrefix(midName, topName) {
				continue
			}
			if midName < prefix(startHex, 4) {
				continue
			}

			blobInfos, err := os.ReadDir(filepath.Join(s.blobroot(), topName, midName))
			if err != nil {
				return errors.Wrapf(err, "reading dir %s/%s/%s", s.blobroot(), topName, midName)
			}
			for _, blobInfo := range blobInfos {
				name := blobInfo.Name()
				if blobInfo.IsDir() || name <= startHex {
					continue
				}
				key := bcs.Key(name)
				if !s.keys.Valid(key) {
					continue
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := f(key); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func prefix(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

// Walk calls f for every blob in the store,
// in no particular order,
// with its size and modification time.
func (s *Store) Walk(ctx context.Context, f func(key bcs.Key, size int64, mtime time.Time) error) error {
	return filepath.WalkDir(s.blobroot(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return ctx.Err()
		}
		key := bcs.Key(d.Name())
		if !s.keys.Valid(key) {
			return nil
		}
		info, err := d.Info()
		if stderrs.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		return f(key, info.Size(), info.ModTime())
	})
}

// Touch sets the modification time of a blob's file.
// Caches use it to remember recency across restarts.
func (s *Store) Touch(key bcs.Key, t time.Time) error {
	if !s.keys.Valid(key) {
		return nil
	}
	err := os.Chtimes(s.blobpath(key), t, t)
	if stderrs.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func init() {
	store.Register("file", func(_ context.Context, conf map[string]interface{}) (bcs.Store, error) {
		root, ok := store.ConfString(conf, "root")
		if !ok {
			return nil, errors.New(`missing "root" parameter`)
		}
		ks, err := store.ConfKeys(conf)
		if err != nil {
			return nil, err
		}
		return New(root, WithKeys(ks))
	})
}
