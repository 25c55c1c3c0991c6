package bcs

import (
	"context"
	"io"
	"sort"
	"strings"
)

// Getter is a read-only Store (qv).
type Getter interface {
	// Read opens the blob with the given key.
	// The caller must close the result.
	// Each call produces a fresh, independent stream.
	Read(context.Context, Key) (io.ReadCloser, error)

	// Exists tells whether the store has the blob with the given key.
	Exists(context.Context, Key) (bool, error)
}

// Store is a blob store.
// It stores byte sequences - "blobs" - of arbitrary length.
// Each blob can be retrieved using its key,
// which is computed from the blob's content by the store's KeyStrategy.
type Store interface {
	Getter

	// Write consumes r to the end,
	// computing its key in the same pass,
	// and stores the result.
	// It returns the computed key.
	//
	// If expected is non-empty and disagrees with the computed key,
	// nothing is stored and the error matches ErrDigestMismatch.
	//
	// Writing content whose key is already present is a successful no-op.
	// Concurrent writes of the same key leave exactly one complete copy.
	Write(ctx context.Context, r io.Reader, expected Key) (Key, error)

	// Delete removes the blob with the given key.
	// Deleting an absent key is not an error.
	Delete(context.Context, Key) error

	// Describe identifies the store.
	// Other stores use the result to decide whether they can copy from this one directly.
	Describe() Descriptor
}

// Lister is a Getter that can enumerate its keys.
type Lister interface {
	// ListKeys calls a function for each key in the store in lexicographic order,
	// beginning with the first key _after_ the specified one.
	//
	// If the callback function returns an error,
	// ListKeys exits with that error.
	ListKeys(ctx context.Context, start Key, f func(Key) error) error
}

// Lengther is a store that knows the lengths of its blobs without reading them.
type Lengther interface {
	Length(context.Context, Key) (int64, error)
}

// Digester is a store that advertises digests for its blobs,
// in the form "<algorithm>:<hex>".
type Digester interface {
	Digest(context.Context, Key) (string, error)
}

// CopyFunc copies one blob, identified by key, into the store that produced the CopyFunc.
type CopyFunc func(ctx context.Context, key Key) error

// DirectCopier is a store that can sometimes copy blobs
// from another store without streaming them through the calling process.
type DirectCopier interface {
	// DirectCopy reports whether the receiver can copy directly from the store described by src.
	// If it can, it returns a CopyFunc that does so.
	// The CopyFunc must either leave a complete copy of the blob in the receiver
	// or fail leaving nothing visible.
	DirectCopy(src Descriptor) (CopyFunc, bool)
}

// Descriptor identifies a store,
// opaquely to everything but other stores of the same kind.
type Descriptor struct {
	// Kind is the store type, as used in the store registry (e.g. "gcs", "file").
	Kind string

	// Location identifies the storage location within Kind:
	// a bucket name, a directory, a database identity.
	Location string

	// Keys is the name of the store's KeyStrategy.
	Keys string

	// Params holds any further kind-specific identification.
	Params map[string]string
}

func (d Descriptor) String() string {
	var b strings.Builder
	b.WriteString(d.Kind)
	if d.Location != "" {
		b.WriteString(":")
		b.WriteString(d.Location)
	}
	if len(d.Params) > 0 {
		names := make([]string, 0, len(d.Params))
		for name := range d.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("?")
		for i, name := range names {
			if i > 0 {
				b.WriteString("&")
			}
			b.WriteString(name)
			b.WriteString("=")
			b.WriteString(d.Params[name])
		}
	}
	return b.String()
}

// SameKind tells whether d and other are the same kind of store using the same key strategy.
func (d Descriptor) SameKind(other Descriptor) bool {
	return d.Kind == other.Kind && d.Keys == other.Keys
}

// ReadAll reads the whole blob with the given key.
func ReadAll(ctx context.Context, g Getter, key Key) ([]byte, error) {
	rc, err := g.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
