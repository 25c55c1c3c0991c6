package bcs

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Key is the content-derived key of a blob:
// the lowercase hex encoding of a digest of its bytes.
type Key string

// String implements fmt.Stringer.
func (k Key) String() string { return string(k) }

// Less tells whether k sorts before other.
func (k Key) Less(other Key) bool { return k < other }

// Valid tells whether k is a non-empty lowercase hex string of even length.
// It does not check the length against any particular hash algorithm;
// for that, use KeyStrategy.Valid.
func (k Key) Valid() bool {
	if len(k) == 0 || len(k)%2 != 0 {
		return false
	}
	for _, c := range k {
		if !('0' <= c && c <= '9') && !('a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}

// KeyFromHex parses s as a Key.
func KeyFromHex(s string) (Key, error) {
	k := Key(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", errors.Errorf("malformed key %q", s)
	}
	return k, nil
}

// KeyStrategy says how keys are derived from content and validated.
type KeyStrategy interface {
	// Name is the algorithm name, e.g. "sha256".
	// It is the prefix of advertised digests.
	Name() string

	// New produces a fresh hash.Hash for computing a key.
	New() hash.Hash

	// Valid tells whether k is a well-formed key under this strategy.
	Valid(k Key) bool
}

type hashStrategy struct {
	name string
	size int
	f    func() hash.Hash
}

func (h hashStrategy) Name() string     { return h.name }
func (h hashStrategy) New() hash.Hash   { return h.f() }
func (h hashStrategy) Valid(k Key) bool { return len(k) == 2*h.size && k.Valid() }

var (
	// SHA256 is the default KeyStrategy: the SHA2-256 hash of a blob's bytes.
	SHA256 KeyStrategy = hashStrategy{name: "sha256", size: sha256.Size, f: sha256.New}

	// BLAKE2b256 keys blobs by their 256-bit BLAKE2b hash.
	BLAKE2b256 KeyStrategy = hashStrategy{name: "blake2b-256", size: blake2b.Size256, f: newBlake2b256}
)

func newBlake2b256() hash.Hash {
	h, _ := blake2b.New256(nil) // only errors on an oversized MAC key
	return h
}

var strategies = map[string]KeyStrategy{
	SHA256.Name():     SHA256,
	BLAKE2b256.Name(): BLAKE2b256,
}

// KeyStrategyByName looks up a KeyStrategy by its name.
// The empty string means SHA256.
func KeyStrategyByName(name string) (KeyStrategy, error) {
	if name == "" {
		return SHA256, nil
	}
	ks, ok := strategies[strings.ToLower(name)]
	if !ok {
		return nil, errors.Errorf("unknown key strategy %q", name)
	}
	return ks, nil
}

// KeyWriter is an io.Writer that hashes and counts the bytes written to it.
// Stores use it to compute a blob's key in the same pass that persists it.
type KeyWriter struct {
	h hash.Hash
	n int64
}

// NewKeyWriter produces a KeyWriter for the given strategy.
// A nil strategy means SHA256.
func NewKeyWriter(ks KeyStrategy) *KeyWriter {
	if ks == nil {
		ks = SHA256
	}
	return &KeyWriter{h: ks.New()}
}

// Write implements io.Writer. It never fails.
func (w *KeyWriter) Write(p []byte) (int, error) {
	w.h.Write(p)
	w.n += int64(len(p))
	return len(p), nil
}

// Key is the key of everything written so far.
func (w *KeyWriter) Key() Key {
	return Key(hex.EncodeToString(w.h.Sum(nil)))
}

// N is the number of bytes written so far.
func (w *KeyWriter) N() int64 {
	return w.n
}

// ComputeKey reads r to the end and reports its key and length.
func ComputeKey(ks KeyStrategy, r io.Reader) (Key, int64, error) {
	w := NewKeyWriter(ks)
	_, err := io.Copy(w, r)
	if err != nil {
		return "", 0, errors.Wrap(err, "hashing content")
	}
	return w.Key(), w.N(), nil
}

// KeyOf computes the key of an in-memory byte slice.
func KeyOf(ks KeyStrategy, b []byte) Key {
	w := NewKeyWriter(ks)
	w.Write(b)
	return w.Key()
}

// Digest renders the advertised digest of k under ks, e.g. "sha256:b94d...".
func Digest(ks KeyStrategy, k Key) string {
	if ks == nil {
		ks = SHA256
	}
	return ks.Name() + ":" + string(k)
}
