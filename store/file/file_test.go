package file

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bobg/bcs"
	"github.com/bobg/bcs/testutil"
)

func randomData(n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(1)).Read(data)
	return data
}

func TestStore(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	testutil.ReadWrite(context.Background(), t, s, randomData(1<<20))
}

func TestHelloWorld(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	testutil.HelloWorld(context.Background(), t, s)

	if _, err := os.Stat(filepath.Join(s.Root(), "blobs", "b9", "b94d", string(testutil.HelloWorldKey))); err != nil {
		t.Error(err)
	}
}

func TestSingleCopy(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	testutil.SingleCopy(ctx, t, s, randomData(4096))

	var files int
	err = s.Walk(ctx, func(bcs.Key, int64, time.Time) error {
		files++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if files != 1 {
		t.Errorf("got %d blob files, want 1", files)
	}
}

func TestCopyThenDelete(t *testing.T) {
	a, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	testutil.CopyThenDelete(context.Background(), t, a, b)
}

func TestBlake2b(t *testing.T) {
	s, err := New(t.TempDir(), WithKeys(bcs.BLAKE2b256))
	if err != nil {
		t.Fatal(err)
	}
	testutil.ReadWrite(context.Background(), t, s, randomData(4096))
}

func TestConcurrentWrites(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	testutil.ConcurrentWrites(context.Background(), t, s, randomData(256*1024))

	// Nothing is left behind in the temp dir.
	entries, err := os.ReadDir(s.tmproot())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("%d leftover temp files", len(entries))
	}
}

func TestAllKeys(t *testing.T) {
	testutil.AllKeys(context.Background(), t, func() bcs.Store {
		s, err := New(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

func TestMismatchLeavesNothing(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Write(ctx, bytes.NewReader([]byte("hello world!")), testutil.HelloWorldKey)
	if !errors.Is(err, bcs.ErrDigestMismatch) {
		t.Fatalf("got %v, want ErrDigestMismatch", err)
	}

	var n int
	err = s.Walk(ctx, func(bcs.Key, int64, time.Time) error {
		n++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("found %d blobs after mismatched write", n)
	}
}

func TestMalformedKey(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []bcs.Key{"", "../../etc/passwd", "abcd"} {
		if _, err := s.Read(ctx, key); !errors.Is(err, bcs.ErrNotFound) {
			t.Errorf("Read(%q): got %v, want ErrNotFound", key, err)
		}
		if ok, err := s.Exists(ctx, key); err != nil || ok {
			t.Errorf("Exists(%q): got %v, %v", key, ok, err)
		}
	}
}

func TestDirectCopy(t *testing.T) {
	ctx := context.Background()

	src, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dst, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	data := randomData(8192)
	key, err := src.Write(ctx, bytes.NewReader(data), "")
	if err != nil {
		t.Fatal(err)
	}

	f, ok := dst.DirectCopy(src.Describe())
	if !ok {
		t.Fatal("file store declined direct copy from another file store")
	}
	if err := f(ctx, key); err != nil {
		if errors.Is(err, bcs.ErrNoDirectCopy) {
			t.Skipf("hardlinks unavailable: %s", err)
		}
		t.Fatal(err)
	}

	got, err := bcs.ReadAll(ctx, dst, key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("content mismatch after direct copy")
	}

	srcInfo, err := os.Stat(src.blobpath(key))
	if err != nil {
		t.Fatal(err)
	}
	dstInfo, err := os.Stat(dst.blobpath(key))
	if err != nil {
		t.Fatal(err)
	}
	if !os.SameFile(srcInfo, dstInfo) {
		t.Error("direct copy did not link")
	}

	// An absent source key is NotFound, not a fallback.
	absent := bcs.KeyOf(bcs.SHA256, []byte("absent"))
	if err := f(ctx, absent); !errors.Is(err, bcs.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDirectCopyKeepsSourceMode(t *testing.T) {
	ctx := context.Background()

	src, err := New(t.TempDir(), WithFileMode(0600))
	if err != nil {
		t.Fatal(err)
	}
	dst, err := New(t.TempDir(), WithFileMode(0644))
	if err != nil {
		t.Fatal(err)
	}

	key, err := src.Write(ctx, bytes.NewReader(randomData(1024)), "")
	if err != nil {
		t.Fatal(err)
	}

	f, ok := dst.DirectCopy(src.Describe())
	if !ok {
		t.Fatal("file store declined direct copy from another file store")
	}
	if err := f(ctx, key); err != nil {
		if errors.Is(err, bcs.ErrNoDirectCopy) {
			t.Skipf("hardlinks unavailable: %s", err)
		}
		t.Fatal(err)
	}

	info, err := os.Stat(src.blobpath(key))
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("source blob mode changed to %v by direct copy", mode)
	}
}

func TestDirectCopyDeclined(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cases := []bcs.Descriptor{
		{Kind: "mem", Location: "x", Keys: "sha256"},
		{Kind: "file", Location: "/elsewhere", Keys: "blake2b-256"},
	}
	for _, c := range cases {
		if _, ok := s.DirectCopy(c); ok {
			t.Errorf("DirectCopy(%s) accepted", c)
		}
	}
}

func TestWriterDiscard(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	w, err := s.NewWriter()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	if err := w.Discard(); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(s.tmproot())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("%d leftover temp files", len(entries))
	}
	if ok, _ := s.Exists(context.Background(), bcs.KeyOf(bcs.SHA256, []byte("partial"))); ok {
		t.Error("discarded content is visible")
	}
}
