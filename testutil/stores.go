package testutil

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/bobg/bcs"
)

// Counting wraps a store and counts calls to its methods.
type Counting struct {
	bcs.Store

	ReadCalls, WriteCalls, ExistsCalls atomic.Int64
}

// NewCounting produces a Counting wrapper around s.
func NewCounting(s bcs.Store) *Counting {
	return &Counting{Store: s}
}

func (c *Counting) Read(ctx context.Context, key bcs.Key) (io.ReadCloser, error) {
	c.ReadCalls.Add(1)
	return c.Store.Read(ctx, key)
}

func (c *Counting) Write(ctx context.Context, r io.Reader, expected bcs.Key) (bcs.Key, error) {
	c.WriteCalls.Add(1)
	return c.Store.Write(ctx, r, expected)
}

func (c *Counting) Exists(ctx context.Context, key bcs.Key) (bool, error) {
	c.ExistsCalls.Add(1)
	return c.Store.Exists(ctx, key)
}

// Flaky wraps a store,
// failing the first N calls with a transient error
// (one matching bcs.ErrBackendUnavailable)
// before passing calls through.
type Flaky struct {
	bcs.Store

	mu        sync.Mutex
	remaining int
	calls     int
}

// NewFlaky produces a Flaky wrapper around s that fails n times.
func NewFlaky(s bcs.Store, n int) *Flaky {
	return &Flaky{Store: s, remaining: n}
}

// Calls is the total number of calls made, failed or not.
func (f *Flaky) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// SetFailures resets the number of calls still to fail.
func (f *Flaky) SetFailures(n int) {
	f.mu.Lock()
	f.remaining = n
	f.mu.Unlock()
}

func (f *Flaky) fail(op string, key bcs.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.remaining <= 0 {
		return nil
	}
	f.remaining--
	return bcs.E(op, "flaky", key, bcs.ErrBackendUnavailable, errors.New("induced failure"))
}

func (f *Flaky) Read(ctx context.Context, key bcs.Key) (io.ReadCloser, error) {
	if err := f.fail("read", key); err != nil {
		return nil, err
	}
	return f.Store.Read(ctx, key)
}

func (f *Flaky) Write(ctx context.Context, r io.Reader, expected bcs.Key) (bcs.Key, error) {
	if err := f.fail("write", expected); err != nil {
		return "", err
	}
	return f.Store.Write(ctx, r, expected)
}

func (f *Flaky) Exists(ctx context.Context, key bcs.Key) (bool, error) {
	if err := f.fail("exists", key); err != nil {
		return false, err
	}
	return f.Store.Exists(ctx, key)
}

func (f *Flaky) Delete(ctx context.Context, key bcs.Key) error {
	if err := f.fail("delete", key); err != nil {
		return err
	}
	return f.Store.Delete(ctx, key)
}
