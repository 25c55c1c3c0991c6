package bcs

import (
	"context"
	stderrs "errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrNotFound is the error returned
	// when a store is asked for a key it does not have.
	ErrNotFound = stderrs.New("not found")

	// ErrDigestMismatch means the key computed from some content
	// disagrees with the key the caller said to expect.
	// The write or copy that produced it has been rolled back.
	ErrDigestMismatch = stderrs.New("digest mismatch")

	// ErrBackendUnavailable means a backend kept failing transiently
	// until the retry policy gave up.
	ErrBackendUnavailable = stderrs.New("backend unavailable")

	// ErrResourceUnavailable means the external resource behind a URL-backed blob is gone.
	ErrResourceUnavailable = stderrs.New("resource unavailable")

	// ErrTimeout means the caller's deadline expired.
	// The final state of any remote write is unknown;
	// query the store to find out.
	ErrTimeout = stderrs.New("timeout")

	// ErrIO is a local disk or stream-level failure.
	ErrIO = stderrs.New("i/o failure")

	// ErrNoDirectCopy is returned by a CopyFunc that discovers,
	// when it runs,
	// that it cannot copy directly after all
	// (e.g. a hardlink across filesystems).
	// Copy responds by falling back to a streamed copy.
	ErrNoDirectCopy = stderrs.New("direct copy unavailable")
)

// Error is the error type returned by stores.
// It carries enough context for a caller to decide whether to retry.
type Error struct {
	Op    string // e.g. "read", "write", "copy"
	Store string // store identity, usually Descriptor.String()
	Key   Key    // may be empty, e.g. for a write whose key was never computed
	Kind  error  // one of the Err* sentinels in this package
	Err   error  // underlying cause, may be nil
}

// E produces an *Error.
func E(op, store string, key Key, kind, cause error) *Error {
	return &Error{Op: op, Store: store, Key: key, Kind: kind, Err: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Store != "" {
		b.WriteString(" ")
		b.WriteString(e.Store)
	}
	if e.Key != "" {
		b.WriteString(" ")
		b.WriteString(string(e.Key))
	}
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil && e.Err != e.Kind {
		fmt.Fprintf(&b, ": %s", e.Err)
	}
	return b.String()
}

// Is lets errors.Is match an *Error against its Kind.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Kind returns the Err* sentinel that err matches, or nil.
func Kind(err error) error {
	for _, kind := range []error{ErrNotFound, ErrDigestMismatch, ErrBackendUnavailable, ErrResourceUnavailable, ErrTimeout, ErrIO, ErrNoDirectCopy} {
		if stderrs.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// CtxErr turns err into an ErrTimeout-kind error
// if it was caused by the expiry of ctx's deadline.
// Otherwise err is returned unchanged.
func CtxErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if stderrs.Is(err, ErrTimeout) {
		return err
	}
	if stderrs.Is(err, context.DeadlineExceeded) || stderrs.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Op: "call", Kind: ErrTimeout, Err: err}
	}
	return err
}

// IsTransient tells whether err looks like a transient network failure
// that is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if stderrs.Is(err, ErrBackendUnavailable) {
		return true
	}
	if stderrs.Is(err, context.Canceled) || stderrs.Is(err, context.DeadlineExceeded) {
		return false
	}
	var nerr net.Error
	if stderrs.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return stderrs.Is(err, syscall.ECONNRESET) ||
		stderrs.Is(err, syscall.ECONNREFUSED) ||
		stderrs.Is(err, syscall.EPIPE)
}
