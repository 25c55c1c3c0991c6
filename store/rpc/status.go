package rpc

import (
	"context"
	stderrs "errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/bobg/bcs"
)

// Error kinds that travel as status details,
// since several share a grpc code.
var kinds = []error{
	bcs.ErrNotFound,
	bcs.ErrDigestMismatch,
	bcs.ErrBackendUnavailable,
	bcs.ErrResourceUnavailable,
	bcs.ErrTimeout,
	bcs.ErrIO,
	bcs.ErrNoDirectCopy,
}

// toStatus converts a store error into a grpc status error.
// The error's kind, if any, is attached as a detail.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	kind := bcs.Kind(err)
	if _, ok := status.FromError(err); ok && kind == nil {
		return err
	}
	st := status.New(codeFor(err), err.Error())
	if kind != nil {
		if withKind, derr := st.WithDetails(wrapperspb.String(kind.Error())); derr == nil {
			st = withKind
		}
	}
	return st.Err()
}

func codeFor(err error) codes.Code {
	switch {
	case stderrs.Is(err, bcs.ErrNotFound):
		return codes.NotFound
	case stderrs.Is(err, bcs.ErrDigestMismatch):
		return codes.FailedPrecondition
	case stderrs.Is(err, bcs.ErrBackendUnavailable):
		return codes.Unavailable
	case stderrs.Is(err, bcs.ErrTimeout), stderrs.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case stderrs.Is(err, context.Canceled):
		return codes.Canceled
	case stderrs.Is(err, bcs.ErrResourceUnavailable):
		return codes.FailedPrecondition
	}
	return codes.Unknown
}

// kindFor recovers the error kind from a grpc status error:
// from its detail when the server attached one,
// otherwise from its code.
func kindFor(err error) error {
	if k := bcs.Kind(err); k != nil {
		return k
	}
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}
	for _, d := range st.Details() {
		v, ok := d.(*wrapperspb.StringValue)
		if !ok {
			continue
		}
		for _, k := range kinds {
			if k.Error() == v.GetValue() {
				return k
			}
		}
	}
	switch st.Code() {
	case codes.NotFound:
		return bcs.ErrNotFound
	case codes.FailedPrecondition:
		return bcs.ErrDigestMismatch
	case codes.Unavailable:
		return bcs.ErrBackendUnavailable
	case codes.DeadlineExceeded:
		return bcs.ErrTimeout
	}
	return nil
}

// Retryable tells whether a grpc error is worth retrying.
func Retryable(err error) bool {
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal:
			return true
		}
		return false
	}
	return bcs.IsTransient(err)
}
