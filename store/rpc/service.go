package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The bcs.Store service is described by hand
// using well-known message types,
// so no generated code is needed.
//
// Requests name the store to use with the metadata key MDStore.
// Write takes the expected key, if any, from MDExpectedKey;
// Copy takes its source store from MDSource.

const (
	serviceName = "bcs.Store"

	readMethod     = "/bcs.Store/Read"
	writeMethod    = "/bcs.Store/Write"
	listKeysMethod = "/bcs.Store/ListKeys"
	existsMethod   = "/bcs.Store/Exists"
	deleteMethod   = "/bcs.Store/Delete"
	lengthMethod   = "/bcs.Store/Length"
	copyMethod     = "/bcs.Store/Copy"
)

// Metadata keys.
const (
	MDStore       = "bcs-store"
	MDExpectedKey = "bcs-expected-key"
	MDSource      = "bcs-source"
)

// StoreServer is the server API for the bcs.Store service.
type StoreServer interface {
	Read(*wrapperspb.StringValue, ReadStream) error
	Write(WriteStream) error
	ListKeys(*wrapperspb.StringValue, ListKeysStream) error
	Exists(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	Delete(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Length(context.Context, *wrapperspb.StringValue) (*wrapperspb.Int64Value, error)
	Copy(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// ReadStream is the server side of a Read call.
type ReadStream interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

// WriteStream is the server side of a Write call.
type WriteStream interface {
	Recv() (*wrapperspb.BytesValue, error)
	SendAndClose(*wrapperspb.StringValue) error
	grpc.ServerStream
}

// ListKeysStream is the server side of a ListKeys call.
type ListKeysStream interface {
	Send(*wrapperspb.StringValue) error
	grpc.ServerStream
}

// ServiceDesc describes the bcs.Store service to grpc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exists", Handler: existsHandler},
		{MethodName: "Delete", Handler: deleteHandler},
		{MethodName: "Length", Handler: lengthHandler},
		{MethodName: "Copy", Handler: copyHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Read", Handler: readHandler, ServerStreams: true},
		{StreamName: "Write", Handler: writeHandler, ClientStreams: true},
		{StreamName: "ListKeys", Handler: listKeysHandler, ServerStreams: true},
	},
}

var (
	readStreamDesc     = &ServiceDesc.Streams[0]
	writeStreamDesc    = &ServiceDesc.Streams[1]
	listKeysStreamDesc = &ServiceDesc.Streams[2]
)

// RegisterStoreServer registers srv with s.
func RegisterStoreServer(s grpc.ServiceRegistrar, srv StoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryFunc func(StoreServer, context.Context, *wrapperspb.StringValue) (interface{}, error)

func unaryHandler(method string, f unaryFunc) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(wrapperspb.StringValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return f(srv.(StoreServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return f(srv.(StoreServer), ctx, req.(*wrapperspb.StringValue))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	existsHandler = unaryHandler(existsMethod, func(s StoreServer, ctx context.Context, in *wrapperspb.StringValue) (interface{}, error) {
		return s.Exists(ctx, in)
	})
	deleteHandler = unaryHandler(deleteMethod, func(s StoreServer, ctx context.Context, in *wrapperspb.StringValue) (interface{}, error) {
		return s.Delete(ctx, in)
	})
	lengthHandler = unaryHandler(lengthMethod, func(s StoreServer, ctx context.Context, in *wrapperspb.StringValue) (interface{}, error) {
		return s.Length(ctx, in)
	})
	copyHandler = unaryHandler(copyMethod, func(s StoreServer, ctx context.Context, in *wrapperspb.StringValue) (interface{}, error) {
		return s.Copy(ctx, in)
	})
)

func readHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(StoreServer).Read(in, &readStream{stream})
}

func writeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(StoreServer).Write(&writeStream{stream})
}

func listKeysHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(StoreServer).ListKeys(in, &listKeysStream{stream})
}

type readStream struct {
	grpc.ServerStream
}

func (x *readStream) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}

type writeStream struct {
	grpc.ServerStream
}

func (x *writeStream) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *writeStream) SendAndClose(m *wrapperspb.StringValue) error {
	return x.ServerStream.SendMsg(m)
}

type listKeysStream struct {
	grpc.ServerStream
}

func (x *listKeysStream) Send(m *wrapperspb.StringValue) error {
	return x.ServerStream.SendMsg(m)
}
