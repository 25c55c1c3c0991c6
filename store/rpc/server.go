package rpc

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/bobg/bcs"
)

var log = logrus.WithField("logger", "rpc")

// DefaultChunkSize is the largest message Read and Write send.
const DefaultChunkSize = 64 * 1024

var _ StoreServer = &Server{}

// Server serves one or more named stores over grpc.
// A request without a store name goes to the store named "".
type Server struct {
	stores    map[string]bcs.Store
	chunkSize int
	requests  *prometheus.CounterVec
}

// ServerOption is an option to NewServer.
type ServerOption func(*Server)

// WithServerChunkSize sets the size of the chunks in which Read streams blobs.
func WithServerChunkSize(n int) ServerOption {
	return func(s *Server) { s.chunkSize = n }
}

// WithRegisterer registers the server's request counter with reg.
func WithRegisterer(reg prometheus.Registerer) ServerOption {
	return func(s *Server) {
		if err := reg.Register(s.requests); err != nil {
			log.WithError(err).Warn("registering request counter")
		}
	}
}

// NewServer produces a new Server for the given stores.
func NewServer(stores map[string]bcs.Store, opts ...ServerOption) *Server {
	s := &Server{
		stores:    stores,
		chunkSize: DefaultChunkSize,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bcs",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Store requests served, by method and result code.",
		}, []string{"method", "code"}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) observe(method string, err error) {
	code := status.Code(err)
	s.requests.WithLabelValues(method, code.String()).Inc()
	switch code {
	case codes.OK, codes.NotFound, codes.Canceled:
	default:
		log.WithFields(logrus.Fields{"method": method, "code": code}).WithError(err).Warn("request failed")
	}
}

func mdValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func (s *Server) store(ctx context.Context, mdkey string) (bcs.Store, error) {
	name := mdValue(ctx, mdkey)
	st, ok := s.stores[name]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "no store named %q", name)
	}
	return st, nil
}

// Read implements StoreServer.
func (s *Server) Read(req *wrapperspb.StringValue, stream ReadStream) (err error) {
	defer func() { s.observe("Read", err) }()

	ctx := stream.Context()
	st, err := s.store(ctx, MDStore)
	if err != nil {
		return err
	}
	rc, err := st.Read(ctx, bcs.Key(req.Value))
	if err != nil {
		return toStatus(err)
	}
	defer rc.Close()

	for {
		buf := make([]byte, s.chunkSize)
		n, err := rc.Read(buf)
		if n > 0 {
			if err := stream.Send(&wrapperspb.BytesValue{Value: buf[:n]}); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return toStatus(err)
		}
	}
}

// Write implements StoreServer.
func (s *Server) Write(stream WriteStream) (err error) {
	defer func() { s.observe("Write", err) }()

	ctx := stream.Context()
	st, err := s.store(ctx, MDStore)
	if err != nil {
		return err
	}
	key, err := st.Write(ctx, &recvReader{stream: stream}, bcs.Key(mdValue(ctx, MDExpectedKey)))
	if err != nil {
		return toStatus(err)
	}
	return stream.SendAndClose(wrapperspb.String(string(key)))
}

// ListKeys implements StoreServer.
func (s *Server) ListKeys(req *wrapperspb.StringValue, stream ListKeysStream) (err error) {
	defer func() { s.observe("ListKeys", err) }()

	ctx := stream.Context()
	st, err := s.store(ctx, MDStore)
	if err != nil {
		return err
	}
	l, ok := st.(bcs.Lister)
	if !ok {
		return status.Error(codes.Unimplemented, "store cannot list its keys")
	}
	err = l.ListKeys(ctx, bcs.Key(req.Value), func(key bcs.Key) error {
		return stream.Send(wrapperspb.String(string(key)))
	})
	return toStatus(err)
}

// Exists implements StoreServer.
func (s *Server) Exists(ctx context.Context, req *wrapperspb.StringValue) (_ *wrapperspb.BoolValue, err error) {
	defer func() { s.observe("Exists", err) }()

	st, err := s.store(ctx, MDStore)
	if err != nil {
		return nil, err
	}
	ok, err := st.Exists(ctx, bcs.Key(req.Value))
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(ok), nil
}

// Delete implements StoreServer.
func (s *Server) Delete(ctx context.Context, req *wrapperspb.StringValue) (_ *emptypb.Empty, err error) {
	defer func() { s.observe("Delete", err) }()

	st, err := s.store(ctx, MDStore)
	if err != nil {
		return nil, err
	}
	if err := st.Delete(ctx, bcs.Key(req.Value)); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Length implements StoreServer.
func (s *Server) Length(ctx context.Context, req *wrapperspb.StringValue) (_ *wrapperspb.Int64Value, err error) {
	defer func() { s.observe("Length", err) }()

	st, err := s.store(ctx, MDStore)
	if err != nil {
		return nil, err
	}
	key := bcs.Key(req.Value)
	if l, ok := st.(bcs.Lengther); ok {
		n, err := l.Length(ctx, key)
		if err != nil {
			return nil, toStatus(err)
		}
		return wrapperspb.Int64(n), nil
	}

	rc, err := st.Read(ctx, key)
	if err != nil {
		return nil, toStatus(err)
	}
	defer rc.Close()
	n, err := io.Copy(io.Discard, rc)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Int64(n), nil
}

// Copy implements StoreServer.
// It copies a blob from the store named in the MDSource metadata
// to the one named in MDStore,
// without the content passing through the client.
func (s *Server) Copy(ctx context.Context, req *wrapperspb.StringValue) (_ *emptypb.Empty, err error) {
	defer func() { s.observe("Copy", err) }()

	dst, err := s.store(ctx, MDStore)
	if err != nil {
		return nil, err
	}
	src, err := s.store(ctx, MDSource)
	if err != nil {
		return nil, err
	}
	if err := bcs.Copy(ctx, src, dst, bcs.Key(req.Value)); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

type recvReader struct {
	stream WriteStream
	buf    []byte
	done   bool
}

func (r *recvReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		m, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			r.done = true
			continue
		}
		if err != nil {
			return 0, err
		}
		r.buf = m.Value
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
