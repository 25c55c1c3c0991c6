// Package rpc serves blob stores over grpc
// and implements a blob store that is a client of such a server.
package rpc

import (
	"context"
	"crypto/tls"
	"io"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/bobg/bcs"
	"github.com/bobg/bcs/store"
)

var (
	_ bcs.Store        = &Client{}
	_ bcs.Lister       = &Client{}
	_ bcs.Lengther     = &Client{}
	_ bcs.Digester     = &Client{}
	_ bcs.DirectCopier = &Client{}
)

// Client is the client for a grpc-based blob store.
// It talks to one named store on the server.
type Client struct {
	cc        grpc.ClientConnInterface
	addr      string
	name      string
	keys      bcs.KeyStrategy
	retry     bcs.RetryPolicy
	chunkSize int
}

// Option is an option to NewClient.
type Option func(*Client)

// WithStore selects the named store on the server.
// The default is the store named "".
func WithStore(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithKeys sets the key strategy the client reports.
// It must match that of the store on the server.
// The default is bcs.SHA256.
func WithKeys(ks bcs.KeyStrategy) Option {
	return func(c *Client) { c.keys = ks }
}

// WithRetry sets the policy for retrying transient failures.
// The default is bcs.DefaultRetryPolicy.
func WithRetry(p bcs.RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithChunkSize sets the size of the chunks in which Write sends content.
func WithChunkSize(n int) Option {
	return func(c *Client) { c.chunkSize = n }
}

// NewClient produces a new Client talking to the server at addr over cc.
// The address identifies the server in the client's Descriptor,
// so that copies between two stores on the same server can happen there.
func NewClient(cc grpc.ClientConnInterface, addr string, opts ...Option) *Client {
	c := &Client{
		cc:        cc,
		addr:      addr,
		keys:      bcs.SHA256,
		retry:     bcs.DefaultRetryPolicy,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry = c.retry.WithClassifier(Retryable)
	return c
}

// Describe implements bcs.Store.
func (c *Client) Describe() bcs.Descriptor {
	return bcs.Descriptor{
		Kind:     "rpc",
		Location: c.addr,
		Keys:     c.keys.Name(),
		Params:   map[string]string{"store": c.name},
	}
}

func (c *Client) err(op string, key bcs.Key, err error) error {
	return bcs.E(op, c.Describe().String(), key, kindFor(err), err)
}

func (c *Client) outgoing(ctx context.Context, kv ...string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, append([]string{MDStore, c.name}, kv...)...)
}

// Read implements bcs.Getter.
// Opening the stream and receiving the first chunk are retried;
// a failure after that surfaces from the reader.
func (c *Client) Read(ctx context.Context, key bcs.Key) (io.ReadCloser, error) {
	var r *streamReader
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		sctx, cancel := context.WithCancel(c.outgoing(ctx))
		stream, err := c.cc.NewStream(sctx, readStreamDesc, readMethod)
		if err != nil {
			cancel()
			return err
		}
		// A failed send shows up in RecvMsg with its real status.
		if err := stream.SendMsg(wrapperspb.String(string(key))); err != nil && !errors.Is(err, io.EOF) {
			cancel()
			return err
		}
		if err := stream.CloseSend(); err != nil {
			cancel()
			return err
		}

		first := new(wrapperspb.BytesValue)
		err = stream.RecvMsg(first)
		if errors.Is(err, io.EOF) {
			r = &streamReader{client: c, key: key, stream: stream, cancel: cancel, eof: true}
			return nil
		}
		if err != nil {
			cancel()
			return err
		}
		r = &streamReader{client: c, key: key, stream: stream, cancel: cancel, buf: first.Value}
		return nil
	})
	if err != nil {
		return nil, c.err("read", key, err)
	}
	return r, nil
}

type streamReader struct {
	client *Client
	key    bcs.Key
	stream grpc.ClientStream
	cancel context.CancelFunc
	buf    []byte
	eof    bool
}

func (r *streamReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		m := new(wrapperspb.BytesValue)
		err := r.stream.RecvMsg(m)
		if errors.Is(err, io.EOF) {
			r.eof = true
			continue
		}
		if err != nil {
			return 0, r.client.err("read", r.key, err)
		}
		r.buf = m.Value
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *streamReader) Close() error {
	r.cancel()
	return nil
}

// Exists implements bcs.Getter.
func (c *Client) Exists(ctx context.Context, key bcs.Key) (bool, error) {
	resp := new(wrapperspb.BoolValue)
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		return c.cc.Invoke(c.outgoing(ctx), existsMethod, wrapperspb.String(string(key)), resp)
	})
	if err != nil {
		return false, c.err("exists", key, err)
	}
	return resp.Value, nil
}

// Length implements bcs.Lengther.
func (c *Client) Length(ctx context.Context, key bcs.Key) (int64, error) {
	resp := new(wrapperspb.Int64Value)
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		return c.cc.Invoke(c.outgoing(ctx), lengthMethod, wrapperspb.String(string(key)), resp)
	})
	if err != nil {
		return 0, c.err("length", key, err)
	}
	return resp.Value, nil
}

// Digest implements bcs.Digester.
func (c *Client) Digest(ctx context.Context, key bcs.Key) (string, error) {
	ok, err := c.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", bcs.E("digest", c.Describe().String(), key, bcs.ErrNotFound, nil)
	}
	return bcs.Digest(c.keys, key), nil
}

// Delete implements bcs.Store.
func (c *Client) Delete(ctx context.Context, key bcs.Key) error {
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		return c.cc.Invoke(c.outgoing(ctx), deleteMethod, wrapperspb.String(string(key)), new(emptypb.Empty))
	})
	if err != nil {
		return c.err("delete", key, err)
	}
	return nil
}

// Write implements bcs.Store.
// It is not retried, since r cannot be rewound.
func (c *Client) Write(ctx context.Context, r io.Reader, expected bcs.Key) (bcs.Key, error) {
	var kv []string
	if expected != "" {
		kv = []string{MDExpectedKey, string(expected)}
	}
	sctx, cancel := context.WithCancel(c.outgoing(ctx, kv...))
	defer cancel()

	stream, err := c.cc.NewStream(sctx, writeStreamDesc, writeMethod)
	if err != nil {
		return "", c.err("write", expected, bcs.CtxErr(ctx, err))
	}

	for {
		buf := make([]byte, c.chunkSize)
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			err := stream.SendMsg(&wrapperspb.BytesValue{Value: buf[:n]})
			if errors.Is(err, io.EOF) {
				// The server ended the call; its status follows.
				break
			}
			if err != nil {
				return "", c.err("write", expected, bcs.CtxErr(ctx, err))
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return "", bcs.E("write", c.Describe().String(), expected, bcs.ErrIO, rerr)
		}
	}

	if err := stream.CloseSend(); err != nil {
		return "", c.err("write", expected, bcs.CtxErr(ctx, err))
	}
	resp := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(resp); err != nil {
		return "", c.err("write", expected, bcs.CtxErr(ctx, err))
	}
	return bcs.Key(resp.Value), nil
}

// ListKeys implements bcs.Lister.
func (c *Client) ListKeys(ctx context.Context, start bcs.Key, f func(bcs.Key) error) error {
	ctx, cancel := context.WithCancel(c.outgoing(ctx))
	defer cancel()

	stream, err := c.cc.NewStream(ctx, listKeysStreamDesc, listKeysMethod)
	if err != nil {
		return c.err("list", start, err)
	}
	if err := stream.SendMsg(wrapperspb.String(string(start))); err != nil && !errors.Is(err, io.EOF) {
		return c.err("list", start, err)
	}
	if err := stream.CloseSend(); err != nil {
		return c.err("list", start, err)
	}
	for {
		m := new(wrapperspb.StringValue)
		err := stream.RecvMsg(m)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return c.err("list", start, err)
		}
		if err := f(bcs.Key(m.Value)); err != nil {
			return err
		}
	}
}

// DirectCopy implements bcs.DirectCopier.
// Copies between two stores on the same server happen on the server.
func (c *Client) DirectCopy(src bcs.Descriptor) (bcs.CopyFunc, bool) {
	if src.Kind != "rpc" || src.Location != c.addr || !src.SameKind(c.Describe()) {
		return nil, false
	}
	srcName := src.Params["store"]
	return func(ctx context.Context, key bcs.Key) error {
		err := c.retry.Do(ctx, func(ctx context.Context) error {
			return c.cc.Invoke(c.outgoing(ctx, MDSource, srcName), copyMethod, wrapperspb.String(string(key)), new(emptypb.Empty))
		})
		if err != nil {
			return c.err("copy", key, err)
		}
		return nil
	}, true
}

func init() {
	store.Register("rpc", func(ctx context.Context, conf map[string]interface{}) (bcs.Store, error) {
		addr, ok := store.ConfString(conf, "addr")
		if !ok {
			return nil, errors.New(`missing "addr" parameter`)
		}

		creds := credentials.NewTLS(&tls.Config{})
		if insec, _ := store.ConfBool(conf, "insecure"); insec {
			creds = insecure.NewCredentials()
		}
		cc, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(creds))
		if err != nil {
			return nil, errors.Wrapf(err, "dialing %s", addr)
		}

		ks, err := store.ConfKeys(conf)
		if err != nil {
			return nil, err
		}
		policy, err := store.ConfRetry(conf)
		if err != nil {
			return nil, err
		}
		name, _ := store.ConfString(conf, "store")

		return NewClient(cc, addr, WithStore(name), WithKeys(ks), WithRetry(policy)), nil
	})
}
