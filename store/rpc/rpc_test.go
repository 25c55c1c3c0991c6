package rpc

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/bobg/bcs"
	"github.com/bobg/bcs/store/mem"
	"github.com/bobg/bcs/testutil"
)

var fastRetry = bcs.RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   time.Millisecond,
	Multiplier:  2,
}

func serve(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()

	grpcSrv := grpc.NewServer()
	RegisterStoreServer(grpcSrv, srv)
	t.Cleanup(grpcSrv.Stop)

	l := bufconn.Listen(1 << 20)
	go grpcSrv.Serve(l)

	options := []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return l.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	cc, err := grpc.DialContext(context.Background(), "bufnet", options...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cc.Close() })
	return cc
}

func TestRPC(t *testing.T) {
	ctx := context.Background()
	cc := serve(t, NewServer(map[string]bcs.Store{"": mem.New()}))
	c := NewClient(cc, "bufnet", WithChunkSize(4096))

	t.Run("readwrite", func(t *testing.T) {
		data := make([]byte, 100000)
		rand.New(rand.NewSource(1)).Read(data)
		testutil.ReadWrite(ctx, t, c, data)
	})
	t.Run("helloworld", func(t *testing.T) {
		testutil.HelloWorld(ctx, t, c)
	})
	t.Run("empty", func(t *testing.T) {
		testutil.ReadWrite(ctx, t, c, nil)
	})
}

func TestAllKeys(t *testing.T) {
	testutil.AllKeys(context.Background(), t, func() bcs.Store {
		cc := serve(t, NewServer(map[string]bcs.Store{"": mem.New()}))
		return NewClient(cc, "bufnet")
	})
}

func TestRetry(t *testing.T) {
	var (
		ctx   = context.Background()
		flaky = testutil.NewFlaky(mem.New(), 0)
		cc    = serve(t, NewServer(map[string]bcs.Store{"": flaky}))
		c     = NewClient(cc, "bufnet", WithRetry(fastRetry))
	)

	key, err := c.Write(ctx, bytesReader("flaky"), "")
	if err != nil {
		t.Fatal(err)
	}

	flaky.SetFailures(2)
	before := flaky.Calls()
	ok, err := c.Exists(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("written key not found")
	}
	if n := flaky.Calls() - before; n != 3 {
		t.Errorf("got %d calls, want 3", n)
	}

	flaky.SetFailures(2)
	got, err := bcs.ReadAll(ctx, c, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "flaky" {
		t.Errorf("got %q, want %q", got, "flaky")
	}

	flaky.SetFailures(100)
	before = flaky.Calls()
	_, err = c.Exists(ctx, key)
	if !errors.Is(err, bcs.ErrBackendUnavailable) {
		t.Errorf("got %v, want ErrBackendUnavailable", err)
	}
	if n := flaky.Calls() - before; n != fastRetry.MaxAttempts {
		t.Errorf("got %d calls, want %d", n, fastRetry.MaxAttempts)
	}
}

func TestNotFoundNotRetried(t *testing.T) {
	var (
		ctx      = context.Background()
		counting = testutil.NewCounting(mem.New())
		cc       = serve(t, NewServer(map[string]bcs.Store{"": counting}))
		c        = NewClient(cc, "bufnet", WithRetry(fastRetry))
		absent   = bcs.KeyOf(bcs.SHA256, []byte("absent"))
	)

	_, err := c.Read(ctx, absent)
	if !errors.Is(err, bcs.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if n := counting.ReadCalls.Load(); n != 1 {
		t.Errorf("got %d reads, want 1", n)
	}

	if _, err := c.Length(ctx, absent); !errors.Is(err, bcs.ErrNotFound) {
		t.Errorf("length: got %v, want ErrNotFound", err)
	}
	if _, err := c.Digest(ctx, absent); !errors.Is(err, bcs.ErrNotFound) {
		t.Errorf("digest: got %v, want ErrNotFound", err)
	}
}

type stalledStore struct {
	bcs.Store
}

func (stalledStore) Exists(ctx context.Context, _ bcs.Key) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestDeadline(t *testing.T) {
	cc := serve(t, NewServer(map[string]bcs.Store{"": stalledStore{Store: mem.New()}}))
	c := NewClient(cc, "bufnet", WithRetry(fastRetry))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Exists(ctx, testutil.HelloWorldKey)
	if !errors.Is(err, bcs.ErrTimeout) {
		t.Errorf("got %v, want ErrTimeout", err)
	}
}

func TestServerSideCopy(t *testing.T) {
	var (
		ctx = context.Background()
		a   = mem.New()
		b   = mem.New()
		srv = NewServer(map[string]bcs.Store{"a": a, "b": b})
		cc  = serve(t, srv)
		ca  = NewClient(cc, "bufnet", WithStore("a"))
		cb  = NewClient(cc, "bufnet", WithStore("b"))
	)

	key, err := a.Write(ctx, bytesReader("copy me"), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := bcs.Copy(ctx, ca, cb, key); err != nil {
		t.Fatal(err)
	}

	got, err := bcs.ReadAll(ctx, b, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "copy me" {
		t.Errorf("got %q, want %q", got, "copy me")
	}
	if n := promtestutil.ToFloat64(srv.requests.WithLabelValues("Copy", "OK")); n != 1 {
		t.Errorf("got %v Copy requests, want 1", n)
	}
	if n := promtestutil.ToFloat64(srv.requests.WithLabelValues("Read", "OK")); n != 0 {
		t.Errorf("got %v Read requests, want 0", n)
	}

	// A client at another address must stream.
	other := NewClient(cc, "elsewhere", WithStore("b"))
	if _, ok := other.DirectCopy(ca.Describe()); ok {
		t.Error("direct copy offered between different servers")
	}
}

func TestUnknownStore(t *testing.T) {
	cc := serve(t, NewServer(map[string]bcs.Store{"": mem.New()}))
	c := NewClient(cc, "bufnet", WithStore("nope"), WithRetry(fastRetry))

	if _, err := c.Exists(context.Background(), testutil.HelloWorldKey); err == nil {
		t.Error("expected error for unknown store")
	}
	if _, err := c.Write(context.Background(), bytesReader("x"), ""); err == nil {
		t.Error("expected error writing to unknown store")
	}
}

func bytesReader(s string) *strings.Reader {
	return strings.NewReader(s)
}

func TestStatusKinds(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind.Error(), func(t *testing.T) {
			err := toStatus(bcs.E("read", "mem", "", kind, errors.New("cause")))
			if got := kindFor(err); got != kind {
				t.Errorf("got kind %v, want %v", got, kind)
			}
		})
	}
}

type goneStore struct {
	bcs.Store
}

func (goneStore) Exists(context.Context, bcs.Key) (bool, error) {
	return false, bcs.E("exists", "gone", "", bcs.ErrResourceUnavailable, errors.New("origin vanished"))
}

func TestResourceUnavailable(t *testing.T) {
	cc := serve(t, NewServer(map[string]bcs.Store{"": goneStore{Store: mem.New()}}))
	c := NewClient(cc, "bufnet", WithRetry(fastRetry))

	_, err := c.Exists(context.Background(), testutil.HelloWorldKey)
	if !errors.Is(err, bcs.ErrResourceUnavailable) {
		t.Errorf("got %v, want ErrResourceUnavailable", err)
	}
	if errors.Is(err, bcs.ErrDigestMismatch) {
		t.Error("resource-unavailable error reported as a digest mismatch")
	}
}
