package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/bobg/bcs"
	"github.com/bobg/bcs/store"
	"github.com/bobg/bcs/store/cache"
	"github.com/bobg/bcs/store/rpc"
)

// Usage: bcs serve [-addr ADDR] [-metrics ADDR] [-sweep DURATION] [NAME=CONFIG...]
// Serves the store over grpc as the unnamed store,
// along with any further stores named on the command line.
func (c *maincmd) serve(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		addr          = fs.String("addr", ":2022", "grpc listen address")
		metricsAddr   = fs.String("metrics", ":9090", "address for the Prometheus /metrics endpoint (empty to disable)")
		sweepInterval = fs.Duration("sweep", 0, "interval between sweeps of served caches (0 to disable)")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	s, err := c.store(ctx)
	if err != nil {
		return err
	}

	stores := map[string]bcs.Store{"": s}
	for _, arg := range fs.Args() {
		name, filename, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return errors.Errorf("argument %q is not name=config", arg)
		}
		other, err := store.FromConfigFile(ctx, filename)
		if err != nil {
			return errors.Wrapf(err, "creating store %s from %s", name, filename)
		}
		stores[name] = other
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	for name, st := range stores {
		cs, ok := st.(*cache.Store)
		if !ok {
			continue
		}
		if err := cs.Metrics().Register(reg); err != nil {
			return errors.Wrapf(err, "registering metrics for cache %q", name)
		}
		if *sweepInterval > 0 {
			cs.StartSweeper(ctx, *sweepInterval)
		}
	}

	return serve(ctx, stores, reg, *addr, *metricsAddr)
}

func serve(ctx context.Context, stores map[string]bcs.Store, reg *prometheus.Registry, addr, metricsAddr string) error {
	gs := grpc.NewServer()
	rpc.RegisterStoreServer(gs, rpc.NewServer(stores, rpc.WithRegisterer(reg)))

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	defer lis.Close()

	g, ctx := errgroup.WithContext(ctx)

	logrus.WithField("addr", lis.Addr().String()).Info("serving grpc")
	g.Go(func() error {
		return gs.Serve(lis)
	})

	var hs *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		hs = &http.Server{Addr: metricsAddr, Handler: mux}

		logrus.WithField("addr", metricsAddr).Info("serving metrics")
		g.Go(func() error {
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		gs.GracefulStop()
		if hs != nil {
			hs.Shutdown(context.Background())
		}
		return nil
	})

	return g.Wait()
}
