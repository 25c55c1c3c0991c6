// Command bcs is a general purpose CLI interface to blob stores.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/bcs"
	"github.com/bobg/bcs/store"
	_ "github.com/bobg/bcs/store/cache"
	_ "github.com/bobg/bcs/store/file"
	_ "github.com/bobg/bcs/store/gcs"
	_ "github.com/bobg/bcs/store/logging"
	_ "github.com/bobg/bcs/store/mem"
	_ "github.com/bobg/bcs/store/pg"
	_ "github.com/bobg/bcs/store/replica"
	_ "github.com/bobg/bcs/store/rpc"
	_ "github.com/bobg/bcs/store/s3"
	_ "github.com/bobg/bcs/store/sqlite3"
)

type maincmd struct {
	configFile string
	out        io.Writer

	s bcs.Store
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		stop()
		logrus.Fatal(err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("bcs", flag.ContinueOnError)
	var (
		config   = fs.String("config", "bcsconf.json", "path to store config file (JSON, TOML, or YAML)")
		logLevel = fs.String("log-level", "info", "log level")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	lvl, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		return errors.Wrapf(err, "parsing log level %s", *logLevel)
	}
	logrus.SetLevel(lvl)

	return subcmd.Run(ctx, &maincmd{configFile: *config, out: out}, fs.Args())
}

func (c *maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"cp":     verb("cp", c.cp),
		"exists": verb("exists", c.exists),
		"get":    verb("get", c.get),
		"ingest": verb("ingest", c.ingest),
		"kinds":  verb("kinds", c.kinds),
		"len":    verb("len", c.length),
		"ls":     verb("ls", c.ls),
		"put":    verb("put", c.put),
		"rm":     verb("rm", c.rm),
		"serve":  verb("serve", c.serve),
		"sync":   verb("sync", c.sync),
	}
}

// verb adapts a subcommand that parses its own flags to subcmd.Subcmd.
func verb(name string, f func(context.Context, *flag.FlagSet, []string) error) subcmd.Subcmd {
	return subcmd.Subcmd{
		F: func(ctx context.Context, args []string) error {
			return f(ctx, flag.NewFlagSet(name, flag.ContinueOnError), args)
		},
	}
}

// store creates the store named by the config file on first use.
func (c *maincmd) store(ctx context.Context) (bcs.Store, error) {
	if c.s != nil {
		return c.s, nil
	}
	if c.configFile == "" {
		return nil, errors.New("config file not set")
	}
	s, err := store.FromConfigFile(ctx, c.configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "creating store from %s", c.configFile)
	}
	c.s = s
	return s, nil
}

func (c *maincmd) kinds(_ context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	for _, k := range store.Kinds() {
		fmt.Fprintln(c.out, k)
	}
	return nil
}
