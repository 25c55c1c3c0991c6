package main

import (
	"bufio"
	"context"
	"flag"
	"os"

	"github.com/pkg/errors"

	"github.com/bobg/bcs"
	"github.com/bobg/bcs/store"
)

// Usage: bcs cp [-parallelism N] DESTCONFIG [KEY...]
// With no keys, reads them one per line from standard input.
func (c *maincmd) cp(ctx context.Context, fs *flag.FlagSet, args []string) error {
	parallelism := fs.Int("parallelism", 4, "number of copies to run at once")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	args = fs.Args()
	if len(args) == 0 {
		return errors.New("missing destination config")
	}

	s, err := c.store(ctx)
	if err != nil {
		return err
	}
	dst, err := store.FromConfigFile(ctx, args[0])
	if err != nil {
		return errors.Wrapf(err, "creating store from %s", args[0])
	}

	var keys []bcs.Key
	for _, arg := range args[1:] {
		keys = append(keys, bcs.Key(arg))
	}
	if len(args) == 1 {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if line := sc.Text(); line != "" {
				keys = append(keys, bcs.Key(line))
			}
		}
		if err := sc.Err(); err != nil {
			return errors.Wrap(err, "reading keys")
		}
	}

	return bcs.CopyMulti(ctx, s, dst, keys, *parallelism)
}

// Usage: bcs sync CONFIG [CONFIG...]
// Makes this store and the others hold the same blobs.
func (c *maincmd) sync(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	args = fs.Args()
	if len(args) == 0 {
		return errors.New("missing store config")
	}

	s, err := c.store(ctx)
	if err != nil {
		return err
	}
	stores := []bcs.Store{s}
	for _, arg := range args {
		other, err := store.FromConfigFile(ctx, arg)
		if err != nil {
			return errors.Wrapf(err, "reading %s", arg)
		}
		stores = append(stores, other)
	}

	return store.Sync(ctx, stores)
}
