package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/bobg/bcs"
)

// Usage: bcs put [-expect KEY] [FILE]
// With no FILE, reads standard input.
func (c *maincmd) put(ctx context.Context, fs *flag.FlagSet, args []string) error {
	expected := fs.String("expect", "", "fail unless the content has this key")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	args = fs.Args()
	if len(args) > 1 {
		return errors.New("too many arguments")
	}

	s, err := c.store(ctx)
	if err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return errors.Wrapf(err, "opening %s", args[0])
		}
		defer f.Close()
		r = f
	}
	blob, err := bcs.Put(ctx, s, r, bcs.WithExpectedKey(bcs.Key(*expected)))
	if err != nil {
		return errors.Wrap(err, "storing blob")
	}
	fmt.Fprintln(c.out, blob.Key())
	return nil
}

func (c *maincmd) get(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	args = fs.Args()
	if len(args) != 1 {
		return errors.New("usage: get KEY")
	}

	s, err := c.store(ctx)
	if err != nil {
		return err
	}
	rc, err := s.Read(ctx, bcs.Key(args[0]))
	if err != nil {
		return errors.Wrapf(err, "getting blob %s", args[0])
	}
	defer rc.Close()
	_, err = io.Copy(c.out, rc)
	return errors.Wrap(err, "writing blob")
}

func (c *maincmd) exists(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	args = fs.Args()
	if len(args) == 0 {
		return errors.New("missing key")
	}

	s, err := c.store(ctx)
	if err != nil {
		return err
	}
	for _, arg := range args {
		ok, err := s.Exists(ctx, bcs.Key(arg))
		if err != nil {
			return errors.Wrapf(err, "checking %s", arg)
		}
		fmt.Fprintf(c.out, "%s %v\n", arg, ok)
	}
	return nil
}

func (c *maincmd) length(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	args = fs.Args()
	if len(args) != 1 {
		return errors.New("usage: len KEY")
	}

	s, err := c.store(ctx)
	if err != nil {
		return err
	}
	n := bcs.NewStoreBlob(s, bcs.Key(args[0])).Length(ctx)
	if n < 0 {
		return fmt.Errorf("cannot determine length of %s", args[0])
	}
	fmt.Fprintln(c.out, n)
	return nil
}

func (c *maincmd) rm(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	s, err := c.store(ctx)
	if err != nil {
		return err
	}
	for _, arg := range fs.Args() {
		if err := s.Delete(ctx, bcs.Key(arg)); err != nil {
			return errors.Wrapf(err, "deleting %s", arg)
		}
	}
	return nil
}

func (c *maincmd) ls(ctx context.Context, fs *flag.FlagSet, args []string) error {
	start := fs.String("start", "", "list keys after this one")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	s, err := c.store(ctx)
	if err != nil {
		return err
	}
	l, ok := s.(bcs.Lister)
	if !ok {
		return fmt.Errorf("%s cannot list its keys", s.Describe())
	}
	return l.ListKeys(ctx, bcs.Key(*start), func(key bcs.Key) error {
		_, err := fmt.Fprintln(c.out, key)
		return err
	})
}
