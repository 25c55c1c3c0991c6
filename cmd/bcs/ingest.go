package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/bcs/ingest"
)

func (c *maincmd) ingest(ctx context.Context, fs *flag.FlagSet, args []string) error {
	parallelism := fs.Int("parallelism", 4, "number of files to store at once")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() == 0 {
		return errors.New("missing path")
	}

	s, err := c.store(ctx)
	if err != nil {
		return err
	}
	job := ingest.Job{
		Store:       s,
		Paths:       fs.Args(),
		Parallelism: *parallelism,
	}
	result, err := job.Run(ctx, func(status ingest.Status) {
		logrus.WithField("status", status).Debug("ingest progress")
	})
	for path, blob := range result {
		fmt.Fprintf(c.out, "%s %s\n", blob.Key(), path)
	}
	return err
}
