// Package ingest stores batches of local files in a blob store,
// reporting progress as it goes.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/bcs"
)

var log = logrus.WithField("logger", "ingest")

// State is the state of a Job.
type State int

// Job states.
const (
	Scheduled State = iota
	Running
	Completed
	Error
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "SCHEDULED"
	case Running:
		return "RUNNING"
	case Completed:
		return "COMPLETED"
	case Error:
		return "ERROR"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is a snapshot of a job's progress.
type Status struct {
	State     State
	Processed int
	Total     int
}

func (s Status) String() string {
	return fmt.Sprintf("%s %d/%d", s.State, s.Processed, s.Total)
}

// Job stores files in a blob store.
type Job struct {
	Store bcs.Store

	// Paths are files to store.
	// Directories are walked and every regular file in them is stored.
	Paths []string

	// Parallelism limits the number of files stored at once.
	// Values below 1 mean 1.
	Parallelism int
}

// Run runs the job,
// calling report (if it is not nil) with a snapshot of the job's status
// each time it changes.
// Calls to report are serialized.
//
// The result maps each stored file's path to its blob.
// On error, the map holds the files stored before the job stopped.
func (j Job) Run(ctx context.Context, report func(Status)) (map[string]*bcs.Blob, error) {
	var (
		mu     sync.Mutex
		status Status
		result = make(map[string]*bcs.Blob)
	)
	emit := func(f func(*Status)) {
		mu.Lock()
		defer mu.Unlock()
		f(&status)
		if report != nil {
			report(status)
		}
	}

	files, err := expand(j.Paths)
	if err != nil {
		emit(func(s *Status) { s.State = Error })
		return result, err
	}
	emit(func(s *Status) { s.Total = len(files) })
	emit(func(s *Status) { s.State = Running })

	g, gctx := errgroup.WithContext(ctx)
	limit := j.Parallelism
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, path := range files {
		path := path
		g.Go(func() error {
			blob, err := j.put(gctx, path)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{"path": path, "key": blob.Key()}).Debug("stored")
			emit(func(s *Status) {
				result[path] = blob
				s.Processed++
			})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		emit(func(s *Status) { s.State = Error })
		return result, err
	}
	emit(func(s *Status) { s.State = Completed })
	return result, nil
}

func (j Job) put(ctx context.Context, path string) (*bcs.Blob, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	opts := []bcs.PutOption{bcs.PutFilename(filepath.Base(path))}
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		opts = append(opts, bcs.PutMimeType(mt))
	}
	blob, err := bcs.Put(ctx, j.Store, f, opts...)
	return blob, errors.Wrapf(err, "storing %s", path)
}

func expand(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, errors.Wrapf(err, "statting %s", path)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "walking %s", path)
		}
	}
	return files, nil
}
