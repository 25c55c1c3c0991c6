package bcs

import (
	"context"
	stderrs "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Copy copies the blob with the given key from src to dst.
//
// If dst already has the key, Copy does nothing.
// Otherwise, if dst is a DirectCopier that accepts src's Descriptor,
// the copy happens without the blob's bytes passing through this process.
// If not,
// or if the direct copy reports ErrNoDirectCopy,
// the blob is streamed from src into dst,
// with dst checking the result against key.
func Copy(ctx context.Context, src Store, dst Store, key Key) error {
	ok, err := dst.Exists(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "checking for %s in destination", key)
	}
	if ok {
		return nil
	}

	srcDesc := src.Describe()

	if dc, ok := dst.(DirectCopier); ok {
		if f, ok := dc.DirectCopy(srcDesc); ok {
			err := f(ctx, key)
			if err == nil {
				return nil
			}
			if !stderrs.Is(err, ErrNoDirectCopy) {
				return err
			}
			log.WithError(err).WithFields(logrus.Fields{
				"src": srcDesc.String(),
				"dst": dst.Describe().String(),
				"key": key,
			}).Debug("direct copy declined, streaming")
		}
	}

	return streamCopy(ctx, src, dst, key)
}

func streamCopy(ctx context.Context, src Store, dst Store, key Key) error {
	rc, err := src.Read(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = dst.Write(ctx, rc, key)
	return err
}

// MultiErr is a type of error returned by CopyMulti.
// It maps individual keys to errors encountered copying them.
type MultiErr map[Key]error

// Error implements the error interface.
func (e MultiErr) Error() string {
	keys := make([]Key, 0, len(e))
	for key := range e {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	strs := make([]string, 0, len(keys))
	for _, key := range keys {
		strs = append(strs, fmt.Sprintf("%s: %s", key, e[key]))
	}
	return "error(s): " + strings.Join(strs, "; ")
}

// CopyMulti copies multiple blobs from src to dst,
// running up to parallelism copies at once
// (or one at a time if parallelism < 1).
// The returned error, if not nil, is a MultiErr
// mapping the keys that failed to their errors;
// all other keys were copied.
// Cancellation of ctx is reported per key.
func CopyMulti(ctx context.Context, src Store, dst Store, keys []Key, parallelism int) error {
	if parallelism < 1 {
		parallelism = 1
	}

	type pair struct {
		key Key
		err error
	}

	var (
		g  errgroup.Group
		ch = make(chan pair, len(keys))
	)
	g.SetLimit(parallelism)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			ch <- pair{key: key, err: Copy(ctx, src, dst, key)}
			return nil
		})
	}
	g.Wait()
	close(ch)

	var errmap MultiErr
	for p := range ch {
		if p.err == nil {
			continue
		}
		if errmap == nil {
			errmap = make(MultiErr)
		}
		errmap[p.key] = p.err
	}
	if errmap == nil {
		return nil
	}
	return errmap
}
