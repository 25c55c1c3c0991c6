// Package sqlite3 implements a blob store in a SQLite database.
package sqlite3

import (
	"bytes"
	"context"
	"database/sql"
	stderrs "errors"
	"fmt"
	"io"
	"regexp"

	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
	"github.com/pkg/errors"

	"github.com/bobg/bcs"
	"github.com/bobg/bcs/store"
)

var (
	_ bcs.Store        = &Store{}
	_ bcs.Lister       = &Store{}
	_ bcs.Lengther     = &Store{}
	_ bcs.Digester     = &Store{}
	_ bcs.DirectCopier = &Store{}
)

// Store is a Sqlite-based blob store.
// Each blob is one row;
// the driver needs each value whole,
// so writes hold the blob in memory.
type Store struct {
	db       *sql.DB
	table    string
	identity string
	keys     bcs.KeyStrategy
}

// Schema is the SQL that New executes,
// with %s standing for the table name.
// It creates the table if it does not exist.
// (If it does exist, it must have the columns and constraints described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS %s (
  ref TEXT PRIMARY KEY NOT NULL,
  data BLOB NOT NULL
);
`

var identRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Option is an option to New.
type Option func(*Store)

// WithTable sets the table holding the blobs.
// The default is "blobs".
func WithTable(table string) Option {
	return func(s *Store) { s.table = table }
}

// WithIdentity names the database.
// Stores with the same identity copy blobs between their tables
// with a single statement.
// The default is unique to the *sql.DB.
func WithIdentity(id string) Option {
	return func(s *Store) { s.identity = id }
}

// WithKeys sets the store's key strategy.
// The default is bcs.SHA256.
func WithKeys(ks bcs.KeyStrategy) Option {
	return func(s *Store) { s.keys = ks }
}

// New produces a new Store using `db` for storage.
// It creates the table if necessary.
// (See Schema.)
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:       db,
		table:    "blobs",
		identity: fmt.Sprintf("%p", db),
		keys:     bcs.SHA256,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !identRegex.MatchString(s.table) {
		return nil, errors.Errorf("invalid table name %q", s.table)
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(Schema, s.table))
	return s, errors.Wrapf(err, "creating table %s", s.table)
}

// Describe implements bcs.Store.
func (s *Store) Describe() bcs.Descriptor {
	return bcs.Descriptor{
		Kind:     "sqlite3",
		Location: s.identity,
		Keys:     s.keys.Name(),
		Params:   map[string]string{"table": s.table},
	}
}

func (s *Store) err(op string, key bcs.Key, kind, cause error) error {
	return bcs.E(op, s.Describe().String(), key, kind, cause)
}

// Read implements bcs.Getter.
func (s *Store) Read(ctx context.Context, key bcs.Key) (io.ReadCloser, error) {
	q := fmt.Sprintf(`SELECT data FROM %s WHERE ref = $1`, s.table)

	var data []byte
	err := s.db.QueryRowContext(ctx, q, string(key)).Scan(&data)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, s.err("read", key, bcs.ErrNotFound, nil)
	}
	if err != nil {
		return nil, s.err("read", key, bcs.ErrIO, bcs.CtxErr(ctx, err))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists implements bcs.Getter.
func (s *Store) Exists(ctx context.Context, key bcs.Key) (bool, error) {
	_, err := s.Length(ctx, key)
	if stderrs.Is(err, bcs.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Length implements bcs.Lengther.
func (s *Store) Length(ctx context.Context, key bcs.Key) (int64, error) {
	q := fmt.Sprintf(`SELECT length(data) FROM %s WHERE ref = $1`, s.table)

	var n int64
	err := s.db.QueryRowContext(ctx, q, string(key)).Scan(&n)
	if stderrs.Is(err, sql.ErrNoRows) {
		return 0, s.err("length", key, bcs.ErrNotFound, nil)
	}
	if err != nil {
		return 0, s.err("length", key, bcs.ErrIO, bcs.CtxErr(ctx, err))
	}
	return n, nil
}

// Digest implements bcs.Digester.
func (s *Store) Digest(ctx context.Context, key bcs.Key) (string, error) {
	if _, err := s.Length(ctx, key); err != nil {
		return "", err
	}
	return bcs.Digest(s.keys, key), nil
}

// Write implements bcs.Store.
func (s *Store) Write(ctx context.Context, r io.Reader, expected bcs.Key) (bcs.Key, error) {
	var (
		buf = new(bytes.Buffer)
		kw  = bcs.NewKeyWriter(s.keys)
	)
	if _, err := io.Copy(io.MultiWriter(buf, kw), r); err != nil {
		return "", s.err("write", expected, bcs.ErrIO, err)
	}

	key := kw.Key()
	if expected != "" && key != expected {
		return "", s.err("write", expected, bcs.ErrDigestMismatch, fmt.Errorf("content has key %s", key))
	}

	data := buf.Bytes()
	if data == nil {
		data = []byte{} // nil would be NULL
	}

	q := fmt.Sprintf(`INSERT INTO %s (ref, data) VALUES ($1, $2) ON CONFLICT DO NOTHING`, s.table)
	if _, err := s.db.ExecContext(ctx, q, string(key), data); err != nil {
		return "", s.err("write", key, bcs.ErrIO, bcs.CtxErr(ctx, errors.Wrap(err, "inserting blob")))
	}
	return key, nil
}

// Delete implements bcs.Store.
func (s *Store) Delete(ctx context.Context, key bcs.Key) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE ref = $1`, s.table)
	if _, err := s.db.ExecContext(ctx, q, string(key)); err != nil {
		return s.err("delete", key, bcs.ErrIO, bcs.CtxErr(ctx, err))
	}
	return nil
}

// ListKeys produces all blob keys in the store, in lexicographic order.
func (s *Store) ListKeys(ctx context.Context, start bcs.Key, f func(bcs.Key) error) error {
	q := fmt.Sprintf(`SELECT ref FROM %s WHERE ref > $1 ORDER BY ref`, s.table)
	return sqlutil.ForQueryRows(ctx, s.db, q, string(start), func(ref string) error {
		return f(bcs.Key(ref))
	})
}

// DirectCopy implements bcs.DirectCopier.
// Another table in the same database
// (as judged by identity)
// is copied from with one INSERT ... SELECT statement.
func (s *Store) DirectCopy(src bcs.Descriptor) (bcs.CopyFunc, bool) {
	if !src.SameKind(s.Describe()) || src.Location != s.identity {
		return nil, false
	}
	srcTable := src.Params["table"]
	if !identRegex.MatchString(srcTable) {
		return nil, false
	}

	return func(ctx context.Context, key bcs.Key) error {
		if srcTable == s.table {
			_, err := s.Length(ctx, key)
			return err
		}

		q := fmt.Sprintf(`INSERT INTO %s (ref, data) SELECT ref, data FROM %s WHERE ref = $1 ON CONFLICT DO NOTHING`, s.table, srcTable)
		res, err := s.db.ExecContext(ctx, q, string(key))
		if err != nil {
			return s.err("copy", key, bcs.ErrIO, bcs.CtxErr(ctx, err))
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return s.err("copy", key, bcs.ErrIO, errors.Wrap(err, "counting affected rows"))
		}
		if aff > 0 {
			return nil
		}

		// Nothing inserted: either already here or absent from the source.
		ok, err := s.Exists(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return bcs.E("copy", src.String(), key, bcs.ErrNotFound, nil)
		}
		return nil
	}, true
}

func init() {
	store.Register("sqlite3", func(ctx context.Context, conf map[string]interface{}) (bcs.Store, error) {
		conn, ok := store.ConfString(conf, "conn")
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("sqlite3", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		ks, err := store.ConfKeys(conf)
		if err != nil {
			return nil, err
		}
		opts := []Option{WithIdentity(conn), WithKeys(ks)}
		if table, ok := store.ConfString(conf, "table"); ok {
			opts = append(opts, WithTable(table))
		}
		return New(ctx, db, opts...)
	})
}
