// Package datafile implements a hierarchical container of scalars, chunked
// n-dimensional datasets and external links, persisted in a single SQLite
// file.
//
// The model follows HDF5 closely enough for the run layout to map one to one:
//
//   - entries are addressed by slash separated paths; groups are implicit
//   - datasets have a fixed element type, a shape and a maximum shape whose
//     first axis may be [Unlimited]
//   - dataset payload is split into blocks of rows along the first axis
//   - an external link points at a dataset in another file and is resolved
//     lazily, read-only, without copying data
//
// A File is not safe for concurrent use. Writers must be serialized by the
// caller; readers of a file that is being written may observe partial state.
package datafile

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const (
	kindScalar  = "scalar"
	kindDataset = "dataset"
	kindLink    = "link"

	maxLinkDepth = 16
)

// File is an open container.
type File struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// Open creates or opens the container at path for reading and writing.
func Open(path string) (*File, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	f, err := setup(db, path, false)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema to %s: %w", path, err)
	}
	return f, nil
}

// OpenReadOnly opens an existing container. The file must exist.
func OpenReadOnly(path string) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	escape := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")
	db, err := sql.Open("sqlite3", "file:"+escape.Replace(path)+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return setup(db, path, true)
}

func setup(db *sql.DB, path string, readOnly bool) (*File, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}
	// one connection keeps transactions and reads on the same view
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000"}
	if !readOnly {
		pragmas = append(pragmas, "PRAGMA synchronous = NORMAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return &File{db: db, path: path, readOnly: readOnly}, nil
}

// Close releases the file.
func (f *File) Close() error {
	if f.db == nil {
		return nil
	}
	err := f.db.Close()
	f.db = nil
	return err
}

// Path returns the filesystem path the file was opened from.
func (f *File) Path() string { return f.path }

// WriteInt stores an integer scalar, replacing a previous scalar at p.
func (f *File) WriteInt(p string, v int64) error {
	return f.writeScalar(p, "int", v, nil, nil)
}

// WriteFloat stores a float scalar, replacing a previous scalar at p.
func (f *File) WriteFloat(p string, v float64) error {
	return f.writeScalar(p, "float", nil, v, nil)
}

// WriteString stores a string scalar, replacing a previous scalar at p.
func (f *File) WriteString(p string, v string) error {
	return f.writeScalar(p, "string", nil, nil, v)
}

func (f *File) writeScalar(p, dtype string, ival, fval, sval any) error {
	if f.readOnly {
		return ErrReadOnly
	}
	p = clean(p)
	if p == "" {
		return fmt.Errorf("%w: empty path", ErrKind)
	}

	tx, err := f.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var kind string
	err = tx.QueryRow(`SELECT kind FROM nodes WHERE path = ?`, p).Scan(&kind)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if children, err := hasChildren(tx, p); err != nil {
			return err
		} else if children {
			return fmt.Errorf("%w: %s is a group", ErrExists, p)
		}
	case err != nil:
		return err
	case kind != kindScalar:
		return fmt.Errorf("%w: %s is a %s", ErrExists, p, kind)
	}

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO nodes (path, kind, dtype, ival, fval, sval) VALUES (?, ?, ?, ?, ?, ?)`,
		p, kindScalar, dtype, ival, fval, sval,
	)
	if err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return tx.Commit()
}

// Scalar returns the scalar at p as int64, float64 or string.
func (f *File) Scalar(p string) (any, error) {
	n, err := f.node(clean(p))
	if err != nil {
		return nil, err
	}
	if n.kind != kindScalar {
		return nil, fmt.Errorf("%w: %s is a %s, not a scalar", ErrKind, p, n.kind)
	}
	switch n.dtype.String {
	case "int":
		return n.ival.Int64, nil
	case "float":
		return n.fval.Float64, nil
	}
	return n.sval.String, nil
}

// ReadInt returns the integer scalar at p.
func (f *File) ReadInt(p string) (int64, error) {
	v, err := f.Scalar(p)
	if err != nil {
		return 0, err
	}
	i, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: %s holds %T, not int", ErrKind, p, v)
	}
	return i, nil
}

// ReadFloat returns the numeric scalar at p; integers are converted.
func (f *File) ReadFloat(p string) (float64, error) {
	v, err := f.Scalar(p)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	}
	return 0, fmt.Errorf("%w: %s holds %T, not float", ErrKind, p, v)
}

// ReadString returns the string scalar at p.
func (f *File) ReadString(p string) (string, error) {
	v, err := f.Scalar(p)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s holds %T, not string", ErrKind, p, v)
	}
	return s, nil
}

// Has reports whether p is an entry or a non-empty group.
func (f *File) Has(p string) (bool, error) {
	p = clean(p)
	if p == "" {
		return true, nil
	}
	var ok bool
	prefix := p + "/"
	err := f.db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM nodes WHERE path = ? OR substr(path, 1, ?) = ?)`,
		p, utf8.RuneCountInString(prefix), prefix,
	).Scan(&ok)
	return ok, err
}

// Keys lists the direct children of group g in lexical order.
func (f *File) Keys(g string) ([]string, error) {
	g = clean(g)
	prefix := ""
	if g != "" {
		prefix = g + "/"
	}
	rows, err := f.db.Query(
		`SELECT path FROM nodes WHERE substr(path, 1, ?) = ?`,
		utf8.RuneCountInString(prefix), prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := map[string]bool{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		child, _, _ := strings.Cut(strings.TrimPrefix(p, prefix), "/")
		seen[child] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes p and everything below it. Deleting a missing path is not
// an error.
func (f *File) Delete(p string) error {
	if f.readOnly {
		return ErrReadOnly
	}
	p = clean(p)

	tx, err := f.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if p == "" {
		if _, err := tx.Exec(`DELETE FROM nodes`); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM chunks`); err != nil {
			return err
		}
		return tx.Commit()
	}

	prefix := p + "/"
	n := utf8.RuneCountInString(prefix)
	if _, err := tx.Exec(`DELETE FROM nodes WHERE path = ? OR substr(path, 1, ?) = ?`, p, n, prefix); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM chunks WHERE path = ? OR substr(path, 1, ?) = ?`, p, n, prefix); err != nil {
		return err
	}
	return tx.Commit()
}

// Link creates an external link at p to dataset target inside file. A
// relative file is resolved against the directory of f.
func (f *File) Link(p, file, target string) error {
	if f.readOnly {
		return ErrReadOnly
	}
	p = clean(p)
	if err := f.claim(p); err != nil {
		return err
	}
	_, err := f.db.Exec(
		`INSERT INTO nodes (path, kind, link_file, link_path) VALUES (?, ?, ?, ?)`,
		p, kindLink, file, clean(target),
	)
	if err != nil {
		return fmt.Errorf("link %s: %w", p, err)
	}
	return nil
}

// LinkTarget returns the file and path an external link points at.
func (f *File) LinkTarget(p string) (file, target string, err error) {
	n, err := f.node(clean(p))
	if err != nil {
		return "", "", err
	}
	if n.kind != kindLink {
		return "", "", fmt.Errorf("%w: %s is a %s, not a link", ErrKind, p, n.kind)
	}
	return f.resolveLinkFile(n.linkFile.String), n.linkPath.String, nil
}

func (f *File) resolveLinkFile(file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(filepath.Dir(f.path), file)
}

// claim fails when p is taken by an entry or a group.
func (f *File) claim(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty path", ErrKind)
	}
	ok, err := f.Has(p)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrExists, p)
	}
	return nil
}

type node struct {
	kind      string
	dtype     sql.NullString
	shape     sql.NullString
	maxShape  sql.NullString
	chunkRows sql.NullInt64
	ival      sql.NullInt64
	fval      sql.NullFloat64
	sval      sql.NullString
	linkFile  sql.NullString
	linkPath  sql.NullString
}

func (f *File) node(p string) (node, error) {
	var n node
	err := f.db.QueryRow(
		`SELECT kind, dtype, shape, maxshape, chunk_rows, ival, fval, sval, link_file, link_path
		   FROM nodes WHERE path = ?`, p,
	).Scan(&n.kind, &n.dtype, &n.shape, &n.maxShape, &n.chunkRows, &n.ival, &n.fval, &n.sval, &n.linkFile, &n.linkPath)
	if errors.Is(err, sql.ErrNoRows) {
		return n, fmt.Errorf("%w: %s in %s", ErrNotFound, p, f.path)
	}
	return n, err
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func hasChildren(q querier, p string) (bool, error) {
	var ok bool
	prefix := p + "/"
	err := q.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM nodes WHERE substr(path, 1, ?) = ?)`,
		utf8.RuneCountInString(prefix), prefix,
	).Scan(&ok)
	return ok, err
}

func clean(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}
