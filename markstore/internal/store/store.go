// Package store is the SQLite persistence of marks.
package store

import (
	"database/sql"
	"errors"

	"github.com/hazyhaar/webmarker/dbopen"
)

// ErrDuplicate is returned when a page already holds a mark with that id.
var ErrDuplicate = errors.New("store: duplicate mark")

// Store is the marks database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the database at path with the mark schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	all := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)
	db, err := dbopen.Open(path, all...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}
