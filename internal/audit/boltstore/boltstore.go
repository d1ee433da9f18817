// Package boltstore persists audit records in a local bbolt file, for
// deployments without a logging database.
package boltstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/HDRUK/RDMP-sub001/internal/audit"
)

var (
	runsBucket   = []byte("runs")
	tablesBucket = []byte("table_loads")
	// archivedBucket holds the IDs of archived table loads.
	archivedBucket = []byte("archived")
)

// Store is an audit.Store over a bbolt database.
type Store struct {
	db *bolt.DB
}

var _ audit.Store = (*Store)(nil)

// Open opens (creating if needed) the bolt file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{runsBucket, tablesBucket, archivedBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return errors.Wrapf(err, "creating bucket: %s", b)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func put(tx *bolt.Tx, bucket []byte, id string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal")
	}
	return tx.Bucket(bucket).Put([]byte(id), b)
}

func (s *Store) CreateRun(_ context.Context, r audit.RunRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, runsBucket, r.ID, r) })
}

func (s *Store) EndRun(_ context.Context, r audit.RunRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(runsBucket).Get([]byte(r.ID)) == nil {
			return errors.Wrap(audit.ErrUnknownRecord, r.ID)
		}
		return put(tx, runsBucket, r.ID, r)
	})
}

func (s *Store) CreateTableLoad(_ context.Context, t audit.TableRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, tablesBucket, t.ID, t) })
}

func (s *Store) ArchiveTableLoad(_ context.Context, t audit.TableRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id := []byte(t.ID)
		if tx.Bucket(tablesBucket).Get(id) == nil {
			return errors.Wrap(audit.ErrUnknownRecord, t.ID)
		}
		if tx.Bucket(archivedBucket).Get(id) != nil {
			return errors.Wrap(audit.ErrArchived, t.Table)
		}
		if err := put(tx, tablesBucket, t.ID, t); err != nil {
			return err
		}
		return tx.Bucket(archivedBucket).Put(id, []byte{1})
	})
}

// Run reads a run record back.
func (s *Store) Run(id string) (audit.RunRecord, error) {
	var r audit.RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(runsBucket).Get([]byte(id))
		if v == nil {
			return errors.Wrap(audit.ErrUnknownRecord, id)
		}
		return json.Unmarshal(v, &r)
	})
	return r, err
}

// TableLoads reads the table records of a run, ordered by start then table.
func (s *Store) TableLoads(runID string) ([]audit.TableRecord, error) {
	var out []audit.TableRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tablesBucket).ForEach(func(_, v []byte) error {
			var t audit.TableRecord
			if err := json.Unmarshal(v, &t); err != nil {
				return errors.Wrap(err, "unmarshal table load")
			}
			if t.RunID == runID {
				out = append(out, t)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Table < out[j].Table
	})
	return out, err
}
