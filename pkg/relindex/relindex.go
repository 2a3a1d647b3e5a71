// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package relindex maintains the secondary index over object relationship
// graphs, updated synchronously on every commit.
package relindex

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/fossil/pkg/fossil"
)

// Error is the relindex error class.
var Error = errs.Class("relindex error")

var (
	bucketTriples = []byte("triples")
	bucketLookup  = []byte("lookup")
)

const (
	fileMode       = 0600
	defaultTimeout = 1 * time.Second
)

// Index is a bolt-backed relationship index.
type Index struct {
	log *zap.Logger
	db  *bolt.DB
}

// Open opens (and creates, if needed) the relationship index at path.
func Open(log *zap.Logger, path string) (*Index, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTriples); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketLookup)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	log.Debug("relationship index opened", zap.String("path", path))
	return &Index{log: log, db: db}, nil
}

// Close closes the index.
func (index *Index) Close() error {
	return Error.Wrap(index.db.Close())
}

// AddObject indexes the relationships of a newly committed object.
func (index *Index) AddObject(obj *fossil.Object) error {
	return index.put(obj.PID, withDefaultSubject(obj))
}

// ModifyObject reindexes the relationships of a modified object, diffing
// against what was previously indexed for its pid.
func (index *Index) ModifyObject(obj *fossil.Object) error {
	return index.put(obj.PID, withDefaultSubject(obj))
}

// DeleteObject removes a purged object's relationships from the index.
func (index *Index) DeleteObject(pid fossil.PID) error {
	err := index.db.Update(func(tx *bolt.Tx) error {
		key := []byte(pid.String())
		old := tx.Bucket(bucketTriples).Get(key)
		if old == nil {
			return nil
		}
		var triples []fossil.Triple
		if err := json.Unmarshal(old, &triples); err != nil {
			return err
		}
		if err := removeLookups(tx.Bucket(bucketLookup), pid, triples); err != nil {
			return err
		}
		return tx.Bucket(bucketTriples).Delete(key)
	})
	return Error.Wrap(err)
}

// TriplesFor returns the indexed relationships of a pid.
func (index *Index) TriplesFor(pid fossil.PID) ([]fossil.Triple, error) {
	var triples []fossil.Triple
	err := index.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTriples).Get([]byte(pid.String()))
		if data == nil {
			return fossil.ErrNotFound.New("%s", pid)
		}
		return json.Unmarshal(data, &triples)
	})
	if err != nil {
		if fossil.ErrNotFound.Has(err) {
			return nil, err
		}
		return nil, Error.Wrap(err)
	}
	return triples, nil
}

// SubjectsOf returns the pids asserting the given predicate and object.
func (index *Index) SubjectsOf(predicate, object string) ([]fossil.PID, error) {
	prefix := lookupPrefix(predicate, object)

	var pids []fossil.PID
	err := index.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketLookup).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			pids = append(pids, fossil.PID(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return pids, nil
}

func (index *Index) put(pid fossil.PID, triples []fossil.Triple) error {
	data, err := json.Marshal(triples)
	if err != nil {
		return Error.Wrap(err)
	}

	err = index.db.Update(func(tx *bolt.Tx) error {
		key := []byte(pid.String())
		lookup := tx.Bucket(bucketLookup)

		if old := tx.Bucket(bucketTriples).Get(key); old != nil {
			var stale []fossil.Triple
			if err := json.Unmarshal(old, &stale); err != nil {
				return err
			}
			if err := removeLookups(lookup, pid, stale); err != nil {
				return err
			}
		}
		for _, t := range triples {
			if err := lookup.Put(lookupKey(pid, t), nil); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketTriples).Put(key, data)
	})
	return Error.Wrap(err)
}

func removeLookups(lookup *bolt.Bucket, pid fossil.PID, triples []fossil.Triple) error {
	for _, t := range triples {
		if err := lookup.Delete(lookupKey(pid, t)); err != nil {
			return err
		}
	}
	return nil
}

func lookupPrefix(predicate, object string) []byte {
	var buf bytes.Buffer
	buf.WriteString(predicate)
	buf.WriteByte(0)
	buf.WriteString(object)
	buf.WriteByte(0)
	return buf.Bytes()
}

func lookupKey(pid fossil.PID, t fossil.Triple) []byte {
	key := lookupPrefix(t.Predicate, t.Object)
	return append(key, pid.String()...)
}

// withDefaultSubject fills the implicit subject: a triple whose subject is
// unset is about the owning object itself.
func withDefaultSubject(obj *fossil.Object) []fossil.Triple {
	triples := make([]fossil.Triple, len(obj.Relationships))
	copy(triples, obj.Relationships)
	for i := range triples {
		if triples[i].Subject == "" {
			triples[i].Subject = fossil.ObjectURI(obj.PID)
		}
	}
	return triples
}
