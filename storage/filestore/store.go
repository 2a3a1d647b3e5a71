// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package filestore implements the content store on a local filesystem,
// with temp-file staging before commit.
package filestore

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/fossil/storage"
)

// Error is the default filestore error class.
var Error = errs.Class("filestore error")

const (
	nsObjects     = "objects"
	nsDatastreams = "datastreams"
)

var _ storage.Store = (*Store)(nil)
var _ storage.ExistenceChecker = (*Store)(nil)

// Store implements the content store on disk.
type Store struct {
	log *zap.Logger
	dir *Dir
}

// New creates a content store around an existing Dir.
func New(log *zap.Logger, dir *Dir) *Store {
	return &Store{log: log, dir: dir}
}

// NewAt creates a content store in the specified directory.
func NewAt(log *zap.Logger, path string) (*Store, error) {
	dir, err := NewDir(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{log: log, dir: dir}, nil
}

// Close releases resources held by the store.
func (store *Store) Close() error { return nil }

// AddObject stores a new whole-object serialization.
func (store *Store) AddObject(ctx context.Context, pid string, data io.Reader, hints storage.Hints) error {
	return store.put(ctx, nsObjects, pid, data, hints, false)
}

// ReplaceObject overwrites an existing whole-object serialization.
func (store *Store) ReplaceObject(ctx context.Context, pid string, data io.Reader, hints storage.Hints) error {
	return store.put(ctx, nsObjects, pid, data, hints, true)
}

// RemoveObject deletes the whole-object serialization.
func (store *Store) RemoveObject(ctx context.Context, pid string) error {
	return store.delete(nsObjects, pid)
}

// RetrieveObject opens the stored serialization for reading.
func (store *Store) RetrieveObject(ctx context.Context, pid string) (storage.Reader, error) {
	return store.open(nsObjects, pid)
}

// ObjectExists reports whether an object serialization is present.
func (store *Store) ObjectExists(ctx context.Context, pid string) (bool, error) {
	exists, err := store.dir.Exists(nsObjects, pid)
	return exists, Error.Wrap(err)
}

// AddDatastream stores a new managed datastream blob.
func (store *Store) AddDatastream(ctx context.Context, token string, data io.Reader, hints storage.Hints) error {
	return store.put(ctx, nsDatastreams, token, data, hints, false)
}

// ReplaceDatastream overwrites an existing managed datastream blob.
func (store *Store) ReplaceDatastream(ctx context.Context, token string, data io.Reader, hints storage.Hints) error {
	return store.put(ctx, nsDatastreams, token, data, hints, true)
}

// RemoveDatastream deletes a managed datastream blob.
func (store *Store) RemoveDatastream(ctx context.Context, token string) error {
	return store.delete(nsDatastreams, token)
}

// RetrieveDatastream opens a managed datastream blob for reading.
func (store *Store) RetrieveDatastream(ctx context.Context, token string) (storage.Reader, error) {
	return store.open(nsDatastreams, token)
}

// GarbageCollect removes staging files left behind by a crash.
func (store *Store) GarbageCollect(ctx context.Context) error {
	return Error.Wrap(store.dir.GarbageCollect())
}

func (store *Store) put(ctx context.Context, namespace, key string, data io.Reader, hints storage.Hints, overwrite bool) error {
	if key == "" {
		return Error.New("empty key")
	}
	if len(hints) > 0 {
		// hints are advisory; the filesystem store has no use for them
		store.log.Debug("ignoring storage hints",
			zap.String("key", key), zap.Int("count", len(hints)))
	}

	file, err := store.dir.CreateTemporaryFile()
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := io.Copy(file, data); err != nil {
		return Error.Wrap(errs.Combine(err, store.dir.Cancel(file)))
	}
	if err := store.dir.Commit(file, namespace, key, overwrite); err != nil {
		if errors.Is(err, os.ErrExist) {
			return storage.ErrExists.New("%q", key)
		}
		return Error.Wrap(err)
	}
	return nil
}

func (store *Store) open(namespace, key string) (storage.Reader, error) {
	file, err := store.dir.Open(namespace, key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotExist.New("%q", key)
		}
		return nil, Error.Wrap(err)
	}
	return blobReader{file}, nil
}

func (store *Store) delete(namespace, key string) error {
	err := store.dir.Delete(namespace, key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ErrNotExist.New("%q", key)
		}
		return Error.Wrap(err)
	}
	return nil
}

type blobReader struct {
	*os.File
}

// Size returns the size of the blob.
func (blob blobReader) Size() (int64, error) {
	stat, err := blob.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}
