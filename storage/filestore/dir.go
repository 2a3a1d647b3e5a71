// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package filestore

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
)

// Dir maps store keys to files on disk. Blobs are staged as temporary files
// and become visible only when committed, so a crash mid-write never leaves
// a partial blob under a live key.
type Dir struct {
	path string
}

// NewDir instantiates a Dir at the given path, creating the layout.
func NewDir(path string) (*Dir, error) {
	dir := &Dir{path: path}
	return dir, errs.Combine(
		os.MkdirAll(dir.tempdir(), dirPermission),
		os.MkdirAll(filepath.Join(path, "objects"), dirPermission),
		os.MkdirAll(filepath.Join(path, "datastreams"), dirPermission),
	)
}

const (
	dirPermission  = 0700
	blobPermission = 0600
)

// Path returns the directory path.
func (dir *Dir) Path() string { return dir.path }

func (dir *Dir) tempdir() string { return filepath.Join(dir.path, "tmp") }

// keyPath returns the final path of a key inside a namespace, with a
// two-character fanout level so single directories stay small.
func (dir *Dir) keyPath(namespace, key string) string {
	encoded := hex.EncodeToString([]byte(key))
	fanout := encoded
	if len(fanout) > 2 {
		fanout = fanout[:2]
	}
	return filepath.Join(dir.path, namespace, fanout, encoded)
}

// CreateTemporaryFile creates a staging file in the temp directory.
func (dir *Dir) CreateTemporaryFile() (*os.File, error) {
	return os.CreateTemp(dir.tempdir(), "blob-*.partial")
}

// Commit moves a staged file to its final location, syncing it first. When
// overwrite is false and the key is already present the staged file is
// discarded and os.ErrExist returned.
func (dir *Dir) Commit(file *os.File, namespace, key string, overwrite bool) error {
	position, seekErr := file.Seek(0, io.SeekCurrent)
	truncErr := file.Truncate(position)
	syncErr := file.Sync()
	closeErr := file.Close()
	if err := errs.Combine(seekErr, truncErr, syncErr, closeErr); err != nil {
		removeErr := os.Remove(file.Name())
		return errs.Combine(err, removeErr)
	}

	path := dir.keyPath(namespace, key)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			_ = os.Remove(file.Name())
			return os.ErrExist
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPermission); err != nil {
		removeErr := os.Remove(file.Name())
		return errs.Combine(err, removeErr)
	}
	if err := os.Rename(file.Name(), path); err != nil {
		removeErr := os.Remove(file.Name())
		return errs.Combine(err, removeErr)
	}
	return os.Chmod(path, blobPermission)
}

// Cancel discards a staged file.
func (dir *Dir) Cancel(file *os.File) error {
	closeErr := file.Close()
	removeErr := os.Remove(file.Name())
	return errs.Combine(closeErr, removeErr)
}

// Open opens the committed blob under the key.
func (dir *Dir) Open(namespace, key string) (*os.File, error) {
	return os.Open(dir.keyPath(namespace, key))
}

// Exists reports whether a committed blob is present under the key.
func (dir *Dir) Exists(namespace, key string) (bool, error) {
	_, err := os.Stat(dir.keyPath(namespace, key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Delete removes the committed blob under the key. Deleting an absent key
// returns os.ErrNotExist.
func (dir *Dir) Delete(namespace, key string) error {
	err := os.Remove(dir.keyPath(namespace, key))
	if err != nil && os.IsNotExist(err) {
		return os.ErrNotExist
	}
	return err
}

// GarbageCollect removes stale staging files left behind by a crash.
func (dir *Dir) GarbageCollect() error {
	entries, err := os.ReadDir(dir.tempdir())
	if err != nil {
		return err
	}
	var group errs.Group
	for _, entry := range entries {
		group.Add(os.Remove(filepath.Join(dir.tempdir(), entry.Name())))
	}
	return group.Err()
}
