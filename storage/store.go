// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package storage declares the low-level content store contract: a
// byte-addressed persistent store for whole-object serializations and
// managed datastream blobs, keyed by opaque tokens.
package storage

import (
	"context"
	"io"

	"github.com/zeebo/errs"
)

// Error is the default content store error class.
var Error = errs.Class("content store error")

// ErrExists is returned by Add* when the key is already present; callers use
// it to fall back to Replace*.
var ErrExists = errs.Class("key already exists")

// ErrNotExist is returned when the requested key is not in the store.
var ErrNotExist = errs.Class("key does not exist")

// Hints is an opaque string map of storage hints, passed through to the
// store on add and replace. Stores are free to ignore hints they do not
// understand.
type Hints map[string]string

// HintProvider derives storage hints from the identifier being stored. It
// must be a pure function.
type HintProvider func(key string) Hints

// NoHints is the HintProvider that supplies none.
func NoHints(string) Hints { return nil }

// Reader is a readable blob with a known size.
type Reader interface {
	io.Reader
	io.Closer
	// Size returns the size of the blob.
	Size() (int64, error)
}

// Store is the content store used by the object manager. Object keys are
// pids; datastream keys are derived tokens of the form pid+dsID+versionID.
type Store interface {
	// AddObject stores a new whole-object serialization. It returns an
	// ErrExists error when the pid is already present.
	AddObject(ctx context.Context, pid string, data io.Reader, hints Hints) error
	// ReplaceObject overwrites an existing whole-object serialization.
	ReplaceObject(ctx context.Context, pid string, data io.Reader, hints Hints) error
	// RemoveObject deletes the whole-object serialization.
	RemoveObject(ctx context.Context, pid string) error
	// RetrieveObject opens the stored serialization for reading.
	RetrieveObject(ctx context.Context, pid string) (Reader, error)

	// AddDatastream stores a new managed datastream blob. It returns an
	// ErrExists error when the token is already present.
	AddDatastream(ctx context.Context, token string, data io.Reader, hints Hints) error
	// ReplaceDatastream overwrites an existing managed datastream blob.
	ReplaceDatastream(ctx context.Context, token string, data io.Reader, hints Hints) error
	// RemoveDatastream deletes a managed datastream blob.
	RemoveDatastream(ctx context.Context, token string) error
	// RetrieveDatastream opens a managed datastream blob for reading.
	RetrieveDatastream(ctx context.Context, token string) (Reader, error)

	Close() error
}

// ExistenceChecker is an optional capability of a Store: a cheap existence
// probe for whole objects, used as a fallback consistency check beside the
// registry.
type ExistenceChecker interface {
	ObjectExists(ctx context.Context, pid string) (bool, error)
}
