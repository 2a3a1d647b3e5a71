// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package fossil

import (
	"github.com/zeebo/errs"
)

// Error classes shared across the repository. Components wrap their own
// failures with a package class; the kinds below tag errors that callers
// are expected to branch on.
var (
	// ErrNotFound is returned when an object or datastream does not exist.
	ErrNotFound = errs.Class("object not found")
	// ErrAlreadyExists is returned on a duplicate identifier at ingest or a
	// duplicate blob key in the content store.
	ErrAlreadyExists = errs.Class("object already exists")
	// ErrIntegrity is returned when an in-memory object turns out to be
	// malformed during processing.
	ErrIntegrity = errs.Class("object integrity")
	// ErrValidation is returned on schema or business-rule rejection.
	ErrValidation = errs.Class("validation")
	// ErrStorage is returned on an underlying connection or blob store failure.
	ErrStorage = errs.Class("storage device")
	// ErrLocked is returned when a write lock is unavailable to the caller's
	// context.
	ErrLocked = errs.Class("object locked")
	// Error is the catch-all class for unexpected failures.
	Error = errs.Class("fossil error")
)
