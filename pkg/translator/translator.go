// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package translator declares the serialization collaborators of the
// object manager: the translator converting between serialized payloads
// and the in-memory model, and the validator checking payloads against
// format rules.
package translator

import (
	"io"

	"github.com/zeebo/errs"

	"storj.io/fossil/pkg/fossil"
)

// Error is the translator error class.
var Error = errs.Class("translator error")

// Format is a content negotiation string selecting a serialization format.
type Format string

// List of well-known formats.
const (
	// StorageFormat is the default format objects are persisted in. The
	// translator must round-trip it losslessly.
	StorageFormat = Format("info:fossil/format#storage-json-1.0")
	// ExportFormat is the default format for exports.
	ExportFormat = Format("info:fossil/format#export-json-1.0")
)

// DefaultEncoding is the character encoding used for serialized payloads.
const DefaultEncoding = "UTF-8"

// Context says why a translation is being performed.
type Context int

// List of translation contexts.
const (
	DeserializeInstance Context = iota
	SerializeStorage
	SerializeExport
)

// Translator converts between serialized payloads and the in-memory model.
type Translator interface {
	// Serialize writes the object to w in the given format.
	Serialize(obj *fossil.Object, w io.Writer, format Format, encoding string, tctx Context) error
	// Deserialize populates the builder from the payload in r.
	Deserialize(r io.Reader, b *fossil.Builder, format Format, encoding string, tctx Context) error
}

// Level selects how deep validation goes.
type Level int

// List of validation levels.
const (
	// LevelSchema checks payload shape only.
	LevelSchema Level = iota
	// LevelFull additionally checks business rules.
	LevelFull
)

// Phase tags a validation failure with the operation it happened in.
type Phase int

// List of validation phases.
const (
	PhaseIngest Phase = iota
	PhaseStore
)

// String implements the Stringer interface.
func (phase Phase) String() string {
	if phase == PhaseIngest {
		return "ingest"
	}
	return "store"
}

// Validator checks a serialized payload against format rules.
type Validator interface {
	// Validate returns a fossil.ErrValidation classed error on rejection.
	Validate(r io.Reader, format Format, level Level, phase Phase) error
}
