// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package jsonobj implements the default storage serialization format: a
// stable JSON encoding of the object model that round-trips losslessly.
package jsonobj

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/zeebo/errs"

	"storj.io/fossil/pkg/fossil"
	"storj.io/fossil/pkg/translator"
)

// Error is the jsonobj error class.
var Error = errs.Class("jsonobj error")

// Codec implements translator.Translator and translator.Validator for the
// JSON storage format.
type Codec struct{}

var _ translator.Translator = Codec{}
var _ translator.Validator = Codec{}

// wire shapes; field order is part of the format

type wireObject struct {
	PID           string           `json:"pid"`
	Label         string           `json:"label,omitempty"`
	OwnerID       string           `json:"ownerId,omitempty"`
	State         string           `json:"state,omitempty"`
	Created       *time.Time       `json:"created,omitempty"`
	LastModified  *time.Time       `json:"lastModified,omitempty"`
	Relationships []wireTriple     `json:"relationships,omitempty"`
	Datastreams   []wireDatastream `json:"datastreams,omitempty"`
}

type wireTriple struct {
	Subject   string `json:"subject,omitempty"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
	IsLiteral bool   `json:"isLiteral,omitempty"`
}

type wireDatastream struct {
	ID          string        `json:"id"`
	State       string        `json:"state,omitempty"`
	Versionable bool          `json:"versionable"`
	Versions    []wireVersion `json:"versions"`
}

type wireVersion struct {
	ID            string          `json:"id"`
	Label         string          `json:"label,omitempty"`
	MIMEType      string          `json:"mimeType,omitempty"`
	FormatURI     string          `json:"formatUri,omitempty"`
	ChecksumType  string          `json:"checksumType,omitempty"`
	Checksum      string          `json:"checksum,omitempty"`
	ControlGroup  string          `json:"controlGroup"`
	Location      string          `json:"location,omitempty"`
	LocationType  string          `json:"locationType,omitempty"`
	InlineContent json.RawMessage `json:"inlineContent,omitempty"`
	Size          int64           `json:"size,omitempty"`
	Created       *time.Time      `json:"created,omitempty"`
	AltIDs        []string        `json:"altIds,omitempty"`
}

// Serialize writes the object to w.
func (Codec) Serialize(obj *fossil.Object, w io.Writer, format translator.Format, encoding string, tctx translator.Context) error {
	if err := checkFormat(format); err != nil {
		return err
	}

	wire := wireObject{
		PID:          obj.PID.String(),
		Label:        obj.Label,
		OwnerID:      obj.OwnerID,
		State:        obj.State.String(),
		Created:      timePtr(obj.Created),
		LastModified: timePtr(obj.LastModified),
	}
	for _, t := range obj.Relationships {
		wire.Relationships = append(wire.Relationships, wireTriple(t))
	}
	for _, id := range obj.DatastreamIDs {
		ds := obj.Datastreams[id]
		wds := wireDatastream{
			ID:          ds.ID,
			State:       ds.State.String(),
			Versionable: ds.Versionable,
		}
		for _, v := range ds.Versions {
			wds.Versions = append(wds.Versions, wireVersion{
				ID:            v.ID,
				Label:         v.Label,
				MIMEType:      v.MIMEType,
				FormatURI:     v.FormatURI,
				ChecksumType:  v.ChecksumType,
				Checksum:      v.Checksum,
				ControlGroup:  v.ControlGroup.String(),
				Location:      v.Location,
				LocationType:  locationTypeString(v.LocationType),
				InlineContent: json.RawMessage(v.InlineContent),
				Size:          v.Size,
				Created:       timePtr(v.Created),
				AltIDs:        v.AltIDs,
			})
		}
		wire.Datastreams = append(wire.Datastreams, wds)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return Error.Wrap(encoder.Encode(wire))
}

// Deserialize populates the builder from the payload in r.
func (Codec) Deserialize(r io.Reader, b *fossil.Builder, format translator.Format, encoding string, tctx translator.Context) error {
	if err := checkFormat(format); err != nil {
		return err
	}

	var wire wireObject
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&wire); err != nil {
		return fossil.ErrIntegrity.New("unparseable payload: %v", err)
	}

	b.SetPID(fossil.PID(wire.PID))
	b.SetLabel(wire.Label)
	b.SetOwnerID(wire.OwnerID)
	if wire.State != "" {
		state, err := fossil.ParseState(wire.State)
		if err != nil {
			return fossil.ErrIntegrity.Wrap(err)
		}
		b.SetState(state)
	}
	b.SetCreated(timeOf(wire.Created))
	b.SetLastModified(timeOf(wire.LastModified))

	for _, t := range wire.Relationships {
		b.AddRelationship(fossil.Triple(t))
	}

	for _, wds := range wire.Datastreams {
		if len(wds.Versions) == 0 {
			return fossil.ErrIntegrity.New("datastream %q has no versions", wds.ID)
		}
		for i, wv := range wds.Versions {
			group, err := parseControlGroup(wv.ControlGroup)
			if err != nil {
				return err
			}
			inline, err := compactJSON(wv.InlineContent)
			if err != nil {
				return fossil.ErrIntegrity.New("datastream %q version %q: invalid inline content: %v", wds.ID, wv.ID, err)
			}
			version := fossil.DatastreamVersion{
				ID:            wv.ID,
				Label:         wv.Label,
				MIMEType:      wv.MIMEType,
				FormatURI:     wv.FormatURI,
				ChecksumType:  wv.ChecksumType,
				Checksum:      wv.Checksum,
				ControlGroup:  group,
				Location:      wv.Location,
				LocationType:  parseLocationType(wv.LocationType, wv.Location),
				InlineContent: inline,
				Size:          wv.Size,
				Created:       timeOf(wv.Created),
				AltIDs:        wv.AltIDs,
			}
			if i == 0 {
				if err := b.AddDatastream(wds.ID, wds.Versionable, version); err != nil {
					return fossil.ErrIntegrity.Wrap(err)
				}
				if wds.State != "" {
					state, err := fossil.ParseState(wds.State)
					if err != nil {
						return fossil.ErrIntegrity.Wrap(err)
					}
					b.Datastream(wds.ID).State = state
				}
			} else {
				if err := b.AddDatastreamVersion(wds.ID, version); err != nil {
					return fossil.ErrIntegrity.Wrap(err)
				}
			}
		}
	}
	return nil
}

// Validate checks the payload shape; at LevelFull it additionally requires
// pid syntax (when present) and managed version locations.
func (Codec) Validate(r io.Reader, format translator.Format, level translator.Level, phase translator.Phase) error {
	if err := checkFormat(format); err != nil {
		return err
	}

	var wire wireObject
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&wire); err != nil {
		return fossil.ErrValidation.New("%s phase: unparseable payload: %v", phase, err)
	}

	if wire.State != "" {
		if _, err := fossil.ParseState(wire.State); err != nil {
			return fossil.ErrValidation.New("%s phase: %v", phase, err)
		}
	}
	// at store phase the pid must already be assigned
	if phase == translator.PhaseStore && wire.PID == "" {
		return fossil.ErrValidation.New("store phase: missing pid")
	}

	seen := map[string]bool{}
	for _, ds := range wire.Datastreams {
		if ds.ID == "" {
			return fossil.ErrValidation.New("%s phase: datastream without id", phase)
		}
		if seen[ds.ID] {
			return fossil.ErrValidation.New("%s phase: duplicate datastream %q", phase, ds.ID)
		}
		seen[ds.ID] = true
		if len(ds.Versions) == 0 {
			return fossil.ErrValidation.New("%s phase: datastream %q has no versions", phase, ds.ID)
		}
		for _, v := range ds.Versions {
			if _, err := parseControlGroup(v.ControlGroup); err != nil {
				return fossil.ErrValidation.New("%s phase: datastream %q: %v", phase, ds.ID, err)
			}
		}
	}

	if level == translator.LevelSchema {
		return nil
	}

	if wire.PID != "" {
		if err := fossil.ParsePID(wire.PID); err != nil {
			return fossil.ErrValidation.New("%s phase: %v", phase, err)
		}
	}
	for _, ds := range wire.Datastreams {
		for _, v := range ds.Versions {
			group, _ := parseControlGroup(v.ControlGroup)
			if group == fossil.ManagedContent && v.Location == "" {
				return fossil.ErrValidation.New("%s phase: managed version %q/%q without location",
					phase, ds.ID, v.ID)
			}
			if group == fossil.InlineXML && v.Location != "" {
				return fossil.ErrValidation.New("%s phase: inline version %q/%q with location",
					phase, ds.ID, v.ID)
			}
		}
	}
	return nil
}

func checkFormat(format translator.Format) error {
	switch format {
	case translator.StorageFormat, translator.ExportFormat:
		return nil
	}
	return Error.New("unsupported format %q", format)
}

func parseControlGroup(s string) (fossil.ControlGroup, error) {
	switch s {
	case "X":
		return fossil.InlineXML, nil
	case "M":
		return fossil.ManagedContent, nil
	case "E":
		return fossil.ExternalRef, nil
	case "R":
		return fossil.RedirectRef, nil
	}
	return 0, fossil.ErrIntegrity.New("unknown control group %q", s)
}

func parseLocationType(s, location string) fossil.LocationType {
	switch s {
	case "I":
		return fossil.LocationInternal
	case "U":
		return fossil.LocationURL
	}
	// Payloads may omit the location type; a bare location is a resolvable
	// reference, never a content store token.
	if location != "" {
		return fossil.LocationURL
	}
	return 0
}

func locationTypeString(t fossil.LocationType) string {
	switch t {
	case fossil.LocationInternal:
		return "I"
	case fossil.LocationURL:
		return "U"
	}
	return ""
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeOf(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// compactJSON canonicalizes embedded inline content so the indentation the
// encoder applies on write never leaks into the stored bytes.
func compactJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, err
	}
	return compact.Bytes(), nil
}
