// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package fossil

import (
	"time"
)

// State is the lifecycle state of an object or a datastream.
type State byte

// List of object and datastream states.
const (
	StateUnset    = State(0)
	StateActive   = State('A')
	StateInactive = State('I')
	StateDeleted  = State('D')
)

// String implements the Stringer interface.
func (s State) String() string {
	switch s {
	case StateActive:
		return "A"
	case StateInactive:
		return "I"
	case StateDeleted:
		return "D"
	}
	return ""
}

// ParseState converts the one-letter wire form into a State.
func ParseState(s string) (State, error) {
	switch s {
	case "A":
		return StateActive, nil
	case "I":
		return StateInactive, nil
	case "D":
		return StateDeleted, nil
	}
	return StateUnset, Error.New("unknown state %q", s)
}

// ControlGroup says where a datastream's bytes live.
type ControlGroup byte

// List of control groups.
const (
	// InlineXML content is carried in the object serialization itself.
	InlineXML = ControlGroup('X')
	// ManagedContent is owned by the content store, addressed by a derived token.
	ManagedContent = ControlGroup('M')
	// ExternalRef content lives at an external URL resolved at dissemination time.
	ExternalRef = ControlGroup('E')
	// RedirectRef content is served by redirecting the client to a URL.
	RedirectRef = ControlGroup('R')
)

// String implements the Stringer interface.
func (g ControlGroup) String() string { return string(rune(g)) }

// LocationType says how a datastream version's Location is to be interpreted.
type LocationType byte

// List of location types.
const (
	// LocationInternal is a content store token.
	LocationInternal = LocationType('I')
	// LocationURL is a resolvable reference: a remote URL or one of the
	// staging schemes (uploaded://, copy://, temp://).
	LocationURL = LocationType('U')
)

// Triple is one relationship assertion. The subject is the owning object
// unless Subject qualifies it further (e.g. a datastream URI).
type Triple struct {
	Subject   string
	Predicate string
	Object    string
	IsLiteral bool
}

// DatastreamVersion is a single version of a datastream's content.
type DatastreamVersion struct {
	ID           string
	Label        string
	MIMEType     string
	FormatURI    string
	ChecksumType string
	Checksum     string
	ControlGroup ControlGroup
	Location     string
	LocationType LocationType
	// InlineContent carries the bytes of an inline (X) version.
	InlineContent []byte
	Size          int64
	Created       time.Time
	AltIDs        []string
}

// Datastream is a named, versioned content unit. Versions are kept in
// insertion order, which is chronological order.
type Datastream struct {
	ID          string
	State       State
	Versionable bool
	Versions    []DatastreamVersion
}

// Latest returns the most recently added version, or nil.
func (ds *Datastream) Latest() *DatastreamVersion {
	if len(ds.Versions) == 0 {
		return nil
	}
	return &ds.Versions[len(ds.Versions)-1]
}

// Version returns the version with the given id, or nil.
func (ds *Datastream) Version(versionID string) *DatastreamVersion {
	for i := range ds.Versions {
		if ds.Versions[i].ID == versionID {
			return &ds.Versions[i]
		}
	}
	return nil
}

// Object is a committed snapshot of a digital object. Snapshots are
// immutable; mutation happens through a Builder while the write lock for
// the pid is held.
type Object struct {
	PID          PID
	Label        string
	OwnerID      string
	State        State
	Created      time.Time
	LastModified time.Time

	Relationships []Triple

	// DatastreamIDs preserves insertion order for Datastreams.
	DatastreamIDs []string
	Datastreams   map[string]*Datastream
}

// Datastream returns the datastream with the given id, or nil.
func (obj *Object) Datastream(id string) *Datastream {
	if obj.Datastreams == nil {
		return nil
	}
	return obj.Datastreams[id]
}

// HasModel reports whether the object asserts the given content model.
func (obj *Object) HasModel(model PID) bool {
	for _, t := range obj.Relationships {
		if t.Predicate == PredicateHasModel && t.Object == modelURI(model) {
			return true
		}
	}
	return false
}

// ManagedTokens returns the content store tokens of every managed-content
// version in the object, across all datastreams and all versions.
func (obj *Object) ManagedTokens() []string {
	var tokens []string
	for _, id := range obj.DatastreamIDs {
		ds := obj.Datastreams[id]
		for i := range ds.Versions {
			v := &ds.Versions[i]
			if v.ControlGroup == ManagedContent {
				tokens = append(tokens, ManagedToken(obj.PID, ds.ID, v.ID))
			}
		}
	}
	return tokens
}
