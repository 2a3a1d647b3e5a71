// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package fossil

import (
	"strconv"
	"time"
)

// Builder is the mutable form of an Object. It is only ever touched while
// the write lock for the pid is held; Snapshot converts it back into an
// immutable Object at commit time.
type Builder struct {
	obj Object
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{obj: Object{Datastreams: map[string]*Datastream{}}}
}

// BuilderOf returns a builder seeded with a deep copy of the snapshot, so
// concurrent readers of the snapshot never observe the writer's edits.
func BuilderOf(obj *Object) *Builder {
	b := NewBuilder()
	b.obj.PID = obj.PID
	b.obj.Label = obj.Label
	b.obj.OwnerID = obj.OwnerID
	b.obj.State = obj.State
	b.obj.Created = obj.Created
	b.obj.LastModified = obj.LastModified
	b.obj.Relationships = append([]Triple(nil), obj.Relationships...)
	for _, id := range obj.DatastreamIDs {
		src := obj.Datastreams[id]
		ds := &Datastream{
			ID:          src.ID,
			State:       src.State,
			Versionable: src.Versionable,
			Versions:    make([]DatastreamVersion, len(src.Versions)),
		}
		copy(ds.Versions, src.Versions)
		for i := range ds.Versions {
			ds.Versions[i].InlineContent = append([]byte(nil), src.Versions[i].InlineContent...)
			ds.Versions[i].AltIDs = append([]string(nil), src.Versions[i].AltIDs...)
		}
		b.obj.DatastreamIDs = append(b.obj.DatastreamIDs, id)
		b.obj.Datastreams[id] = ds
	}
	return b
}

// PID returns the identifier currently assigned to the object under
// construction.
func (b *Builder) PID() PID { return b.obj.PID }

// State returns the current object state.
func (b *Builder) State() State { return b.obj.State }

// Created returns the current creation date.
func (b *Builder) Created() time.Time { return b.obj.Created }

// SetPID assigns the identifier. The manager only calls this before
// registration; a committed object's pid never changes.
func (b *Builder) SetPID(pid PID) { b.obj.PID = pid }

// SetLabel sets the object label.
func (b *Builder) SetLabel(label string) { b.obj.Label = label }

// SetOwnerID sets the owner identifier.
func (b *Builder) SetOwnerID(owner string) { b.obj.OwnerID = owner }

// SetState sets the object state.
func (b *Builder) SetState(state State) { b.obj.State = state }

// SetCreated sets the creation timestamp.
func (b *Builder) SetCreated(t time.Time) { b.obj.Created = t }

// SetLastModified sets the last-modified timestamp.
func (b *Builder) SetLastModified(t time.Time) { b.obj.LastModified = t }

// AddRelationship appends a relationship triple, ignoring exact duplicates.
func (b *Builder) AddRelationship(t Triple) bool {
	for _, existing := range b.obj.Relationships {
		if existing == t {
			return false
		}
	}
	b.obj.Relationships = append(b.obj.Relationships, t)
	return true
}

// PurgeRelationship removes a relationship triple.
func (b *Builder) PurgeRelationship(t Triple) bool {
	for i, existing := range b.obj.Relationships {
		if existing == t {
			b.obj.Relationships = append(b.obj.Relationships[:i], b.obj.Relationships[i+1:]...)
			return true
		}
	}
	return false
}

// Datastream returns the mutable datastream with the given id, or nil.
func (b *Builder) Datastream(id string) *Datastream {
	return b.obj.Datastreams[id]
}

// DatastreamIDs returns the datastream ids in insertion order.
func (b *Builder) DatastreamIDs() []string {
	return append([]string(nil), b.obj.DatastreamIDs...)
}

// AddDatastream creates a datastream with a first version. It fails when the
// id is already taken.
func (b *Builder) AddDatastream(id string, versionable bool, version DatastreamVersion) error {
	if _, ok := b.obj.Datastreams[id]; ok {
		return ErrAlreadyExists.New("datastream %q", id)
	}
	if version.ID == "" {
		version.ID = id + ".0"
	}
	b.obj.DatastreamIDs = append(b.obj.DatastreamIDs, id)
	b.obj.Datastreams[id] = &Datastream{
		ID:          id,
		State:       StateActive,
		Versionable: versionable,
		Versions:    []DatastreamVersion{version},
	}
	return nil
}

// AddDatastreamVersion appends a version to an existing datastream. When the
// datastream is not versionable the new version replaces the latest one
// instead of accumulating.
func (b *Builder) AddDatastreamVersion(id string, version DatastreamVersion) error {
	ds, ok := b.obj.Datastreams[id]
	if !ok {
		return ErrNotFound.New("datastream %q", id)
	}
	if version.ID == "" {
		version.ID = nextVersionID(ds)
	}
	if !ds.Versionable && len(ds.Versions) > 0 {
		ds.Versions[len(ds.Versions)-1] = version
		return nil
	}
	ds.Versions = append(ds.Versions, version)
	return nil
}

// PurgeDatastreamVersions drops versions created in [start, end]. Zero
// bounds are open. It returns the ids of the dropped versions; dropping
// every version removes the datastream entirely.
func (b *Builder) PurgeDatastreamVersions(id string, start, end time.Time) ([]string, error) {
	ds, ok := b.obj.Datastreams[id]
	if !ok {
		return nil, ErrNotFound.New("datastream %q", id)
	}
	var kept []DatastreamVersion
	var dropped []string
	for _, v := range ds.Versions {
		inRange := (start.IsZero() || !v.Created.Before(start)) &&
			(end.IsZero() || !v.Created.After(end))
		if inRange {
			dropped = append(dropped, v.ID)
		} else {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		b.removeDatastream(id)
		return dropped, nil
	}
	ds.Versions = kept
	return dropped, nil
}

func (b *Builder) removeDatastream(id string) {
	delete(b.obj.Datastreams, id)
	for i, existing := range b.obj.DatastreamIDs {
		if existing == id {
			b.obj.DatastreamIDs = append(b.obj.DatastreamIDs[:i], b.obj.DatastreamIDs[i+1:]...)
			return
		}
	}
}

func nextVersionID(ds *Datastream) string {
	return ds.ID + "." + strconv.Itoa(len(ds.Versions))
}

// Snapshot freezes the builder into an immutable Object. The builder must
// not be used afterwards.
func (b *Builder) Snapshot() *Object {
	obj := b.obj
	b.obj = Object{}
	return &obj
}
