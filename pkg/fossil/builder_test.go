// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package fossil_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/fossil/pkg/fossil"
)

func TestBuilderSnapshotIsolation(t *testing.T) {
	b := fossil.NewBuilder()
	b.SetPID("demo:1")
	b.SetState(fossil.StateActive)
	require.NoError(t, b.AddDatastream("DC", true, fossil.DatastreamVersion{
		MIMEType:      "text/xml",
		ControlGroup:  fossil.InlineXML,
		InlineContent: []byte("<dc/>"),
	}))
	obj := b.Snapshot()

	// editing through a new builder must not leak into the old snapshot
	edit := fossil.BuilderOf(obj)
	require.NoError(t, edit.AddDatastreamVersion("DC", fossil.DatastreamVersion{
		MIMEType:      "text/xml",
		ControlGroup:  fossil.InlineXML,
		InlineContent: []byte("<dc>changed</dc>"),
	}))
	edit.SetLabel("changed")

	require.Equal(t, "", obj.Label)
	require.Len(t, obj.Datastream("DC").Versions, 1)

	changed := edit.Snapshot()
	require.Equal(t, "changed", changed.Label)
	require.Len(t, changed.Datastream("DC").Versions, 2)
	require.Equal(t, "DC.1", changed.Datastream("DC").Latest().ID)
}

func TestBuilderNonVersionableReplaces(t *testing.T) {
	b := fossil.NewBuilder()
	b.SetPID("demo:1")
	require.NoError(t, b.AddDatastream("DS1", false, fossil.DatastreamVersion{
		ID:           "DS1.0",
		ControlGroup: fossil.ManagedContent,
		Location:     "uploaded://abc",
		LocationType: fossil.LocationURL,
	}))
	require.NoError(t, b.AddDatastreamVersion("DS1", fossil.DatastreamVersion{
		ID:           "DS1.1",
		ControlGroup: fossil.ManagedContent,
		Location:     "uploaded://def",
		LocationType: fossil.LocationURL,
	}))

	obj := b.Snapshot()
	ds := obj.Datastream("DS1")
	require.Len(t, ds.Versions, 1)
	require.Equal(t, "DS1.1", ds.Versions[0].ID)
}

func TestBuilderPurgeVersions(t *testing.T) {
	base := time.Date(2019, 5, 1, 12, 0, 0, 0, time.UTC)

	b := fossil.NewBuilder()
	b.SetPID("demo:1")
	require.NoError(t, b.AddDatastream("DS1", true, fossil.DatastreamVersion{ID: "DS1.0", Created: base}))
	require.NoError(t, b.AddDatastreamVersion("DS1", fossil.DatastreamVersion{ID: "DS1.1", Created: base.Add(time.Hour)}))
	require.NoError(t, b.AddDatastreamVersion("DS1", fossil.DatastreamVersion{ID: "DS1.2", Created: base.Add(2 * time.Hour)}))

	dropped, err := b.PurgeDatastreamVersions("DS1", base.Add(time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"DS1.1"}, dropped)

	// dropping the remaining versions removes the datastream
	dropped, err = b.PurgeDatastreamVersions("DS1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, []string{"DS1.0", "DS1.2"}, dropped)

	obj := b.Snapshot()
	require.Nil(t, obj.Datastream("DS1"))
	require.Empty(t, obj.DatastreamIDs)
}

func TestRelationships(t *testing.T) {
	b := fossil.NewBuilder()
	b.SetPID("demo:dep")
	rel := fossil.Triple{
		Predicate: fossil.PredicateHasModel,
		Object:    fossil.ObjectURI(fossil.ModelServiceDeployment),
	}
	require.True(t, b.AddRelationship(rel))
	require.False(t, b.AddRelationship(rel), "duplicate triples are ignored")

	b.AddRelationship(fossil.Triple{
		Predicate: fossil.PredicateIsDeploymentOf,
		Object:    fossil.ObjectURI("demo:sdef"),
	})
	b.AddRelationship(fossil.Triple{
		Predicate: fossil.PredicateIsContractorOf,
		Object:    fossil.ObjectURI("demo:cmodel"),
	})

	obj := b.Snapshot()
	require.True(t, obj.HasModel(fossil.ModelServiceDeployment))

	models, defs := fossil.DeploymentTargets(obj)
	require.Equal(t, []fossil.PID{"demo:cmodel"}, models)
	require.Equal(t, []fossil.PID{"demo:sdef"}, defs)
}
