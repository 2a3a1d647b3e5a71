// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package relindex_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/fossil/internal/testcontext"
	"storj.io/fossil/pkg/fossil"
	"storj.io/fossil/pkg/relindex"
)

func openIndex(t *testing.T, ctx *testcontext.Context) *relindex.Index {
	index, err := relindex.Open(zaptest.NewLogger(t), ctx.File("relindex", "relindex.db"))
	require.NoError(t, err)
	return index
}

func deploymentObject(pid fossil.PID) *fossil.Object {
	b := fossil.NewBuilder()
	b.SetPID(pid)
	b.AddRelationship(fossil.Triple{
		Predicate: fossil.PredicateHasModel,
		Object:    fossil.ObjectURI(fossil.ModelServiceDeployment),
	})
	b.AddRelationship(fossil.Triple{
		Predicate: fossil.PredicateIsDeploymentOf,
		Object:    fossil.ObjectURI("demo:sdef"),
	})
	return b.Snapshot()
}

func TestAddQueryDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := openIndex(t, ctx)
	defer ctx.Check(index.Close)

	obj := deploymentObject("demo:dep")
	require.NoError(t, index.AddObject(obj))

	triples, err := index.TriplesFor("demo:dep")
	require.NoError(t, err)
	require.Len(t, triples, 2)
	// the implicit subject is filled in with the object's own URI
	require.Equal(t, fossil.ObjectURI("demo:dep"), triples[0].Subject)

	subjects, err := index.SubjectsOf(fossil.PredicateHasModel, fossil.ObjectURI(fossil.ModelServiceDeployment))
	require.NoError(t, err)
	require.Equal(t, []fossil.PID{"demo:dep"}, subjects)

	require.NoError(t, index.DeleteObject("demo:dep"))

	_, err = index.TriplesFor("demo:dep")
	require.True(t, fossil.ErrNotFound.Has(err))

	subjects, err = index.SubjectsOf(fossil.PredicateHasModel, fossil.ObjectURI(fossil.ModelServiceDeployment))
	require.NoError(t, err)
	require.Empty(t, subjects)
}

func TestModifyReplacesStaleLookups(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := openIndex(t, ctx)
	defer ctx.Check(index.Close)

	require.NoError(t, index.AddObject(deploymentObject("demo:dep")))

	// drop the isDeploymentOf assertion and reindex
	b := fossil.NewBuilder()
	b.SetPID("demo:dep")
	b.AddRelationship(fossil.Triple{
		Predicate: fossil.PredicateHasModel,
		Object:    fossil.ObjectURI(fossil.ModelServiceDeployment),
	})
	require.NoError(t, index.ModifyObject(b.Snapshot()))

	subjects, err := index.SubjectsOf(fossil.PredicateIsDeploymentOf, fossil.ObjectURI("demo:sdef"))
	require.NoError(t, err)
	require.Empty(t, subjects, "stale lookup entries must be removed")

	triples, err := index.TriplesFor("demo:dep")
	require.NoError(t, err)
	require.Len(t, triples, 1)
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := openIndex(t, ctx)
	defer ctx.Check(index.Close)

	require.NoError(t, index.DeleteObject("demo:never"))
}
