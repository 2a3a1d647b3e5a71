// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package search_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/fossil/internal/testcontext"
	"storj.io/fossil/pkg/fossil"
	"storj.io/fossil/pkg/search"
)

func indexedObject(pid fossil.PID, label string, dc string) *fossil.Object {
	b := fossil.NewBuilder()
	b.SetPID(pid)
	b.SetLabel(label)
	b.SetState(fossil.StateActive)
	if dc != "" {
		_ = b.AddDatastream(search.DCDatastreamID, true, fossil.DatastreamVersion{
			MIMEType:      "application/json",
			ControlGroup:  fossil.InlineXML,
			InlineContent: []byte(dc),
		})
	}
	return b.Snapshot()
}

func TestFindByField(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index, err := search.NewMemOnly(zaptest.NewLogger(t))
	require.NoError(t, err)
	defer ctx.Check(index.Close)

	require.NoError(t, index.Update(indexedObject("demo:1", "colonial florida maps",
		`{"identifier":["demo:1"],"title":["Maps of Colonial Florida"]}`)))
	require.NoError(t, index.Update(indexedObject("demo:2", "watercolors", "")))

	results, err := index.Find(ctx, `label:florida`, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, fossil.PID("demo:1"), results[0].PID)

	results, err = index.Find(ctx, `dc.title:colonial`, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, fossil.PID("demo:1"), results[0].PID)
}

func TestUpdateReplacesDocument(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index, err := search.NewMemOnly(zaptest.NewLogger(t))
	require.NoError(t, err)
	defer ctx.Check(index.Close)

	require.NoError(t, index.Update(indexedObject("demo:1", "first label", "")))
	require.NoError(t, index.Update(indexedObject("demo:1", "second label", "")))

	results, err := index.Find(ctx, `label:first`, 10)
	require.NoError(t, err)
	require.Empty(t, results)

	results, err = index.Find(ctx, `label:second`, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index, err := search.NewMemOnly(zaptest.NewLogger(t))
	require.NoError(t, err)
	defer ctx.Check(index.Close)

	require.NoError(t, index.Update(indexedObject("demo:1", "ephemeral", "")))
	require.NoError(t, index.Delete("demo:1"))

	results, err := index.Find(ctx, `label:ephemeral`, 10)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestOnDiskIndex(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("search", "index.bleve")

	index, err := search.Open(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	require.NoError(t, index.Update(indexedObject("demo:1", "persistent", "")))
	require.NoError(t, index.Close())

	// reopening finds the previously indexed document
	index, err = search.Open(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	defer ctx.Check(index.Close)

	results, err := index.Find(ctx, `label:persistent`, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}
