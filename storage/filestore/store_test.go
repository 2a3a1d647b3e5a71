// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package filestore_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/fossil/internal/testcontext"
	"storj.io/fossil/storage"
	"storj.io/fossil/storage/filestore"
)

func TestStoreLoad(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := filestore.NewAt(zaptest.NewLogger(t), ctx.Dir("store"))
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	data := []byte("object serialization bytes")

	require.NoError(t, store.AddObject(ctx, "demo:1", bytes.NewReader(data), nil))

	// adding under a present key must fail with the already-exists kind
	err = store.AddObject(ctx, "demo:1", bytes.NewReader(data), nil)
	require.Error(t, err)
	require.True(t, storage.ErrExists.Has(err))

	// replace succeeds and becomes visible
	replaced := []byte("replaced bytes")
	require.NoError(t, store.ReplaceObject(ctx, "demo:1", bytes.NewReader(replaced), nil))

	reader, err := store.RetrieveObject(ctx, "demo:1")
	require.NoError(t, err)
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	require.Equal(t, replaced, got)

	size, err := func() (int64, error) {
		r, err := store.RetrieveObject(ctx, "demo:1")
		if err != nil {
			return 0, err
		}
		defer ctx.Check(r.Close)
		return r.Size()
	}()
	require.NoError(t, err)
	require.Equal(t, int64(len(replaced)), size)

	exists, err := store.ObjectExists(ctx, "demo:1")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, store.RemoveObject(ctx, "demo:1"))

	_, err = store.RetrieveObject(ctx, "demo:1")
	require.Error(t, err)
	require.True(t, storage.ErrNotExist.Has(err))

	exists, err = store.ObjectExists(ctx, "demo:1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDatastreamTokens(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := filestore.NewAt(zaptest.NewLogger(t), ctx.Dir("store"))
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	data := bytes.Repeat([]byte{42}, 100)
	token := "demo:1+DS1+DS1.0"

	require.NoError(t, store.AddDatastream(ctx, token, bytes.NewReader(data), storage.Hints{"tier": "fast"}))

	reader, err := store.RetrieveDatastream(ctx, token)
	require.NoError(t, err)
	size, err := reader.Size()
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	require.Equal(t, int64(100), size)

	require.NoError(t, store.RemoveDatastream(ctx, token))
	err = store.RemoveDatastream(ctx, token)
	require.True(t, storage.ErrNotExist.Has(err))
}

func TestGarbageCollect(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	dir, err := filestore.NewDir(ctx.Dir("store"))
	require.NoError(t, err)

	// simulate a crash mid-write: a staging file that never got committed
	file, err := dir.CreateTemporaryFile()
	require.NoError(t, err)
	_, err = file.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, file.Close())

	store := filestore.New(zaptest.NewLogger(t), dir)
	require.NoError(t, store.GarbageCollect(ctx))

	require.NoError(t, store.AddObject(ctx, "demo:1", bytes.NewReader([]byte("x")), nil))
	exists, err := store.ObjectExists(ctx, "demo:1")
	require.NoError(t, err)
	require.True(t, exists)
}
