// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package server_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/fossil/internal/testcontext"
	"storj.io/fossil/pkg/objmanager"
	"storj.io/fossil/pkg/server"
)

func TestPeer(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := server.Config{DataDir: ctx.Dir("data")}

	peer, err := server.New(zaptest.NewLogger(t), config)
	require.NoError(t, err)

	writer, err := peer.Manager.GetIngestWriter(ctx,
		strings.NewReader(`{"pid": "demo:peer", "label": "wired up"}`),
		objmanager.IngestOptions{})
	require.NoError(t, err)
	require.NoError(t, writer.Commit(ctx, "first"))

	require.NoError(t, peer.Close())

	// Everything survives a restart from the same data directory.
	peer, err = server.New(zaptest.NewLogger(t), config)
	require.NoError(t, err)
	defer func() { require.NoError(t, peer.Close()) }()

	obj, err := peer.Manager.GetReader(ctx, "demo:peer")
	require.NoError(t, err)
	require.Equal(t, "wired up", obj.Label)

	results, err := peer.Manager.FindObjects(ctx, "label:wired", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestPeerCleansStaleStagingFiles(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := server.Config{DataDir: ctx.Dir("data")}

	// A staging file from a crashed process lingers in the temp dir.
	tempdir := filepath.Join(config.DataDir, "content", "tmp")
	require.NoError(t, os.MkdirAll(tempdir, 0700))
	stale := filepath.Join(tempdir, "blob-crashed.partial")
	require.NoError(t, os.WriteFile(stale, []byte("partial write"), 0600))

	peer, err := server.New(zaptest.NewLogger(t), config)
	require.NoError(t, err)
	defer func() { require.NoError(t, peer.Close()) }()

	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))
}
