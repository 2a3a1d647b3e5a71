// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package registry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/fossil/internal/testcontext"
	"storj.io/fossil/pkg/deploymap"
	"storj.io/fossil/pkg/fossil"
	"storj.io/fossil/pkg/registry"
)

func openRegistry(t *testing.T, ctx *testcontext.Context) *registry.DB {
	db, err := registry.Open(zaptest.NewLogger(t), ctx.File("registry", "registry.db"))
	require.NoError(t, err)
	return db
}

func TestRegisterExistsDeregister(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	now := time.Now().UTC().Truncate(time.Millisecond)

	exists, err := db.Exists(ctx, "demo:1")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, db.Register(ctx, "demo:1", now))

	exists, err = db.Exists(ctx, "demo:1")
	require.NoError(t, err)
	require.True(t, exists)

	// duplicate registration reports the already-exists kind
	err = db.Register(ctx, "demo:1", now)
	require.Error(t, err)
	require.True(t, fossil.ErrAlreadyExists.Has(err))

	count, err := db.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	modified, err := db.LastModified(ctx)
	require.NoError(t, err)
	require.Equal(t, now, modified)

	require.NoError(t, db.WithTx(ctx, func(tx *registry.Tx) error {
		return tx.Deregister("demo:1")
	}))
	exists, err = db.Exists(ctx, "demo:1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestTouchIncrementsVersion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	start := time.Date(2019, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.Register(ctx, "demo:1", start))

	version, err := db.SystemVersion(ctx, "demo:1")
	require.NoError(t, err)
	require.EqualValues(t, 0, version)

	later := start.Add(time.Minute)
	require.NoError(t, db.WithTx(ctx, func(tx *registry.Tx) error {
		return tx.Touch("demo:1", later)
	}))

	version, err = db.SystemVersion(ctx, "demo:1")
	require.NoError(t, err)
	require.EqualValues(t, 1, version)

	modified, err := db.LastModified(ctx)
	require.NoError(t, err)
	require.Equal(t, later, modified)

	// touching an unknown pid fails and rolls the transaction back
	err = db.WithTx(ctx, func(tx *registry.Tx) error {
		return tx.Touch("demo:missing", later)
	})
	require.Error(t, err)
	require.True(t, fossil.ErrNotFound.Has(err))
}

func TestListPIDs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	now := time.Now()
	require.NoError(t, db.Register(ctx, "demo:b", now))
	require.NoError(t, db.Register(ctx, "demo:a", now))

	pids, err := db.ListPIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []fossil.PID{"demo:a", "demo:b"}, pids)
}

func TestDeploymentLedger(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	binding := deploymap.Context{ContentModel: "demo:cmodel", ServiceDefinition: "demo:sdef"}
	modified := time.Date(2019, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.WithTx(ctx, func(tx *registry.Tx) error {
		return tx.PutDeployment(binding, "demo:dep", modified)
	}))

	rows, err := db.AllDeployments()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, fossil.PID("demo:dep"), rows[0].ServiceDeployment)
	require.Equal(t, modified, rows[0].LastModified)

	// put is an upsert on the binding key
	require.NoError(t, db.WithTx(ctx, func(tx *registry.Tx) error {
		return tx.PutDeployment(binding, "demo:dep", modified.Add(time.Hour))
	}))
	rows, err = db.AllDeployments()
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, db.WithTx(ctx, func(tx *registry.Tx) error {
		return tx.RemoveDeployment(binding, "demo:dep")
	}))
	rows, err = db.AllDeployments()
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestGenerate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	pid, err := db.Generate(ctx, "demo")
	require.NoError(t, err)
	require.Equal(t, fossil.PID("demo:1"), pid)

	pid, err = db.Generate(ctx, "demo")
	require.NoError(t, err)
	require.Equal(t, fossil.PID("demo:2"), pid)

	// reserved pids are never issued
	require.NoError(t, db.NeverGenerate(ctx, "demo:3"))
	pid, err = db.Generate(ctx, "demo")
	require.NoError(t, err)
	require.Equal(t, fossil.PID("demo:4"), pid)

	_, err = db.Generate(ctx, "not a namespace")
	require.Error(t, err)
}
