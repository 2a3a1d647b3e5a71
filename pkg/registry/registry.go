// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package registry implements the durable ledger of which identifiers
// exist, their commit version counters, and the content-model to
// service-deployment associations. The registry is the authoritative
// existence predicate for objects.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/fossil/pkg/deploymap"
	"storj.io/fossil/pkg/fossil"
)

// Error is the registry error class.
var Error = errs.Class("registry error")

// DB is the sqlite-backed registry.
type DB struct {
	log *zap.Logger
	db  *sql.DB
}

// Open opens (and creates, if needed) the registry database at path.
func Open(log *zap.Logger, path string) (*DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal=WAL&_busy_timeout=10000")
	if err != nil {
		return nil, Error.Wrap(err)
	}

	registry := &DB{log: log, db: db}
	if err := registry.createTables(); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	log.Debug("registry opened", zap.String("path", path))
	return registry, nil
}

func (registry *DB) createTables() error {
	_, err := registry.db.Exec(`
		CREATE TABLE IF NOT EXISTS objects (
			pid            TEXT PRIMARY KEY,
			system_version INTEGER NOT NULL DEFAULT 0,
			modified       INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS deployments (
			content_model TEXT NOT NULL,
			service_def   TEXT NOT NULL,
			service_dep   TEXT NOT NULL,
			modified      INTEGER NOT NULL,
			PRIMARY KEY (content_model, service_def, service_dep)
		);
		CREATE TABLE IF NOT EXISTS pid_counter (
			namespace TEXT PRIMARY KEY,
			next      INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS reserved_pids (
			pid TEXT PRIMARY KEY
		);
	`)
	return err
}

// Close closes the database.
func (registry *DB) Close() error {
	return Error.Wrap(registry.db.Close())
}

// Exists reports whether the pid has a registry row.
func (registry *DB) Exists(ctx context.Context, pid fossil.PID) (bool, error) {
	var one int
	err := registry.db.QueryRowContext(ctx,
		`SELECT 1 FROM objects WHERE pid = ?`, pid.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fossil.ErrStorage.Wrap(err)
	}
	return true, nil
}

// Register creates the ledger row for a new pid.
func (registry *DB) Register(ctx context.Context, pid fossil.PID, now time.Time) error {
	_, err := registry.db.ExecContext(ctx,
		`INSERT INTO objects (pid, system_version, modified) VALUES (?, 0, ?)`,
		pid.String(), now.UnixMilli())
	if err != nil {
		if isConstraintViolation(err) {
			return fossil.ErrAlreadyExists.New("%s", pid)
		}
		return fossil.ErrStorage.Wrap(err)
	}
	return nil
}

// Count returns the number of registered objects.
func (registry *DB) Count(ctx context.Context) (int64, error) {
	var count int64
	err := registry.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects`).Scan(&count)
	return count, fossil.ErrStorage.Wrap(err)
}

// LastModified returns the latest commit timestamp across all objects, or
// the zero time for an empty repository.
func (registry *DB) LastModified(ctx context.Context) (time.Time, error) {
	var millis sql.NullInt64
	err := registry.db.QueryRowContext(ctx, `SELECT MAX(modified) FROM objects`).Scan(&millis)
	if err != nil {
		return time.Time{}, fossil.ErrStorage.Wrap(err)
	}
	if !millis.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(millis.Int64).UTC(), nil
}

// SystemVersion returns the commit counter of the pid.
func (registry *DB) SystemVersion(ctx context.Context, pid fossil.PID) (int64, error) {
	var version int64
	err := registry.db.QueryRowContext(ctx,
		`SELECT system_version FROM objects WHERE pid = ?`, pid.String()).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, fossil.ErrNotFound.New("%s", pid)
	}
	return version, fossil.ErrStorage.Wrap(err)
}

// ListPIDs returns every registered pid in lexical order.
func (registry *DB) ListPIDs(ctx context.Context) ([]fossil.PID, error) {
	rows, err := registry.db.QueryContext(ctx, `SELECT pid FROM objects ORDER BY pid`)
	if err != nil {
		return nil, fossil.ErrStorage.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var pids []fossil.PID
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, fossil.ErrStorage.Wrap(err)
		}
		pids = append(pids, fossil.PID(pid))
	}
	return pids, fossil.ErrStorage.Wrap(rows.Err())
}

// AllDeployments returns the deployment ledger for the deployment map
// rebuild at startup.
func (registry *DB) AllDeployments() ([]deploymap.DeploymentRow, error) {
	rows, err := registry.db.Query(
		`SELECT content_model, service_def, service_dep, modified FROM deployments`)
	if err != nil {
		return nil, fossil.ErrStorage.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []deploymap.DeploymentRow
	for rows.Next() {
		var model, def, dep string
		var millis int64
		if err := rows.Scan(&model, &def, &dep, &millis); err != nil {
			return nil, fossil.ErrStorage.Wrap(err)
		}
		out = append(out, deploymap.DeploymentRow{
			ContentModel:      fossil.PID(model),
			ServiceDefinition: fossil.PID(def),
			ServiceDeployment: fossil.PID(dep),
			LastModified:      time.UnixMilli(millis).UTC(),
		})
	}
	return out, fossil.ErrStorage.Wrap(rows.Err())
}

// Tx is a registry transaction. Registry updates that must stay consistent
// with deployment map updates execute inside one Tx.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a database transaction, committing on success and
// rolling back on failure.
func (registry *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := registry.db.BeginTx(ctx, nil)
	if err != nil {
		return fossil.ErrStorage.Wrap(err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		return errs.Combine(err, tx.Rollback())
	}
	return fossil.ErrStorage.Wrap(tx.Commit())
}

// Touch increments the pid's commit counter and stamps its modification
// time.
func (tx *Tx) Touch(pid fossil.PID, now time.Time) error {
	res, err := tx.tx.Exec(
		`UPDATE objects SET system_version = system_version + 1, modified = ? WHERE pid = ?`,
		now.UnixMilli(), pid.String())
	if err != nil {
		return fossil.ErrStorage.Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fossil.ErrStorage.Wrap(err)
	}
	if affected == 0 {
		return fossil.ErrNotFound.New("%s", pid)
	}
	return nil
}

// Deregister removes the pid's ledger row.
func (tx *Tx) Deregister(pid fossil.PID) error {
	_, err := tx.tx.Exec(`DELETE FROM objects WHERE pid = ?`, pid.String())
	return fossil.ErrStorage.Wrap(err)
}

// PutDeployment records a deployment binding.
func (tx *Tx) PutDeployment(ctx deploymap.Context, deployment fossil.PID, modified time.Time) error {
	_, err := tx.tx.Exec(
		`INSERT INTO deployments (content_model, service_def, service_dep, modified)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (content_model, service_def, service_dep) DO UPDATE SET modified = excluded.modified`,
		ctx.ContentModel.String(), ctx.ServiceDefinition.String(), deployment.String(), modified.UnixMilli())
	return fossil.ErrStorage.Wrap(err)
}

// RemoveDeployment removes a deployment binding.
func (tx *Tx) RemoveDeployment(ctx deploymap.Context, deployment fossil.PID) error {
	_, err := tx.tx.Exec(
		`DELETE FROM deployments WHERE content_model = ? AND service_def = ? AND service_dep = ?`,
		ctx.ContentModel.String(), ctx.ServiceDefinition.String(), deployment.String())
	return fossil.ErrStorage.Wrap(err)
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
