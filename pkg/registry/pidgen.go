// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package registry

import (
	"context"
	"database/sql"
	"strconv"

	"storj.io/fossil/pkg/fossil"
)

// Generate allocates the next pid in the namespace, skipping identifiers
// that were reserved so they are never reissued.
func (registry *DB) Generate(ctx context.Context, namespace string) (fossil.PID, error) {
	if err := fossil.ValidateNamespace(namespace); err != nil {
		return "", err
	}

	var pid fossil.PID
	err := registry.WithTx(ctx, func(tx *Tx) error {
		for {
			next, err := tx.nextCounter(namespace)
			if err != nil {
				return err
			}
			candidate := fossil.PID(namespace + ":" + strconv.FormatInt(next, 10))

			reserved, err := tx.isReserved(candidate)
			if err != nil {
				return err
			}
			if !reserved {
				pid = candidate
				return nil
			}
		}
	})
	return pid, err
}

// NeverGenerate marks an externally supplied pid so the generator never
// issues it.
func (registry *DB) NeverGenerate(ctx context.Context, pid fossil.PID) error {
	_, err := registry.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO reserved_pids (pid) VALUES (?)`, pid.String())
	return fossil.ErrStorage.Wrap(err)
}

func (tx *Tx) nextCounter(namespace string) (int64, error) {
	var next int64
	err := tx.tx.QueryRow(
		`SELECT next FROM pid_counter WHERE namespace = ?`, namespace).Scan(&next)
	switch {
	case err == sql.ErrNoRows:
		next = 1
		if _, err := tx.tx.Exec(
			`INSERT INTO pid_counter (namespace, next) VALUES (?, 2)`, namespace); err != nil {
			return 0, fossil.ErrStorage.Wrap(err)
		}
	case err != nil:
		return 0, fossil.ErrStorage.Wrap(err)
	default:
		if _, err := tx.tx.Exec(
			`UPDATE pid_counter SET next = next + 1 WHERE namespace = ?`, namespace); err != nil {
			return 0, fossil.ErrStorage.Wrap(err)
		}
	}
	return next, nil
}

func (tx *Tx) isReserved(pid fossil.PID) (bool, error) {
	var one int
	err := tx.tx.QueryRow(
		`SELECT 1 FROM reserved_pids WHERE pid = ?`, pid.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fossil.ErrStorage.Wrap(err)
	}
	return true, nil
}
