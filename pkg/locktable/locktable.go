// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package locktable provides per-identifier mutual exclusion for object
// writers. Lock entries are created lazily and removed again once the hold
// count reaches zero and nobody waits, so the table stays bounded over the
// life of the server.
package locktable

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
)

// Error is the locktable error class.
var Error = errs.Class("locktable error")

// ErrNotHeld signals a release of a lock that nobody holds. This is a
// programming error on the caller's side.
var ErrNotHeld = errs.Class("lock not held")

// Table hands out one exclusive lock per identifier.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	// refs counts the holder plus every waiter; the entry is deleted when
	// refs drops to zero.
	refs int
	// sem has capacity one; holding the token is holding the lock.
	sem chan struct{}
	// holds is the re-entrant hold count of the current holder. Only the
	// holder touches it, under table.mu.
	holds int
}

// New creates an empty lock table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Held represents an acquired lock. The holder may re-acquire through Lock
// and must balance every acquisition with an Unlock.
type Held struct {
	table *Table
	id    string
}

// Lock blocks until the identifier's lock is free and returns a Held token.
func (table *Table) Lock(id string) *Held {
	held, _ := table.LockCtx(context.Background(), id)
	return held
}

// LockCtx is Lock that gives up waiting when ctx is done.
func (table *Table) LockCtx(ctx context.Context, id string) (*Held, error) {
	table.mu.Lock()
	e, ok := table.entries[id]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		table.entries[id] = e
	}
	e.refs++
	table.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		table.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(table.entries, id)
		}
		table.mu.Unlock()
		return nil, Error.Wrap(ctx.Err())
	}

	table.mu.Lock()
	e.holds = 1
	table.mu.Unlock()

	return &Held{table: table, id: id}, nil
}

// Lock re-acquires the already held lock. It never blocks.
func (held *Held) Lock() {
	table := held.table
	table.mu.Lock()
	defer table.mu.Unlock()
	if e, ok := table.entries[held.id]; ok {
		e.holds++
	}
}

// Unlock releases one hold of the lock.
func (held *Held) Unlock() error {
	return held.table.Unlock(held.id)
}

// Unlock releases one hold of the identifier's lock. Releasing an identifier
// that is not locked returns an ErrNotHeld error.
func (table *Table) Unlock(id string) error {
	table.mu.Lock()
	defer table.mu.Unlock()

	e, ok := table.entries[id]
	if !ok || e.holds == 0 {
		return ErrNotHeld.New("%q", id)
	}

	e.holds--
	if e.holds > 0 {
		return nil
	}

	<-e.sem
	e.refs--
	if e.refs == 0 {
		delete(table.entries, id)
	}
	return nil
}

// Len returns the number of live lock entries, for tests and monitoring.
func (table *Table) Len() int {
	table.mu.Lock()
	defer table.mu.Unlock()
	return len(table.entries)
}
