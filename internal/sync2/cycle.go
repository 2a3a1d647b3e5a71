// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information

package sync2

import (
	"context"
	"sync"
	"time"
)

// Cycle implements a controllable recurring event, used to drive periodic
// sweeps such as cache expiry.
type Cycle struct {
	interval time.Duration

	init     sync.Once
	control  chan interface{}
	stop     chan struct{}
	stopOnce sync.Once
}

type cycleTrigger struct {
	done chan struct{}
}

// NewCycle creates a new cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	return &Cycle{interval: interval}
}

// SetInterval allows to change the interval before starting.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.interval = interval
}

func (cycle *Cycle) initialize() {
	cycle.init.Do(func() {
		cycle.control = make(chan interface{})
		cycle.stop = make(chan struct{})
	})
}

// Run calls fn on every interval tick until fn fails, Stop is called or the
// context is canceled. fn is called once immediately on start.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.initialize()
	select {
	case <-cycle.stop:
		return nil
	default:
	}

	ticker := time.NewTicker(cycle.interval)
	defer ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}

		case message := <-cycle.control:
			if trigger, ok := message.(cycleTrigger); ok {
				if err := fn(ctx); err != nil {
					return err
				}
				if trigger.done != nil {
					close(trigger.done)
				}
			}

		case <-cycle.stop:
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop stops the cycle permanently. It is safe to call whether or not the
// cycle is running.
func (cycle *Cycle) Stop() {
	cycle.initialize()
	cycle.stopOnce.Do(func() { close(cycle.stop) })
}

// Trigger ensures that the loop is run at least once.
// If it's currently running it waits for the previous to complete and then runs.
func (cycle *Cycle) Trigger() {
	cycle.initialize()
	select {
	case cycle.control <- cycleTrigger{}:
	case <-cycle.stop:
	}
}

// TriggerWait ensures that the loop is run at least once and waits for
// completion.
func (cycle *Cycle) TriggerWait() {
	cycle.initialize()
	done := make(chan struct{})
	select {
	case cycle.control <- cycleTrigger{done}:
	case <-cycle.stop:
		return
	}
	select {
	case <-done:
	case <-cycle.stop:
	}
}
