// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package deploymap maintains the in-memory lookup table from
// (content model, service definition) contexts to the service deployment
// that implements them. The table is rebuilt from the registry at startup
// and kept current by the object manager on every commit and purge of a
// service-deployment object.
package deploymap

import (
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/fossil/pkg/fossil"
)

// Error is the deploymap error class.
var Error = errs.Class("deploymap error")

// Context identifies a service binding: a content model paired with a
// service definition.
type Context struct {
	ContentModel      fossil.PID
	ServiceDefinition fossil.PID
}

// Map is the deployment lookup table. It has its own synchronization,
// distinct from the per-object lock table: one object commit may touch
// several contexts while holding only its own object lock.
type Map struct {
	log *zap.Logger

	mu       sync.Mutex
	forward  map[Context]map[fossil.PID]time.Time
	backward map[fossil.PID]map[Context]struct{}
}

// New creates an empty deployment map.
func New(log *zap.Logger) *Map {
	return &Map{
		log:      log,
		forward:  make(map[Context]map[fossil.PID]time.Time),
		backward: make(map[fossil.PID]map[Context]struct{}),
	}
}

// Registry is the slice of the registry the map rebuilds from.
type Registry interface {
	AllDeployments() ([]DeploymentRow, error)
}

// DeploymentRow is one row of the registry's deployment ledger.
type DeploymentRow struct {
	ContentModel      fossil.PID
	ServiceDefinition fossil.PID
	ServiceDeployment fossil.PID
	LastModified      time.Time
}

// Rebuild replaces the table contents with the registry's deployment rows.
func (m *Map) Rebuild(registry Registry) error {
	rows, err := registry.AllDeployments()
	if err != nil {
		return Error.Wrap(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.forward = make(map[Context]map[fossil.PID]time.Time)
	m.backward = make(map[fossil.PID]map[Context]struct{})
	for _, row := range rows {
		m.putLocked(Context{row.ContentModel, row.ServiceDefinition}, row.ServiceDeployment, row.LastModified)
	}
	m.log.Debug("deployment map rebuilt", zap.Int("rows", len(rows)))
	return nil
}

// Put records that deployment serves ctx, with the deployment object's
// last-modified timestamp used for tie-breaking.
func (m *Map) Put(ctx Context, deployment fossil.PID, lastModified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(ctx, deployment, lastModified)
}

func (m *Map) putLocked(ctx Context, deployment fossil.PID, lastModified time.Time) {
	deployments, ok := m.forward[ctx]
	if !ok {
		deployments = make(map[fossil.PID]time.Time)
		m.forward[ctx] = deployments
	}
	deployments[deployment] = lastModified

	contexts, ok := m.backward[deployment]
	if !ok {
		contexts = make(map[Context]struct{})
		m.backward[deployment] = contexts
	}
	contexts[ctx] = struct{}{}
}

// Remove forgets that deployment serves ctx.
func (m *Map) Remove(ctx Context, deployment fossil.PID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if deployments, ok := m.forward[ctx]; ok {
		delete(deployments, deployment)
		if len(deployments) == 0 {
			delete(m.forward, ctx)
		}
	}
	if contexts, ok := m.backward[deployment]; ok {
		delete(contexts, ctx)
		if len(contexts) == 0 {
			delete(m.backward, deployment)
		}
	}
}

// Deployment returns the deployment serving ctx. When several deployments
// claim the same context the one with the earliest modification date wins;
// ties beyond that are arbitrary but logged.
func (m *Map) Deployment(ctx Context) (fossil.PID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deployments, ok := m.forward[ctx]
	if !ok || len(deployments) == 0 {
		return "", false
	}

	var winner fossil.PID
	var winnerTime time.Time
	first := true
	for pid, modified := range deployments {
		switch {
		case first:
			winner, winnerTime, first = pid, modified, false
		case modified.Before(winnerTime):
			winner, winnerTime = pid, modified
		case modified.Equal(winnerTime) && pid < winner:
			// deterministic pick among exact timestamp ties
			winner = pid
		}
	}
	if len(deployments) > 1 {
		m.log.Warn("multiple deployments for context. Using the one with the EARLIEST modification date.",
			zap.String("contentModel", ctx.ContentModel.String()),
			zap.String("serviceDefinition", ctx.ServiceDefinition.String()),
			zap.String("chosen", winner.String()),
			zap.Int("candidates", len(deployments)))
	}
	return winner, true
}

// ContextsFor returns every context the deployment serves.
func (m *Map) ContextsFor(deployment fossil.PID) []Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	contexts := m.backward[deployment]
	out := make([]Context, 0, len(contexts))
	for ctx := range contexts {
		out = append(out, ctx)
	}
	return out
}

// ContextsOf derives the set of contexts a service-deployment object binds
// through its relationships: the cross product of its contractor content
// models and the service definitions it deploys. Objects that do not assert
// the service-deployment content model bind nothing, no matter what
// relationships they carry.
func ContextsOf(obj *fossil.Object) []Context {
	if !obj.HasModel(fossil.ModelServiceDeployment) {
		return nil
	}
	models, definitions := fossil.DeploymentTargets(obj)
	var out []Context
	for _, model := range models {
		for _, def := range definitions {
			out = append(out, Context{ContentModel: model, ServiceDefinition: def})
		}
	}
	return out
}

// Diff computes which contexts must be added and which removed, going from
// the old binding set to the new one.
func Diff(oldContexts, newContexts []Context) (added, removed []Context) {
	oldSet := make(map[Context]struct{}, len(oldContexts))
	for _, ctx := range oldContexts {
		oldSet[ctx] = struct{}{}
	}
	newSet := make(map[Context]struct{}, len(newContexts))
	for _, ctx := range newContexts {
		newSet[ctx] = struct{}{}
		if _, ok := oldSet[ctx]; !ok {
			added = append(added, ctx)
		}
	}
	for _, ctx := range oldContexts {
		if _, ok := newSet[ctx]; !ok {
			removed = append(removed, ctx)
		}
	}
	return added, removed
}
