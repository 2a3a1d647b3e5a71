// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package objmanager implements the digital-object lifecycle manager: it
// mediates every read, ingest, modify, and purge, coordinating the
// registry, content store, search index, relationship index, and reader
// cache under per-object write locks.
package objmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/fossil/pkg/deploymap"
	"storj.io/fossil/pkg/fossil"
	"storj.io/fossil/pkg/locktable"
	"storj.io/fossil/pkg/readercache"
	"storj.io/fossil/pkg/registry"
	"storj.io/fossil/pkg/relindex"
	"storj.io/fossil/pkg/search"
	"storj.io/fossil/pkg/translator"
	"storj.io/fossil/storage"
)

var (
	mon = monkit.Package()

	// Error is the objmanager error class.
	Error = errs.Class("objmanager error")
)

// Config configures the object manager.
type Config struct {
	PIDNamespace      string   `help:"namespace used for generated pids" default:"fossil"`
	RetainNamespaces  []string `help:"namespaces whose externally supplied pids are retained as-is"`
	UploadDir         string   `help:"directory for uploaded content awaiting ingest"`
	DebugVerifyCommit bool     `help:"round-trip verify every serialization before commit" default:"false"`
}

// Generator allocates persistent identifiers.
type Generator interface {
	// Generate allocates the next pid in the namespace.
	Generate(ctx context.Context, namespace string) (fossil.PID, error)
	// NeverGenerate marks an externally supplied pid so it is never reissued.
	NeverGenerate(ctx context.Context, pid fossil.PID) error
}

// Manager is the object lifecycle manager.
type Manager struct {
	log    *zap.Logger
	config Config

	registry    *registry.DB
	store       storage.Store
	hints       storage.HintProvider
	searchIndex *search.Index
	relIndex    *relindex.Index
	cache       *readercache.Cache
	locks       *locktable.Table
	deployments *deploymap.Map
	generator   Generator

	translator translator.Translator
	validator  translator.Validator

	uploads *uploadStore
}

// New creates an object manager around its collaborators. The deployment
// map is rebuilt from the registry.
func New(log *zap.Logger, config Config,
	reg *registry.DB, store storage.Store, hints storage.HintProvider,
	searchIndex *search.Index, relIndex *relindex.Index,
	cache *readercache.Cache, deployments *deploymap.Map,
	generator Generator, trans translator.Translator, validator translator.Validator,
) (*Manager, error) {
	if hints == nil {
		hints = storage.NoHints
	}
	uploads, err := newUploadStore(log.Named("uploads"), config.UploadDir)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	manager := &Manager{
		log:         log,
		config:      config,
		registry:    reg,
		store:       store,
		hints:       hints,
		searchIndex: searchIndex,
		relIndex:    relIndex,
		cache:       cache,
		locks:       locktable.New(),
		deployments: deployments,
		generator:   generator,
		translator:  trans,
		validator:   validator,
		uploads:     uploads,
	}
	if err := deployments.Rebuild(reg); err != nil {
		return nil, Error.Wrap(err)
	}
	return manager, nil
}

// GetReader returns the latest committed snapshot of the object. Reads do
// not take the write lock; a concurrent commit may supersede the snapshot.
func (m *Manager) GetReader(ctx context.Context, pid fossil.PID) (_ *fossil.Object, err error) {
	defer mon.Task()(&ctx)(&err)

	if obj, ok := m.cache.Get(pid); ok {
		return obj, nil
	}

	obj, err := m.loadObject(ctx, pid)
	if err != nil {
		return nil, err
	}
	m.cache.Put(pid, obj)
	return obj, nil
}

// loadObject fetches and deserializes the canonical serialization.
func (m *Manager) loadObject(ctx context.Context, pid fossil.PID) (*fossil.Object, error) {
	reader, err := m.store.RetrieveObject(ctx, pid.String())
	if err != nil {
		if storage.ErrNotExist.Has(err) {
			return nil, fossil.ErrNotFound.New("%s", pid)
		}
		return nil, fossil.ErrStorage.Wrap(err)
	}
	defer func() { _ = reader.Close() }()

	builder := fossil.NewBuilder()
	err = m.translator.Deserialize(reader, builder,
		translator.StorageFormat, translator.DefaultEncoding, translator.DeserializeInstance)
	if err != nil {
		return nil, err
	}
	return builder.Snapshot(), nil
}

// ObjectExists reports whether the pid exists. The registry is
// authoritative; the content store's existence probe is consulted as a
// consistency fallback and disagreement is logged.
func (m *Manager) ObjectExists(ctx context.Context, pid fossil.PID) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	registered, err := m.registry.Exists(ctx, pid)
	if err != nil {
		return false, err
	}
	if registered {
		return true, nil
	}

	if checker, ok := m.store.(storage.ExistenceChecker); ok {
		stored, err := checker.ObjectExists(ctx, pid.String())
		if err != nil {
			return false, fossil.ErrStorage.Wrap(err)
		}
		if stored {
			m.log.Warn("content store has an object the registry does not",
				zap.String("pid", pid.String()))
			return true, nil
		}
	}
	return false, nil
}

// ListPIDs returns every registered pid.
func (m *Manager) ListPIDs(ctx context.Context) (_ []fossil.PID, err error) {
	defer mon.Task()(&ctx)(&err)
	return m.registry.ListPIDs(ctx)
}

// FindObjects runs a field search query against the search index.
func (m *Manager) FindObjects(ctx context.Context, query string, limit int) (_ []search.Result, err error) {
	defer mon.Task()(&ctx)(&err)
	return m.searchIndex.Find(ctx, query, limit)
}

// GetNextPIDs allocates count new pids in the namespace (the configured
// namespace when empty).
func (m *Manager) GetNextPIDs(ctx context.Context, count int, namespace string) (_ []fossil.PID, err error) {
	defer mon.Task()(&ctx)(&err)

	if namespace == "" {
		namespace = m.config.PIDNamespace
	}
	if count <= 0 {
		count = 1
	}
	pids := make([]fossil.PID, 0, count)
	for i := 0; i < count; i++ {
		pid, err := m.generator.Generate(ctx, namespace)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// ReservePIDs marks externally supplied pids so the generator never issues
// them.
func (m *Manager) ReservePIDs(ctx context.Context, pids []fossil.PID) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, pid := range pids {
		if err := fossil.ParsePID(pid.String()); err != nil {
			return err
		}
		if err := m.generator.NeverGenerate(ctx, pid); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// RepositoryHash returns a cheap consistency fingerprint: the object count
// concatenated with the latest modification timestamp.
func (m *Manager) RepositoryHash(ctx context.Context) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	count, err := m.registry.Count(ctx)
	if err != nil {
		return "", err
	}
	modified, err := m.registry.LastModified(ctx)
	if err != nil {
		return "", err
	}
	millis := int64(0)
	if !modified.IsZero() {
		millis = modified.UnixMilli()
	}
	return strconv.FormatInt(count, 10) + ":" + strconv.FormatInt(millis, 10), nil
}

// LookupDeployment resolves the service deployment bound to the content
// model and service definition pair. ok is false when no committed
// deployment declares the pair.
func (m *Manager) LookupDeployment(ctx context.Context, contentModel, serviceDefinition fossil.PID) (_ fossil.PID, ok bool) {
	defer mon.Task()(&ctx)(nil)
	return m.deployments.Deployment(deploymap.Context{
		ContentModel:      contentModel,
		ServiceDefinition: serviceDefinition,
	})
}

// Upload stages content for a later ingest or modify-by-reference and
// returns its uploaded:// token.
func (m *Manager) Upload(ctx context.Context, data io.Reader) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)
	return m.uploads.Put(data)
}

// RetrieveDatastream opens the content of a datastream version; the empty
// versionID selects the latest version.
func (m *Manager) RetrieveDatastream(ctx context.Context, pid fossil.PID, dsID, versionID string) (_ io.ReadCloser, err error) {
	defer mon.Task()(&ctx)(&err)

	obj, err := m.GetReader(ctx, pid)
	if err != nil {
		return nil, err
	}
	ds := obj.Datastream(dsID)
	if ds == nil {
		return nil, fossil.ErrNotFound.New("%s/%s", pid, dsID)
	}
	version := ds.Latest()
	if versionID != "" {
		version = ds.Version(versionID)
	}
	if version == nil {
		return nil, fossil.ErrNotFound.New("%s/%s/%s", pid, dsID, versionID)
	}

	switch version.ControlGroup {
	case fossil.InlineXML:
		return io.NopCloser(bytes.NewReader(version.InlineContent)), nil
	case fossil.ManagedContent:
		reader, err := m.store.RetrieveDatastream(ctx, version.Location)
		if err != nil {
			if storage.ErrNotExist.Has(err) {
				return nil, fossil.ErrNotFound.New("%s/%s/%s", pid, dsID, version.ID)
			}
			return nil, fossil.ErrStorage.Wrap(err)
		}
		return reader, nil
	default:
		return nil, Error.New("datastream %s/%s is by reference: %s", pid, dsID, version.Location)
	}
}

// Close releases the manager's own resources. Collaborators are owned and
// closed by the peer.
func (m *Manager) Close() error {
	return m.uploads.Close()
}

// checkObject runs object-level validation across datastreams and
// relationships before registration and before every commit.
func (m *Manager) checkObject(builder *fossil.Builder) error {
	pid := builder.PID()
	if err := fossil.ParsePID(pid.String()); err != nil {
		return err
	}
	if builder.State() == fossil.StateUnset {
		return fossil.ErrValidation.New("object %s has no state", pid)
	}
	for _, dsID := range builder.DatastreamIDs() {
		ds := builder.Datastream(dsID)
		if len(ds.Versions) == 0 {
			return fossil.ErrIntegrity.New("datastream %s/%s has no versions", pid, dsID)
		}
		seen := map[string]bool{}
		for i := range ds.Versions {
			version := &ds.Versions[i]
			if version.ID == "" {
				return fossil.ErrIntegrity.New("datastream %s/%s has a version without id", pid, dsID)
			}
			if seen[version.ID] {
				return fossil.ErrIntegrity.New("datastream %s/%s has duplicate version %q", pid, dsID, version.ID)
			}
			seen[version.ID] = true
			if version.ControlGroup == fossil.ManagedContent && version.Location == "" {
				return fossil.ErrValidation.New("managed version %s/%s/%s has no location", pid, dsID, version.ID)
			}
			// Inline content must survive the storage codec unchanged,
			// which requires it to be valid JSON.
			if version.ControlGroup == fossil.InlineXML && len(version.InlineContent) > 0 && !json.Valid(version.InlineContent) {
				return fossil.ErrValidation.New("inline version %s/%s/%s carries invalid content", pid, dsID, version.ID)
			}
		}
	}
	return nil
}

func pidField(pid fossil.PID) zap.Field {
	return zap.String("pid", pid.String())
}
