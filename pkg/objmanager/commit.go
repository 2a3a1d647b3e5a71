// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package objmanager

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"storj.io/fossil/pkg/deploymap"
	"storj.io/fossil/pkg/fossil"
	"storj.io/fossil/pkg/registry"
	"storj.io/fossil/pkg/translator"
	"storj.io/fossil/storage"
)

// Location schemes resolvable during commit, besides UploadScheme.
const (
	// CopyScheme reuses the bytes of an already stored version, named by
	// its managed token.
	CopyScheme = "copy://"
	// TempScheme reads a file path on the server.
	TempScheme = "temp://"
)

// StageResult reports the outcome of one stage of a removal. Removal is
// best-effort: failed stages are reported, not retried or rolled back.
type StageResult struct {
	Stage string
	Err   error
}

// commit publishes the writer's accumulated state.
func (m *Manager) commit(ctx context.Context, w *Writer) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := m.checkObject(w.builder); err != nil {
		return err
	}
	obj := w.builder.Snapshot()
	now := time.Now().UTC()

	defer func() {
		if err != nil && w.isNew {
			// A freshly ingested object must not linger half-committed.
			for _, stage := range m.removeAll(ctx, obj) {
				m.log.Warn("cleanup stage failed after aborted ingest",
					pidField(obj.PID),
					zap.String("stage", stage.Stage),
					zap.Error(stage.Err))
			}
		}
	}()

	consumed, err := m.materializeContent(ctx, obj)
	if err != nil {
		return err
	}

	if !w.isNew {
		m.removeStaleBlobs(ctx, w.old, obj)
	}

	if obj.Created.IsZero() {
		obj.Created = now
	}
	obj.LastModified = now

	var serialized bytes.Buffer
	err = m.translator.Serialize(obj, &serialized,
		translator.StorageFormat, translator.DefaultEncoding, translator.SerializeStorage)
	if err != nil {
		return err
	}
	if m.config.DebugVerifyCommit {
		if err := m.verifyRoundTrip(obj, serialized.Bytes()); err != nil {
			return err
		}
	}

	if w.isNew {
		err = m.relIndex.AddObject(obj)
	} else {
		err = m.relIndex.ModifyObject(obj)
	}
	if err != nil {
		return err
	}

	hints := m.hints(obj.PID.String())
	if w.isNew {
		err = m.store.AddObject(ctx, obj.PID.String(), bytes.NewReader(serialized.Bytes()), hints)
		if storage.ErrExists.Has(err) {
			m.log.Warn("content store already had an unregistered object; replacing",
				pidField(obj.PID))
			err = m.store.ReplaceObject(ctx, obj.PID.String(), bytes.NewReader(serialized.Bytes()), hints)
		}
	} else {
		err = m.store.ReplaceObject(ctx, obj.PID.String(), bytes.NewReader(serialized.Bytes()), hints)
	}
	if err != nil {
		return fossil.ErrStorage.Wrap(err)
	}

	m.cache.Remove(obj.PID)

	oldContexts := []deploymap.Context(nil)
	if w.old != nil {
		oldContexts = deploymap.ContextsOf(w.old)
	}
	newContexts := deploymap.ContextsOf(obj)
	_, removed := deploymap.Diff(oldContexts, newContexts)

	err = m.registry.WithTx(ctx, func(tx *registry.Tx) error {
		if err := tx.Touch(obj.PID, now); err != nil {
			return err
		}
		for _, dctx := range removed {
			if err := tx.RemoveDeployment(dctx, obj.PID); err != nil {
				return err
			}
		}
		for _, dctx := range newContexts {
			if err := tx.PutDeployment(dctx, obj.PID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, dctx := range removed {
		m.deployments.Remove(dctx, obj.PID)
	}
	for _, dctx := range newContexts {
		m.deployments.Put(dctx, obj.PID, now)
	}

	if err := m.searchIndex.Update(obj); err != nil {
		return err
	}

	for _, token := range consumed {
		m.uploads.Consume(token)
	}

	m.log.Info("object committed", pidField(obj.PID),
		zap.Bool("new", w.isNew),
		zap.String("message", w.message))
	return nil
}

// materializeContent copies every managed version whose location is still
// external into the content store and rewrites the location to the derived
// token. It returns the upload tokens to consume once the commit sticks.
func (m *Manager) materializeContent(ctx context.Context, obj *fossil.Object) (consumed []string, err error) {
	for _, dsID := range obj.DatastreamIDs {
		ds := obj.Datastreams[dsID]
		for i := range ds.Versions {
			version := &ds.Versions[i]
			if version.ControlGroup != fossil.ManagedContent ||
				version.LocationType == fossil.LocationInternal {
				continue
			}

			source, err := m.resolveContent(ctx, version.Location)
			if err != nil {
				return consumed, err
			}
			counting := &countingReader{reader: source}
			token := fossil.ManagedToken(obj.PID, dsID, version.ID)

			err = m.store.AddDatastream(ctx, token, counting, m.hints(token))
			if storage.ErrExists.Has(err) {
				// Re-resolve: the first attempt consumed the reader.
				_ = source.Close()
				source, err = m.resolveContent(ctx, version.Location)
				if err != nil {
					return consumed, err
				}
				counting = &countingReader{reader: source}
				err = m.store.ReplaceDatastream(ctx, token, counting, m.hints(token))
			}
			closeErr := source.Close()
			if err != nil {
				return consumed, fossil.ErrStorage.Wrap(err)
			}
			if closeErr != nil {
				return consumed, fossil.ErrStorage.Wrap(closeErr)
			}

			if strings.HasPrefix(version.Location, UploadScheme) {
				consumed = append(consumed, version.Location)
			}
			version.Location = token
			version.LocationType = fossil.LocationInternal
			version.Size = counting.count
		}
	}
	return consumed, nil
}

// resolveContent opens the bytes behind a not-yet-internal location.
func (m *Manager) resolveContent(ctx context.Context, location string) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(location, UploadScheme):
		return m.uploads.Open(location)

	case strings.HasPrefix(location, CopyScheme):
		reader, err := m.store.RetrieveDatastream(ctx, strings.TrimPrefix(location, CopyScheme))
		if err != nil {
			if storage.ErrNotExist.Has(err) {
				return nil, fossil.ErrNotFound.New("copy source %s", location)
			}
			return nil, fossil.ErrStorage.Wrap(err)
		}
		return reader, nil

	case strings.HasPrefix(location, TempScheme):
		file, err := os.Open(strings.TrimPrefix(location, TempScheme))
		if err != nil {
			return nil, fossil.ErrStorage.Wrap(err)
		}
		return file, nil

	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fossil.ErrStorage.Wrap(err)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fossil.ErrStorage.New("fetching %s: %s", location, resp.Status)
		}
		return resp.Body, nil

	default:
		return nil, fossil.ErrValidation.New("unresolvable content location %q", location)
	}
}

// removeStaleBlobs deletes stored content for managed versions that the
// new state no longer carries. Versions are matched by creation timestamp
// within their datastream. Deletion failures are logged and skipped;
// readers never see the stale blobs again either way.
func (m *Manager) removeStaleBlobs(ctx context.Context, old, updated *fossil.Object) {
	keepTokens := map[string]bool{}
	keepVersions := map[string]map[time.Time]bool{}
	for _, dsID := range updated.DatastreamIDs {
		ds := updated.Datastreams[dsID]
		created := map[time.Time]bool{}
		for i := range ds.Versions {
			version := &ds.Versions[i]
			created[version.Created] = true
			if version.ControlGroup == fossil.ManagedContent {
				keepTokens[fossil.ManagedToken(updated.PID, dsID, version.ID)] = true
			}
		}
		keepVersions[dsID] = created
	}

	for _, dsID := range old.DatastreamIDs {
		ds := old.Datastreams[dsID]
		for i := range ds.Versions {
			version := &ds.Versions[i]
			if version.ControlGroup != fossil.ManagedContent ||
				version.LocationType != fossil.LocationInternal {
				continue
			}
			if keepVersions[dsID][version.Created] {
				continue
			}
			token := fossil.ManagedToken(old.PID, dsID, version.ID)
			if keepTokens[token] {
				continue
			}
			err := m.store.RemoveDatastream(ctx, token)
			if err != nil && !storage.ErrNotExist.Has(err) {
				m.log.Warn("unable to remove superseded datastream content",
					pidField(old.PID),
					zap.String("token", token),
					zap.Error(err))
			}
		}
	}
}

// verifyRoundTrip re-reads the serialization about to be committed and
// checks it still names the same object.
func (m *Manager) verifyRoundTrip(obj *fossil.Object, serialized []byte) error {
	err := m.validator.Validate(bytes.NewReader(serialized),
		translator.StorageFormat, translator.LevelFull, translator.PhaseStore)
	if err != nil {
		return fossil.ErrIntegrity.New("serialization of %s fails validation: %v", obj.PID, err)
	}
	builder := fossil.NewBuilder()
	err = m.translator.Deserialize(bytes.NewReader(serialized), builder,
		translator.StorageFormat, translator.DefaultEncoding, translator.DeserializeInstance)
	if err != nil {
		return fossil.ErrIntegrity.New("serialization of %s does not round-trip: %v", obj.PID, err)
	}
	if builder.PID() != obj.PID {
		return fossil.ErrIntegrity.New("serialization of %s round-trips to %s", obj.PID, builder.PID())
	}
	return nil
}

// removeAll takes the object out of every subsystem, in order, tolerating
// per-stage failures. There is no rollback; callers get the stage results.
func (m *Manager) removeAll(ctx context.Context, obj *fossil.Object) (results []StageResult) {
	report := func(stage string, err error) {
		results = append(results, StageResult{Stage: stage, Err: err})
		if err != nil {
			m.log.Warn("removal stage failed", pidField(obj.PID),
				zap.String("stage", stage), zap.Error(err))
		}
	}

	report("relationship-index", m.relIndex.DeleteObject(obj.PID))

	var blobErr error
	for _, token := range obj.ManagedTokens() {
		if err := m.store.RemoveDatastream(ctx, token); err != nil && !storage.ErrNotExist.Has(err) {
			blobErr = fossil.ErrStorage.Wrap(err)
		}
	}
	report("datastream-blobs", blobErr)

	objErr := m.store.RemoveObject(ctx, obj.PID.String())
	if storage.ErrNotExist.Has(objErr) {
		objErr = nil
	}
	report("object-blob", objErr)

	m.cache.Remove(obj.PID)
	report("reader-cache", nil)

	contexts := deploymap.ContextsOf(obj)
	regErr := m.registry.WithTx(ctx, func(tx *registry.Tx) error {
		for _, dctx := range contexts {
			if err := tx.RemoveDeployment(dctx, obj.PID); err != nil {
				return err
			}
		}
		err := tx.Deregister(obj.PID)
		if fossil.ErrNotFound.Has(err) {
			return nil
		}
		return err
	})
	if regErr == nil {
		for _, dctx := range contexts {
			m.deployments.Remove(dctx, obj.PID)
		}
	}
	report("registry", regErr)

	report("search-index", m.searchIndex.Delete(obj.PID))

	return results
}

type countingReader struct {
	reader io.Reader
	count  int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.count += int64(n)
	return n, err
}
