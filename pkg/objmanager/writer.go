// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package objmanager

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"storj.io/fossil/pkg/fossil"
	"storj.io/fossil/pkg/locktable"
	"storj.io/fossil/pkg/registry"
	"storj.io/fossil/pkg/search"
	"storj.io/fossil/pkg/translator"
)

// IngestOptions parameterizes GetIngestWriter.
type IngestOptions struct {
	// PID is the identifier requested by the caller. Empty or
	// fossil.PIDNew requests generation; anything else must agree with
	// the identifier embedded in the payload, if any.
	PID fossil.PID
	// RecoveryPID, when set, is used instead of generation. Journal
	// recovery replays ingests with the identifiers they got originally.
	RecoveryPID fossil.PID
	// Format of the payload; StorageFormat when empty.
	Format translator.Format
	// Encoding of the payload; DefaultEncoding when empty.
	Encoding string
	// LogMessage is recorded with the commit.
	LogMessage string
}

// Writer is an exclusive handle on one object. It accumulates mutations in
// memory; nothing is visible to readers until Commit. The holder must end
// with exactly one Commit or Invalidate.
type Writer struct {
	manager *Manager
	held    *locktable.Held

	pid     fossil.PID
	builder *fossil.Builder
	old     *fossil.Object
	now     time.Time

	isNew          bool
	pendingRemove  bool
	done           bool
	message        string
	removalResults []StageResult
}

// GetWriter locks an existing object for modification.
func (m *Manager) GetWriter(ctx context.Context, pid fossil.PID) (_ *Writer, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := fossil.ParsePID(pid.String()); err != nil {
		return nil, err
	}

	held, err := m.locks.LockCtx(ctx, pid.String())
	if err != nil {
		return nil, fossil.ErrLocked.New("%s: %v", pid, err)
	}
	defer func() {
		if err != nil {
			_ = held.Unlock()
		}
	}()

	registered, err := m.registry.Exists(ctx, pid)
	if err != nil {
		return nil, err
	}
	if !registered {
		return nil, fossil.ErrNotFound.New("%s", pid)
	}

	// Load the canonical serialization rather than the cache so the
	// writer starts from committed state.
	obj, err := m.loadObject(ctx, pid)
	if err != nil {
		return nil, err
	}

	return &Writer{
		manager: m,
		held:    held,
		pid:     pid,
		builder: fossil.BuilderOf(obj),
		old:     obj,
		now:     time.Now().UTC(),
	}, nil
}

// GetIngestWriter stages, validates, and registers a new object from a
// serialized payload and returns the exclusive handle on it. The object
// is not visible to readers until Commit.
func (m *Manager) GetIngestWriter(ctx context.Context, content io.Reader, opts IngestOptions) (_ *Writer, err error) {
	defer mon.Task()(&ctx)(&err)

	if opts.Format == "" {
		opts.Format = translator.StorageFormat
	}
	if opts.Encoding == "" {
		opts.Encoding = translator.DefaultEncoding
	}
	now := time.Now().UTC()

	// Drain the payload to a staging file so it can be read twice.
	staged, err := stagePayload(content)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = staged.Close()
		_ = os.Remove(staged.Name())
	}()

	err = m.validator.Validate(staged, opts.Format, translator.LevelFull, translator.PhaseIngest)
	if err != nil {
		return nil, err
	}

	if _, err := staged.Seek(0, io.SeekStart); err != nil {
		return nil, fossil.ErrStorage.Wrap(err)
	}
	builder := fossil.NewBuilder()
	err = m.translator.Deserialize(staged, builder,
		opts.Format, opts.Encoding, translator.DeserializeInstance)
	if err != nil {
		return nil, err
	}

	backfillDefaults(builder, now)

	pid, err := m.resolvePID(ctx, builder.PID(), opts)
	if err != nil {
		return nil, err
	}
	builder.SetPID(pid)

	held, err := m.locks.LockCtx(ctx, pid.String())
	if err != nil {
		return nil, fossil.ErrLocked.New("%s: %v", pid, err)
	}
	defer func() {
		if err != nil {
			_ = held.Unlock()
		}
	}()

	// The registry is authoritative for must-not-exist: an orphan blob in
	// the content store alone must not block ingest, it gets replaced at
	// commit.
	registered, err := m.registry.Exists(ctx, pid)
	if err != nil {
		return nil, err
	}
	if registered {
		return nil, fossil.ErrAlreadyExists.New("%s", pid)
	}

	if err := ensureDCDatastream(builder, now); err != nil {
		return nil, err
	}
	if err := m.checkObject(builder); err != nil {
		return nil, err
	}

	if err := m.registry.Register(ctx, pid, now); err != nil {
		return nil, err
	}

	m.log.Info("object registered", pidField(pid), zap.String("message", opts.LogMessage))
	return &Writer{
		manager: m,
		held:    held,
		pid:     pid,
		builder: builder,
		now:     now,
		isNew:   true,
		message: opts.LogMessage,
	}, nil
}

func stagePayload(content io.Reader) (*os.File, error) {
	staged, err := os.CreateTemp("", "fossil-ingest-*")
	if err != nil {
		return nil, fossil.ErrStorage.Wrap(err)
	}
	if _, err := io.Copy(staged, content); err != nil {
		_ = staged.Close()
		_ = os.Remove(staged.Name())
		return nil, fossil.ErrStorage.Wrap(err)
	}
	if _, err := staged.Seek(0, io.SeekStart); err != nil {
		_ = staged.Close()
		_ = os.Remove(staged.Name())
		return nil, fossil.ErrStorage.Wrap(err)
	}
	return staged, nil
}

// backfillDefaults fills in the fields a payload is allowed to omit.
func backfillDefaults(builder *fossil.Builder, now time.Time) {
	if builder.State() == fossil.StateUnset {
		builder.SetState(fossil.StateActive)
	}
	if builder.Created().IsZero() {
		builder.SetCreated(now)
	}
	for _, dsID := range builder.DatastreamIDs() {
		ds := builder.Datastream(dsID)
		if ds.State == fossil.StateUnset {
			ds.State = fossil.StateActive
		}
		for i := range ds.Versions {
			if ds.Versions[i].Created.IsZero() {
				ds.Versions[i].Created = now
			}
		}
	}
}

// resolvePID reconciles the explicit identifier with the embedded one and
// generates a fresh identifier when the caller asked for one.
func (m *Manager) resolvePID(ctx context.Context, embedded fossil.PID, opts IngestOptions) (fossil.PID, error) {
	explicit := opts.PID
	if explicit == fossil.PIDNew {
		explicit = ""
	}
	if !explicit.IsZero() && !embedded.IsZero() && explicit != embedded {
		return "", fossil.ErrIntegrity.New(
			"pid parameter %s does not match pid %s in the payload", explicit, embedded)
	}

	supplied := explicit
	if supplied.IsZero() {
		supplied = embedded
	}

	if supplied.IsZero() {
		if !opts.RecoveryPID.IsZero() {
			if err := fossil.ParsePID(opts.RecoveryPID.String()); err != nil {
				return "", err
			}
			if err := m.generator.NeverGenerate(ctx, opts.RecoveryPID); err != nil {
				return "", Error.Wrap(err)
			}
			return opts.RecoveryPID, nil
		}
		return m.generator.Generate(ctx, m.config.PIDNamespace)
	}

	if err := fossil.ParsePID(supplied.String()); err != nil {
		return "", err
	}
	if !m.retainsNamespace(supplied.Namespace()) {
		return m.generator.Generate(ctx, m.config.PIDNamespace)
	}
	// Reserve the external identifier so generation never collides
	// with it.
	if err := m.generator.NeverGenerate(ctx, supplied); err != nil {
		return "", Error.Wrap(err)
	}
	return supplied, nil
}

// retainsNamespace reports whether externally supplied pids in the
// namespace are kept as-is. An empty configuration retains everything.
func (m *Manager) retainsNamespace(namespace string) bool {
	if len(m.config.RetainNamespaces) == 0 {
		return true
	}
	for _, retained := range m.config.RetainNamespaces {
		if retained == "*" || retained == namespace {
			return true
		}
	}
	return false
}

// ensureDCDatastream synthesizes a descriptive-metadata datastream when
// the payload carries none, injecting the pid as an identifier value.
func ensureDCDatastream(builder *fossil.Builder, now time.Time) error {
	if builder.Datastream(search.DCDatastreamID) != nil {
		return nil
	}
	record, err := json.Marshal(map[string][]string{
		"identifier": {builder.PID().String()},
	})
	if err != nil {
		return Error.Wrap(err)
	}
	return builder.AddDatastream(search.DCDatastreamID, true, fossil.DatastreamVersion{
		ID:            search.DCDatastreamID + ".0",
		Label:         "Descriptive Metadata",
		MIMEType:      "application/json",
		ControlGroup:  fossil.InlineXML,
		InlineContent: record,
		Size:          int64(len(record)),
		Created:       now,
	})
}

// Object returns a snapshot of the pending state. The writer stays usable.
func (w *Writer) Object() *fossil.Object {
	obj := w.builder.Snapshot()
	w.builder = fossil.BuilderOf(obj)
	return obj
}

// PID returns the identifier the writer holds.
func (w *Writer) PID() fossil.PID { return w.pid }

func (w *Writer) guard() error {
	if w.done {
		return Error.New("writer for %s is no longer valid", w.pid)
	}
	if w.pendingRemove {
		return Error.New("writer for %s has a pending removal", w.pid)
	}
	return nil
}

func (w *Writer) guardDatastreams() error {
	if err := w.guard(); err != nil {
		return err
	}
	if w.builder.State() == fossil.StateDeleted {
		return fossil.ErrValidation.New(
			"object %s is Deleted; datastream mutation requires Active or Inactive state", w.pid)
	}
	return nil
}

// SetLabel updates the object label.
func (w *Writer) SetLabel(label string) error {
	if err := w.guard(); err != nil {
		return err
	}
	w.builder.SetLabel(label)
	return nil
}

// SetOwnerID updates the object owner.
func (w *Writer) SetOwnerID(owner string) error {
	if err := w.guard(); err != nil {
		return err
	}
	w.builder.SetOwnerID(owner)
	return nil
}

// SetState updates the object state.
func (w *Writer) SetState(state fossil.State) error {
	if err := w.guard(); err != nil {
		return err
	}
	w.builder.SetState(state)
	return nil
}

// AddRelationship records a triple; duplicates are ignored.
func (w *Writer) AddRelationship(t fossil.Triple) error {
	if err := w.guard(); err != nil {
		return err
	}
	w.builder.AddRelationship(t)
	return nil
}

// PurgeRelationship drops a triple.
func (w *Writer) PurgeRelationship(t fossil.Triple) error {
	if err := w.guard(); err != nil {
		return err
	}
	w.builder.PurgeRelationship(t)
	return nil
}

// AddDatastream creates a datastream with its first version.
func (w *Writer) AddDatastream(id string, versionable bool, version fossil.DatastreamVersion) error {
	if err := w.guardDatastreams(); err != nil {
		return err
	}
	if version.Created.IsZero() {
		version.Created = w.now
	}
	return w.builder.AddDatastream(id, versionable, version)
}

// AddDatastreamVersion appends a version; on a non-versionable datastream
// it replaces the latest version instead.
func (w *Writer) AddDatastreamVersion(id string, version fossil.DatastreamVersion) error {
	if err := w.guardDatastreams(); err != nil {
		return err
	}
	if version.Created.IsZero() {
		version.Created = w.now
	}
	return w.builder.AddDatastreamVersion(id, version)
}

// ModifyDatastreamByValue records a new version carrying the content
// inline.
func (w *Writer) ModifyDatastreamByValue(id, mimeType, label string, content []byte) error {
	return w.AddDatastreamVersion(id, fossil.DatastreamVersion{
		Label:         label,
		MIMEType:      mimeType,
		ControlGroup:  fossil.InlineXML,
		InlineContent: content,
		Size:          int64(len(content)),
	})
}

// ModifyDatastreamByReference records a new managed version whose content
// is fetched from location and copied into the content store at commit.
func (w *Writer) ModifyDatastreamByReference(id, mimeType, label, location string) error {
	return w.AddDatastreamVersion(id, fossil.DatastreamVersion{
		Label:        label,
		MIMEType:     mimeType,
		ControlGroup: fossil.ManagedContent,
		Location:     location,
		LocationType: fossil.LocationURL,
	})
}

// SetDatastreamState updates a datastream's state.
func (w *Writer) SetDatastreamState(id string, state fossil.State) error {
	if err := w.guardDatastreams(); err != nil {
		return err
	}
	ds := w.builder.Datastream(id)
	if ds == nil {
		return fossil.ErrNotFound.New("%s/%s", w.pid, id)
	}
	ds.State = state
	return nil
}

// PurgeDatastreamVersions drops the versions created within [start, end];
// zero bounds are open-ended. The datastream disappears when no versions
// remain. Managed content is physically removed at commit.
func (w *Writer) PurgeDatastreamVersions(id string, start, end time.Time) ([]string, error) {
	if err := w.guardDatastreams(); err != nil {
		return nil, err
	}
	return w.builder.PurgeDatastreamVersions(id, start, end)
}

// Remove marks the object for removal at commit. No further mutation is
// accepted.
func (w *Writer) Remove() error {
	if err := w.guard(); err != nil {
		return err
	}
	if w.isNew {
		return Error.New("object %s is not committed yet; use Invalidate", w.pid)
	}
	w.pendingRemove = true
	return nil
}

// Commit publishes the accumulated state, or carries out the removal when
// Remove was called. The writer is spent afterwards, success or not.
func (w *Writer) Commit(ctx context.Context, message string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if w.done {
		return Error.New("writer for %s is no longer valid", w.pid)
	}
	w.done = true
	defer func() { _ = w.held.Unlock() }()

	if message != "" {
		w.message = message
	}
	if w.pendingRemove {
		w.removalResults = w.manager.removeAll(ctx, w.old)
		w.manager.log.Info("object removed", pidField(w.pid),
			zap.String("message", w.message))
		return nil
	}
	return w.manager.commit(ctx, w)
}

// RemovalResults reports the per-stage outcome of a removal commit.
func (w *Writer) RemovalResults() []StageResult { return w.removalResults }

// Invalidate abandons the writer. A freshly ingested object that was
// never committed is deregistered again.
func (w *Writer) Invalidate(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if w.done {
		return nil
	}
	w.done = true
	defer func() { _ = w.held.Unlock() }()

	if w.isNew {
		return w.manager.registry.WithTx(ctx, func(tx *registry.Tx) error {
			return tx.Deregister(w.pid)
		})
	}
	return nil
}
