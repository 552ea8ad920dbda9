package document

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-engine/internal/errs"
	"collab-engine/internal/operations"
	"collab-engine/internal/oplog"
)

// Commit describes an operation that has just been committed.
type Commit struct {
	Operation *operations.Operation
	// TailLength counts committed operations newer than the last snapshot.
	TailLength int
}

// CommitHook observes commits. Hooks run in commit order while the
// document is locked, so they must not block and must not call back into
// the document.
type CommitHook func(c Commit)

// Document is the materialized state of one shared document. All submits
// for a document are serialized by its lock; different documents never
// contend.
type Document struct {
	id           string
	content      string
	version      int
	lastModified time.Time
	mu           sync.RWMutex

	log             *oplog.Log
	baseContent     string // content at log.Base()
	snapshotVersion int
	hooks           []CommitHook
}

// NewDocument creates a new empty document.
func NewDocument(id string, appender oplog.Appender) *Document {
	log, _ := oplog.New(id, 0, nil, appender)
	return &Document{
		id:           id,
		log:          log,
		lastModified: time.Now(),
	}
}

// Load rebuilds a document from a snapshot and the committed operations
// that follow it.
func Load(id, snapshotContent string, snapshotVersion int, tail []*operations.Operation, appender oplog.Appender) (*Document, error) {
	log, err := oplog.New(id, snapshotVersion, tail, appender)
	if err != nil {
		return nil, err
	}
	content, err := operations.ApplyAll(snapshotContent, tail)
	if err != nil {
		return nil, fmt.Errorf("replay document %s from v%d: %w", id, snapshotVersion, err)
	}
	return &Document{
		id:              id,
		content:         content,
		version:         snapshotVersion + len(tail),
		lastModified:    time.Now(),
		log:             log,
		baseContent:     snapshotContent,
		snapshotVersion: snapshotVersion,
	}, nil
}

// ID returns the document identifier.
func (d *Document) ID() string {
	return d.id
}

// GetContent returns the current document content.
func (d *Document) GetContent() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.content
}

// GetVersion returns the current version number.
func (d *Document) GetVersion() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// GetStats returns document version, last modified time, and content length.
func (d *Document) GetStats() (version int, lastModified time.Time, length int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version, d.lastModified, len([]rune(d.content))
}

// GetContentAndVersion atomically returns both content and version.
func (d *Document) GetContentAndVersion() (string, int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.content, d.version
}

// OnCommit registers a hook invoked after every commit.
func (d *Document) OnCommit(hook CommitHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, hook)
}

// Locked runs fn with the current content and version while no commit can
// happen. fn must not call back into the document.
func (d *Document) Locked(fn func(content string, version int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.content, d.version)
}

// History returns committed operations after fromVersion.
func (d *Document) History(fromVersion int) ([]*operations.Operation, error) {
	return d.log.Read(fromVersion)
}

// Submit rebases op over everything committed since op.BaseVersion,
// commits it at the next version and applies it. The returned operation is
// the committed form. On error nothing is committed and content is
// unchanged.
func (d *Document) Submit(ctx context.Context, op *operations.Operation) (*operations.Operation, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: operation cannot be nil", errs.ErrMalformedOperation)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if op.BaseVersion > d.version {
		return nil, fmt.Errorf("%w: base version %d is ahead of document %s at v%d",
			errs.ErrMalformedOperation, op.BaseVersion, d.id, d.version)
	}

	concurrent, err := d.log.Read(op.BaseVersion)
	if err != nil {
		return nil, err
	}

	rebased := op.Normalized()
	for _, c := range concurrent {
		if op.SessionID != "" && c.SessionID == op.SessionID {
			return nil, fmt.Errorf("%w: session %s submitted against v%d but already committed v%d",
				errs.ErrMalformedOperation, op.SessionID, op.BaseVersion, c.Version)
		}
		rebased = operations.Rebase(rebased, c)
	}
	rebased.DocumentID = d.id
	rebased.BaseVersion = d.version

	newContent, err := operations.Apply(d.content, rebased)
	if err != nil {
		return nil, err
	}

	version, err := d.log.Append(ctx, rebased)
	if err != nil {
		if errors.Is(err, errs.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: document %s: %w", errs.ErrStorageUnavailable, d.id, err)
	}
	rebased.Version = version

	d.content = newContent
	d.version = version
	d.lastModified = time.Now()

	commit := Commit{Operation: rebased, TailLength: d.version - d.snapshotVersion}
	for _, hook := range d.hooks {
		hook(commit)
	}

	return rebased, nil
}

// Replay rebuilds the content by applying the retained history to the
// content at the start of that history.
func (d *Document) Replay() (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ops, err := d.log.Read(d.log.Base())
	if err != nil {
		return "", err
	}
	return operations.ApplyAll(d.baseContent, ops)
}

// SnapshotVersion returns the version of the last durable snapshot.
func (d *Document) SnapshotVersion() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotVersion
}

// TailLength counts committed operations newer than the last snapshot.
func (d *Document) TailLength() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version - d.snapshotVersion
}

// MarkCompacted records a durable snapshot at snapshotVersion and drops
// retained history up to and including truncateThrough.
func (d *Document) MarkCompacted(snapshotVersion, truncateThrough int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if snapshotVersion > d.snapshotVersion {
		d.snapshotVersion = snapshotVersion
	}

	base := d.log.Base()
	if truncateThrough <= base {
		return nil
	}
	truncateThrough = min(truncateThrough, d.snapshotVersion)

	dropped, err := d.log.Read(base)
	if err != nil {
		return err
	}
	newBase, err := operations.ApplyAll(d.baseContent, dropped[:truncateThrough-base])
	if err != nil {
		return fmt.Errorf("advance base of document %s to v%d: %w", d.id, truncateThrough, err)
	}
	d.baseContent = newBase
	d.log.TruncateThrough(truncateThrough)
	return nil
}
