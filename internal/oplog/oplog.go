// Package oplog keeps the ordered, append-only history of committed
// operations for one document.
package oplog

import (
	"context"
	"fmt"
	"sync"

	"collab-engine/internal/errs"
	"collab-engine/internal/operations"
)

// Appender makes a committed operation durable. op.Version is already
// assigned when AppendOperation is called.
type Appender interface {
	AppendOperation(ctx context.Context, documentID string, op *operations.Operation) error
}

// Log is the in-memory view of a document's committed operations with
// versions in (base, head]. Appends are serialized; reads only take a short
// read lock and never wait for a durable write in flight.
type Log struct {
	documentID string
	appender   Appender

	appendMu sync.Mutex // serializes Append, held across durable I/O

	mu      sync.RWMutex // protects the fields below
	base    int
	entries []*operations.Operation
}

// New creates a log for documentID whose retained history starts after
// base. tail must hold versions base+1, base+2, ... in order.
func New(documentID string, base int, tail []*operations.Operation, appender Appender) (*Log, error) {
	for i, op := range tail {
		if op.Version != base+i+1 {
			return nil, fmt.Errorf("%w: tail entry %d has version %d, want %d",
				errs.ErrVersionConflict, i, op.Version, base+i+1)
		}
	}
	return &Log{
		documentID: documentID,
		appender:   appender,
		base:       base,
		entries:    append([]*operations.Operation(nil), tail...),
	}, nil
}

// Append commits op at the next version and returns it. A non-zero
// op.Version must equal that next version. Nothing is appended unless the
// durable write succeeds.
func (l *Log) Append(ctx context.Context, op *operations.Operation) (int, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	next := l.Head() + 1
	if op.Version != 0 && op.Version != next {
		return 0, fmt.Errorf("%w: document %s: version %d claimed, next is %d",
			errs.ErrVersionConflict, l.documentID, op.Version, next)
	}

	committed := op.Clone()
	committed.DocumentID = l.documentID
	committed.Version = next

	if l.appender != nil {
		if err := l.appender.AppendOperation(ctx, l.documentID, committed); err != nil {
			return 0, err
		}
	}

	l.mu.Lock()
	l.entries = append(l.entries, committed)
	l.mu.Unlock()

	return next, nil
}

// Read returns the committed operations with version > fromVersion. The
// returned slice is a stable copy; the operations themselves are shared and
// must not be mutated.
func (l *Log) Read(fromVersion int) ([]*operations.Operation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	head := l.base + len(l.entries)
	switch {
	case fromVersion < l.base:
		return nil, fmt.Errorf("%w: document %s: version %d predates retained history (starts after %d)",
			errs.ErrHistoryTruncated, l.documentID, fromVersion, l.base)
	case fromVersion > head:
		return nil, fmt.Errorf("%w: document %s: version %d is ahead of head %d",
			errs.ErrMalformedOperation, l.documentID, fromVersion, head)
	}

	out := make([]*operations.Operation, head-fromVersion)
	copy(out, l.entries[fromVersion-l.base:])
	return out, nil
}

// Head returns the highest committed version.
func (l *Log) Head() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base + len(l.entries)
}

// Base returns the version after which history is retained.
func (l *Log) Base() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// TruncateThrough drops retained entries with version <= v.
func (l *Log) TruncateThrough(v int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v <= l.base {
		return
	}
	head := l.base + len(l.entries)
	if v > head {
		v = head
	}
	l.entries = append([]*operations.Operation(nil), l.entries[v-l.base:]...)
	l.base = v
}
