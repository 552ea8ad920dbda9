// Package storage persists document snapshots and committed operations and
// compacts the operation tail into snapshots in the background.
package storage

import (
	"context"
	"time"

	"collab-engine/internal/operations"
)

// Snapshot is a compaction checkpoint: content as of Version.
type Snapshot struct {
	DocumentID string    `json:"document_id"`
	Title      string    `json:"title,omitempty"`
	Version    int       `json:"version"`
	Content    string    `json:"content,omitempty"`
	SavedAt    time.Time `json:"saved_at"`
}

// DocumentInfo is the catalog record of a document. Version is the highest
// durably committed version.
type DocumentInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a durable backend. Implementations return errs.ErrNotFound for
// unknown documents and errs.ErrVersionConflict when an operation version
// is already taken.
type Store interface {
	// CreateDocument registers id if absent and returns its record.
	CreateDocument(ctx context.Context, id string) (DocumentInfo, error)
	GetDocument(ctx context.Context, id string) (DocumentInfo, error)
	ListDocuments(ctx context.Context) ([]DocumentInfo, error)
	SetTitle(ctx context.Context, id, title string) error
	// DeleteDocument removes the record, its snapshots and operations.
	DeleteDocument(ctx context.Context, id string) error

	// LatestSnapshot reports false when no snapshot was written yet.
	LatestSnapshot(ctx context.Context, id string) (Snapshot, bool, error)
	// ListSnapshots returns snapshot metadata, newest first, without content.
	ListSnapshots(ctx context.Context, id string) ([]Snapshot, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	AppendOperation(ctx context.Context, id string, op *operations.Operation) error
	// LoadOperations returns operations with version > after in order.
	LoadOperations(ctx context.Context, id string, after int) ([]*operations.Operation, error)
	// TruncateOperations deletes operations with version <= through.
	TruncateOperations(ctx context.Context, id string, through int) error

	Close() error
}
