package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collab-engine/internal/document"
	"collab-engine/internal/errs"
	"collab-engine/internal/operations"
	"collab-engine/internal/telemetry"
)

// Options tune the gateway. Zero values fall back to the defaults below.
type Options struct {
	// CompactionThreshold is the tail length that triggers a snapshot.
	CompactionThreshold int
	// CompactionKeep is how many operations older than the snapshot stay in
	// the durable log for reconnecting clients.
	CompactionKeep    int
	CompactionTimeout time.Duration
	Workers           int
	QueueSize         int
}

const (
	DefaultCompactionThreshold = 200
	DefaultCompactionKeep      = 50
	DefaultCompactionTimeout   = 10 * time.Second
	DefaultWorkers             = 2
	DefaultQueueSize           = 256
)

func (o Options) withDefaults() Options {
	if o.CompactionThreshold <= 0 {
		o.CompactionThreshold = DefaultCompactionThreshold
	}
	if o.CompactionKeep < 0 {
		o.CompactionKeep = 0
	}
	if o.CompactionTimeout <= 0 {
		o.CompactionTimeout = DefaultCompactionTimeout
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	return o
}

// Gateway sits between live documents and a Store. It loads documents,
// makes committed operations durable and compacts long tails into
// snapshots on background workers so editing never waits for compaction.
type Gateway struct {
	store   Store
	opts    Options
	log     logrus.FieldLogger
	metrics *telemetry.Metrics

	queue chan *document.Document

	mu      sync.Mutex
	pending map[string]bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewGateway starts the compaction workers.
func NewGateway(store Store, opts Options, log logrus.FieldLogger, metrics *telemetry.Metrics) *Gateway {
	if log == nil {
		log = logrus.New()
	}
	opts = opts.withDefaults()
	g := &Gateway{
		store:   store,
		opts:    opts,
		log:     log.WithField("component", "storage"),
		metrics: metrics,
		queue:   make(chan *document.Document, opts.QueueSize),
		pending: make(map[string]bool),
		done:    make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		g.wg.Add(1)
		go g.workerLoop(i)
	}
	return g
}

// Load materializes a document from its latest snapshot and the operations
// committed after it. When create is false an unknown id yields
// errs.ErrNotFound.
func (g *Gateway) Load(ctx context.Context, id string, create bool) (*document.Document, error) {
	var err error
	if create {
		_, err = g.store.CreateDocument(ctx, id)
	} else {
		_, err = g.store.GetDocument(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	snap, _, err := g.store.LatestSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	tail, err := g.store.LoadOperations(ctx, id, snap.Version)
	if err != nil {
		return nil, err
	}

	doc, err := document.Load(id, snap.Content, snap.Version, tail, g)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	doc.OnCommit(func(c document.Commit) {
		if c.TailLength >= g.opts.CompactionThreshold {
			g.RequestCompaction(doc)
		}
	})

	g.log.WithFields(logrus.Fields{
		"doc":      id,
		"snapshot": snap.Version,
		"tail":     len(tail),
	}).Debug("document loaded")
	return doc, nil
}

// AppendOperation implements oplog.Appender.
func (g *Gateway) AppendOperation(ctx context.Context, id string, op *operations.Operation) error {
	err := g.store.AppendOperation(ctx, id, op)
	if errors.Is(err, errs.ErrVersionConflict) {
		g.log.WithFields(logrus.Fields{
			"doc":     id,
			"version": op.Version,
		}).WithError(err).Error("version claimed twice")
	}
	return err
}

// RequestCompaction queues doc for compaction without blocking. Requests
// for a document already queued are coalesced; a full queue drops the
// request and the next commit over the threshold asks again.
func (g *Gateway) RequestCompaction(doc *document.Document) {
	g.mu.Lock()
	if g.pending[doc.ID()] {
		g.mu.Unlock()
		return
	}
	g.pending[doc.ID()] = true
	g.mu.Unlock()

	select {
	case <-g.done:
	case g.queue <- doc:
		return
	default:
		g.log.WithField("doc", doc.ID()).Warn("compaction queue full, request dropped")
	}
	g.clearPending(doc.ID())
}

func (g *Gateway) clearPending(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

func (g *Gateway) workerLoop(workerID int) {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case doc := <-g.queue:
			ctx, cancel := context.WithTimeout(context.Background(), g.opts.CompactionTimeout)
			err := g.Compact(ctx, doc)
			cancel()

			g.metrics.RecordCompaction(context.Background(), err)
			if err != nil {
				g.log.WithFields(logrus.Fields{
					"doc":    doc.ID(),
					"worker": workerID,
				}).WithError(err).Warn("compaction failed, will retry on next trigger")
			}
			g.clearPending(doc.ID())
		}
	}
}

// Compact writes a snapshot of doc at its current version and drops
// operations older than CompactionKeep versions before it from both the
// durable and the in-memory log.
func (g *Gateway) Compact(ctx context.Context, doc *document.Document) error {
	content, version := doc.GetContentAndVersion()
	if version <= doc.SnapshotVersion() {
		return nil
	}

	info, err := g.store.GetDocument(ctx, doc.ID())
	if err != nil {
		return err
	}
	snap := Snapshot{
		DocumentID: doc.ID(),
		Title:      info.Title,
		Version:    version,
		Content:    content,
		SavedAt:    time.Now().UTC(),
	}
	if err := g.store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}

	through := max(version-g.opts.CompactionKeep, 0)
	if through > 0 {
		if err := g.store.TruncateOperations(ctx, doc.ID(), through); err != nil {
			// The snapshot is durable; leave the in-memory history intact so
			// it still matches what a reload would see.
			if markErr := doc.MarkCompacted(version, 0); markErr != nil {
				return markErr
			}
			return err
		}
	}
	if err := doc.MarkCompacted(version, through); err != nil {
		return err
	}

	g.log.WithFields(logrus.Fields{
		"doc":       doc.ID(),
		"version":   version,
		"truncated": through,
	}).Info("document compacted")
	return nil
}

func (g *Gateway) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	return g.store.ListDocuments(ctx)
}

func (g *Gateway) GetDocument(ctx context.Context, id string) (DocumentInfo, error) {
	return g.store.GetDocument(ctx, id)
}

func (g *Gateway) SetTitle(ctx context.Context, id, title string) error {
	return g.store.SetTitle(ctx, id, title)
}

func (g *Gateway) DeleteDocument(ctx context.Context, id string) error {
	return g.store.DeleteDocument(ctx, id)
}

// ListSnapshots returns the version history of a document, newest first.
func (g *Gateway) ListSnapshots(ctx context.Context, id string) ([]Snapshot, error) {
	if _, err := g.store.GetDocument(ctx, id); err != nil {
		return nil, err
	}
	return g.store.ListSnapshots(ctx, id)
}

// Close stops the compaction workers. Queued requests are abandoned. It
// does not close the underlying store.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() { close(g.done) })
	g.wg.Wait()
}
