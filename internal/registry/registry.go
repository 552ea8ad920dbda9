// Package registry maps document ids to live coordinators, loading them
// on first use and evicting them once idle.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"collab-engine/internal/events"
	"collab-engine/internal/session"
	"collab-engine/internal/storage"
	"collab-engine/internal/telemetry"
)

const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

var ErrClosed = errors.New("registry closed")

type Config struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Session       session.Config
}

// DocumentSnapshot is a point-in-time read of a document.
type DocumentSnapshot struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Version int    `json:"version"`
}

type entry struct {
	coord  *session.Coordinator
	leases int
}

// Registry is safe for concurrent use.
type Registry struct {
	gateway *storage.Gateway
	events  *events.Dispatcher
	cfg     Config
	log     logrus.FieldLogger
	metrics *telemetry.Metrics

	loads singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New starts the idle sweeper. dispatcher may be nil.
func New(gateway *storage.Gateway, dispatcher *events.Dispatcher, cfg Config, log logrus.FieldLogger, metrics *telemetry.Metrics) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if log == nil {
		log = logrus.New()
	}
	r := &Registry{
		gateway: gateway,
		events:  dispatcher,
		cfg:     cfg,
		log:     log.WithField("component", "registry"),
		metrics: metrics,
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// Lease pins a coordinator in the registry until released.
type Lease struct {
	r    *Registry
	e    *entry
	once sync.Once
}

func (l *Lease) Coordinator() *session.Coordinator {
	return l.e.coord
}

// Release is idempotent.
func (l *Lease) Release() {
	l.once.Do(func() { l.r.release(l.e) })
}

// Acquire returns a lease on the coordinator for id, creating the document
// if it does not exist yet. Concurrent acquires of an unloaded id share a
// single load.
func (r *Registry) Acquire(ctx context.Context, id string) (*Lease, error) {
	return r.acquire(ctx, id, true)
}

func (r *Registry) acquire(ctx context.Context, id string, create bool) (*Lease, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := r.entries[id]; ok {
		e.leases++
		r.mu.Unlock()
		return &Lease{r: r, e: e}, nil
	}
	r.mu.Unlock()

	// The shared load outlives any single caller's context.
	loadCtx := context.WithoutCancel(ctx)
	ch := r.loads.DoChan(loadKey(id, create), func() (any, error) {
		return nil, r.install(loadCtx, id, create)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := r.entries[id]
	if !ok {
		// Deleted or evicted since the load finished.
		r.mu.Unlock()
		return r.acquire(ctx, id, create)
	}
	e.leases++
	r.mu.Unlock()
	return &Lease{r: r, e: e}, nil
}

func loadKey(id string, create bool) string {
	if create {
		return "create:" + id
	}
	return "open:" + id
}

// install loads id and caches it with no leases. It runs once per id for
// any number of concurrent callers; failed loads are not cached.
func (r *Registry) install(ctx context.Context, id string, create bool) error {
	r.mu.Lock()
	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	coord, err := r.load(ctx, id, create)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.entries[id]; ok {
		return nil
	}
	r.entries[id] = &entry{coord: coord}
	return nil
}

func (r *Registry) load(ctx context.Context, id string, create bool) (*session.Coordinator, error) {
	doc, err := r.gateway.Load(ctx, id, create)
	if err != nil {
		return nil, err
	}
	coord := session.NewCoordinator(doc, r.cfg.Session, r.log, r.metrics)
	if r.events != nil {
		doc.OnCommit(r.events.CommitHook())
	}
	r.log.WithFields(logrus.Fields{"doc": id, "version": doc.GetVersion()}).Info("document activated")
	return coord, nil
}

func (r *Registry) release(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.leases > 0 {
		e.leases--
	}
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

// sweep evicts loaded entries with no leases and no sessions that have
// been idle for IdleTimeout. Commits are durable before they are applied,
// so eviction only drops memory.
func (r *Registry) sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, e := range r.entries {
		if e.leases > 0 {
			continue
		}
		idleSince := e.coord.IdleSince()
		if idleSince.IsZero() || now.Sub(idleSince) < r.cfg.IdleTimeout {
			continue
		}
		delete(r.entries, id)
		evicted++
		r.log.WithField("doc", id).Info("document evicted")
	}
	return evicted
}

// Loaded returns the number of cached documents.
func (r *Registry) Loaded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot reads the current title, content and version of an existing
// document.
func (r *Registry) Snapshot(ctx context.Context, id string) (DocumentSnapshot, error) {
	lease, err := r.acquire(ctx, id, false)
	if err != nil {
		return DocumentSnapshot{}, err
	}
	defer lease.Release()

	info, err := r.gateway.GetDocument(ctx, id)
	if err != nil {
		return DocumentSnapshot{}, err
	}
	content, version := lease.Coordinator().Document().GetContentAndVersion()
	return DocumentSnapshot{ID: id, Title: info.Title, Content: content, Version: version}, nil
}

func (r *Registry) List(ctx context.Context) ([]storage.DocumentInfo, error) {
	return r.gateway.ListDocuments(ctx)
}

func (r *Registry) SetTitle(ctx context.Context, id, title string) error {
	return r.gateway.SetTitle(ctx, id, title)
}

// Versions lists the saved snapshots of a document, newest first.
func (r *Registry) Versions(ctx context.Context, id string) ([]storage.Snapshot, error) {
	return r.gateway.ListSnapshots(ctx, id)
}

// Delete removes a document from storage, closes its sessions and drops
// it from the registry. Unknown ids yield errs.ErrNotFound.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.gateway.DeleteDocument(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	r.loads.Forget(loadKey(id, true))
	r.loads.Forget(loadKey(id, false))

	if ok {
		e.coord.CloseAll()
	}
	r.log.WithField("doc", id).Info("document deleted")
	return nil
}

// Close stops the sweeper and disconnects every session.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()

	for _, e := range entries {
		e.coord.CloseAll()
	}
}
