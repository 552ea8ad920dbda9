package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"collab-engine/internal/document"
	"collab-engine/internal/errs"
	"collab-engine/internal/operations"
	"collab-engine/internal/telemetry"
)

const (
	DefaultBufferSize    = 256
	DefaultSubmitTimeout = 5 * time.Second
)

// Config tunes a Coordinator.
type Config struct {
	// BufferSize bounds each session's outbound queue. A session that falls
	// this far behind is closed and must reconnect.
	BufferSize int
	// SubmitTimeout bounds the durable append when the caller's context
	// carries no deadline.
	SubmitTimeout time.Duration
}

func errInvalidState(id string, state State) error {
	return fmt.Errorf("%w: session %s is %s", errs.ErrInvalidState, id, state)
}

func errStaleSeq(id string, seq, last uint64) error {
	return fmt.Errorf("%w: session %s sequence %d not after %d", errs.ErrMalformedOperation, id, seq, last)
}

// Coordinator runs the session protocol for one document. Commits are
// fanned out from the document's commit hook, so every session observes
// versions in commit order.
type Coordinator struct {
	doc     *document.Document
	cfg     Config
	log     logrus.FieldLogger
	metrics *telemetry.Metrics

	mu         sync.Mutex
	sessions   map[string]*Session
	lastActive time.Time
}

// NewCoordinator attaches a coordinator to doc.
func NewCoordinator(doc *document.Document, cfg Config, log logrus.FieldLogger, metrics *telemetry.Metrics) *Coordinator {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if log == nil {
		log = logrus.New()
	}
	c := &Coordinator{
		doc:        doc,
		cfg:        cfg,
		log:        log.WithField("doc", doc.ID()),
		metrics:    metrics,
		sessions:   make(map[string]*Session),
		lastActive: time.Now(),
	}
	doc.OnCommit(c.broadcast)
	return c
}

// Document returns the coordinated document.
func (c *Coordinator) Document() *document.Document {
	return c.doc
}

// Connect opens a session. With lastKnownVersion < 0 the client receives
// init. Otherwise it receives every committed operation after
// lastKnownVersion followed by synced, or init when that history is no
// longer retained. Nothing can commit between the replay and registration.
func (c *Coordinator) Connect(lastKnownVersion int) (*Session, error) {
	s := newSession(uuid.NewString(), c.doc.ID(), c.cfg.BufferSize)

	var err error
	c.doc.Locked(func(content string, version int) {
		var replay []*operations.Operation
		fresh := lastKnownVersion < 0 || lastKnownVersion > version
		if !fresh {
			replay, err = c.doc.History(lastKnownVersion)
			switch {
			case errors.Is(err, errs.ErrHistoryTruncated):
				fresh, err = true, nil
			case err != nil:
				return
			case len(replay) >= c.cfg.BufferSize:
				fresh = true
			}
		}

		if fresh {
			s.deliver(Event{Type: EventInit, Content: content, Version: version})
		} else {
			for _, op := range replay {
				s.deliver(Event{Type: EventCommittedOp, Version: op.Version, Operation: op})
			}
			s.deliver(Event{Type: EventSynced, Version: version})
		}

		s.mu.Lock()
		s.state = StateSyncing
		s.ackedVersion = version
		s.mu.Unlock()

		c.mu.Lock()
		c.sessions[s.id] = s
		c.lastActive = time.Now()
		c.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}

	c.metrics.SessionOpened(context.Background())
	c.log.WithFields(logrus.Fields{
		"session":    s.id,
		"last_known": lastKnownVersion,
		"version":    s.AckedVersion(),
	}).Debug("session connected")
	return s, nil
}

func (c *Coordinator) session(id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s on document %s", errs.ErrNotFound, id, c.doc.ID())
	}
	c.lastActive = time.Now()
	return s, nil
}

// Acknowledge moves a syncing session to live. Acknowledging a live
// session is a no-op.
func (c *Coordinator) Acknowledge(sessionID string) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateSyncing:
		s.state = StateLive
		return nil
	case StateLive:
		return nil
	default:
		return errInvalidState(s.id, s.state)
	}
}

// Submit commits payload for a live session. seq must increase per session.
// On success the committed operation is returned; the originator also gets
// an ack event and every other session a committed-op event. Errors are
// reported to the caller only.
func (c *Coordinator) Submit(ctx context.Context, sessionID string, baseVersion int, seq uint64, payload []operations.Component) (*operations.Operation, error) {
	start := time.Now()
	committed, err := c.submit(ctx, sessionID, baseVersion, seq, payload)
	if err != nil {
		c.metrics.RecordSubmitError(ctx, errs.Code(err))
		if errors.Is(err, errs.ErrVersionConflict) {
			c.log.WithField("session", sessionID).WithError(err).Error("submit hit a version conflict")
		}
		return nil, err
	}
	c.metrics.RecordCommit(ctx, committed.BaseVersion-baseVersion, time.Since(start))
	return committed, nil
}

func (c *Coordinator) submit(ctx context.Context, sessionID string, baseVersion int, seq uint64, payload []operations.Component) (*operations.Operation, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}

	op := &operations.Operation{
		DocumentID:  c.doc.ID(),
		BaseVersion: baseVersion,
		Components:  payload,
		SessionID:   sessionID,
		Seq:         seq,
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}

	prevSeq, err := s.beginSubmit(op)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		defer cancel()
	}

	committed, err := c.doc.Submit(ctx, op)
	if err != nil {
		s.abortSubmit(op, prevSeq)
		return nil, err
	}
	return committed, nil
}

// broadcast runs under the document lock for every commit.
func (c *Coordinator) broadcast(commit document.Commit) {
	op := commit.Operation

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastActive = time.Now()
	for id, s := range c.sessions {
		var ok bool
		if id == op.SessionID {
			ok = s.commitOwn(op)
		} else {
			ok = s.deliver(Event{Type: EventCommittedOp, Version: op.Version, Operation: op})
		}
		if !ok {
			delete(c.sessions, id)
			if s.close() {
				c.metrics.SessionClosed(context.Background())
				c.log.WithField("session", id).Warn("session fell behind, closing")
			}
		}
	}
}

// Disconnect closes a session. Outstanding operations are discarded;
// anything already committed stays committed.
func (c *Coordinator) Disconnect(sessionID string) error {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.lastActive = time.Now()
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: session %s on document %s", errs.ErrNotFound, sessionID, c.doc.ID())
	}
	if s.close() {
		c.metrics.SessionClosed(context.Background())
		c.log.WithField("session", sessionID).Debug("session disconnected")
	}
	return nil
}

// CloseAll disconnects every session.
func (c *Coordinator) CloseAll() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	for _, s := range sessions {
		if s.close() {
			c.metrics.SessionClosed(context.Background())
		}
	}
}

// ActiveSessions returns the number of open sessions.
func (c *Coordinator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// IdleSince reports when the coordinator last saw activity. The zero time
// is returned while sessions are open.
func (c *Coordinator) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) > 0 {
		return time.Time{}
	}
	return c.lastActive
}
