// Package session drives the connect/sync/submit protocol between clients
// and a shared document.
package session

import (
	"sync"

	"collab-engine/internal/operations"
)

// State is the lifecycle stage of a session.
type State int

const (
	StateConnecting State = iota
	StateSyncing          // initial state delivered, waiting for the client ack
	StateLive             // accepting submits
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventType identifies an outbound event.
type EventType string

const (
	// EventInit carries full content and version. Sent on a fresh connect or
	// when the client's version can no longer be replayed.
	EventInit EventType = "init"
	// EventCommittedOp carries one committed operation.
	EventCommittedOp EventType = "committed-op"
	// EventSynced ends a reconnect replay.
	EventSynced EventType = "synced"
	// EventAck confirms the originator's operation. Operation is set only
	// when the committed form differs from what was submitted.
	EventAck EventType = "ack"
)

// Event is a message on a session's outbound stream.
type Event struct {
	Type      EventType
	Content   string
	Version   int
	Seq       uint64
	Operation *operations.Operation
}

// Session is one client connection to one document. Its outstanding queue
// belongs to the session alone.
type Session struct {
	id         string
	documentID string
	events     chan Event

	mu           sync.Mutex
	state        State
	ackedVersion int
	lastSeq      uint64
	outstanding  []*operations.Operation
}

func newSession(id, documentID string, buffer int) *Session {
	return &Session{
		id:         id,
		documentID: documentID,
		events:     make(chan Event, buffer),
		state:      StateConnecting,
	}
}

func (s *Session) ID() string         { return s.id }
func (s *Session) DocumentID() string { return s.documentID }

// Events is closed when the session closes.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AckedVersion is the highest version delivered to or acknowledged for the
// client.
func (s *Session) AckedVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackedVersion
}

// Outstanding returns the number of submitted operations not yet committed.
func (s *Session) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

// deliver queues ev without blocking. It reports false when the session is
// closed or its buffer is full.
func (s *Session) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliverLocked(ev)
}

func (s *Session) deliverLocked(ev Event) bool {
	if s.state == StateClosed {
		return false
	}
	select {
	case s.events <- ev:
		if ev.Version > s.ackedVersion {
			s.ackedVersion = ev.Version
		}
		return true
	default:
		return false
	}
}

// close ends the session and discards outstanding operations. It reports
// whether this call closed it.
func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	s.outstanding = nil
	close(s.events)
	return true
}

// commitOwn settles the originator's outstanding op committed as op.
func (s *Session) commitOwn(op *operations.Operation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ack := Event{Type: EventAck, Version: op.Version, Seq: op.Seq}
	for i, pending := range s.outstanding {
		if pending.Seq != op.Seq {
			continue
		}
		if !pending.Equal(op) {
			ack.Operation = op
		}
		s.outstanding = append(s.outstanding[:i], s.outstanding[i+1:]...)
		break
	}
	return s.deliverLocked(ack)
}

func (s *Session) beginSubmit(op *operations.Operation) (prevSeq uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateLive {
		return 0, errInvalidState(s.id, s.state)
	}
	if op.Seq <= s.lastSeq {
		return 0, errStaleSeq(s.id, op.Seq, s.lastSeq)
	}
	prevSeq = s.lastSeq
	s.lastSeq = op.Seq
	s.outstanding = append(s.outstanding, op)
	return prevSeq, nil
}

func (s *Session) abortSubmit(op *operations.Operation, prevSeq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, pending := range s.outstanding {
		if pending == op {
			s.outstanding = append(s.outstanding[:i], s.outstanding[i+1:]...)
			break
		}
	}
	if s.lastSeq == op.Seq {
		s.lastSeq = prevSeq
	}
}
