// Package events publishes committed operations to Kafka for downstream
// consumers (search indexing, audit, analytics). Publishing never blocks a
// commit: events go through a bounded local queue and are dropped when it
// is full or retries are exhausted.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"collab-engine/internal/document"
	"collab-engine/internal/operations"
)

// CommittedOp is the payload written to the topic, keyed by document id so
// a partition sees one document's operations in version order.
type CommittedOp struct {
	DocumentID  string                 `json:"document_id"`
	Version     int                    `json:"version"`
	BaseVersion int                    `json:"base_version"`
	SessionID   string                 `json:"session_id,omitempty"`
	Seq         uint64                 `json:"seq,omitempty"`
	Ops         []operations.Component `json:"ops"`
	CommittedAt time.Time              `json:"committed_at"`
}

// FromOperation builds the event for a committed operation.
func FromOperation(op *operations.Operation) CommittedOp {
	return CommittedOp{
		DocumentID:  op.DocumentID,
		Version:     op.Version,
		BaseVersion: op.BaseVersion,
		SessionID:   op.SessionID,
		Seq:         op.Seq,
		Ops:         op.Components,
		CommittedAt: time.Now().UTC(),
	}
}

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 10_000
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Second
	}
	return o
}

// Dispatcher sends events from a local queue on worker goroutines with
// bounded retry. A nil *Dispatcher accepts and discards everything.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	opts     Options
	log      logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
	queue  chan CommittedOp
	wg     sync.WaitGroup
}

// NewDispatcher starts the workers. The producer is owned by the caller.
func NewDispatcher(producer sarama.SyncProducer, topic string, opts Options, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.New()
	}
	opts = opts.withDefaults()
	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		opts:     opts,
		log:      log.WithFields(logrus.Fields{"component": "events", "topic": topic}),
		queue:    make(chan CommittedOp, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// TryEnqueue queues evt without blocking and reports whether it was
// accepted.
func (d *Dispatcher) TryEnqueue(evt CommittedOp) bool {
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- evt:
		return true
	default:
		d.log.WithFields(logrus.Fields{
			"doc":     evt.DocumentID,
			"version": evt.Version,
		}).Warn("event queue full, dropping event")
		return false
	}
}

// CommitHook publishes every commit of a document.
func (d *Dispatcher) CommitHook() document.CommitHook {
	return func(c document.Commit) {
		d.TryEnqueue(FromOperation(c.Operation))
	}
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt CommittedOp) {
	for attempt := 0; attempt <= d.opts.MaxRetry; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			return
		}
		if attempt == d.opts.MaxRetry {
			d.log.WithFields(logrus.Fields{
				"doc":     evt.DocumentID,
				"version": evt.Version,
				"worker":  workerID,
			}).WithError(err).Error("kafka send failed, dropping event")
			return
		}

		backoff := d.opts.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt CommittedOp) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocumentID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// Close stops accepting events and waits until the queue is flushed.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// NewSyncProducer builds a producer that waits for the leader's ack.
func NewSyncProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}
