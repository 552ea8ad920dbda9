package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collab-engine/internal/errs"
	"collab-engine/internal/registry"
	"collab-engine/internal/session"
)

const (
	writeWait      = 10 * time.Second    // Maximum time to write a message
	pongWait       = 60 * time.Second    // Time to wait for pong response
	pingPeriod     = (pongWait * 9) / 10 // Ping interval (must be < pongWait)
	maxMessageSize = 512 * 1024          // Maximum message size (512KB)
	sendBuffer     = 64
)

// Client is one WebSocket connection bound to one session. ReadPump turns
// incoming frames into acks and submits; WritePump streams session events
// and hub notices back.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	documentID string
	name       string

	lease   *registry.Lease
	session *session.Session

	sendMu sync.Mutex
	send   chan []byte // hub notices and error replies
	closed bool
}

// NewClient creates a new Client instance. lease and sess may be nil in
// tests that only exercise hub bookkeeping.
func NewClient(hub *Hub, conn *websocket.Conn, lease *registry.Lease, sess *session.Session, name string) *Client {
	c := &Client{
		hub:     hub,
		conn:    conn,
		name:    name,
		lease:   lease,
		session: sess,
		send:    make(chan []byte, sendBuffer),
	}
	if sess != nil {
		c.documentID = sess.DocumentID()
	}
	return c
}

func (c *Client) sessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID()
}

func (c *Client) logger() logrus.FieldLogger {
	return c.hub.log.WithFields(logrus.Fields{"doc": c.documentID, "session": c.sessionID()})
}

// enqueue queues a frame without blocking; it is dropped when the buffer
// is full or the client is gone.
func (c *Client) enqueue(frame []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.logger().Warn("send buffer full, dropping notice")
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) reply(msg *Message) {
	data, err := msg.ToBytes()
	if err != nil {
		c.logger().WithError(err).Error("reply serialization failed")
		return
	}
	c.enqueue(data)
}

// ReadPump reads messages from the WebSocket and feeds them to the
// session. It runs until the connection closes, then disconnects the
// session and releases the document.
func (c *Client) ReadPump() {
	coord := c.lease.Coordinator()
	defer func() {
		c.hub.Unregister(c)
		_ = coord.Disconnect(c.sessionID())
		c.lease.Release()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger().WithError(err).Info("unexpected websocket close")
			}
			return
		}
		c.handle(coord, data)
	}
}

func (c *Client) handle(coord *session.Coordinator, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger().WithField("panic", r).Error("message handler panicked")
			c.reply(NewErrorMessage(0, errors.New("internal error")))
		}
	}()

	msg, err := MessageFromBytes(data)
	if err != nil {
		c.reply(NewErrorMessage(0, err))
		return
	}

	switch msg.Type {
	case MsgTypeAck:
		if err := coord.Acknowledge(c.sessionID()); err != nil {
			c.reply(NewErrorMessage(0, err))
		}

	case MsgTypeOperation:
		// The coordinator applies its own deadline to the durable write.
		op, err := coord.Submit(context.Background(), c.sessionID(), msg.BaseVersion, msg.Seq, msg.Ops)
		if err != nil {
			c.logger().WithError(err).WithField("seq", msg.Seq).Debug("submit rejected")
			c.reply(NewErrorMessage(msg.Seq, err))
			return
		}
		c.logger().WithFields(logrus.Fields{"seq": msg.Seq, "version": op.Version}).Debug("operation committed")

	default:
		c.reply(NewErrorMessage(0, errs.ErrMalformedOperation))
	}
}

// WritePump sends session events and hub notices to the WebSocket.
// It also sends periodic pings to detect disconnected clients.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	events := c.session.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// The session was closed by the server: slow consumer,
				// deleted document or shutdown.
				c.writeClose()
				return
			}
			data, err := EventMessage(c.documentID, ev).ToBytes()
			if err != nil {
				c.logger().WithError(err).Error("event serialization failed")
				continue
			}
			if err := c.write(data); err != nil {
				return
			}

		case message, ok := <-c.send:
			if !ok {
				c.writeClose()
				return
			}
			if err := c.write(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) writeClose() {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
