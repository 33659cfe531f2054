// Package client is TinyMQ's reference client library: a symmetric
// connect/subscribe/publish/receive API sharing the broker's packet
// framing and session contract.
package client

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/tinymq-io/tinymq/internal/logging"
	"github.com/tinymq-io/tinymq/internal/protocol"
)

// Handler is invoked for every PUB received on a subscribed topic. It
// runs on the client's background read-loop goroutine; a slow or
// blocking handler stalls delivery of further packets on this
// connection, so callers needing more should queue the work
// themselves.
type Handler func(topic string, message []byte)

// Client is a single TinyMQ connection: one client id, one socket.
type Client struct {
	id   string
	addr string
	log  logging.Logger

	mu   sync.Mutex
	conn net.Conn

	handlersMu sync.Mutex
	handlers   map[string]Handler

	writeMu sync.Mutex

	done chan struct{}
}

// New constructs a Client for the given client id and broker address
// ("host:port"). Call Connect to actually dial.
func New(id, addr string, log logging.Logger) *Client {
	if log == nil {
		log = logging.Noop{}
	}
	return &Client{
		id:       id,
		addr:     addr,
		log:      log,
		handlers: make(map[string]Handler),
	}
}

// Connect dials the broker, sends CONN with the configured client id,
// and starts the background read loop. It does not wait for CONNACK:
// the ack is advisory, not a handshake gate.
func (c *Client) Connect() error {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.done = make(chan struct{})

	if err := c.writeFrame(protocol.CONN, []byte(c.id)); err != nil {
		conn.Close()
		return err
	}

	go c.readLoop(conn, c.done)

	c.log.Log("Client", logging.Info, "connected",
		map[string]interface{}{"client_id": c.id, "addr": c.addr})
	return nil
}

// Disconnect closes the socket without sending any graceful packet —
// TinyMQ defines no DISCONN type, so the broker's only signal is the
// resulting EOF.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}

	conn.Close()
	if c.done != nil {
		<-c.done
	}

	c.log.Log("Client", logging.Success, "disconnected",
		map[string]interface{}{"client_id": c.id})
}

// Subscribe registers handler for topic and sends SUB. Any PUB for
// topic delivered before this call returns may already be in flight
// and will still reach handler once registered: a topic only ever
// yields an invocation if it has a registered handler at the time the
// PUB is processed.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.handlersMu.Lock()
	c.handlers[topic] = handler
	c.handlersMu.Unlock()

	return c.writeFrame(protocol.SUB, []byte(topic))
}

// Unsubscribe sends UNSUB and removes the local handler mapping.
func (c *Client) Unsubscribe(topic string) error {
	c.handlersMu.Lock()
	delete(c.handlers, topic)
	c.handlersMu.Unlock()

	return c.writeFrame(protocol.UNSUB, []byte(topic))
}

// Publish sends message to topic. The returned error reflects only
// whether the frame was written — PUBACK arrival is not awaited, since
// it is not a delivery receipt.
func (c *Client) Publish(topic string, message []byte) error {
	if len(topic) > 255 {
		return errors.New("client: topic exceeds 255 bytes")
	}
	return c.writeFrame(protocol.PUB, protocol.BuildPub([]byte(topic), message))
}

func (c *Client) writeFrame(typ protocol.Type, payload []byte) error {
	frame, err := protocol.Encode(typ, 0, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("client: not connected")
	}

	// Writes are serialized with writeMu the same way the broker
	// serializes a Session's outbound writes: a concurrent Publish and
	// Subscribe from different goroutines on the same Client must
	// never interleave their frame bytes.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = conn.Write(frame)
	return err
}

func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)

	header := make([]byte, protocol.HeaderLen)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Log("Client", logging.Error, "read error",
					map[string]interface{}{"client_id": c.id, "err": err.Error()})
			}
			return
		}

		h, err := protocol.DecodeHeader(header)
		if err != nil {
			return
		}

		var payload []byte
		if h.PayloadLength > 0 {
			payload = make([]byte, h.PayloadLength)
			if _, err := io.ReadFull(conn, payload); err != nil {
				c.log.Log("Client", logging.Error, "read error",
					map[string]interface{}{"client_id": c.id, "err": err.Error()})
				return
			}
		}

		c.dispatch(h.Type, payload)
	}
}

func (c *Client) dispatch(typ protocol.Type, payload []byte) {
	switch typ {
	case protocol.CONNACK, protocol.PUBACK, protocol.SUBACK, protocol.UNSUBACK:
		c.log.Log("Client", logging.Incoming, "ack received",
			map[string]interface{}{"client_id": c.id, "type": typ.String()})
	case protocol.PUB:
		topic, message, err := protocol.SplitPub(payload)
		if err != nil {
			c.log.Log("Client", logging.Warning, "malformed PUB, dropped",
				map[string]interface{}{"client_id": c.id})
			return
		}

		// Any PUB is consumed from the wire regardless of whether a
		// handler is registered; only a registered topic yields an
		// invocation.
		c.handlersMu.Lock()
		handler, ok := c.handlers[string(topic)]
		c.handlersMu.Unlock()

		if ok {
			handler(string(topic), message)
		}
	default:
		c.log.Log("Client", logging.Warning, "unsupported packet type",
			map[string]interface{}{"client_id": c.id, "type": uint8(typ)})
	}
}
