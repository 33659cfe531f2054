package broker

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tinymq-io/tinymq/internal/ioruntime"
	"github.com/tinymq-io/tinymq/internal/logging"
	"github.com/tinymq-io/tinymq/internal/protocol"
)

// sessionState is the per-connection state machine:
// AwaitingConnect -> Authenticated -> Closed.
type sessionState int32

const (
	StateAwaitingConnect sessionState = iota
	StateAuthenticated
	StateClosed
)

// Session is one accepted TCP (or WebSocket, via the same net.Conn
// shape) connection: a socket, a client id, authentication state, and
// the buffered, serialized write path.
type Session struct {
	conn     net.Conn
	registry *Registry
	pool     *ioruntime.Pool
	log      logging.Logger

	clientID string // set once during handshake, read-only after
	state    int32  // sessionState, atomic

	writeMu   sync.Mutex
	outbox    [][]byte
	scheduled bool

	closeOnce sync.Once
}

// newSession wraps an accepted connection. The caller must call Run.
func newSession(conn net.Conn, registry *Registry, pool *ioruntime.Pool, log logging.Logger) *Session {
	return &Session{
		conn:     conn,
		registry: registry,
		pool:     pool,
		log:      log,
		state:    int32(StateAwaitingConnect),
	}
}

// ClientID returns the session's authenticated client id, or "" before
// CONN is received.
func (s *Session) ClientID() string { return s.clientID }

// State returns the session's current state.
func (s *Session) State() sessionState { return sessionState(atomic.LoadInt32(&s.state)) }

func (s *Session) remoteAddr() string {
	if s.conn == nil {
		return "unknown"
	}
	if a := s.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return "unknown"
}

// Run drives the per-connection read loop until the socket closes or
// fails. It never returns until the session has reached StateClosed
// and has been removed from the registry.
func (s *Session) Run() {
	defer s.close()

	header := make([]byte, protocol.HeaderLen)
	for {
		if _, err := io.ReadFull(s.conn, header); err != nil {
			s.logReadEnd(err)
			return
		}

		h, err := protocol.DecodeHeader(header)
		if err != nil {
			// Unreachable in practice: ReadFull already guarantees
			// HeaderLen bytes, but kept to contain any codec error to
			// this session rather than letting it escape.
			s.log.Log("Session", logging.Error, "header decode failed",
				map[string]interface{}{"client_id": s.clientID, "err": err.Error()})
			return
		}

		var payload []byte
		if h.PayloadLength > 0 {
			payload = make([]byte, h.PayloadLength)
			if _, err := io.ReadFull(s.conn, payload); err != nil {
				s.logReadEnd(err)
				return
			}
		}

		s.dispatch(protocol.Packet{Type: h.Type, Flags: h.Flags, Payload: payload})
	}
}

func (s *Session) logReadEnd(err error) {
	if errors.Is(err, io.EOF) {
		return // normal close, not an error
	}
	s.log.Log("Session", logging.Error, "read error",
		map[string]interface{}{"client_id": s.clientID, "err": err.Error()})
}

// dispatch routes one decoded packet to its handler per the session's
// current state.
func (s *Session) dispatch(p protocol.Packet) {
	if !p.Type.Known() {
		s.log.Log("Session", logging.Warning, "unsupported packet type",
			map[string]interface{}{"client_id": s.clientID, "type": uint8(p.Type)})
		return
	}

	authenticated := s.State() == StateAuthenticated

	switch p.Type {
	case protocol.CONN:
		if authenticated {
			s.log.Log("Session", logging.Warning, "duplicate CONN ignored",
				map[string]interface{}{"client_id": s.clientID})
			return
		}
		s.handleConnect(p)
	case protocol.PUB:
		if !authenticated {
			s.logUnauthenticated("PUB")
			return
		}
		s.handlePublish(p)
	case protocol.SUB:
		if !authenticated {
			s.logUnauthenticated("SUB")
			return
		}
		s.handleSubscribe(p)
	case protocol.UNSUB:
		if !authenticated {
			s.logUnauthenticated("UNSUB")
			return
		}
		s.handleUnsubscribe(p)
	default:
		// CONNACK/PUBACK/SUBACK/UNSUBACK are broker->client only; a
		// client sending one is simply unsupported in this direction.
		s.log.Log("Session", logging.Warning, "unsupported packet type for this direction",
			map[string]interface{}{"client_id": s.clientID, "type": p.Type.String()})
	}
}

func (s *Session) logUnauthenticated(op string) {
	s.log.Log("Session", logging.Warning, "unauthenticated "+op+" dropped",
		map[string]interface{}{"remote": s.remoteAddr()})
}

func (s *Session) handleConnect(p protocol.Packet) {
	if len(p.Payload) == 0 {
		s.log.Log("Session", logging.Error, "CONN with empty client id, closing",
			map[string]interface{}{"remote": s.remoteAddr()})
		s.close()
		return
	}

	s.clientID = string(p.Payload)
	atomic.StoreInt32(&s.state, int32(StateAuthenticated))

	s.log.Log("Session", logging.Success, "client connected",
		map[string]interface{}{"client_id": s.clientID, "remote": s.remoteAddr()})

	s.registry.Register(s)
	s.sendAck(protocol.CONNACK)
}

func (s *Session) handlePublish(p protocol.Packet) {
	topic, message, err := protocol.SplitPub(p.Payload)
	if err != nil {
		s.log.Log("Session", logging.Warning, "malformed PUB, dropped",
			map[string]interface{}{"client_id": s.clientID})
		return
	}

	s.log.Log("Session", logging.Outgoing, "publish",
		map[string]interface{}{
			"client_id": s.clientID,
			"topic":     string(topic),
			"preview":   previewMessage(message),
		})

	s.registry.Publish(string(topic), message)
	s.sendAck(protocol.PUBACK)
}

func (s *Session) handleSubscribe(p protocol.Packet) {
	if len(p.Payload) == 0 {
		return // topic of 0 bytes: silently ignored
	}

	s.registry.Subscribe(s, string(p.Payload))
	s.sendAck(protocol.SUBACK)
}

func (s *Session) handleUnsubscribe(p protocol.Packet) {
	if len(p.Payload) == 0 {
		return
	}

	s.registry.Unsubscribe(s, string(p.Payload))
	s.sendAck(protocol.UNSUBACK)
}

func (s *Session) sendAck(typ protocol.Type) {
	frame, err := protocol.Encode(typ, 0, nil)
	if err != nil {
		return // never fails for an empty payload
	}
	s.send(frame)
}

// send enqueues an already-encoded frame and schedules a flush on the
// worker pool if one isn't already in flight for this session: at most
// one flush goroutine drains s.outbox at a time, so concurrent
// fan-outs from different publishers never interleave bytes on the
// wire.
func (s *Session) send(frame []byte) {
	if s.State() == StateClosed {
		return
	}

	s.writeMu.Lock()
	s.outbox = append(s.outbox, frame)
	already := s.scheduled
	s.scheduled = true
	s.writeMu.Unlock()

	if !already {
		s.pool.Submit(s.flush)
	}
}

// flush drains the outbox, writing each queued frame to the socket. If
// more frames arrive while flushing, it keeps draining instead of
// yielding the "scheduled" slot, so no second flush job is ever queued
// for this session concurrently.
func (s *Session) flush() {
	for {
		s.writeMu.Lock()
		if len(s.outbox) == 0 {
			s.scheduled = false
			s.writeMu.Unlock()
			return
		}
		pending := s.outbox
		s.outbox = nil
		s.writeMu.Unlock()

		for _, frame := range pending {
			if _, err := s.conn.Write(frame); err != nil {
				s.log.Log("Session", logging.Error, "write error",
					map[string]interface{}{"client_id": s.clientID, "err": err.Error()})
				s.close()
				return
			}
		}
	}
}

// close transitions the session to Closed, closes the socket, and
// removes it from the registry. Idempotent.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.state, int32(StateClosed))
		s.conn.Close()
		s.registry.Remove(s)
	})
}

// previewMessage renders up to the first 20 bytes of a message as a
// printable preview for logging: non-printable bytes become '?',
// "..." is appended if truncated.
func previewMessage(b []byte) string {
	const max = 20
	n := len(b)
	truncated := n > max
	if truncated {
		n = max
	}

	out := make([]byte, n)
	for i := 0; i < n; i++ {
		c := b[i]
		if c >= 0x20 && c < 0x7f {
			out[i] = c
		} else {
			out[i] = '?'
		}
	}

	if truncated {
		return string(out) + "..."
	}
	return string(out)
}
