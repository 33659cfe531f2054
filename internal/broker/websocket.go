package broker

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinymq-io/tinymq/internal/logging"
)

// ServeWebsocket upgrades incoming HTTP connections on addr to binary
// WebSocket and runs them through the exact same Session state machine
// as a raw TCP accept, via the wsConn adapter below. TinyMQ negotiates
// no subprotocol.
//
// This is additive: the raw TCP listener (Server.Start) always runs;
// ServeWebsocket only runs when the caller opts in to a second
// transport for browser-originated clients.
func (s *Server) ServeWebsocket(addr string) error {
	up := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	handler := func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			s.Log.Log("Broker", logging.Error, "websocket upgrade failed",
				map[string]interface{}{"err": err.Error()})
			http.Error(w, "websocket upgrade failed: "+err.Error(), http.StatusInternalServerError)
			return
		}

		s.wg.Add(1)
		go s.handle(&wsConn{Conn: conn})
	}

	go func() {
		if err := http.ListenAndServe(addr, http.HandlerFunc(handler)); err != nil {
			s.Log.Log("Broker", logging.Error, "websocket gateway stopped",
				map[string]interface{}{"err": err.Error()})
		}
	}()

	s.Log.Log("Broker", logging.Success, "websocket gateway started",
		map[string]interface{}{"addr": addr})
	return nil
}

// wsConn adapts a *websocket.Conn to net.Conn so Session.Run can read
// and write frames without knowing its connection came from a
// WebSocket rather than a raw socket.
type wsConn struct {
	*websocket.Conn
	r io.Reader
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			mt, r, err := c.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				return 0, errNotBinaryMessage
			}
			c.r = r
		}

		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetWriteDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetReadDeadline(t)
}

var errNotBinaryMessage = errors.New("tinymq: websocket message was not binary")
