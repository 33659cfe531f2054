package broker

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinymq-io/tinymq/internal/logging"
	"github.com/tinymq-io/tinymq/internal/protocol"
)

// wsDial connects to a ServeWebsocket gateway, retrying until it is up,
// and returns the raw client-side *websocket.Conn. wsWriteFrame and
// wsReadFrame below speak TinyMQ frames inside binary WebSocket messages
// over it, against the wsConn adapter the broker uses on the accept side.
func wsDial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	url := "ws://" + addr + "/"

	var conn *websocket.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsWriteFrame(t *testing.T, conn *websocket.Conn, typ protocol.Type, payload []byte) {
	t.Helper()
	frame, err := protocol.Encode(typ, 0, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func wsReadFrame(t *testing.T, conn *websocket.Conn) protocol.Packet {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("got message type %d, want BinaryMessage", mt)
	}
	h, err := protocol.DecodeHeader(data[:protocol.HeaderLen])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	return protocol.Packet{Type: h.Type, Flags: h.Flags, Payload: data[protocol.HeaderLen:]}
}

func TestWebsocketGatewayPublishSubscribe(t *testing.T) {
	srv := NewServer("127.0.0.1:19201", 2, logging.Noop{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)

	if err := srv.ServeWebsocket("127.0.0.1:19301"); err != nil {
		t.Fatalf("ServeWebsocket: %v", err)
	}

	sub := wsDial(t, "127.0.0.1:19301")
	pub := wsDial(t, "127.0.0.1:19301")

	wsWriteFrame(t, sub, protocol.CONN, []byte(uuid.NewString()))
	if p := wsReadFrame(t, sub); p.Type != protocol.CONNACK {
		t.Fatalf("got %s, want CONNACK", p.Type)
	}
	wsWriteFrame(t, pub, protocol.CONN, []byte(uuid.NewString()))
	if p := wsReadFrame(t, pub); p.Type != protocol.CONNACK {
		t.Fatalf("got %s, want CONNACK", p.Type)
	}

	wsWriteFrame(t, sub, protocol.SUB, []byte("ws/topic"))
	if p := wsReadFrame(t, sub); p.Type != protocol.SUBACK {
		t.Fatalf("got %s, want SUBACK", p.Type)
	}

	wsWriteFrame(t, pub, protocol.PUB, protocol.BuildPub([]byte("ws/topic"), []byte("hello-ws")))
	if p := wsReadFrame(t, pub); p.Type != protocol.PUBACK {
		t.Fatalf("got %s, want PUBACK", p.Type)
	}

	p := wsReadFrame(t, sub)
	if p.Type != protocol.PUB {
		t.Fatalf("got %s, want PUB", p.Type)
	}
	topic, message, err := protocol.SplitPub(p.Payload)
	if err != nil {
		t.Fatalf("SplitPub: %v", err)
	}
	if string(topic) != "ws/topic" || string(message) != "hello-ws" {
		t.Fatalf("got topic=%q message=%q", topic, message)
	}
}
