package client_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tinymq-io/tinymq/client"
	"github.com/tinymq-io/tinymq/internal/broker"
	"github.com/tinymq-io/tinymq/internal/logging"
)

func newClientOn(t *testing.T, addr string) *client.Client {
	t.Helper()
	c := client.New(uuid.NewString(), addr, logging.Noop{})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func TestClientPublishSubscribeRoundTrip(t *testing.T) {
	addr := fixedAddr(t)
	srv := broker.NewServer(addr, 2, logging.Noop{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)

	sub := newClientOn(t, addr)
	pub := newClientOn(t, addr)

	received := make(chan string, 1)
	if err := sub.Subscribe("room/temp", func(topic string, message []byte) {
		received <- string(message)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Subscribe's SUB frame and the broker's processing of it are
	// asynchronous; give it a moment to land before publishing.
	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish("room/temp", []byte("21C")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if got != "21C" {
			t.Fatalf("got %q, want 21C", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestClientUnsubscribeStopsDelivery(t *testing.T) {
	addr := fixedAddr(t)
	srv := broker.NewServer(addr, 2, logging.Noop{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)

	sub := newClientOn(t, addr)
	pub := newClientOn(t, addr)

	received := make(chan string, 4)
	sub.Subscribe("room/temp", func(topic string, message []byte) {
		received <- string(message)
	})
	time.Sleep(100 * time.Millisecond)

	if err := sub.Unsubscribe("room/temp"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	pub.Publish("room/temp", []byte("ignored"))

	select {
	case got := <-received:
		t.Fatalf("handler invoked after Unsubscribe with %q", got)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClientDisconnectThenPublishFails(t *testing.T) {
	addr := fixedAddr(t)
	srv := broker.NewServer(addr, 2, logging.Noop{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)

	c := client.New(uuid.NewString(), addr, logging.Noop{})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Disconnect()

	if err := c.Publish("topic", []byte("x")); err == nil {
		t.Fatal("expected Publish to fail after Disconnect")
	}
}

// fixedAddr hands out a distinct loopback port per test so broker.Server
// (which is dialed by address, not by listener handle, from this
// external test package) can bind deterministically.
var fixedAddrCounter = 17000

func fixedAddr(t *testing.T) string {
	t.Helper()
	fixedAddrCounter++
	return "127.0.0.1:" + strconv.Itoa(fixedAddrCounter)
}
