// Package broker implements TinyMQ's core: the packet-dispatching
// Session state machine and the Registry it publishes/subscribes
// through, wired together by a Server that owns the TCP acceptor and
// worker pool.
package broker

import (
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/tinymq-io/tinymq/internal/ioruntime"
	"github.com/tinymq-io/tinymq/internal/logging"
)

// Server owns the TCP acceptor, the worker pool driving outbound
// writes, and the shared Registry. One Server per running broker
// process.
type Server struct {
	Addr    string // e.g. ":1505"
	Threads int    // worker pool size, default 4
	Log     logging.Logger

	Registry *Registry

	listener net.Listener
	pool     *ioruntime.Pool

	wg sync.WaitGroup

	liveMu sync.Mutex
	live   map[*Session]struct{}
}

// defaultPort is TinyMQ's default listen port.
const defaultPort = 1505

// defaultThreads is the worker pool's default size.
const defaultThreads = 4

// NewServer constructs a Server with defaults applied for any zero
// field, ready to Start.
func NewServer(addr string, threads int, log logging.Logger) *Server {
	if addr == "" {
		addr = portAddr(defaultPort)
	}
	if threads <= 0 {
		threads = defaultThreads
	}
	if log == nil {
		log = logging.Noop{}
	}

	return &Server{
		Addr:     addr,
		Threads:  threads,
		Log:      log,
		Registry: NewRegistry(log),
		live:     make(map[*Session]struct{}),
	}
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

// Start binds the acceptor and the worker pool, then runs the accept
// loop in a background goroutine. It returns once the listener is
// bound.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.listener = l
	s.pool = ioruntime.NewPool(s.Threads)

	s.Log.Log("Broker", logging.Success, "started",
		map[string]interface{}{"addr": l.Addr().String(), "threads": s.Threads})

	s.wg.Add(1)
	go s.acceptLoop(l)
	return nil
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed") {
				return
			}
			s.Log.Log("Broker", logging.Error, "accept error",
				map[string]interface{}{"err": err.Error()})
			return
		}

		s.Log.Log("Broker", logging.Incoming, "new connection",
			map[string]interface{}{"remote": conn.RemoteAddr().String()})

		s.wg.Add(1)
		go s.handle(conn)
	}
}

// handle is also the WebSocket gateway's dispatch target (see
// websocket.go): any net.Conn-shaped connection runs the identical
// Session state machine regardless of transport.
func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()

	sess := newSession(conn, s.Registry, s.pool, s.Log)

	s.liveMu.Lock()
	s.live[sess] = struct{}{}
	s.liveMu.Unlock()

	sess.Run()

	s.liveMu.Lock()
	delete(s.live, sess)
	s.liveMu.Unlock()
}

// Stop closes the acceptor, aborts every live session so each one
// observes a closed connection and unwinds, joins every session
// goroutine, stops the worker pool, and clears the registry. After
// Stop returns, both registry maps are empty and no worker goroutine
// is alive.
func (s *Server) Stop() {
	s.Log.Log("Broker", logging.Info, "stopping", nil)

	if s.listener != nil {
		s.listener.Close()
	}

	s.liveMu.Lock()
	for sess := range s.live {
		sess.close()
	}
	s.liveMu.Unlock()

	s.wg.Wait()

	if s.pool != nil {
		s.pool.Stop()
	}

	s.Registry.Clear()
	s.Log.Log("Broker", logging.Info, "stopped", nil)
}
