// Command tinymqd runs the TinyMQ broker: flag parsing, the optional
// OS-service wrapper, and the handoff into broker.Server.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"

	"github.com/tinymq-io/tinymq/config"
	"github.com/tinymq-io/tinymq/internal/broker"
	"github.com/tinymq-io/tinymq/internal/logging"
)

type program struct {
	server *broker.Server
	cfg    *config.Config
	wsAddr string
}

// Start is called by the service manager (or directly, when running
// interactively) once the process should begin serving. It must not
// block; the broker's accept loop already runs in its own goroutine.
func (p *program) Start(s service.Service) error {
	if err := p.server.Start(); err != nil {
		return err
	}
	if p.wsAddr != "" {
		if err := p.server.ServeWebsocket(p.wsAddr); err != nil {
			return err
		}
	}
	return nil
}

// Stop is called on shutdown. It routes through the service manager's
// own lifecycle rather than a package-level broker pointer plus a
// signal handler.
func (p *program) Stop(s service.Service) error {
	p.server.Stop()
	return nil
}

func main() {
	port := flag.Int("port", config.DefaultPort, "TCP port to listen on")
	threads := flag.Int("threads", config.DefaultThreads, "worker pool size")
	wsAddr := flag.String("ws", "", "optional WebSocket gateway address (host:port)")
	cnfFlag := flag.String("c", "", "path of JSON config file")
	svcFlag := flag.String("service", "", "control the system service (install/uninstall/start/stop)")
	flag.Usage = usage
	flag.Parse()

	cfg := config.New()
	cfg.TCP.Address = fmt.Sprintf(":%d", *port)
	cfg.Threads = *threads
	cfg.WS.Address = *wsAddr

	if *cnfFlag != "" {
		if err := cfg.LoadFromFile(*cnfFlag); err != nil {
			log.Fatal(err)
		}
	}

	if service.Interactive() {
		log.SetLevel(log.DebugLevel)
	} else if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatal(err)
		}
		log.SetOutput(f)
	}

	if cfg.Log.Level != "" {
		lvl, err := log.ParseLevel(cfg.Log.Level)
		if err != nil {
			log.Fatal(err)
		}
		log.SetLevel(lvl)
	}

	srv := broker.NewServer(cfg.TCP.Address, cfg.Threads, logging.Logrus{})
	prg := &program{server: srv, cfg: cfg, wsAddr: cfg.WS.Address}

	svcConfig := &service.Config{
		Name:        "tinymqd",
		DisplayName: "TinyMQ Broker",
		Description: "TinyMQ publish/subscribe broker.",
	}

	svc, err := service.New(prg, svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	if *svcFlag != "" {
		if err := service.Control(svc, *svcFlag); err != nil {
			log.Printf("valid actions: %q", service.ControlAction)
			log.Fatal(err)
		}
		return
	}

	if err := svc.Run(); err != nil {
		log.Fatal(err)
		os.Exit(1)
	}
}

func usage() {
	exe := filepath.Base(os.Args[0])
	fmt.Fprintln(os.Stderr, "TinyMQ Broker")
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", exe)
	fmt.Fprintln(os.Stderr, "Options:")
	fmt.Fprintln(os.Stderr, "  --port PORT       Set the port number (default: 1505)")
	fmt.Fprintln(os.Stderr, "  --threads N       Set thread pool size (default: 4)")
	fmt.Fprintln(os.Stderr, "  --ws ADDR         Also serve a WebSocket gateway on host:port")
	fmt.Fprintln(os.Stderr, "  --c PATH          Load a JSON config file")
	fmt.Fprintln(os.Stderr, "  --help            Show this help message")
}
