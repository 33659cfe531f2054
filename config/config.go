// Package config loads TinyMQ's broker configuration.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
)

// Config is the broker's full configuration surface.
type Config struct {
	// TCP is the address the broker listens on for raw TCP clients, in
	// "host:port" form. Defaults to ":1505".
	TCP struct {
		Address string `json:"address"`
	} `json:"tcp"`

	// WS optionally specifies an address for a WebSocket gateway
	// (internal/broker/websocket.go). Empty disables it.
	WS struct {
		Address string `json:"address"`
	} `json:"ws"`

	// Threads is the I/O worker pool size. Defaults to 4.
	Threads int `json:"threads"`

	// Log configures optional log output file as well as the log level.
	Log struct {
		File  string `json:"file"`
		Level string `json:"level"`
	} `json:"log"`
}

// DefaultPort is TinyMQ's default TCP listen port.
const DefaultPort = 1505

// DefaultThreads is the worker pool's default size.
const DefaultThreads = 4

// New returns a Config with defaults applied.
func New() *Config {
	c := &Config{}
	c.TCP.Address = ":" + strconv.Itoa(DefaultPort)
	c.Threads = DefaultThreads
	return c
}

// LoadFromFile reads and validates a JSON config file.
func (c *Config) LoadFromFile(fPath string) error {
	f, err := os.Open(fPath)
	if err != nil {
		return errors.New("error opening config file: " + err.Error())
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(c); err != nil {
		return errors.New("error reading config file: " + err.Error())
	}

	return c.validate()
}

func (c *Config) validate() error {
	if c.TCP.Address == "" {
		c.TCP.Address = ":" + strconv.Itoa(DefaultPort)
	} else if !strings.Contains(c.TCP.Address, ":") {
		c.TCP.Address += ":" + strconv.Itoa(DefaultPort)
	}

	if c.WS.Address != "" && !strings.Contains(c.WS.Address, ":") {
		return errors.New("ws.address must include a port")
	}

	if c.Threads <= 0 {
		c.Threads = DefaultThreads
	}

	if c.Log.Level != "" {
		switch strings.ToLower(c.Log.Level) {
		case "error", "warn", "info", "debug":
		default:
			return errors.New("unknown log level: " + c.Log.Level)
		}
	}

	return nil
}
