// Package logging implements TinyMQ's "log an event at severity S with
// tag T and message M" hook on top of logrus.
package logging

import (
	log "github.com/sirupsen/logrus"
)

// Severity is one of TinyMQ's seven event severities. logrus has no
// native levels for success/incoming/outgoing/system, so those log at
// logrus' Info level with a "severity" field carrying the distinction.
type Severity string

const (
	Info     Severity = "info"
	Success  Severity = "success"
	Warning  Severity = "warning"
	Error    Severity = "error"
	Incoming Severity = "incoming"
	Outgoing Severity = "outgoing"
	System   Severity = "system"
)

// Logger is the core's logging hook: an event at severity S with
// source tag T and message M. How it's driven (console, file, nothing)
// is left to the caller.
type Logger interface {
	Log(tag string, sev Severity, msg string, fields map[string]interface{})
}

// Logrus adapts logrus as the Logger the broker, session, and client
// all log through.
type Logrus struct{}

func (Logrus) Log(tag string, sev Severity, msg string, fields map[string]interface{}) {
	f := make(log.Fields, len(fields)+1)
	for k, v := range fields {
		f[k] = v
	}
	f["tag"] = tag

	entry := log.WithFields(f)
	switch sev {
	case Error:
		entry.Error(msg)
	case Warning:
		entry.Warn(msg)
	case Info, Success, Incoming, Outgoing, System:
		f["severity"] = string(sev)
		log.WithFields(f).Info(msg)
	default:
		entry.Info(msg)
	}
}

// Noop discards everything; useful for tests that only care about
// broker behavior, not log output.
type Noop struct{}

func (Noop) Log(string, Severity, string, map[string]interface{}) {}
