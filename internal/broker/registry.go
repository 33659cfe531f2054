package broker

import (
	"sync"

	"github.com/tinymq-io/tinymq/internal/logging"
	"github.com/tinymq-io/tinymq/internal/protocol"
)

// Registry is the broker's two shared maps: client-id -> Session and
// topic -> ordered subscriber list, plus the fan-out algorithm over
// them.
type Registry struct {
	log logging.Logger

	sessionsMu sync.Mutex
	sessions   map[string]*Session // client-id -> owning session

	topicsMu sync.Mutex
	topics   map[string][]*Session // topic -> ordered, deduplicated subscribers
}

// NewRegistry creates an empty registry.
func NewRegistry(log logging.Logger) *Registry {
	if log == nil {
		log = logging.Noop{}
	}
	return &Registry{
		log:      log,
		sessions: make(map[string]*Session),
		topics:   make(map[string][]*Session),
	}
}

// Register installs s under its client id, displacing any prior
// session owning that id. Lock order: sessionsMu then topicsMu, always,
// so this and Remove never deadlock against each other.
func (r *Registry) Register(s *Session) {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	if old, ok := r.sessions[s.clientID]; ok && old != s {
		r.log.Log("Broker", logging.Warning, "client id already in use, displacing old session",
			map[string]interface{}{"client_id": s.clientID})
		r.topicsMu.Lock()
		r.removeFromTopics(old)
		r.topicsMu.Unlock()
	}

	r.sessions[s.clientID] = s
	r.log.Log("Broker", logging.Success, "session registered",
		map[string]interface{}{"client_id": s.clientID})
}

// Remove erases s from both maps. No-op if s's client id is empty
// (never registered). If a newer session has already displaced s, the
// client-id entry is left to the newer session and only s's own topic
// subscriptions are removed.
func (r *Registry) Remove(s *Session) {
	if s.clientID == "" {
		return
	}

	r.sessionsMu.Lock()
	if cur, ok := r.sessions[s.clientID]; ok && cur == s {
		delete(r.sessions, s.clientID)
	}
	r.sessionsMu.Unlock()

	r.topicsMu.Lock()
	r.removeFromTopics(s)
	r.topicsMu.Unlock()

	r.log.Log("Broker", logging.Info, "session removed",
		map[string]interface{}{"client_id": s.clientID})
}

// removeFromTopics deletes s from every topic's subscriber list by
// identity. Callers must hold topicsMu.
func (r *Registry) removeFromTopics(s *Session) {
	for topic, subs := range r.topics {
		filtered := subs[:0]
		for _, sub := range subs {
			if sub != s {
				filtered = append(filtered, sub)
			}
		}
		if len(filtered) == 0 {
			delete(r.topics, topic)
		} else {
			r.topics[topic] = filtered
		}
	}
}

// Subscribe appends s to topic's subscriber list if not already
// present. Idempotent.
func (r *Registry) Subscribe(s *Session, topic string) {
	r.topicsMu.Lock()
	defer r.topicsMu.Unlock()

	subs := r.topics[topic]
	for _, sub := range subs {
		if sub == s {
			return
		}
	}
	r.topics[topic] = append(subs, s)

	r.log.Log("Topic", logging.Info, "client subscribed",
		map[string]interface{}{"client_id": s.clientID, "topic": topic})
}

// Unsubscribe removes s from topic's subscriber list, deleting the
// topic entry entirely if it becomes empty.
func (r *Registry) Unsubscribe(s *Session, topic string) {
	r.topicsMu.Lock()
	defer r.topicsMu.Unlock()

	subs, ok := r.topics[topic]
	if !ok {
		return
	}

	filtered := subs[:0]
	for _, sub := range subs {
		if sub != s {
			filtered = append(filtered, sub)
		}
	}
	if len(filtered) == 0 {
		delete(r.topics, topic)
	} else {
		r.topics[topic] = filtered
	}

	r.log.Log("Topic", logging.Info, "client unsubscribed",
		map[string]interface{}{"client_id": s.clientID, "topic": topic})
}

// Publish snapshots topic's current subscribers under the topics lock,
// releases the lock, then sends one PUB frame to each in snapshot
// order. No lock is held across sends, so a slow writer never blocks
// other publishers. A subscriber that unsubscribes between the
// snapshot and its send completing may still receive this one last
// message; that's accepted.
func (r *Registry) Publish(topic string, message []byte) {
	r.topicsMu.Lock()
	subs := append([]*Session(nil), r.topics[topic]...)
	r.topicsMu.Unlock()

	if len(subs) == 0 {
		r.log.Log("Topic", logging.Info, "no subscribers for topic",
			map[string]interface{}{"topic": topic})
		return
	}

	payload := protocol.BuildPub([]byte(topic), message)
	frame, err := protocol.Encode(protocol.PUB, 0, payload)
	if err != nil {
		r.log.Log("Topic", logging.Error, "failed to encode PUB for fan-out",
			map[string]interface{}{"topic": topic, "err": err.Error()})
		return
	}

	r.log.Log("Topic", logging.Outgoing, "publishing to subscribers",
		map[string]interface{}{"topic": topic, "subscribers": len(subs)})

	for _, sub := range subs {
		sub.send(frame)
	}
}

// Len reports the number of registered client ids.
func (r *Registry) Len() int {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	return len(r.sessions)
}

// Clear empties both maps, used on broker shutdown.
func (r *Registry) Clear() {
	r.sessionsMu.Lock()
	r.sessions = make(map[string]*Session)
	r.sessionsMu.Unlock()

	r.topicsMu.Lock()
	r.topics = make(map[string][]*Session)
	r.topicsMu.Unlock()
}
