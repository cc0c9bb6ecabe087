// Package notify is a pluggable best-effort push-notification registry,
// grounded directly on the teacher's server/push package: a Handler
// interface, a name-keyed Register call, and a fire-and-forget Push that
// drops the message rather than blocking when a handler's channel is full.
//
// Unlike the teacher, there is no topic/subscription model here — a
// Receipt names exactly one recipient username and carries the message
// that was queued for later delivery.
package notify

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/replikit/chatcluster/internal/chatstate"
)

// Receipt is the payload delivered to a push backend.
type Receipt struct {
	Username    string `json:"username"`
	DeviceToken string `json:"device_token"`
	Sender      string `json:"sender"`
	Preview     string `json:"preview"`
}

// Handler is implemented by each concrete push backend (fcm, sns).
type Handler interface {
	// Init configures the handler from its slice of the config file.
	Init(jsonconf string) error
	// IsReady reports whether Init succeeded and the handler is usable.
	IsReady() bool
	// Push returns the channel the registry sends receipts on.
	Push() chan<- *Receipt
	// Stop shuts the handler down.
	Stop()
}

type configEntry struct {
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config"`
}

// Registry dispatches receipts to every ready handler.
type Registry struct {
	mu       sync.RWMutex
	lookup   func(username string) (deviceToken string, ok bool)
	handlers map[string]Handler
}

// NewRegistry builds an empty registry with a no-op lookup. Call
// SetLookup once the caller has something to resolve a username to its
// device token with — typically a *chatstate.StateMachine, constructed
// after the registry since the StateMachine takes the registry as its
// Notifier.
func NewRegistry() *Registry {
	return &Registry{
		lookup:   func(string) (string, bool) { return "", false },
		handlers: make(map[string]Handler),
	}
}

// SetLookup installs the device-token resolver. Safe to call after
// NotifyOffline has started being invoked concurrently.
func (r *Registry) SetLookup(lookup func(username string) (string, bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookup = lookup
}

// Register adds a named backend. Panics on a duplicate name or nil
// handler, matching the teacher's push.Register contract.
func (r *Registry) Register(name string, h Handler) {
	if h == nil {
		panic("notify: Register called with nil handler")
	}
	if _, dup := r.handlers[name]; dup {
		panic("notify: Register called twice for " + name)
	}
	r.handlers[name] = h
}

// Init parses jsonconf (a JSON array of {name, config}) and initializes
// every registered handler named in it.
func (r *Registry) Init(jsonconf string) error {
	if jsonconf == "" {
		return nil
	}
	var entries []configEntry
	if err := json.Unmarshal([]byte(jsonconf), &entries); err != nil {
		return errors.New("notify: failed to parse config: " + err.Error())
	}
	for _, e := range entries {
		if h := r.handlers[e.Name]; h != nil {
			if err := h.Init(string(e.Config)); err != nil {
				return err
			}
		}
	}
	return nil
}

// NotifyOffline implements chatstate.Notifier. It never blocks the caller
// for longer than a non-blocking channel send and never propagates a
// backend failure to the mutation that triggered it.
func (r *Registry) NotifyOffline(receiver string, msg chatstate.Message) {
	r.mu.RLock()
	lookup := r.lookup
	r.mu.RUnlock()

	token, ok := lookup(receiver)
	if !ok || token == "" {
		return
	}
	receipt := &Receipt{Username: receiver, DeviceToken: token, Sender: msg.Sender, Preview: preview(msg.Body)}
	for name, h := range r.handlers {
		if !h.IsReady() {
			continue
		}
		select {
		case h.Push() <- receipt:
		default:
			log.Printf("notify: %s backend busy, dropping push for %s", name, receiver)
		}
	}
}

// Stop shuts down every ready handler.
func (r *Registry) Stop() {
	for _, h := range r.handlers {
		if h.IsReady() {
			h.Stop()
		}
	}
}

func preview(body string) string {
	const max = 80
	if len(body) <= max {
		return body
	}
	return body[:max] + "…"
}
