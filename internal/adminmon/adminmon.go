// Package adminmon is a read-only operator feed over a websocket,
// grounded on the teacher's session.go use of github.com/gorilla/websocket
// as a connection transport — repurposed here from a client data-plane
// transport into a fan-out feed of membership/leader/replication events.
// It cannot issue mutations; the data plane stays raw TCP (§6.1).
package adminmon

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
)

// Event is one observational record fanned out to every connected
// operator. Kind names what happened ("leader_change" or "replicated");
// Detail is kind-specific and JSON-encoded as-is.
type Event struct {
	Kind   string      `json:"kind"`
	Detail interface{} `json:"detail"`
	At     time.Time   `json:"at"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Feed accepts in-process Events (Publish) and broadcasts each to every
// currently connected operator websocket.
type Feed struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]chan Event
}

// NewFeed constructs an empty Feed.
func NewFeed() *Feed {
	return &Feed{clients: make(map[*websocket.Conn]chan Event)}
}

// Publish fans out an event to every connected operator. Never blocks on a
// slow reader: a client whose buffer is full simply misses the event.
func (f *Feed) Publish(kind string, detail interface{}) {
	ev := Event{Kind: kind, Detail: detail, At: timeNow()}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Handler upgrades to a websocket and streams events until the client
// disconnects. Wrapped in gorilla/handlers' combined log format, matching
// the teacher's habit of running its HTTP surfaces behind standard
// request logging middleware.
func (f *Feed) Handler() http.Handler {
	return handlers.CombinedLoggingHandler(os.Stdout, http.HandlerFunc(f.serveWS))
}

func (f *Feed) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("adminmon: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan Event, 32)
	f.mu.Lock()
	f.clients[conn] = ch
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.clients, conn)
		close(ch)
		f.mu.Unlock()
	}()

	// Drain client reads so a dropped connection is noticed promptly; this
	// feed takes no input from the operator beyond the initial upgrade.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// timeNow is its own function so tests can monkeypatch the clock without
// pulling time.Now into every Publish call site's expectations.
var timeNow = time.Now
