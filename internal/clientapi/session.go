// Package clientapi is the ClientEndpoint (§4.2): the raw-TCP listener
// client sessions connect to, and the per-connection Session state that
// pumps envelopes in and out of it. Grounded on the teacher's
// server/session.go (Session, queueOut, a buffered send channel drained by
// its own goroutine) generalized down from tinode's multi-transport
// (websocket/long-poll/grpc) Session to the single raw-TCP transport the
// spec mandates.
package clientapi

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/replikit/chatcluster/internal/wire"
)

// sendBuffer is how many outbound envelopes a Session will queue before
// queueOut starts dropping the connection — mirroring the teacher's
// bounded send channel rather than letting a stalled client back up the
// whole StateMachine.
const sendBuffer = 64

// sendTimeout bounds how long queueOut will wait for room in the send
// channel before giving up on a slow reader, the same role
// session.go's 50-microsecond timeout plays for the teacher, widened
// because our frames are larger JSON blobs rather than tiny control
// packets.
const sendTimeout = 200 * time.Millisecond

// Session is one client connection. Exactly one session is ever
// logged-in as a given username at a time (§4.1); the remoteAddr is the
// key the StateMachine uses to force-logout on disconnect.
type Session struct {
	conn       net.Conn
	remoteAddr string

	send     chan *wire.Envelope
	stop     chan struct{}
	closeOnce sync.Once

	// username is set once this session successfully authenticates
	// (create or login) and cleared on logout or account deletion. The
	// disconnect cleanup does not use it; it matches users by remoteAddr.
	username string
}

func newSession(conn net.Conn) *Session {
	return &Session{
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		send:       make(chan *wire.Envelope, sendBuffer),
		stop:       make(chan struct{}),
	}
}

// queueOut enqueues env for the write pump. It never blocks the caller
// for longer than sendTimeout; a session that cannot keep up is closed
// rather than allowed to stall the operation that produced env.
func (s *Session) queueOut(env *wire.Envelope) bool {
	select {
	case s.send <- env:
		return true
	case <-time.After(sendTimeout):
		log.Printf("clientapi: session %s send timeout, closing", s.remoteAddr)
		s.close()
		return false
	case <-s.stop:
		return false
	}
}

// writePump drains send onto the socket until the session is stopped or
// the connection breaks.
func (s *Session) writePump() {
	for {
		select {
		case env := <-s.send:
			if err := wire.WriteEnvelope(s.conn, env); err != nil {
				s.close()
				return
			}
		case <-s.stop:
			return
		}
	}
}

// close is idempotent and safe to call concurrently from either pump: the
// read pump's deferred cleanup and the write pump's error path can both
// race to close a session when a client resets mid-reply, and a bare
// "check stop, then close it" is not safe against that race (two
// goroutines can both observe stop open and both call close(stop), which
// panics). sync.Once makes the shutdown body run exactly once no matter
// how many callers race into it.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.conn.Close()
	})
}
