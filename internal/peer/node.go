package peer

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/replikit/chatcluster/internal/wire"
)

var errNotConnected = errors.New("peer: node not connected")

// dialTimeout bounds a single connection attempt.
const dialTimeout = 2 * time.Second

// frameDeadline is the write deadline applied to each frame sent on a peer
// connection; a send through node.send that exceeds it fails and drops the
// connection, to be re-opened on the next sweep. Reads on peer connections
// carry no deadline.
const frameDeadline = 3 * time.Second

// node is this replica's outgoing connection to one configured peer
// address, grounded on the teacher's ClusterNode: a reconnect loop guarded
// against running twice, a connected flag read under lock, and a
// best-effort RPC call that drops the connection on any write failure.
type node struct {
	mu        sync.Mutex
	endpoint  string // host:port identity of the remote replica
	conn      net.Conn
	connected bool
	dialing   bool // a dial is in flight; dial does not start a second one

	ep *Endpoint // owns handleFrame; used by the read pump
}

func newNode(endpoint string, ep *Endpoint) *node {
	return &node{endpoint: endpoint, ep: ep}
}

// dial attempts one connection to the peer and, on success, starts the
// read pump that lets this replica receive the peer's replies on its own
// outgoing connection — notably the set_database reply to a get_database
// request (§4.3 step 4; §5's "1 task for each outgoing peer connection's
// read pump"). Called by the reconnect sweep; failures are silent — the
// next sweep simply tries again (§4.3 step 2).
func (n *node) dial() {
	n.mu.Lock()
	if n.connected || n.dialing {
		n.mu.Unlock()
		return
	}
	n.dialing = true
	n.mu.Unlock()

	conn, err := net.DialTimeout("tcp", n.endpoint, dialTimeout)
	if err != nil {
		n.mu.Lock()
		n.dialing = false
		n.mu.Unlock()
		return
	}

	n.mu.Lock()
	n.conn = conn
	n.connected = true
	n.dialing = false
	n.mu.Unlock()
	log.Printf("peer: connected to %s", n.endpoint)

	go n.readPump(conn)
}

// readPump consumes frames the peer sends back on this outgoing
// connection until it errors or the connection is dropped, dispatching
// each through the owning Endpoint's shared frame handler.
func (n *node) readPump(conn net.Conn) {
	r := wire.NewReader(conn)
	for {
		env, err := r.ReadEnvelope()
		if err != nil {
			n.drop()
			return
		}
		n.ep.handleFrame(conn, env)
	}
}

func (n *node) isConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// send writes one envelope to the peer. On any error, the connection is
// considered dead and dropped so the next reconnect sweep re-dials it.
func (n *node) send(env *wire.Envelope) error {
	n.mu.Lock()
	conn := n.conn
	connected := n.connected
	n.mu.Unlock()
	if !connected {
		return errNotConnected
	}

	conn.SetWriteDeadline(time.Now().Add(frameDeadline))
	if err := wire.WriteEnvelope(conn, env); err != nil {
		n.drop()
		return err
	}
	return nil
}

func (n *node) drop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.conn.Close()
	}
	n.conn = nil
	n.connected = false
}
