package peer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/replikit/chatcluster/internal/chatstate"
	"github.com/replikit/chatcluster/internal/metrics"
	"github.com/replikit/chatcluster/internal/wire"
)

// sweepInterval is the cadence of the liveness/reconnect/election/
// bootstrap sweep (§4.3: "Periodically (sweep interval ≈ 1 s)").
const sweepInterval = time.Second

// EventPublisher receives observational events for internal/adminmon's
// operator feed: membership changes and replication broadcasts, fanned
// out over an in-process channel rather than the peer wire protocol
// (§4.3's adminmon note). A replica launched without --admin_addr never
// sets one, so Endpoint defaults to a no-op publisher.
type EventPublisher interface {
	Publish(kind string, detail interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, interface{}) {}

// Endpoint is the peer-facing control channel (§4.3): it listens for
// incoming peer connections, dials every configured peer address, and
// runs the periodic sweep that drives liveness, election, and snapshot
// bootstrap. It also implements chatstate.Broadcaster directly, since
// Replicator (§4.4) is documented as "a thin adapter on top of
// PeerEndpoint's outgoing connections" rather than an independent owner
// of any state.
type Endpoint struct {
	self  string
	sm    *chatstate.StateMachine
	stats *metrics.Registry
	feed  EventPublisher

	ln net.Listener

	mu             sync.Mutex
	nodes          map[string]*node
	leader         string
	loadedDatabase bool
}

// NewEndpoint binds the peer listener at self (host:port) and creates one
// outgoing node per address in peerAddrs (self excluded if present).
func NewEndpoint(self string, peerAddrs []string, sm *chatstate.StateMachine, stats *metrics.Registry) (*Endpoint, error) {
	ln, err := net.Listen("tcp", self)
	if err != nil {
		return nil, err
	}
	e := &Endpoint{
		self:   self,
		sm:     sm,
		stats:  stats,
		feed:   nopPublisher{},
		ln:     ln,
		nodes:  make(map[string]*node),
		leader: self,
	}
	for _, addr := range peerAddrs {
		if addr == self {
			continue
		}
		e.nodes[addr] = newNode(addr, e)
	}
	return e, nil
}

// SetFeed installs the operator-feed publisher used to fan out membership
// changes and replication broadcasts. Called by cmd/replicad once an
// adminmon.Feed exists, mirroring chatstate.StateMachine.SetBroadcaster's
// late-wiring pattern for the same reason: the feed and the Endpoint are
// otherwise independent of each other's construction order.
func (e *Endpoint) SetFeed(feed EventPublisher) {
	if feed == nil {
		feed = nopPublisher{}
	}
	e.mu.Lock()
	e.feed = feed
	e.mu.Unlock()
}

// Addr returns the bound peer-listener address.
func (e *Endpoint) Addr() net.Addr { return e.ln.Addr() }

// Close stops accepting incoming peer connections.
func (e *Endpoint) Close() error { return e.ln.Close() }

// Serve accepts incoming peer connections until the listener closes.
func (e *Endpoint) Serve() error {
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go e.handleIncoming(conn)
	}
}

func (e *Endpoint) handleIncoming(conn net.Conn) {
	defer conn.Close()
	r := wire.NewReader(conn)
	for {
		env, err := r.ReadEnvelope()
		if err != nil {
			if err != io.EOF {
				log.Printf("peer: incoming read error from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		e.handleFrame(conn, env)
	}
}

func (e *Endpoint) handleFrame(conn net.Conn, env *wire.Envelope) {
	switch env.Command {
	case wire.CmdPing:
		// No-op.

	case wire.CmdInternalUpdate:
		var d wire.InternalUpdateData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return
		}
		e.mu.Lock()
		if e.leader != d.Leader {
			e.leader = d.Leader
			e.loadedDatabase = e.loadedDatabase && e.leader == e.self
		}
		e.mu.Unlock()

	case wire.CmdDistributeUpdate:
		var d wire.DistributeUpdateData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return
		}
		if err := e.sm.ApplyReplicated(d.Command, d.Data); err != nil {
			log.Printf("peer: replica-apply %q failed: %v", d.Command, err)
		}

	case wire.CmdGetDatabase:
		var d wire.GetDatabaseData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return
		}
		snap := e.sm.Snapshot()
		out, err := wire.NewEnvelope(wire.CmdSetDatabase, snapshotToWire(snap))
		if err != nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(frameDeadline))
		if err := wire.WriteEnvelope(conn, out); err != nil {
			log.Printf("peer: failed to send set_database to %s:%d: %v", d.Host, d.Port, err)
		}

	case wire.CmdSetDatabase:
		var d wire.SetDatabaseData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return
		}
		if err := e.sm.LoadSnapshot(wireToSnapshot(d)); err != nil {
			log.Printf("peer: failed to apply bootstrap snapshot: %v", err)
			return
		}
		e.mu.Lock()
		e.loadedDatabase = true
		e.mu.Unlock()
	}
}

// RunSweep drives the liveness/reconnect/election/bootstrap loop until ctx
// is cancelled (§4.3).
func (e *Endpoint) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.livenessSweep()
			e.reconnectSweep()
			e.leaderCheck()
			e.snapshotBootstrap()
			e.reportStats()
		}
	}
}

// livenessSweep pings every connected node; a write failure drops it.
func (e *Endpoint) livenessSweep() {
	env, err := wire.NewEnvelope(wire.CmdPing, struct{}{})
	if err != nil {
		return
	}
	for _, n := range e.snapshotNodes() {
		if n.isConnected() {
			n.send(env)
		}
	}
}

// reconnectSweep dials every node that is not currently connected.
func (e *Endpoint) reconnectSweep() {
	for _, n := range e.snapshotNodes() {
		if !n.isConnected() {
			go n.dial()
		}
	}
}

// leaderCheck recomputes the elected leader from self plus every currently
// reachable peer (§4.3 step 3).
func (e *Endpoint) leaderCheck() {
	endpoints := []string{e.self}
	for addr, n := range e.snapshotNodes() {
		if n.isConnected() {
			endpoints = append(endpoints, addr)
		}
	}
	newLeader := elect(endpoints)

	e.mu.Lock()
	changed := newLeader != e.leader
	if changed {
		e.leader = newLeader
		e.loadedDatabase = newLeader == e.self
	}
	e.mu.Unlock()

	if changed {
		e.announceLeader(newLeader)
		e.feed.Publish("leader_change", map[string]string{"self": e.self, "leader": newLeader})
	}
}

func (e *Endpoint) announceLeader(leader string) {
	env, err := wire.NewEnvelope(wire.CmdInternalUpdate, wire.InternalUpdateData{Leader: leader})
	if err != nil {
		return
	}
	for _, n := range e.snapshotNodes() {
		if n.isConnected() {
			n.send(env)
		}
	}
}

// snapshotBootstrap requests a full snapshot from the leader when this
// replica has not yet loaded one (§4.3 step 4).
func (e *Endpoint) snapshotBootstrap() {
	e.mu.Lock()
	leader, loaded := e.leader, e.loadedDatabase
	e.mu.Unlock()
	if loaded || leader == e.self {
		return
	}

	n, ok := e.nodeFor(leader)
	if !ok || !n.isConnected() {
		return
	}
	host, port := splitHostPort(e.self)
	env, err := wire.NewEnvelope(wire.CmdGetDatabase, wire.GetDatabaseData{Host: host, Port: port})
	if err != nil {
		return
	}
	n.send(env)
}

func (e *Endpoint) reportStats() {
	n := 0
	for _, node := range e.snapshotNodes() {
		if node.isConnected() {
			n++
		}
	}
	e.stats.SetPeerCount(n)
	e.mu.Lock()
	isLeader := e.leader == e.self
	e.mu.Unlock()
	if isLeader {
		e.stats.IsLeader.Set(1)
	} else {
		e.stats.IsLeader.Set(0)
	}
}

// Broadcast implements chatstate.Broadcaster: it replicates an accepted
// origin-apply mutation to every currently connected peer (§4.4). Delivery
// is best-effort; a dropped connection is picked up by the next sweep.
func (e *Endpoint) Broadcast(command string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	env, err := wire.NewEnvelope(wire.CmdDistributeUpdate, wire.DistributeUpdateData{Command: command, Data: raw})
	if err != nil {
		return
	}
	e.stats.IncReplicationSends()
	e.feed.Publish("replicated", map[string]string{"command": command})
	for _, n := range e.snapshotNodes() {
		if n.isConnected() {
			n.send(env)
		}
	}
}

// View returns the current membership snapshot.
func (e *Endpoint) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	var reachable []string
	for addr, n := range e.nodes {
		if n.isConnected() {
			reachable = append(reachable, addr)
		}
	}
	return View{Self: e.self, ReachablePeers: reachable, Leader: e.leader, LoadedDatabase: e.loadedDatabase}
}

func (e *Endpoint) snapshotNodes() map[string]*node {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make(map[string]*node, len(e.nodes))
	for k, v := range e.nodes {
		cp[k] = v
	}
	return cp
}

func (e *Endpoint) nodeFor(addr string) (*node, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.nodes[addr]
	return n, ok
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port := 0
	for _, r := range portStr {
		if r < '0' || r > '9' {
			return host, 0
		}
		port = port*10 + int(r-'0')
	}
	return host, port
}

func snapshotToWire(snap chatstate.Snapshot) wire.SetDatabaseData {
	users := make([]wire.UserSnapshot, len(snap.Users))
	for i, u := range snap.Users {
		users[i] = wire.UserSnapshot{Username: u.Username, Password: u.Password, DeviceToken: u.DeviceToken}
	}
	msgs := make([]wire.MessageSnapshot, len(snap.Messages))
	for i, m := range snap.Messages {
		msgs[i] = wire.MessageSnapshot{ID: m.ID, Sender: m.Sender, Receiver: m.Receiver, Body: m.Body, Delivered: m.Delivered}
	}
	return wire.SetDatabaseData{
		Users:    users,
		Messages: msgs,
		Settings: wire.SettingsSnapshot{
			Counter:  snap.Settings.Counter,
			Host:     snap.Settings.Host,
			Port:     snap.Settings.Port,
			HostJSON: snap.Settings.HostJSON,
			PortJSON: snap.Settings.PortJSON,
		},
	}
}

func wireToSnapshot(d wire.SetDatabaseData) chatstate.Snapshot {
	users := make([]chatstate.User, len(d.Users))
	for i, u := range d.Users {
		users[i] = chatstate.User{Username: u.Username, Password: u.Password, DeviceToken: u.DeviceToken}
	}
	msgs := make([]chatstate.MessageRecord, len(d.Messages))
	for i, m := range d.Messages {
		msgs[i] = chatstate.MessageRecord{ID: m.ID, Sender: m.Sender, Receiver: m.Receiver, Body: m.Body, Delivered: m.Delivered}
	}
	return chatstate.Snapshot{
		Users:    users,
		Messages: msgs,
		Settings: chatstate.Settings{
			Counter:  d.Settings.Counter,
			Host:     d.Settings.Host,
			Port:     d.Settings.Port,
			HostJSON: d.Settings.HostJSON,
			PortJSON: d.Settings.PortJSON,
		},
	}
}
