package peer

// Replicator is the thin chatstate.Broadcaster adapter named by §4.4: it
// holds no state of its own beyond a reference to the Endpoint whose
// outgoing connections it replicates onto. Kept as a distinct type (rather
// than handing the StateMachine an *Endpoint directly) so the dependency a
// StateMachine takes is named for what it does, not what owns it.
type Replicator struct {
	endpoint *Endpoint
}

// NewReplicator wraps endpoint for use as a StateMachine's Broadcaster.
func NewReplicator(endpoint *Endpoint) *Replicator {
	return &Replicator{endpoint: endpoint}
}

// Broadcast pushes an accepted mutation to every reachable peer.
func (r *Replicator) Broadcast(command string, data interface{}) {
	r.endpoint.Broadcast(command, data)
}
