// Package peer implements the PeerEndpoint, Membership, and Replicator
// (§4.3, §4.4): the control channel replicas use to probe each other's
// liveness, elect a deterministic leader, replicate mutations, and
// bootstrap a joining replica's state from the leader's snapshot.
//
// Grounded on the teacher's server/cluster.go ClusterNode/Cluster split —
// generalized from tinode's RPC-based, ringhash-sharded topic routing down
// to the spec's much simpler min-endpoint leader election and full-state
// replication (no topic ownership, no request proxying).
package peer

import "sort"

// View is the read-only membership snapshot a caller (adminmon, tests) can
// inspect without reaching into Endpoint's internals.
type View struct {
	Self            string
	ReachablePeers  []string
	Leader          string
	LoadedDatabase  bool
}

// elect picks the deterministic leader: the lexicographically smallest
// endpoint string among self and every currently reachable peer (§4.3
// step 3). endpoints must include self; elect does not mutate its input.
func elect(endpoints []string) string {
	if len(endpoints) == 0 {
		return ""
	}
	sorted := append([]string(nil), endpoints...)
	sort.Strings(sorted)
	return sorted[0]
}
