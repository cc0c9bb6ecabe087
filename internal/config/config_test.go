package config

import "testing"

func TestPeerAddressSpaceIsCartesianProduct(t *testing.T) {
	t.Parallel()

	got, err := peerAddressSpace("10.0.0.1,10.0.0.2", "9000,9100", "2,3")
	if err != nil {
		t.Fatalf("peerAddressSpace: %v", err)
	}
	want := []string{
		"10.0.0.1:9000", "10.0.0.1:9001",
		"10.0.0.2:9100", "10.0.0.2:9101", "10.0.0.2:9102",
	}
	if len(got) != len(want) {
		t.Fatalf("peerAddressSpace = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("peerAddressSpace[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPeerAddressSpaceEmptyInputsYieldNoPeers(t *testing.T) {
	t.Parallel()
	got, err := peerAddressSpace("", "", "")
	if err != nil {
		t.Fatalf("peerAddressSpace: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("peerAddressSpace(empty) = %v, want empty", got)
	}
}

func TestPeerAddressSpaceMismatchedListsError(t *testing.T) {
	t.Parallel()
	if _, err := peerAddressSpace("10.0.0.1,10.0.0.2", "9000", "2"); err == nil {
		t.Fatal("mismatched host/port/count lengths should error")
	}
}

func TestParseRejectsOutOfRangeReplicaIndex(t *testing.T) {
	t.Parallel()
	_, err := Parse([]string{"--replica_index=3", "--num_servers=2"})
	if err == nil {
		t.Fatal("replica_index >= num_servers should be rejected")
	}
}

func TestParseDerivesClientAndPeerAddrFromReplicaIndex(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]string{
		"--replica_index=1",
		"--num_servers=3",
		"--host=127.0.0.1",
		"--start_server_port=54400",
		"--start_internal_port=54500",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ClientAddr != "127.0.0.1:54401" {
		t.Errorf("ClientAddr = %q, want 127.0.0.1:54401", cfg.ClientAddr)
	}
	if cfg.PeerAddr != "127.0.0.1:54501" {
		t.Errorf("PeerAddr = %q, want 127.0.0.1:54501", cfg.PeerAddr)
	}
}
