package jsonfile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/replikit/chatcluster/internal/chatstate"
	"github.com/replikit/chatcluster/internal/store/jsonfile"
)

func TestSaveThenLoadRoundTrips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	d, err := jsonfile.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := chatstate.Snapshot{
		Users: []chatstate.User{
			{Username: "nia", Password: "pw", DeviceToken: "tok"},
		},
		Messages: []chatstate.MessageRecord{
			{ID: 1, Sender: "nia", Receiver: "nia", Body: "hi", Delivered: false},
		},
		Settings: chatstate.DefaultSettings(),
	}

	if err := d.Save("replica-a", want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	for _, name := range []string{"users_replica-a", "messages_replica-a", "settings_replica-a"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected blob file %s to exist: %v", name, err)
		}
	}

	got, found, err := d.Load("replica-a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found {
		t.Fatal("Load should report found=true for a saved replica")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingReplicaReportsNotFound(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	d, err := jsonfile.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, found, err := d.Load("never-saved")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if found {
		t.Fatal("Load should report found=false for a replica id never saved")
	}
}
