package chatstate_test

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/replikit/chatcluster/internal/chatstate"
)

type memStore struct {
	snapshots map[string]chatstate.Snapshot
}

func newMemStore() *memStore {
	return &memStore{snapshots: make(map[string]chatstate.Snapshot)}
}

func (m *memStore) Save(replicaID string, snap chatstate.Snapshot) error {
	m.snapshots[replicaID] = snap
	return nil
}

func (m *memStore) Load(replicaID string) (chatstate.Snapshot, bool, error) {
	snap, ok := m.snapshots[replicaID]
	return snap, ok, nil
}

type recordingBroadcaster struct {
	calls []broadcastCall
}

type broadcastCall struct {
	command string
	data    interface{}
}

func (b *recordingBroadcaster) Broadcast(command string, data interface{}) {
	b.calls = append(b.calls, broadcastCall{command: command, data: data})
}

func newMachine(t *testing.T) (*chatstate.StateMachine, *recordingBroadcaster) {
	t.Helper()
	bc := &recordingBroadcaster{}
	sm, err := chatstate.New("r1", newMemStore(), bc, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sm, bc
}

func TestCreateAccountThenLoginRejectsDuplicateSession(t *testing.T) {
	t.Parallel()
	sm, _ := newMachine(t)

	reply, err := sm.CreateAccount("alice", "hunter2", "10.0.0.1:1")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if reply.Username != "alice" || reply.UndeliveredCount != 0 {
		t.Fatalf("CreateAccount reply = %+v", reply)
	}

	if _, err := sm.Login("alice", "hunter2", "10.0.0.2:1"); err == nil {
		t.Fatal("Login on an already-logged-in account should fail")
	}
}

func TestCreateAccountRejectsNonAlphanumericUsername(t *testing.T) {
	t.Parallel()
	sm, _ := newMachine(t)

	tests := []string{"", "bad name", "bad/name", "bad.name"}
	for _, name := range tests {
		if _, err := sm.CreateAccount(name, "pw", "addr"); err == nil {
			t.Errorf("CreateAccount(%q) should be rejected", name)
		}
	}
}

func TestLoginWrongPasswordAndUnknownUser(t *testing.T) {
	t.Parallel()
	sm, _ := newMachine(t)

	if _, err := sm.CreateAccount("bob", "secret", "addr"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := sm.Logout("bob"); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	if _, err := sm.Login("bob", "wrong", "addr"); err == nil {
		t.Fatal("Login with wrong password should fail")
	}
	if _, err := sm.Login("nobody", "pw", "addr"); err == nil {
		t.Fatal("Login for unknown user should fail")
	}
}

func TestSendMessageRoutesByReceiverSessionState(t *testing.T) {
	t.Parallel()
	sm, bc := newMachine(t)

	if _, err := sm.CreateAccount("alice", "pw", "a:1"); err != nil {
		t.Fatalf("CreateAccount alice: %v", err)
	}
	if _, err := sm.CreateAccount("bob", "pw", "b:1"); err != nil {
		t.Fatalf("CreateAccount bob: %v", err)
	}
	if err := sm.Logout("bob"); err != nil {
		t.Fatalf("Logout bob: %v", err)
	}

	// bob offline: message lands in the undelivered lane.
	if _, err := sm.SendMessage("alice", "bob", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	home := sm.RefreshHome("bob")
	if home.UndeliveredCount != 1 {
		t.Fatalf("RefreshHome(bob).UndeliveredCount = %d, want 1", home.UndeliveredCount)
	}

	// alice online: message lands directly in the delivered lane and is
	// visible via GetDelivered without ever touching GetUndelivered.
	if _, err := sm.Login("bob", "pw", "b:2"); err != nil {
		t.Fatalf("Login bob: %v", err)
	}
	if _, err := sm.SendMessage("bob", "alice", "hi back"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	delivered, err := sm.GetDelivered("alice", 10)
	if err != nil {
		t.Fatalf("GetDelivered: %v", err)
	}
	if len(delivered.Messages) != 1 || delivered.Messages[0].Body != "hi back" {
		t.Fatalf("GetDelivered(alice) = %+v", delivered)
	}

	foundSend := false
	for _, c := range bc.calls {
		if c.command == "send_msg" {
			foundSend = true
		}
	}
	if !foundSend {
		t.Fatal("SendMessage did not broadcast a send_msg replicated command")
	}
}

func TestSendMessageUnknownReceiver(t *testing.T) {
	t.Parallel()
	sm, _ := newMachine(t)
	if _, err := sm.SendMessage("ghost", "nobody", "hi"); err == nil {
		t.Fatal("SendMessage to an unknown receiver should fail")
	}
}

func TestGetUndeliveredDrainsInOrderAndMovesToDelivered(t *testing.T) {
	t.Parallel()
	sm, _ := newMachine(t)

	if _, err := sm.CreateAccount("carol", "pw", "c:1"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := sm.Logout("carol"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	for _, body := range []string{"one", "two", "three"} {
		if _, err := sm.SendMessage("carol", "carol", body); err != nil {
			t.Fatalf("SendMessage(%q): %v", body, err)
		}
	}

	got, err := sm.GetUndelivered("carol", 2)
	if err != nil {
		t.Fatalf("GetUndelivered: %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[0].Body != "one" || got.Messages[1].Body != "two" {
		t.Fatalf("GetUndelivered(2) = %+v", got.Messages)
	}

	home := sm.RefreshHome("carol")
	if home.UndeliveredCount != 1 {
		t.Fatalf("RefreshHome after partial drain = %d, want 1", home.UndeliveredCount)
	}

	delivered, err := sm.GetDelivered("carol", 10)
	if err != nil {
		t.Fatalf("GetDelivered: %v", err)
	}
	if len(delivered.Messages) != 2 {
		t.Fatalf("GetDelivered after drain = %d messages, want 2", len(delivered.Messages))
	}
}

func TestGetUndeliveredNoneReturnsError(t *testing.T) {
	t.Parallel()
	sm, _ := newMachine(t)
	if _, err := sm.CreateAccount("dave", "pw", "d:1"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := sm.GetUndelivered("dave", 5); err == nil {
		t.Fatal("GetUndelivered with nothing queued should fail")
	}
}

func TestDeleteMessageIsIdempotentAndScopedToOwner(t *testing.T) {
	t.Parallel()
	sm, _ := newMachine(t)

	if _, err := sm.CreateAccount("erin", "pw", "e:1"); err != nil {
		t.Fatalf("CreateAccount erin: %v", err)
	}
	if _, err := sm.CreateAccount("frank", "pw", "f:1"); err != nil {
		t.Fatalf("CreateAccount frank: %v", err)
	}
	if _, err := sm.SendMessage("erin", "frank", "for frank"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	delivered, err := sm.GetDelivered("frank", 10)
	if err != nil {
		t.Fatalf("GetDelivered: %v", err)
	}
	id := delivered.Messages[0].ID

	// erin does not own this message; deleting it under her name is a
	// silent no-op, not an error.
	if _, err := sm.DeleteMessage("erin", []int64{id}); err != nil {
		t.Fatalf("DeleteMessage(erin) should not error: %v", err)
	}
	if still, err := sm.GetDelivered("frank", 10); err != nil || len(still.Messages) != 1 {
		t.Fatalf("frank's message should survive erin's delete: %+v, err=%v", still, err)
	}

	// frank owns it; deleting twice is idempotent.
	if _, err := sm.DeleteMessage("frank", []int64{id}); err != nil {
		t.Fatalf("DeleteMessage(frank): %v", err)
	}
	if _, err := sm.DeleteMessage("frank", []int64{id}); err != nil {
		t.Fatalf("second DeleteMessage(frank) should not error: %v", err)
	}
	if _, err := sm.GetDelivered("frank", 10); err == nil {
		t.Fatal("GetDelivered(frank) should now be empty")
	}
}

func TestSearchUsersGlobMatchesAndEmptyPatternMeansAll(t *testing.T) {
	t.Parallel()
	sm, _ := newMachine(t)
	for _, name := range []string{"alice", "alicia", "bob"} {
		if _, err := sm.CreateAccount(name, "pw", name+":1"); err != nil {
			t.Fatalf("CreateAccount(%s): %v", name, err)
		}
	}

	got := sm.SearchUsers("ali*")
	if diff := cmp.Diff([]string{"alice", "alicia"}, got.Users); diff != "" {
		t.Errorf("SearchUsers(ali*) mismatch (-want +got):\n%s", diff)
	}

	all := sm.SearchUsers("")
	if diff := cmp.Diff([]string{"alice", "alicia", "bob"}, all.Users); diff != "" {
		t.Errorf("SearchUsers(\"\") mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteAccountPurgesMailbox(t *testing.T) {
	t.Parallel()
	sm, _ := newMachine(t)

	if _, err := sm.CreateAccount("gary", "pw", "g:1"); err != nil {
		t.Fatalf("CreateAccount gary: %v", err)
	}
	if _, err := sm.CreateAccount("helen", "pw", "h:1"); err != nil {
		t.Fatalf("CreateAccount helen: %v", err)
	}
	if _, err := sm.SendMessage("gary", "helen", "bye"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if err := sm.DeleteAccount("gary"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := sm.Login("gary", "pw", "g:2"); err == nil {
		t.Fatal("deleted account should no longer be able to log in")
	}
	if _, err := sm.GetDelivered("helen", 10); err == nil {
		t.Fatal("helen's mailbox should be purged of messages from the deleted sender")
	}
}

func TestLogoutSessionsForOnlyAffectsMatchingAddr(t *testing.T) {
	t.Parallel()
	sm, _ := newMachine(t)

	if _, err := sm.CreateAccount("ida", "pw", "10.0.0.5:9"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := sm.CreateAccount("jane", "pw", "10.0.0.6:9"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	affected := sm.LogoutSessionsFor("10.0.0.5:9")
	if diff := cmp.Diff([]string{"ida"}, affected); diff != "" {
		t.Errorf("LogoutSessionsFor mismatch (-want +got):\n%s", diff)
	}
	if _, err := sm.Login("ida", "pw", "10.0.0.5:10"); err != nil {
		t.Fatalf("ida should be able to log back in: %v", err)
	}
	if _, err := sm.Login("jane", "pw", "10.0.0.6:10"); err == nil {
		t.Fatal("jane's session should not have been touched")
	}
}

func TestRegisterDeviceClearedByDeleteAccount(t *testing.T) {
	t.Parallel()
	sm, _ := newMachine(t)

	if _, err := sm.CreateAccount("kim", "pw", "k:1"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := sm.RegisterDevice("kim", "token-123"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if token, ok := sm.DeviceToken("kim"); !ok || token != "token-123" {
		t.Fatalf("DeviceToken(kim) = %q, %v", token, ok)
	}

	if err := sm.DeleteAccount("kim"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, ok := sm.DeviceToken("kim"); ok {
		t.Fatal("DeviceToken should report nothing for a deleted account")
	}
}

func TestApplyReplicatedNeverBroadcastsOrFailsOnUnknownCommand(t *testing.T) {
	t.Parallel()
	sm, bc := newMachine(t)

	raw, _ := json.Marshal(map[string]string{"username": "liam", "password": "pw", "session_addr": "l:1"})
	if err := sm.ApplyReplicated(chatstate.OpCreate, raw); err != nil {
		t.Fatalf("ApplyReplicated(create): %v", err)
	}
	if len(bc.calls) != 0 {
		t.Fatalf("replica-apply must never re-broadcast, got %d calls", len(bc.calls))
	}
	if got := sm.SearchUsers("liam"); len(got.Users) != 1 {
		t.Fatalf("replicated create did not land: %+v", got)
	}

	if err := sm.ApplyReplicated("not_a_real_command", raw); err == nil {
		t.Fatal("ApplyReplicated should reject an unknown command")
	}
}

func TestPersistenceRoundTripResetsSessions(t *testing.T) {
	t.Parallel()
	store := newMemStore()

	sm1, err := chatstate.New("r2", store, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := sm1.CreateAccount("mona", "pw", "m:1"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	// A fresh StateMachine loading the same replica id must see mona
	// registered but logged out (§6.3: sessions never survive a restart).
	sm2, err := chatstate.New("r2", store, nil, nil)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if _, err := sm2.Login("mona", "pw", "m:2"); err != nil {
		t.Fatalf("mona should be able to log back in after reload: %v", err)
	}
}
