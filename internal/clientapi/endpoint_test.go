package clientapi

import (
	"encoding/json"
	"testing"

	"github.com/replikit/chatcluster/internal/chatstate"
	"github.com/replikit/chatcluster/internal/metrics"
	"github.com/replikit/chatcluster/internal/wire"
)

type memStore struct {
	snapshots map[string]chatstate.Snapshot
}

func newMemStore() *memStore { return &memStore{snapshots: make(map[string]chatstate.Snapshot)} }

func (m *memStore) Save(replicaID string, snap chatstate.Snapshot) error {
	m.snapshots[replicaID] = snap
	return nil
}

func (m *memStore) Load(replicaID string) (chatstate.Snapshot, bool, error) {
	snap, ok := m.snapshots[replicaID]
	return snap, ok, nil
}

func newTestEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	sm, err := chatstate.New("test-replica", newMemStore(), nil, nil)
	if err != nil {
		t.Fatalf("chatstate.New: %v", err)
	}
	return &Endpoint{sm: sm, stats: metrics.NewRegistry()}
}

func envelopeFor(t *testing.T, command string, payload interface{}) *wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(command, payload)
	if err != nil {
		t.Fatalf("NewEnvelope(%s): %v", command, err)
	}
	return env
}

func TestApplyCreateThenLogin(t *testing.T) {
	t.Parallel()
	ep := newTestEndpoint(t)
	sess := &Session{remoteAddr: "10.0.0.1:1"}

	cmd, reply, err := ep.apply(sess, envelopeFor(t, wire.CmdCreate, wire.AuthData{Username: "opal", Password: "pw"}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if cmd != wire.RepLogin {
		t.Fatalf("reply command = %q, want %q", cmd, wire.RepLogin)
	}
	if lr, ok := reply.(wire.LoginReplyData); !ok || lr.Username != "opal" {
		t.Fatalf("reply = %+v", reply)
	}
	if sess.username != "opal" {
		t.Fatalf("session username = %q, want opal", sess.username)
	}

	// A second create for the same username must fail.
	if _, _, err := ep.apply(sess, envelopeFor(t, wire.CmdCreate, wire.AuthData{Username: "opal", Password: "pw"})); err == nil {
		t.Fatal("duplicate create should fail")
	}
}

func TestApplyUnknownCommand(t *testing.T) {
	t.Parallel()
	ep := newTestEndpoint(t)
	sess := &Session{remoteAddr: "10.0.0.2:1"}

	_, _, err := ep.apply(sess, envelopeFor(t, "not_a_command", struct{}{}))
	if err != wire.ErrUnknownCommand {
		t.Fatalf("err = %v, want %v", err, wire.ErrUnknownCommand)
	}
}

func TestApplyBadPayloadIsReported(t *testing.T) {
	t.Parallel()
	ep := newTestEndpoint(t)
	sess := &Session{remoteAddr: "10.0.0.3:1"}

	env := &wire.Envelope{Version: wire.SupportedVersion, Command: wire.CmdLogin, Data: json.RawMessage(`"not an object"`)}
	_, _, err := ep.apply(sess, env)
	if err != wire.ErrBadPayload {
		t.Fatalf("err = %v, want %v", err, wire.ErrBadPayload)
	}
}

func TestApplyDeleteMsgParsesCSVIds(t *testing.T) {
	t.Parallel()
	ep := newTestEndpoint(t)
	sess := &Session{remoteAddr: "10.0.0.4:1"}

	if _, _, err := ep.apply(sess, envelopeFor(t, wire.CmdCreate, wire.AuthData{Username: "pia", Password: "pw"})); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := ep.apply(sess, envelopeFor(t, wire.CmdSendMsg, wire.SendMsgData{Sender: "pia", Recipient: "pia", Message: "note"})); err != nil {
		t.Fatalf("send_msg: %v", err)
	}

	cmd, reply, err := ep.apply(sess, envelopeFor(t, wire.CmdGetDelivered, wire.GetDeliveredData{Username: "pia", NumMessages: 5}))
	if err != nil {
		t.Fatalf("get_delivered: %v", err)
	}
	msgs := reply.(wire.MessagesReplyData).Messages
	if len(msgs) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(msgs))
	}
	_ = cmd

	_, _, err = ep.apply(sess, envelopeFor(t, wire.CmdDeleteMsg, wire.DeleteMsgData{CurrentUser: "pia", DeleteIds: "not-an-int"}))
	if err == nil {
		t.Fatal("non-integer delete_ids should be rejected")
	}

	if _, _, err := ep.apply(sess, envelopeFor(t, wire.CmdDeleteMsg, wire.DeleteMsgData{CurrentUser: "pia", DeleteIds: ""})); err != nil {
		t.Fatalf("empty delete_ids should be a no-op, not an error: %v", err)
	}
	cmd, reply, err = ep.apply(sess, envelopeFor(t, wire.CmdGetDelivered, wire.GetDeliveredData{Username: "pia", NumMessages: 5}))
	if err != nil {
		t.Fatalf("get_delivered after empty delete: %v", err)
	}
	if msgs := reply.(wire.MessagesReplyData).Messages; len(msgs) != 1 {
		t.Fatalf("message should survive a delete with no ids, got %d messages", len(msgs))
	}
	_ = cmd
}
