// Package chatstate is the authoritative in-memory database of a replica:
// users, the undelivered/delivered message lanes, and the id counter. It
// exposes two method families — one origin-apply method per operation
// (CreateAccount, Login, ..., driven by a client request) and the shared
// ApplyReplicated dispatcher (replica-apply, driven by a peer's
// distribute_update) — so no boolean "internal_change" flag ever crosses
// the public interface. The two families do not share a mutation core:
// each origin-apply method performs its own mutation, and ApplyReplicated
// carries a separate implementation of each replicated one.
package chatstate

// User is a registered account. Username is the key.
type User struct {
	Username    string
	Password    string
	LoggedIn    bool
	SessionAddr string
	DeviceToken string
}

// Message is one chat message, addressed by sender/receiver username.
type Message struct {
	ID       int64
	Sender   string
	Receiver string
	Body     string
}

// Settings mirrors the persisted settings blob (§6.3).
type Settings struct {
	Counter  int64
	Host     string
	Port     int
	HostJSON string
	PortJSON int
}

// DefaultSettings matches the spec's documented defaults.
func DefaultSettings() Settings {
	return Settings{
		Counter:  0,
		Host:     "127.0.0.1",
		Port:     54400,
		HostJSON: "127.0.0.1",
		PortJSON: 54444,
	}
}

// MessageRecord is the persisted form of a Message: it also records which
// lane the message currently lives in, since the two on-disk lanes are
// flattened into a single "messages" blob.
type MessageRecord struct {
	ID        int64
	Sender    string
	Receiver  string
	Body      string
	Delivered bool
}

// Snapshot is the full {users, messages, settings} triple that is
// persisted, transferred to a joining peer, and loaded at startup.
type Snapshot struct {
	Users    []User
	Messages []MessageRecord
	Settings Settings
}

// PersistenceDriver is the external collaborator that saves/loads
// snapshots (§6.3). Implementations live under internal/store.
type PersistenceDriver interface {
	Save(replicaID string, snap Snapshot) error
	Load(replicaID string) (Snapshot, bool, error)
}

// Broadcaster pushes an accepted mutation to every reachable peer. The
// Replicator (internal/peer) implements this.
type Broadcaster interface {
	Broadcast(command string, data interface{})
}

// Notifier is asked to push a best-effort notification when a message is
// queued for an offline user. internal/notify implements this.
type Notifier interface {
	NotifyOffline(receiver string, msg Message)
}

// NopBroadcaster/NopNotifier let a StateMachine run standalone (no cluster,
// no push backends configured) without nil checks scattered through the
// mutation core.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(string, interface{}) {}

type NopNotifier struct{}

func (NopNotifier) NotifyOffline(string, Message) {}
