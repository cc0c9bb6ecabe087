package chatstate

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/replikit/chatcluster/internal/glob"
)

// StateMachine is the single-writer, mutex-serialized database owned by one
// replica. Every accepted mutation is persisted before the operation is
// considered complete (§4.1); reads never persist.
type StateMachine struct {
	mu sync.Mutex

	users       map[string]*User
	undelivered []Message
	delivered   []Message
	counter     int64
	settings    Settings

	replicaID string
	persist   PersistenceDriver
	broadcast Broadcaster
	notify    Notifier
}

// New constructs a StateMachine and loads any existing snapshot for
// replicaID. Sessions never survive a restart: every logged_in user in the
// loaded snapshot is reset (§6.3).
func New(replicaID string, persist PersistenceDriver, broadcast Broadcaster, notify Notifier) (*StateMachine, error) {
	if broadcast == nil {
		broadcast = NopBroadcaster{}
	}
	if notify == nil {
		notify = NopNotifier{}
	}
	s := &StateMachine{
		users:     make(map[string]*User),
		settings:  DefaultSettings(),
		replicaID: replicaID,
		persist:   persist,
		broadcast: broadcast,
		notify:    notify,
	}

	snap, found, err := persist.Load(replicaID)
	if err != nil {
		return nil, err
	}
	if found {
		s.loadSnapshotLocked(snap)
	}
	return s, nil
}

// SetBroadcaster swaps in the Broadcaster used to replicate future
// mutations. Used by cmd/replicad to hand the StateMachine its real
// Replicator once the PeerEndpoint exists, since the two are built from
// opposite ends of the same dependency (the StateMachine needs a
// Broadcaster at construction; the Replicator needs a StateMachine to
// wrap the PeerEndpoint's other collaborator, ApplyReplicated, around).
func (s *StateMachine) SetBroadcaster(b Broadcaster) {
	if b == nil {
		b = NopBroadcaster{}
	}
	s.mu.Lock()
	s.broadcast = b
	s.mu.Unlock()
}

// DeviceToken returns username's registered push token, if any. Used by
// internal/notify to resolve a receiver to a push destination without
// that package depending on StateMachine's internals.
func (s *StateMachine) DeviceToken(username string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok || u.DeviceToken == "" {
		return "", false
	}
	return u.DeviceToken, true
}

func (s *StateMachine) loadSnapshotLocked(snap Snapshot) {
	s.users = make(map[string]*User, len(snap.Users))
	for _, u := range snap.Users {
		cp := u
		cp.LoggedIn = false
		cp.SessionAddr = ""
		s.users[cp.Username] = &cp
	}
	s.undelivered = s.undelivered[:0]
	s.delivered = s.delivered[:0]
	for _, m := range snap.Messages {
		msg := Message{ID: m.ID, Sender: m.Sender, Receiver: m.Receiver, Body: m.Body}
		if m.Delivered {
			s.delivered = append(s.delivered, msg)
		} else {
			s.undelivered = append(s.undelivered, msg)
		}
	}
	s.settings = snap.Settings
	s.counter = snap.Settings.Counter
}

// Snapshot returns a deep-enough copy of the current state for persistence
// or cluster bootstrap. Caller must hold no lock; Snapshot takes it.
func (s *StateMachine) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *StateMachine) snapshotLocked() Snapshot {
	s.settings.Counter = s.counter
	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	msgs := make([]MessageRecord, 0, len(s.undelivered)+len(s.delivered))
	for _, m := range s.undelivered {
		msgs = append(msgs, MessageRecord{ID: m.ID, Sender: m.Sender, Receiver: m.Receiver, Body: m.Body, Delivered: false})
	}
	for _, m := range s.delivered {
		msgs = append(msgs, MessageRecord{ID: m.ID, Sender: m.Sender, Receiver: m.Receiver, Body: m.Body, Delivered: true})
	}
	return Snapshot{Users: users, Messages: msgs, Settings: s.settings}
}

// LoadSnapshot overwrites local state wholesale — used by PeerEndpoint when
// a set_database frame arrives from the cluster leader.
func (s *StateMachine) LoadSnapshot(snap Snapshot) error {
	s.mu.Lock()
	s.loadSnapshotLocked(snap)
	cur := s.snapshotLocked()
	s.mu.Unlock()
	return s.persist.Save(s.replicaID, cur)
}

func undeliveredCountForLocked(lane []Message, username string) int {
	n := 0
	for _, m := range lane {
		if m.Receiver == username {
			n++
		}
	}
	return n
}

func isAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

var (
	errUnsupportedVersion = errors.New("Unsupported protocol version")
	errBadUsername        = errors.New("Username must be non-empty and alphanumeric")
	errUserExists          = errors.New("Username already exists")
	errEmptyPassword       = errors.New("Password must not be empty")
	errUnknownUser         = errors.New("No such user")
	errAlreadyLoggedIn     = errors.New("User is already logged in")
	errWrongPassword       = errors.New("Incorrect password")
	errUnknownReceiver     = errors.New("No such receiver")
	errNoUndelivered       = errors.New("No undelivered messages")
	errNoDelivered         = errors.New("No delivered messages")

	errUnknownReplicatedCommand = errors.New("chatstate: unknown replicated command")
	errBadIDList                = errors.New("delete_ids must be a comma-separated list of integers")
)

// ---------------------------------------------------------------------
// Origin-apply operations. Each validates, mutates under the lock,
// persists, and — on success — asks the Broadcaster to replicate before
// returning the reply to the caller (the caller, ClientEndpoint, writes
// the reply to the socket; replication is fire-and-forget and happens
// after the lock is released so a slow peer can never stall a client).
// ---------------------------------------------------------------------

// CreateAccount creates and auto-logs-in a new account.
func (s *StateMachine) CreateAccount(username, password, sessionAddr string) (LoginReply, error) {
	if !isAlphanumeric(username) {
		return LoginReply{}, errBadUsername
	}
	if password == "" {
		return LoginReply{}, errEmptyPassword
	}

	s.mu.Lock()
	if _, exists := s.users[username]; exists {
		s.mu.Unlock()
		return LoginReply{}, errUserExists
	}
	s.users[username] = &User{Username: username, Password: password, LoggedIn: true, SessionAddr: sessionAddr}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persist.Save(s.replicaID, snap); err != nil {
		return LoginReply{}, err
	}
	s.broadcast.Broadcast("create", replicatedAuth{Username: username, Password: password, SessionAddr: sessionAddr})
	return LoginReply{Username: username, UndeliveredCount: 0}, nil
}

// Login authenticates an existing account.
func (s *StateMachine) Login(username, password, sessionAddr string) (LoginReply, error) {
	s.mu.Lock()
	u, ok := s.users[username]
	if !ok {
		s.mu.Unlock()
		return LoginReply{}, errUnknownUser
	}
	if u.LoggedIn {
		s.mu.Unlock()
		return LoginReply{}, errAlreadyLoggedIn
	}
	if u.Password != password {
		s.mu.Unlock()
		return LoginReply{}, errWrongPassword
	}
	u.LoggedIn = true
	u.SessionAddr = sessionAddr
	count := undeliveredCountForLocked(s.undelivered, username)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persist.Save(s.replicaID, snap); err != nil {
		return LoginReply{}, err
	}
	s.broadcast.Broadcast("login", replicatedAuth{Username: username, Password: password, SessionAddr: sessionAddr})
	return LoginReply{Username: username, UndeliveredCount: count}, nil
}

// Logout clears a session.
func (s *StateMachine) Logout(username string) error {
	s.mu.Lock()
	u, ok := s.users[username]
	if !ok {
		s.mu.Unlock()
		return errUnknownUser
	}
	u.LoggedIn = false
	u.SessionAddr = ""
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persist.Save(s.replicaID, snap); err != nil {
		return err
	}
	s.broadcast.Broadcast("logout", replicatedUsername{Username: username})
	return nil
}

// SendMessage delivers or enqueues a message, depending on receiver state.
func (s *StateMachine) SendMessage(sender, receiver, body string) (RefreshReply, error) {
	s.mu.Lock()
	recv, ok := s.users[receiver]
	if !ok {
		s.mu.Unlock()
		return RefreshReply{}, errUnknownReceiver
	}
	s.counter++
	msg := Message{ID: s.counter, Sender: sender, Receiver: receiver, Body: sanitizeBody(body)}
	offline := !recv.LoggedIn
	if offline {
		s.undelivered = append(s.undelivered, msg)
	} else {
		s.delivered = append(s.delivered, msg)
	}
	count := undeliveredCountForLocked(s.undelivered, sender)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persist.Save(s.replicaID, snap); err != nil {
		return RefreshReply{}, err
	}
	s.broadcast.Broadcast("send_msg", replicatedMessage{ID: msg.ID, Sender: sender, Receiver: receiver, Body: msg.Body})
	if offline {
		s.notify.NotifyOffline(receiver, msg)
	}
	return RefreshReply{UndeliveredCount: count}, nil
}

// GetUndelivered drains up to n undelivered messages for username into the
// delivered lane and returns them in their existing order.
func (s *StateMachine) GetUndelivered(username string, n int) (MessagesReply, error) {
	s.mu.Lock()
	if n == 0 {
		s.mu.Unlock()
		return MessagesReply{Messages: nil}, nil
	}

	var drained []Message
	var kept []Message
	for _, m := range s.undelivered {
		if m.Receiver == username && len(drained) < n {
			drained = append(drained, m)
		} else {
			kept = append(kept, m)
		}
	}
	if len(drained) == 0 {
		s.mu.Unlock()
		return MessagesReply{}, errNoUndelivered
	}
	s.undelivered = kept
	s.delivered = append(s.delivered, drained...)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persist.Save(s.replicaID, snap); err != nil {
		return MessagesReply{}, err
	}
	ids := make([]int64, len(drained))
	for i, m := range drained {
		ids[i] = m.ID
	}
	s.broadcast.Broadcast("get_undelivered", replicatedDrain{Username: username, IDs: ids})
	return MessagesReply{Messages: drained}, nil
}

// GetDelivered is read-only: no mutation, no persistence, no replication.
func (s *StateMachine) GetDelivered(username string, n int) (MessagesReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n == 0 {
		return MessagesReply{Messages: nil}, nil
	}
	var out []Message
	for _, m := range s.delivered {
		if m.Receiver == username {
			out = append(out, m)
			if len(out) == n {
				break
			}
		}
	}
	if len(out) == 0 {
		return MessagesReply{}, errNoDelivered
	}
	return MessagesReply{Messages: out}, nil
}

// DeleteMessage removes the ids owned by username from the delivered lane.
// Ids belonging to other users' mailboxes are silently preserved, and a
// repeat call is a no-op (idempotent).
func (s *StateMachine) DeleteMessage(username string, ids []int64) (RefreshReply, error) {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	s.mu.Lock()
	kept := s.delivered[:0:0]
	for _, m := range s.delivered {
		if set[m.ID] && m.Receiver == username {
			continue
		}
		kept = append(kept, m)
	}
	s.delivered = kept
	count := undeliveredCountForLocked(s.undelivered, username)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persist.Save(s.replicaID, snap); err != nil {
		return RefreshReply{}, err
	}
	s.broadcast.Broadcast("delete_msg", replicatedDelete{Username: username, IDs: ids})
	return RefreshReply{UndeliveredCount: count}, nil
}

// SearchUsers is read-only; pattern is a shell glob, "" behaves as "*".
func (s *StateMachine) SearchUsers(pattern string) UserListReply {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for name := range s.users {
		if glob.Match(pattern, name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return UserListReply{Users: out}
}

// DeleteAccount removes the account and every message it sent or received.
func (s *StateMachine) DeleteAccount(username string) error {
	s.mu.Lock()
	if _, ok := s.users[username]; !ok {
		s.mu.Unlock()
		return errUnknownUser
	}
	delete(s.users, username)
	s.undelivered = purgeUser(s.undelivered, username)
	s.delivered = purgeUser(s.delivered, username)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persist.Save(s.replicaID, snap); err != nil {
		return err
	}
	s.broadcast.Broadcast("delete_acct", replicatedUsername{Username: username})
	return nil
}

func purgeUser(lane []Message, username string) []Message {
	kept := lane[:0:0]
	for _, m := range lane {
		if m.Sender == username || m.Receiver == username {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// RefreshHome is read-only.
func (s *StateMachine) RefreshHome(username string) RefreshReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RefreshReply{UndeliveredCount: undeliveredCountForLocked(s.undelivered, username)}
}

// RegisterDevice stores a push token for username.
func (s *StateMachine) RegisterDevice(username, token string) (RefreshReply, error) {
	s.mu.Lock()
	u, ok := s.users[username]
	if !ok {
		s.mu.Unlock()
		return RefreshReply{}, errUnknownUser
	}
	u.DeviceToken = token
	count := undeliveredCountForLocked(s.undelivered, username)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persist.Save(s.replicaID, snap); err != nil {
		return RefreshReply{}, err
	}
	s.broadcast.Broadcast("register_device", replicatedDevice{Username: username, Token: token})
	return RefreshReply{UndeliveredCount: count}, nil
}

// LogoutSessionsFor force-logs-out any user whose session_addr matches
// addr — called by ClientEndpoint on connection drop (§4.2 step 5). It
// broadcasts a normal replicated "logout" for each affected user itself
// and returns the usernames it logged out.
func (s *StateMachine) LogoutSessionsFor(addr string) []string {
	s.mu.Lock()
	var affected []string
	for name, u := range s.users {
		if u.LoggedIn && u.SessionAddr == addr {
			u.LoggedIn = false
			u.SessionAddr = ""
			affected = append(affected, name)
		}
	}
	if len(affected) == 0 {
		s.mu.Unlock()
		return nil
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persist.Save(s.replicaID, snap); err != nil {
		// Persistence failures never abort the connection cleanup; the
		// next successful mutation re-snapshots (§7).
	}
	for _, name := range affected {
		s.broadcast.Broadcast("logout", replicatedUsername{Username: name})
	}
	return affected
}

func sanitizeBody(body string) string {
	// An embedded NUL cannot be allowed to collide with the envelope's
	// frame terminator; replace it with a literal placeholder (§4.1).
	if !strings.ContainsRune(body, 0) {
		return body
	}
	return strings.ReplaceAll(body, "\x00", "\\x00")
}

// ValidateVersion implements the protocol-version gate shared by every
// operation (§4.1): a request whose version differs from SupportedVersion
// fails without mutation.
func ValidateVersion(version, supported int) error {
	if version != supported {
		return errUnsupportedVersion
	}
	return nil
}

// ParseIDs parses the comma-separated delete_ids field from a delete_msg
// request. Blank entries are skipped; a non-integer entry is an error.
func ParseIDs(csv string) ([]int64, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, errBadIDList
		}
		ids = append(ids, id)
	}
	return ids, nil
}
