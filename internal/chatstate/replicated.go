package chatstate

import "encoding/json"

// The replicated* types are the payloads carried inside a peer's
// distribute_update frame (wire.DistributeUpdateData.Data). They differ
// from the client request payloads: replica-apply mode never validates, so
// each carries exactly the fields required to reproduce the origin's
// mutation, including values the origin assigned itself (the session
// address, the message id, the drained ids).

type replicatedAuth struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	SessionAddr string `json:"session_addr"`
}

type replicatedUsername struct {
	Username string `json:"username"`
}

type replicatedMessage struct {
	ID       int64  `json:"id"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Body     string `json:"body"`
}

type replicatedDrain struct {
	Username string  `json:"username"`
	IDs      []int64 `json:"ids"`
}

type replicatedDelete struct {
	Username string  `json:"username"`
	IDs      []int64 `json:"ids"`
}

type replicatedDevice struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// Replicated commands — the vocabulary a distribute_update frame may carry.
const (
	OpCreate         = "create"
	OpLogin          = "login"
	OpLogout         = "logout"
	OpDeleteAcct     = "delete_acct"
	OpSendMsg        = "send_msg"
	OpDeleteMsg      = "delete_msg"
	OpGetUndelivered = "get_undelivered"
	OpRegisterDevice = "register_device"
)

// ApplyReplicated executes a command received from a peer in replica-apply
// mode: no validation, no reply, no re-broadcast. It still persists a
// snapshot after the mutation, matching origin-apply's persistence timing
// (§4.1). An unknown command is logged by the caller (PeerEndpoint) and
// skipped — ApplyReplicated itself never panics on bad input.
func (s *StateMachine) ApplyReplicated(command string, data json.RawMessage) error {
	switch command {
	case OpCreate:
		var p replicatedAuth
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.replicaApply(func() {
			s.users[p.Username] = &User{Username: p.Username, Password: p.Password, LoggedIn: true, SessionAddr: p.SessionAddr}
		})

	case OpLogin:
		var p replicatedAuth
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.replicaApply(func() {
			if u, ok := s.users[p.Username]; ok {
				u.LoggedIn = true
				u.SessionAddr = p.SessionAddr
			}
		})

	case OpLogout:
		var p replicatedUsername
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.replicaApply(func() {
			if u, ok := s.users[p.Username]; ok {
				u.LoggedIn = false
				u.SessionAddr = ""
			}
		})

	case OpDeleteAcct:
		var p replicatedUsername
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.replicaApply(func() {
			delete(s.users, p.Username)
			s.undelivered = purgeUser(s.undelivered, p.Username)
			s.delivered = purgeUser(s.delivered, p.Username)
		})

	case OpSendMsg:
		var p replicatedMessage
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.replicaApply(func() {
			if p.ID > s.counter {
				s.counter = p.ID
			}
			msg := Message{ID: p.ID, Sender: p.Sender, Receiver: p.Receiver, Body: p.Body}
			if recv, ok := s.users[p.Receiver]; ok && recv.LoggedIn {
				s.delivered = append(s.delivered, msg)
			} else {
				s.undelivered = append(s.undelivered, msg)
			}
		})

	case OpGetUndelivered:
		var p replicatedDrain
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.replicaApply(func() {
			want := make(map[int64]bool, len(p.IDs))
			for _, id := range p.IDs {
				want[id] = true
			}
			var kept []Message
			byID := make(map[int64]Message, len(p.IDs))
			for _, m := range s.undelivered {
				if want[m.ID] {
					byID[m.ID] = m
				} else {
					kept = append(kept, m)
				}
			}
			s.undelivered = kept
			for _, id := range p.IDs {
				if m, ok := byID[id]; ok {
					s.delivered = append(s.delivered, m)
				}
			}
		})

	case OpDeleteMsg:
		var p replicatedDelete
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		set := make(map[int64]bool, len(p.IDs))
		for _, id := range p.IDs {
			set[id] = true
		}
		return s.replicaApply(func() {
			kept := s.delivered[:0:0]
			for _, m := range s.delivered {
				if set[m.ID] && m.Receiver == p.Username {
					continue
				}
				kept = append(kept, m)
			}
			s.delivered = kept
		})

	case OpRegisterDevice:
		var p replicatedDevice
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return s.replicaApply(func() {
			if u, ok := s.users[p.Username]; ok {
				u.DeviceToken = p.Token
			}
		})
	}
	return errUnknownReplicatedCommand
}

// replicaApply runs mutate under the writer lock, then persists a
// snapshot — the same persistence-timing contract origin-apply uses.
func (s *StateMachine) replicaApply(mutate func()) error {
	s.mu.Lock()
	mutate()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	return s.persist.Save(s.replicaID, snap)
}
