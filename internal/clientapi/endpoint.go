package clientapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"sync"

	"github.com/replikit/chatcluster/internal/chatstate"
	"github.com/replikit/chatcluster/internal/metrics"
	"github.com/replikit/chatcluster/internal/wire"
)

// Endpoint is the client-facing TCP listener (§4.2). It owns no state of
// its own beyond the listener and a wait group of running connection
// handlers; all durable state lives in the StateMachine.
type Endpoint struct {
	addr  string
	sm    *chatstate.StateMachine
	stats *metrics.Registry

	ln net.Listener
	wg sync.WaitGroup
}

// NewEndpoint binds a TCP listener at addr. Call Serve to start accepting.
func NewEndpoint(addr string, sm *chatstate.StateMachine, stats *metrics.Registry) (*Endpoint, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Endpoint{addr: addr, sm: sm, stats: stats, ln: ln}, nil
}

// Addr returns the bound address, useful when addr was ":0".
func (e *Endpoint) Addr() net.Addr { return e.ln.Addr() }

// Close stops accepting new connections. It does not wait for in-flight
// handlers; call Wait afterward for that (§4.2: "server shutdown closes
// the listening socket, then waits for in-flight handlers to finish
// their current operation").
func (e *Endpoint) Close() error { return e.ln.Close() }

// Wait blocks until every connection handler that was running at the
// time of, or started a race before, Close has returned.
func (e *Endpoint) Wait() { e.wg.Wait() }

// Serve accepts connections until the listener is closed.
func (e *Endpoint) Serve() error {
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		e.wg.Add(1)
		go e.handle(conn)
	}
}

func (e *Endpoint) handle(conn net.Conn) {
	defer e.wg.Done()
	sess := newSession(conn)
	e.stats.ClientConnections.Inc()
	go sess.writePump()

	defer func() {
		sess.close()
		e.stats.ClientConnections.Dec()
		for _, name := range e.sm.LogoutSessionsFor(sess.remoteAddr) {
			log.Printf("clientapi: dropped session for %s owned %s, logged out", sess.remoteAddr, name)
		}
	}()

	r := wire.NewReader(conn)
	for {
		env, err := r.ReadEnvelope()
		if err != nil {
			if err != io.EOF {
				log.Printf("clientapi: %s read error: %v", sess.remoteAddr, err)
			}
			return
		}

		if err := chatstate.ValidateVersion(env.Version, wire.SupportedVersion); err != nil {
			e.reply(sess, wire.RepError, wire.ErrorReplyData{Error: err.Error()})
			e.stats.ObserveRequest(env.Command, "error")
			continue
		}

		e.dispatch(sess, env)
	}
}

func (e *Endpoint) dispatch(sess *Session, env *wire.Envelope) {
	cmd, reply, err := e.apply(sess, env)
	if err != nil {
		e.reply(sess, wire.RepError, wire.ErrorReplyData{Error: err.Error()})
		e.stats.ObserveRequest(env.Command, "error")
		return
	}
	e.reply(sess, cmd, reply)
	e.stats.ObserveRequest(env.Command, "ok")
}

// apply decodes env.Data for env.Command, calls the matching StateMachine
// operation, and returns the reply command/payload to send back. It never
// touches the socket directly, so it can be unit tested without a net.Conn.
func (e *Endpoint) apply(sess *Session, env *wire.Envelope) (string, interface{}, error) {
	switch env.Command {
	case wire.CmdCreate:
		var d wire.AuthData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return "", nil, wire.ErrBadPayload
		}
		r, err := e.sm.CreateAccount(d.Username, d.Password, sess.remoteAddr)
		if err != nil {
			return "", nil, err
		}
		sess.username = d.Username
		return wire.RepLogin, wire.LoginReplyData{Username: r.Username, UndelivMessages: r.UndeliveredCount}, nil

	case wire.CmdLogin:
		var d wire.AuthData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return "", nil, wire.ErrBadPayload
		}
		r, err := e.sm.Login(d.Username, d.Password, sess.remoteAddr)
		if err != nil {
			return "", nil, err
		}
		sess.username = d.Username
		return wire.RepLogin, wire.LoginReplyData{Username: r.Username, UndelivMessages: r.UndeliveredCount}, nil

	case wire.CmdLogout:
		var d wire.LogoutData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return "", nil, wire.ErrBadPayload
		}
		if err := e.sm.Logout(d.Username); err != nil {
			return "", nil, err
		}
		sess.username = ""
		return wire.RepLogout, wire.LogoutReplyData{}, nil

	case wire.CmdSearch:
		var d wire.SearchData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return "", nil, wire.ErrBadPayload
		}
		r := e.sm.SearchUsers(d.Search)
		return wire.RepUserList, wire.UserListReplyData{UserList: r.Users}, nil

	case wire.CmdDeleteAcct:
		var d wire.DeleteAcctData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return "", nil, wire.ErrBadPayload
		}
		if err := e.sm.DeleteAccount(d.Username); err != nil {
			return "", nil, err
		}
		sess.username = ""
		return wire.RepLogout, wire.LogoutReplyData{}, nil

	case wire.CmdSendMsg:
		var d wire.SendMsgData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return "", nil, wire.ErrBadPayload
		}
		r, err := e.sm.SendMessage(d.Sender, d.Recipient, d.Message)
		if err != nil {
			return "", nil, err
		}
		return wire.RepRefreshHome, wire.RefreshHomeReplyData{UndelivMessages: r.UndeliveredCount}, nil

	case wire.CmdGetUndelivered:
		var d wire.GetUndeliveredData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return "", nil, wire.ErrBadPayload
		}
		r, err := e.sm.GetUndelivered(d.Username, d.NumMessages)
		if err != nil {
			return "", nil, err
		}
		return wire.RepMessages, toMessagesReply(r), nil

	case wire.CmdGetDelivered:
		var d wire.GetDeliveredData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return "", nil, wire.ErrBadPayload
		}
		r, err := e.sm.GetDelivered(d.Username, d.NumMessages)
		if err != nil {
			return "", nil, err
		}
		return wire.RepMessages, toMessagesReply(r), nil

	case wire.CmdRefreshHome:
		var d wire.RefreshHomeData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return "", nil, wire.ErrBadPayload
		}
		r := e.sm.RefreshHome(d.Username)
		return wire.RepRefreshHome, wire.RefreshHomeReplyData{UndelivMessages: r.UndeliveredCount}, nil

	case wire.CmdDeleteMsg:
		var d wire.DeleteMsgData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return "", nil, wire.ErrBadPayload
		}
		ids, err := chatstate.ParseIDs(d.DeleteIds)
		if err != nil {
			return "", nil, err
		}
		r, err := e.sm.DeleteMessage(d.CurrentUser, ids)
		if err != nil {
			return "", nil, err
		}
		return wire.RepRefreshHome, wire.RefreshHomeReplyData{UndelivMessages: r.UndeliveredCount}, nil

	case wire.CmdRegisterDevice:
		var d wire.RegisterDeviceData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return "", nil, wire.ErrBadPayload
		}
		r, err := e.sm.RegisterDevice(d.Username, d.Token)
		if err != nil {
			return "", nil, err
		}
		return wire.RepRefreshHome, wire.RefreshHomeReplyData{UndelivMessages: r.UndeliveredCount}, nil
	}

	return "", nil, wire.ErrUnknownCommand
}

func (e *Endpoint) reply(sess *Session, command string, payload interface{}) {
	env, err := wire.NewEnvelope(command, payload)
	if err != nil {
		log.Printf("clientapi: %s failed to build reply: %v", sess.remoteAddr, err)
		return
	}
	sess.queueOut(env)
}

func toMessagesReply(r chatstate.MessagesReply) wire.MessagesReplyData {
	views := make([]wire.MessageView, len(r.Messages))
	for i, m := range r.Messages {
		views[i] = wire.MessageView{ID: m.ID, Sender: m.Sender, Message: m.Body}
	}
	return wire.MessagesReplyData{Messages: views}
}
