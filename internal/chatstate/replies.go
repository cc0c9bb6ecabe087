package chatstate

// Reply shapes returned by origin-apply operations. These are
// transport-agnostic; internal/clientapi maps them onto wire.* payloads.

type LoginReply struct {
	Username         string
	UndeliveredCount int
}

type RefreshReply struct {
	UndeliveredCount int
}

type MessagesReply struct {
	Messages []Message
}

type UserListReply struct {
	Users []string
}
