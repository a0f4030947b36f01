package channel

import (
	"context"

	"github.com/johnewart/go-tribes/cluster"
)

// Transport moves encoded envelopes between members. Implementations must be
// safe for concurrent use. Receive blocks until data arrives, ctx is done or
// the transport is stopped, in which case it returns ErrClosed.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error
	SendTo(ctx context.Context, members []*cluster.Member, data []byte, options Options) error
	Receive(ctx context.Context) ([]byte, error)
	LocalMember() *cluster.Member
}

// Listener receives complete messages. Accept is consulted first; only
// listeners that accept a message see it.
type Listener interface {
	Accept(msg *Message) bool
	MessageReceived(msg *Message)
}

// MembershipListener is told about membership changes exactly once per
// change.
type MembershipListener interface {
	MemberAdded(member *cluster.Member)
	MemberDisappeared(member *cluster.Member)
}
