package storage

import (
	"context"

	"github.com/johnewart/go-tribes/cluster"
)

// MemberStore is a shared seed directory. Nodes announce themselves on every
// heartbeat so that new nodes learn whom to send their first heartbeats to.
// Liveness is still decided by the membership directory.
type MemberStore interface {
	GetMembers(ctx context.Context) ([]*cluster.Member, error)
	Announce(ctx context.Context, member *cluster.Member) error
	Remove(ctx context.Context, member *cluster.Member) error
}

// Purger is implemented by stores whose rows do not expire on their own.
// Purge removes entries not announced within the ttl.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}
