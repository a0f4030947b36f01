package rpc

import (
	"sync"

	"github.com/johnewart/go-tribes/cluster"
)

type Policy int

const (
	NoReply Policy = iota
	FirstReply
	MajorityReply
	AllReply
)

func (p Policy) String() string {
	switch p {
	case NoReply:
		return "none"
	case FirstReply:
		return "first"
	case MajorityReply:
		return "majority"
	case AllReply:
		return "all"
	}
	return "unknown"
}

type Response struct {
	Source  *cluster.Member
	Message []byte
}

// collector gathers the replies of one outstanding call. done is closed
// exactly once, when the policy is satisfied.
type collector struct {
	mu        sync.Mutex
	policy    Policy
	expected  int
	responses []Response
	done      chan struct{}
	closed    bool
}

func newCollector(policy Policy, expected int) *collector {
	return &collector{
		policy:   policy,
		expected: expected,
		done:     make(chan struct{}),
	}
}

func (c *collector) add(r Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.responses = append(c.responses, r)
	c.checkLocked()
}

// decline accounts for a destination that will never answer, either because
// it sent a no-data reply or because the message could not be delivered.
func (c *collector) decline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expected--
	c.checkLocked()
}

func (c *collector) checkLocked() {
	if !c.closed && c.isCompleteLocked() {
		c.closed = true
		close(c.done)
	}
}

func (c *collector) isCompleteLocked() bool {
	if c.expected <= 0 {
		return true
	}
	switch c.policy {
	case AllReply:
		return len(c.responses) >= c.expected
	case MajorityReply:
		return float64(len(c.responses))/float64(c.expected) >= 0.50
	case FirstReply:
		return len(c.responses) > 0
	}
	return true
}

func (c *collector) snapshot() []Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Response(nil), c.responses...)
}
