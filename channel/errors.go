package channel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/johnewart/go-tribes/cluster"
)

var (
	ErrClosed          = errors.New("channel closed")
	ErrMessageTooLarge = errors.New("message too large")
)

// FaultyMember is a destination that could not be reached and why.
type FaultyMember struct {
	Member *cluster.Member
	Err    error
}

// ChannelError aggregates per-destination failures of a multi-destination
// send. Destinations not listed were reached.
type ChannelError struct {
	Faulty []FaultyMember
}

func NewChannelError() *ChannelError {
	return &ChannelError{}
}

func (e *ChannelError) Add(m *cluster.Member, err error) {
	e.Faulty = append(e.Faulty, FaultyMember{Member: m, Err: err})
}

// Merge folds other into e. A plain error is attributed to every member in
// members.
func (e *ChannelError) Merge(err error, members []*cluster.Member) {
	var ce *ChannelError
	if errors.As(err, &ce) {
		e.Faulty = append(e.Faulty, ce.Faulty...)
		return
	}
	for _, m := range members {
		e.Add(m, err)
	}
}

func (e *ChannelError) Members() []*cluster.Member {
	out := make([]*cluster.Member, 0, len(e.Faulty))
	for _, f := range e.Faulty {
		out = append(out, f.Member)
	}
	return out
}

func (e *ChannelError) IsFaulty(m *cluster.Member) bool {
	for _, f := range e.Faulty {
		if f.Member.Equal(m) {
			return true
		}
	}
	return false
}

// ErrOrNil returns nil when nothing failed.
func (e *ChannelError) ErrOrNil() error {
	if e == nil || len(e.Faulty) == 0 {
		return nil
	}
	return e
}

func (e *ChannelError) Error() string {
	parts := make([]string, 0, len(e.Faulty))
	for _, f := range e.Faulty {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Member.Address(), f.Err))
	}
	return fmt.Sprintf("unable to send to %d member(s): %s", len(e.Faulty), strings.Join(parts, "; "))
}

func (e *ChannelError) Unwrap() []error {
	out := make([]error, 0, len(e.Faulty))
	for _, f := range e.Faulty {
		out = append(out, f.Err)
	}
	return out
}
