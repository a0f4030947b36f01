package buffers

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// SequenceError reports a sequence number that was already delivered or is
// already waiting in the buffer. It indicates a protocol bug in the sender's
// stream and is never resolved by overwriting.
type SequenceError struct {
	Sender   string
	Sequence int64
	Expected int64
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("duplicate sequence %d from %q (expecting %d)", e.Sequence, e.Sender, e.Expected)
}

type pending[T any] struct {
	seq   int64
	item  T
	added time.Time
}

type stream[T any] struct {
	expected int64
	pending  []pending[T]
}

// OrderBuffer restores per-sender FIFO order. Each sender numbers its
// messages from zero; items are released only while the lowest pending
// sequence is the next one expected.
type OrderBuffer[T any] struct {
	mu      sync.Mutex
	maxAge  time.Duration
	streams map[string]*stream[T]
	now     func() time.Time
}

func NewOrderBuffer[T any](maxAge time.Duration) *OrderBuffer[T] {
	return &OrderBuffer[T]{
		maxAge:  maxAge,
		streams: make(map[string]*stream[T]),
		now:     time.Now,
	}
}

func comparePending[T any](p pending[T], seq int64) int {
	switch {
	case p.seq < seq:
		return -1
	case p.seq > seq:
		return 1
	}
	return 0
}

// Offer adds item with sequence seq from sender and returns every item that
// is now deliverable, in ascending sequence order.
func (b *OrderBuffer[T]) Offer(sender string, seq int64, item T) ([]T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[sender]
	if !ok {
		s = &stream[T]{}
		b.streams[sender] = s
	}

	if seq < s.expected {
		return nil, &SequenceError{Sender: sender, Sequence: seq, Expected: s.expected}
	}
	idx, found := slices.BinarySearchFunc(s.pending, seq, comparePending[T])
	if found {
		return nil, &SequenceError{Sender: sender, Sequence: seq, Expected: s.expected}
	}
	s.pending = slices.Insert(s.pending, idx, pending[T]{seq: seq, item: item, added: b.now()})
	return s.release(), nil
}

func (s *stream[T]) release() []T {
	var out []T
	n := 0
	for n < len(s.pending) && s.pending[n].seq == s.expected {
		out = append(out, s.pending[n].item)
		s.expected++
		n++
	}
	if n > 0 {
		s.pending = slices.Delete(s.pending, 0, n)
	}
	return out
}

// Expire drops pending items older than the max age. The gap they were
// waiting behind is skipped, so any items queued after the dropped ones that
// became contiguous are returned for delivery.
func (b *OrderBuffer[T]) Expire() (released []T, dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.maxAge)
	for _, s := range b.streams {
		lastStale := -1
		for i, p := range s.pending {
			if p.added.Before(cutoff) {
				lastStale = i
			}
		}
		if lastStale < 0 {
			continue
		}
		dropped += lastStale + 1
		s.expected = s.pending[lastStale].seq + 1
		s.pending = slices.Delete(s.pending, 0, lastStale+1)
		released = append(released, s.release()...)
	}
	return released, dropped
}

// Forget discards all state for sender, e.g. when the member departs.
func (b *OrderBuffer[T]) Forget(sender string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, sender)
}

func (b *OrderBuffer[T]) Pending(sender string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[sender]; ok {
		return len(s.pending)
	}
	return 0
}
