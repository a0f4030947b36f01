package buffers

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Split cuts payload into pieces of at most size bytes. An empty payload
// yields a single empty fragment.
func Split(payload []byte, size int) [][]byte {
	if size <= 0 {
		size = len(payload)
	}
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	count := (len(payload) + size - 1) / size
	out := make([][]byte, 0, count)
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, payload[off:end])
	}
	return out
}

type collector struct {
	slots   [][]byte
	created time.Time
}

func (c *collector) complete() bool {
	for _, s := range c.slots {
		if s == nil {
			return false
		}
	}
	return true
}

func (c *collector) assemble() []byte {
	size := 0
	for _, s := range c.slots {
		size += len(s)
	}
	out := make([]byte, 0, size)
	for _, s := range c.slots {
		out = append(out, s...)
	}
	return out
}

// ErrTooManyFragments rejects fragments of messages above the size limit.
var ErrTooManyFragments = errors.New("too many fragments")

// FragmentBuffer reassembles fragmented messages keyed by the original
// message id.
type FragmentBuffer struct {
	mu           sync.Mutex
	expiry       time.Duration
	maxFragments int
	collectors   map[string]*collector
	now          func() time.Time
}

// NewFragmentBuffer keeps incomplete messages for expiry. Messages announcing
// more than maxFragments pieces are rejected before any slot is allocated.
func NewFragmentBuffer(expiry time.Duration, maxFragments int) *FragmentBuffer {
	return &FragmentBuffer{
		expiry:       expiry,
		maxFragments: maxFragments,
		collectors:   make(map[string]*collector),
		now:          time.Now,
	}
}

// Add stores fragment index of total for key. When the last missing fragment
// arrives the reassembled payload is returned with complete set to true.
func (b *FragmentBuffer) Add(key string, index, total int, data []byte) (payload []byte, complete bool, err error) {
	if total <= 0 || index < 0 || index >= total {
		return nil, false, fmt.Errorf("invalid fragment %d of %d for %s", index, total, key)
	}
	if total > b.maxFragments {
		return nil, false, fmt.Errorf("fragment %d of %d for %s: %w (limit %d)", index, total, key, ErrTooManyFragments, b.maxFragments)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.collectors[key]
	if !ok {
		c = &collector{slots: make([][]byte, total), created: b.now()}
		b.collectors[key] = c
	} else if len(c.slots) != total {
		return nil, false, fmt.Errorf("fragment count mismatch for %s: %d != %d", key, total, len(c.slots))
	}

	if data == nil {
		data = []byte{}
	}
	c.slots[index] = data
	if !c.complete() {
		return nil, false, nil
	}
	delete(b.collectors, key)
	return c.assemble(), true, nil
}

// Expire drops collectors older than the expiry window and returns how many
// were removed.
func (b *FragmentBuffer) Expire() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.expiry)
	removed := 0
	for key, c := range b.collectors {
		if c.created.Before(cutoff) {
			delete(b.collectors, key)
			removed++
		}
	}
	return removed
}

func (b *FragmentBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.collectors)
}
