package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/johnewart/go-tribes/channel"
	"github.com/johnewart/go-tribes/cluster"
)

var (
	ErrUnreachable = errors.New("member unreachable")
	ErrDropped     = errors.New("message dropped")
	errInjected    = errors.New("injected receive failure")
)

// Hub connects in-process transports. It can drop traffic between pairs of
// members and split endpoints into partitions, which makes it the transport
// of choice for multi-node tests.
type Hub struct {
	mu         sync.RWMutex
	endpoints  map[string]*HubTransport
	dropped    map[string]bool
	partitions map[string]int
}

func NewHub() *Hub {
	return &Hub{
		endpoints:  make(map[string]*HubTransport),
		dropped:    make(map[string]bool),
		partitions: make(map[string]int),
	}
}

func (h *Hub) NewTransport(local *cluster.Member) *HubTransport {
	return &HubTransport{hub: h, local: local, inboxSize: 4096}
}

// Drop silently discards traffic from one member to another while enabled.
func (h *Hub) Drop(from, to *cluster.Member, enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := from.Address() + "->" + to.Address()
	if enabled {
		h.dropped[key] = true
	} else {
		delete(h.dropped, key)
	}
}

// Partition splits the listed members into groups that cannot reach each
// other. Members not listed can reach everybody.
func (h *Hub) Partition(groups ...[]*cluster.Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partitions = make(map[string]int)
	for i, group := range groups {
		for _, m := range group {
			h.partitions[m.Address()] = i
		}
	}
}

func (h *Hub) Heal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partitions = make(map[string]int)
	h.dropped = make(map[string]bool)
}

func (h *Hub) register(t *HubTransport) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr := t.local.Address()
	if existing, ok := h.endpoints[addr]; ok && existing != t {
		return fmt.Errorf("address %s already in use", addr)
	}
	h.endpoints[addr] = t
	return nil
}

func (h *Hub) unregister(t *HubTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[t.local.Address()] == t {
		delete(h.endpoints, t.local.Address())
	}
}

func (h *Hub) route(from, to *cluster.Member) (*HubTransport, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	target, ok := h.endpoints[to.Address()]
	if !ok {
		return nil, ErrUnreachable
	}
	pf, fok := h.partitions[from.Address()]
	pt, tok := h.partitions[to.Address()]
	if fok && tok && pf != pt {
		return nil, ErrUnreachable
	}
	if h.dropped[from.Address()+"->"+to.Address()] {
		return nil, ErrDropped
	}
	return target, nil
}

type HubTransport struct {
	hub       *Hub
	local     *cluster.Member
	inboxSize int

	mu      sync.Mutex
	inbox   chan []byte
	done    chan struct{}
	running bool

	failReceives atomic.Int32
}

func (t *HubTransport) LocalMember() *cluster.Member {
	return t.local
}

func (t *HubTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	if err := t.hub.register(t); err != nil {
		return err
	}
	t.inbox = make(chan []byte, t.inboxSize)
	t.done = make(chan struct{})
	t.running = true
	return nil
}

func (t *HubTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.hub.unregister(t)
	close(t.done)
	t.running = false
	return nil
}

// FailReceives makes the next n Receive calls fail.
func (t *HubTransport) FailReceives(n int) {
	t.failReceives.Store(int32(n))
}

func (t *HubTransport) Receive(ctx context.Context) ([]byte, error) {
	if t.failReceives.Load() > 0 && t.failReceives.Add(-1) >= 0 {
		return nil, errInjected
	}

	t.mu.Lock()
	inbox, done, running := t.inbox, t.done, t.running
	t.mu.Unlock()
	if !running {
		return nil, channel.ErrClosed
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, channel.ErrClosed
	case data := <-inbox:
		return data, nil
	}
}

// SendTo copies data into each destination's inbox. Unreachable members are
// always reported; dropped messages only when an ack was requested.
func (t *HubTransport) SendTo(ctx context.Context, members []*cluster.Member, data []byte, options channel.Options) error {
	faults := channel.NewChannelError()
	ack := options.Has(channel.OptionUseAck) || options.Has(channel.OptionSynchronizedAck)
	for _, m := range members {
		target, err := t.hub.route(t.local, m)
		if errors.Is(err, ErrDropped) {
			if ack {
				faults.Add(m, err)
			}
			continue
		}
		if err != nil {
			faults.Add(m, err)
			continue
		}
		if err := target.deliver(ctx, append([]byte(nil), data...)); err != nil {
			faults.Add(m, err)
		}
	}
	return faults.ErrOrNil()
}

func (t *HubTransport) deliver(ctx context.Context, data []byte) error {
	t.mu.Lock()
	inbox, done, running := t.inbox, t.done, t.running
	t.mu.Unlock()
	if !running {
		return ErrUnreachable
	}

	select {
	case inbox <- data:
		return nil
	case <-done:
		return ErrUnreachable
	case <-ctx.Done():
		return ctx.Err()
	}
}
