package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnewart/go-tribes/buffers"
	"github.com/johnewart/go-tribes/cluster"
	"github.com/johnewart/go-tribes/membership"
	"github.com/johnewart/go-tribes/membership/storage"
	"github.com/johnewart/go-tribes/metrics"
	"github.com/johnewart/go-tribes/util"
	"golang.org/x/exp/slices"
	"zombiezen.com/go/log"
)

type Config struct {
	HeartbeatInterval time.Duration
	MemberExpiry      time.Duration

	// Payloads larger than FragmentThreshold are sent as FragmentSize pieces.
	FragmentThreshold int
	FragmentSize      int
	FragmentExpiry    time.Duration
	// MaxMessageSize bounds outgoing payloads; MaxFragments, derived from it
	// when unset, bounds the fragment count accepted from the wire.
	MaxMessageSize int
	MaxFragments   int
	OrderExpiry       time.Duration

	ReceiveWorkers      int
	ReceiveErrorBackoff time.Duration
	MaxReceiveErrors    int
	RecoveryAttempts    int
	RecoverySleep       time.Duration

	// Seeds are contacted with heartbeats even before they are members.
	Seeds []*cluster.Member
	// Store is an optional shared seed directory.
	Store   storage.MemberStore
	Metrics *metrics.Registry
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   500 * time.Millisecond,
		MemberExpiry:        3 * time.Second,
		FragmentThreshold:   64 * 1024,
		FragmentSize:        32 * 1024,
		FragmentExpiry:      60 * time.Second,
		MaxMessageSize:      64 * 1024 * 1024,
		OrderExpiry:         3 * time.Second,
		ReceiveWorkers:      1,
		ReceiveErrorBackoff: 100 * time.Millisecond,
		MaxReceiveErrors:    5,
		RecoveryAttempts:    10,
		RecoverySleep:       5 * time.Second,
	}
}

// GroupChannel is the messaging primitive every higher layer sits on. It
// owns the membership directory, runs the heartbeat, receive and recovery
// tasks and passes payloads through the fragmentation and ordering stages.
type GroupChannel struct {
	ctx        context.Context
	cancel     context.CancelFunc
	config     Config
	transport  Transport
	membership *membership.Membership
	metrics    *metrics.Registry
	startTime  time.Time

	mu              sync.RWMutex
	listeners       []Listener
	memberListeners []MembershipListener
	storeMembers    []*cluster.Member

	orderMu        sync.Mutex
	orderBuffer    *buffers.OrderBuffer[*Message]
	deliveries     map[string]*deliveryQueue
	fragmentBuffer *buffers.FragmentBuffer

	seqMu     sync.Mutex
	sequences map[string]int64

	recoveryMu    sync.Mutex
	recovering    bool
	recoveryRuns  int
	receiveErrors atomic.Int32

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewGroupChannel(ctx context.Context, transport Transport, config Config) *GroupChannel {
	defaults := DefaultConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.MemberExpiry <= 0 {
		config.MemberExpiry = defaults.MemberExpiry
	}
	if config.FragmentSize <= 0 {
		config.FragmentSize = defaults.FragmentSize
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if config.MaxFragments <= 0 {
		config.MaxFragments = (config.MaxMessageSize + config.FragmentSize - 1) / config.FragmentSize
	}
	if config.FragmentExpiry <= 0 {
		config.FragmentExpiry = defaults.FragmentExpiry
	}
	if config.OrderExpiry <= 0 {
		config.OrderExpiry = defaults.OrderExpiry
	}
	if config.ReceiveWorkers <= 0 {
		config.ReceiveWorkers = 1
	}
	if config.MaxReceiveErrors <= 0 {
		config.MaxReceiveErrors = defaults.MaxReceiveErrors
	}
	if config.RecoveryAttempts <= 0 {
		config.RecoveryAttempts = defaults.RecoveryAttempts
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewNoopRegistry()
	}

	ctx, cancel := context.WithCancel(ctx)
	return &GroupChannel{
		ctx:            ctx,
		cancel:         cancel,
		config:         config,
		transport:      transport,
		membership:     membership.NewMembership(transport.LocalMember(), nil),
		metrics:        config.Metrics,
		orderBuffer:    buffers.NewOrderBuffer[*Message](config.OrderExpiry),
		fragmentBuffer: buffers.NewFragmentBuffer(config.FragmentExpiry, config.MaxFragments),
		sequences:      make(map[string]int64),
		deliveries:     make(map[string]*deliveryQueue),
	}
}

func (c *GroupChannel) LocalMember() *cluster.Member {
	return c.transport.LocalMember()
}

func (c *GroupChannel) Membership() *membership.Membership {
	return c.membership
}

// Members returns the live peers, excluding the local member.
func (c *GroupChannel) Members() []*cluster.Member {
	return c.membership.Members()
}

func (c *GroupChannel) Metrics() *metrics.Registry {
	return c.metrics
}

func (c *GroupChannel) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *GroupChannel) RemoveListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = slices.DeleteFunc(slices.Clone(c.listeners), func(o Listener) bool { return o == l })
}

func (c *GroupChannel) AddMembershipListener(l MembershipListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memberListeners = append(c.memberListeners, l)
}

func (c *GroupChannel) RemoveMembershipListener(l MembershipListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memberListeners = slices.DeleteFunc(slices.Clone(c.memberListeners), func(o MembershipListener) bool { return o == l })
}

func (c *GroupChannel) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("channel already started")
	}
	if err := c.transport.Start(c.ctx); err != nil {
		c.running.Store(false)
		return fmt.Errorf("unable to start transport: %v", err)
	}
	c.startTime = time.Now()

	log.Infof(c.ctx, "Starting group channel for %v with %d receive worker(s)", c.LocalMember(), c.config.ReceiveWorkers)
	for i := 0; i < c.config.ReceiveWorkers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.receiveLoop()
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop()
	}()
	return nil
}

// Stop cancels every task, stops the transport to interrupt blocking
// receives and waits for the tasks to exit.
func (c *GroupChannel) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	log.Infof(c.ctx, "Stopping group channel for %v", c.LocalMember())
	c.cancel()
	err := c.transport.Stop()
	c.wg.Wait()

	if c.config.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := c.config.Store.Remove(ctx, c.LocalMember()); rerr != nil {
			log.Warnf(ctx, "Unable to remove %v from member store: %v", c.LocalMember(), rerr)
		}
	}
	if err != nil {
		return fmt.Errorf("unable to stop transport: %v", err)
	}
	return nil
}

// Send delivers payload to members. The returned message describes what was
// sent; a *ChannelError lists the members that could not be reached.
func (c *GroupChannel) Send(ctx context.Context, members []*cluster.Member, payload []byte, options Options) (*Message, error) {
	if !c.running.Load() {
		return nil, ErrClosed
	}
	if len(payload) > c.config.MaxMessageSize {
		return nil, fmt.Errorf("unable to send %d bytes: %w (limit %d)", len(payload), ErrMessageTooLarge, c.config.MaxMessageSize)
	}
	msg := &Message{
		UniqueID:  cluster.NewUniqueID(),
		Address:   c.LocalMember(),
		Timestamp: time.Now().UnixMilli(),
		Options:   options.Without(OptionFragment | OptionHeartbeat),
		Payload:   payload,
	}
	if len(members) == 0 {
		return msg, nil
	}

	if options.Has(OptionAsynchronous) {
		go func() {
			if err := c.deliver(c.ctx, members, msg); err != nil {
				log.Warnf(c.ctx, "Asynchronous send of %s failed: %v", msg.UniqueID, err)
			}
		}()
		return msg, nil
	}
	return msg, c.deliver(ctx, members, msg)
}

func (c *GroupChannel) deliver(ctx context.Context, members []*cluster.Member, msg *Message) error {
	pieces := [][]byte{msg.Payload}
	fragmented := c.config.FragmentThreshold > 0 && len(msg.Payload) > c.config.FragmentThreshold
	if fragmented {
		pieces = buffers.Split(msg.Payload, c.config.FragmentSize)
	}

	faults := NewChannelError()
	failed := make(map[string]bool)
	record := func(err error, targets []*cluster.Member) {
		attempt := NewChannelError()
		attempt.Merge(err, targets)
		for _, f := range attempt.Faulty {
			if !failed[f.Member.Key()] {
				failed[f.Member.Key()] = true
				faults.Add(f.Member, f.Err)
			}
		}
	}

	c.metrics.CountMessageSent(len(members))
	if msg.Options.Has(OptionOrdered) {
		for _, m := range members {
			seqs := c.nextSequences(m, len(pieces))
			for i, piece := range pieces {
				data, opts, err := encodePiece(msg, i, len(pieces), fragmented, seqs[i], piece)
				if err != nil {
					return err
				}
				if err := c.transport.SendTo(ctx, []*cluster.Member{m}, data, opts); err != nil {
					record(err, []*cluster.Member{m})
					break
				}
			}
		}
	} else {
		for i, piece := range pieces {
			data, opts, err := encodePiece(msg, i, len(pieces), fragmented, -1, piece)
			if err != nil {
				return err
			}
			if err := c.transport.SendTo(ctx, members, data, opts); err != nil {
				record(err, members)
			}
		}
	}

	if len(faults.Faulty) > 0 {
		c.metrics.CountSendFailures(len(faults.Faulty))
		log.Debugf(ctx, "Message %s: %v", msg.UniqueID, faults)
	}
	return faults.ErrOrNil()
}

func (c *GroupChannel) nextSequences(m *cluster.Member, n int) []int64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	out := make([]int64, n)
	for i := range out {
		out[i] = c.sequences[m.Key()]
		c.sequences[m.Key()]++
	}
	return out
}

// encodePiece prefixes the payload with seq:8 when ordered and with
// index:4 | total:4 when fragmented, then encodes the envelope.
func encodePiece(msg *Message, index, total int, fragmented bool, seq int64, piece []byte) ([]byte, Options, error) {
	w := util.NewWireWriter(16 + len(piece))
	if msg.Options.Has(OptionOrdered) {
		w.PutInt64(seq)
	}
	m := msg.Clone()
	if fragmented {
		w.PutInt32(int32(index))
		w.PutInt32(int32(total))
		m.Options |= OptionFragment
	}
	w.PutRaw(piece)
	m.Payload = w.Bytes()

	data, err := m.Encode()
	if err != nil {
		return nil, 0, err
	}
	return data, m.Options, nil
}

func (c *GroupChannel) receiveLoop() {
	for {
		data, err := c.transport.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.metrics.CountReceiveError()
			streak := int(c.receiveErrors.Add(1))
			log.Warnf(c.ctx, "Unable to receive message (%d consecutive failures): %v", streak, err)
			if streak >= c.config.MaxReceiveErrors {
				c.triggerRecovery()
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.config.ReceiveErrorBackoff):
			}
			continue
		}
		c.receiveErrors.Store(0)
		c.handle(data)
	}
}

func (c *GroupChannel) handle(data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		log.Warnf(c.ctx, "Dropping undecodable message: %v", err)
		return
	}
	c.metrics.CountMessageReceived()

	if msg.Options.Has(OptionHeartbeat) {
		c.memberAlive(msg.Address)
		return
	}

	if !msg.Options.Has(OptionOrdered) {
		c.reassemble(msg)
		return
	}

	r := util.NewWireReader(msg.Payload)
	seq := r.Int64("sequence")
	rest := r.Rest()
	if err := r.Err(); err != nil {
		log.Warnf(c.ctx, "Dropping ordered message %s from %v: %v", msg.UniqueID, msg.Address, err)
		return
	}
	m := msg.Clone()
	m.Payload = rest

	c.orderMu.Lock()
	released, err := c.orderBuffer.Offer(msg.Address.Key(), seq, m)
	if err != nil {
		c.orderMu.Unlock()
		log.Errorf(c.ctx, "Rejecting message %s from %v: %v", msg.UniqueID, msg.Address, err)
		return
	}
	drain := c.enqueueLocked(msg.Address.Key(), released)
	c.orderMu.Unlock()
	if drain {
		c.drain(msg.Address.Key())
	}
}

// deliveryQueue holds released ordered messages of one sender. Only the
// worker that set draining dispatches from it, so a sender's messages reach
// listeners in sequence while orderMu stays free during dispatch.
type deliveryQueue struct {
	pending  []*Message
	draining bool
}

// enqueueLocked appends released messages to the sender's queue and reports
// whether the caller must drain it. Requires orderMu.
func (c *GroupChannel) enqueueLocked(sender string, released []*Message) bool {
	if len(released) == 0 {
		return false
	}
	q, ok := c.deliveries[sender]
	if !ok {
		q = &deliveryQueue{}
		c.deliveries[sender] = q
	}
	q.pending = append(q.pending, released...)
	if q.draining {
		return false
	}
	q.draining = true
	return true
}

func (c *GroupChannel) drain(sender string) {
	c.orderMu.Lock()
	q := c.deliveries[sender]
	for len(q.pending) > 0 {
		next := q.pending[0]
		q.pending = q.pending[1:]
		c.orderMu.Unlock()
		c.reassemble(next)
		c.orderMu.Lock()
	}
	q.draining = false
	delete(c.deliveries, sender)
	c.orderMu.Unlock()
}

func (c *GroupChannel) reassemble(msg *Message) {
	if !msg.Options.Has(OptionFragment) {
		c.dispatch(msg)
		return
	}

	r := util.NewWireReader(msg.Payload)
	index := r.Int32("fragment index")
	total := r.Int32("fragment total")
	piece := r.Rest()
	if err := r.Err(); err != nil {
		log.Warnf(c.ctx, "Dropping fragment of %s: %v", msg.UniqueID, err)
		return
	}

	payload, complete, err := c.fragmentBuffer.Add(msg.UniqueID.String(), int(index), int(total), piece)
	if err != nil {
		log.Warnf(c.ctx, "Dropping fragment of %s: %v", msg.UniqueID, err)
		return
	}
	if !complete {
		return
	}
	m := msg.Clone()
	m.Payload = payload
	m.Options = m.Options.Without(OptionFragment)
	c.dispatch(m)
}

func (c *GroupChannel) dispatch(msg *Message) {
	c.mu.RLock()
	listeners := c.listeners
	c.mu.RUnlock()

	accepted := false
	for _, l := range listeners {
		if l.Accept(msg) {
			accepted = true
			l.MessageReceived(msg)
		}
	}
	if !accepted {
		log.Debugf(c.ctx, "No listener accepted message %s from %v", msg.UniqueID, msg.Address)
	}
}

func (c *GroupChannel) memberAlive(m *cluster.Member) {
	if !c.membership.MemberAlive(m) {
		return
	}
	log.Infof(c.ctx, "Member added: %v", m)
	c.metrics.CountMemberAdded()
	c.metrics.UpdateMemberCount(c.membership.Size())

	c.mu.RLock()
	listeners := c.memberListeners
	c.mu.RUnlock()
	for _, l := range listeners {
		l.MemberAdded(m)
	}
}

func (c *GroupChannel) memberDisappeared(m *cluster.Member) {
	log.Infof(c.ctx, "Member disappeared: %v", m)
	c.metrics.CountMemberExpired()
	c.orderBuffer.Forget(m.Key())
	c.seqMu.Lock()
	delete(c.sequences, m.Key())
	c.seqMu.Unlock()

	c.mu.RLock()
	listeners := c.memberListeners
	c.mu.RUnlock()
	for _, l := range listeners {
		l.MemberDisappeared(m)
	}
}

func (c *GroupChannel) heartbeatLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	c.heartbeat()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.heartbeat()
		}
	}
}

// heartbeat announces the local member, refreshes the seed list from the
// store and sweeps silent members and stale buffer entries.
func (c *GroupChannel) heartbeat() {
	err := c.metrics.TimeHeartbeat(func() error {
		local := c.LocalMember().Clone()
		local.AliveTime = time.Since(c.startTime).Milliseconds()

		if store := c.config.Store; store != nil {
			if err := store.Announce(c.ctx, local); err != nil {
				log.Warnf(c.ctx, "Unable to announce ourselves: %v", err)
			}
			if members, err := store.GetMembers(c.ctx); err != nil {
				log.Warnf(c.ctx, "Unable to fetch members from store: %v", err)
			} else {
				c.mu.Lock()
				c.storeMembers = members
				c.mu.Unlock()
			}
		}

		if dests := c.heartbeatDestinations(); len(dests) > 0 {
			msg := &Message{
				UniqueID:  cluster.NewUniqueID(),
				Address:   local,
				Timestamp: time.Now().UnixMilli(),
				Options:   OptionHeartbeat,
				Payload:   []byte{},
			}
			data, err := msg.Encode()
			if err != nil {
				return fmt.Errorf("unable to encode heartbeat: %v", err)
			}
			if err := c.transport.SendTo(c.ctx, dests, data, OptionHeartbeat); err != nil {
				log.Debugf(c.ctx, "Heartbeat not delivered everywhere: %v", err)
			}
		}

		c.sweep()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warnf(c.ctx, "Heartbeat failed: %v", err)
	}
}

func (c *GroupChannel) heartbeatDestinations() []*cluster.Member {
	known := c.membership.Members()
	dests := slices.Clone(known)
	addresses := map[string]bool{c.LocalMember().Address(): true}
	for _, m := range known {
		addresses[m.Address()] = true
	}

	c.mu.RLock()
	candidates := append(slices.Clone(c.storeMembers), c.config.Seeds...)
	c.mu.RUnlock()
	for _, m := range candidates {
		if !addresses[m.Address()] {
			addresses[m.Address()] = true
			dests = append(dests, m)
		}
	}
	return dests
}

func (c *GroupChannel) sweep() {
	expired := c.membership.Expire(c.config.MemberExpiry)
	for _, m := range expired {
		c.memberDisappeared(m)
	}
	c.metrics.UpdateMemberCount(c.membership.Size())

	c.orderMu.Lock()
	released, dropped := c.orderBuffer.Expire()
	if dropped > 0 {
		log.Debugf(c.ctx, "Skipped %d stale ordered message(s)", dropped)
	}
	senders := make([]string, 0)
	for _, msg := range released {
		if c.enqueueLocked(msg.Address.Key(), []*Message{msg}) {
			senders = append(senders, msg.Address.Key())
		}
	}
	c.orderMu.Unlock()
	for _, sender := range senders {
		c.drain(sender)
	}

	if n := c.fragmentBuffer.Expire(); n > 0 {
		log.Debugf(c.ctx, "Dropped %d incomplete fragmented message(s)", n)
	}
}

// triggerRecovery starts the recovery task unless it is already running and
// reports whether it started one.
func (c *GroupChannel) triggerRecovery() bool {
	c.recoveryMu.Lock()
	if c.recovering {
		c.recoveryMu.Unlock()
		return false
	}
	c.recovering = true
	c.recoveryRuns++
	c.recoveryMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.recoveryMu.Lock()
			c.recovering = false
			c.recoveryMu.Unlock()
		}()
		c.runRecovery()
	}()
	return true
}

// RecoveryRuns returns how many times the recovery task was started.
func (c *GroupChannel) RecoveryRuns() int {
	c.recoveryMu.Lock()
	defer c.recoveryMu.Unlock()
	return c.recoveryRuns
}

func (c *GroupChannel) runRecovery() {
	for attempt := 1; attempt <= c.config.RecoveryAttempts; attempt++ {
		if c.ctx.Err() != nil {
			return
		}
		log.Infof(c.ctx, "Attempting channel recovery (%d/%d)", attempt, c.config.RecoveryAttempts)
		c.metrics.CountRecovery()

		if err := c.transport.Stop(); err != nil {
			log.Warnf(c.ctx, "Unable to stop transport during recovery: %v", err)
		}
		departed := c.membership.Members()
		c.membership.Reset()
		for _, m := range departed {
			c.memberDisappeared(m)
		}

		if err := c.transport.Start(c.ctx); err != nil {
			log.Warnf(c.ctx, "Unable to restart transport: %v", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.config.RecoverySleep):
			}
			continue
		}

		c.receiveErrors.Store(0)
		log.Infof(c.ctx, "Channel recovered after %d attempt(s)", attempt)
		return
	}
	log.Errorf(c.ctx, "Giving up channel recovery after %d attempts", c.config.RecoveryAttempts)
}
